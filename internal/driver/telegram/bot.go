package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"ex-relay/pkg/relay"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot lazily connects one Bot API client shared by the update source and
// the outbound dispatcher.
//
// Connecting calls getMe, so it is deferred until the driver starts and
// retried on the next use after a failure.
type Bot struct {
	token  string
	logger *slog.Logger
	newAPI func(token string) (*tgbotapi.BotAPI, error)

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

// NewBot creates an unconnected bot client.
func NewBot(token string, logger *slog.Logger) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("new telegram bot: empty token")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bot{
		token:  token,
		logger: logger,
		newAPI: tgbotapi.NewBotAPI,
	}, nil
}

// API returns the connected client, connecting on first use.
func (b *Bot) API() (*tgbotapi.BotAPI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.api != nil {
		return b.api, nil
	}
	api, err := b.newAPI(b.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	b.logger.Info("telegram bot connected",
		"username", api.Self.UserName,
		"id", api.Self.ID,
	)
	b.api = api

	return api, nil
}

// Send delivers one chattable through the connected client.
func (b *Bot) Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error) {
	api, err := b.API()
	if err != nil {
		return tgbotapi.Message{}, err
	}

	return api.Send(chattable)
}

// mapUpdate projects a Bot API update into the adapter DTO. Updates without
// a text message from a user are ignored.
func mapUpdate(self tgbotapi.User, raw tgbotapi.Update) (Update, bool) {
	message := raw.Message
	if message == nil || message.From == nil || message.Chat == nil || message.Text == "" {
		return Update{}, false
	}

	update := Update{
		ID:         strconv.Itoa(raw.UpdateID),
		Type:       UpdateTypeMessage,
		OccurredAt: message.Time().UTC(),
		Chat: ChatRef{
			ID:    strconv.FormatInt(message.Chat.ID, 10),
			Title: message.Chat.Title,
			Type:  relay.ConversationTypeGroup,
		},
		Actor: ActorRef{
			ID:          strconv.FormatInt(message.From.ID, 10),
			Username:    message.From.UserName,
			DisplayName: strings.TrimSpace(message.From.FirstName + " " + message.From.LastName),
			IsBot:       message.From.IsBot,
		},
		Message: &MessagePayload{
			ID:          strconv.Itoa(message.MessageID),
			Text:        message.Text,
			MentionsBot: mentions(self, message),
		},
	}
	if message.Chat.IsPrivate() {
		update.Chat.Type = relay.ConversationTypePrivate
		update.Chat.Title = message.From.UserName
	}
	if reply := message.ReplyToMessage; reply != nil {
		update.Message.ReplyToID = strconv.Itoa(reply.MessageID)
		update.Message.RepliesToBot = reply.From != nil && reply.From.ID == self.ID
	}

	return update, true
}

// mentions reports whether message names the bot by @username or text mention.
func mentions(self tgbotapi.User, message *tgbotapi.Message) bool {
	if self.UserName != "" && strings.Contains(strings.ToLower(message.Text), "@"+strings.ToLower(self.UserName)) {
		return true
	}
	for _, entity := range message.Entities {
		if entity.Type == "text_mention" && entity.User != nil && entity.User.ID == self.ID {
			return true
		}
	}

	return false
}
