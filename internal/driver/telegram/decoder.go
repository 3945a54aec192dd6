package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ex-relay/pkg/relay"
)

// ServerName is the transport server reported for every Telegram event.
const ServerName = "telegram"

const actionPrefix = "/me "

// Decoder converts Telegram update DTOs into neutral relay events.
type Decoder interface {
	// Decode maps one adapter update into a validated neutral event envelope.
	Decode(ctx context.Context, update Update) (*relay.Event, error)
}

// DefaultDecoder provides default Telegram-to-relay mappings.
//
// Group chats become channels on the "telegram" server, "/me" lines become
// actions, and a message counts as addressed to the bot when it is private,
// mentions the bot, or replies to the bot.
type DefaultDecoder struct{}

// NewDefaultDecoder creates a default decoder.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{}
}

// Decode converts a Telegram update into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*relay.Event, error) {
	if update.Type != UpdateTypeMessage {
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}
	if update.Message == nil {
		return nil, fmt.Errorf("decode update %s: missing message payload", update.Type)
	}

	event := newBaseEvent(update)
	event.Kind = relay.EventKindUserMessage
	event.Message, event.Transport = decodeMessage(update.Chat, update.Message)

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

// newBaseEvent builds the shared envelope fields.
func newBaseEvent(update Update) *relay.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &relay.Event{
		ID:         update.ID,
		OccurredAt: occurredAt,
		Source:     relay.EventSource{Platform: DriverPlatform},
		Conversation: relay.Conversation{
			ID:    update.Chat.ID,
			Type:  update.Chat.Type,
			Title: update.Chat.Title,
		},
		Actor: relay.Actor{
			ID:          update.Actor.ID,
			Username:    update.Actor.Username,
			DisplayName: update.Actor.DisplayName,
			IsBot:       update.Actor.IsBot,
		},
		Metadata: update.Metadata,
	}
}

// decodeMessage maps the payload into message content and transport attributes.
func decodeMessage(chat ChatRef, payload *MessagePayload) (*relay.Message, relay.TransportMetadata) {
	text := payload.Text
	transport := relay.TransportMetadata{
		Server:  ServerName,
		Command: relay.CommandKindMessage,
	}
	if chat.Type == relay.ConversationTypeGroup {
		transport.Channel = chat.ID
	}
	if action, ok := strings.CutPrefix(text, actionPrefix); ok {
		text = strings.TrimSpace(action)
		transport.Command = relay.CommandKindAction
	}
	addressed := chat.Type == relay.ConversationTypePrivate || payload.MentionsBot || payload.RepliesToBot
	transport.AddressedToSelf = relay.BoolPtr(addressed)

	return &relay.Message{
		ID:        payload.ID,
		ReplyToID: payload.ReplyToID,
		Text:      text,
	}, transport
}
