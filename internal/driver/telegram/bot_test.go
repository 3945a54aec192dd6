package telegram

import (
	"errors"
	"testing"

	"ex-relay/pkg/relay"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var testSelf = tgbotapi.User{ID: 1000, IsBot: true, UserName: "RelayBot"}

func TestMapUpdateGroupMessage(t *testing.T) {
	t.Parallel()

	raw := tgbotapi.Update{
		UpdateID: 55,
		Message: &tgbotapi.Message{
			MessageID: 9,
			Date:      1767225600,
			From:      &tgbotapi.User{ID: 7, FirstName: "Alice", LastName: "Liddell", UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: -100123, Type: "supergroup", Title: "relay-dev"},
			Text:      "hey @relaybot tell bob hi",
			ReplyToMessage: &tgbotapi.Message{
				MessageID: 8,
				From:      &tgbotapi.User{ID: 1000, IsBot: true},
			},
		},
	}

	update, ok := mapUpdate(testSelf, raw)
	if !ok {
		t.Fatal("expected update to map")
	}
	if update.ID != "55" || update.Type != UpdateTypeMessage {
		t.Fatalf("update = %+v", update)
	}
	if update.Chat != (ChatRef{ID: "-100123", Title: "relay-dev", Type: relay.ConversationTypeGroup}) {
		t.Fatalf("chat = %+v", update.Chat)
	}
	if update.Actor.Username != "alice" || update.Actor.DisplayName != "Alice Liddell" {
		t.Fatalf("actor = %+v", update.Actor)
	}
	if !update.Message.MentionsBot || !update.Message.RepliesToBot || update.Message.ReplyToID != "8" {
		t.Fatalf("message = %+v", update.Message)
	}
	if update.OccurredAt.Unix() != 1767225600 {
		t.Fatalf("occurred at = %s", update.OccurredAt)
	}
}

func TestMapUpdatePrivateChat(t *testing.T) {
	t.Parallel()

	raw := tgbotapi.Update{
		UpdateID: 56,
		Message: &tgbotapi.Message{
			MessageID: 3,
			From:      &tgbotapi.User{ID: 7, FirstName: "Alice", UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 7, Type: "private"},
			Text:      "tell bob hi",
		},
	}

	update, ok := mapUpdate(testSelf, raw)
	if !ok {
		t.Fatal("expected update to map")
	}
	if update.Chat.Type != relay.ConversationTypePrivate || update.Chat.Title != "alice" {
		t.Fatalf("chat = %+v", update.Chat)
	}
	if update.Message.MentionsBot || update.Message.RepliesToBot {
		t.Fatalf("message = %+v", update.Message)
	}
}

func TestMapUpdateSkipsNonText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  tgbotapi.Update
	}{
		{name: "no message", raw: tgbotapi.Update{UpdateID: 1}},
		{
			name: "no sender",
			raw: tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{
				Chat: &tgbotapi.Chat{ID: 1, Type: "group"}, Text: "x",
			}},
		},
		{
			name: "empty text",
			raw: tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{
				From: &tgbotapi.User{ID: 7}, Chat: &tgbotapi.Chat{ID: 1, Type: "group"},
			}},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if _, ok := mapUpdate(testSelf, testCase.raw); ok {
				t.Fatal("expected update to be skipped")
			}
		})
	}
}

func TestMentionsTextMentionEntity(t *testing.T) {
	t.Parallel()

	message := &tgbotapi.Message{
		Text: "Relay please",
		Entities: []tgbotapi.MessageEntity{
			{Type: "text_mention", Offset: 0, Length: 5, User: &tgbotapi.User{ID: 1000}},
		},
	}
	if !mentions(testSelf, message) {
		t.Fatal("expected text mention to count")
	}
	if mentions(testSelf, &tgbotapi.Message{Text: "relaybot without at"}) {
		t.Fatal("plain name must not count as mention")
	}
}

func TestBotRetriesConnectAfterFailure(t *testing.T) {
	t.Parallel()

	bot, err := NewBot("123:abc", nil)
	if err != nil {
		t.Fatalf("new bot failed: %v", err)
	}
	calls := 0
	bot.newAPI = func(string) (*tgbotapi.BotAPI, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("unauthorized")
		}
		return &tgbotapi.BotAPI{Self: testSelf}, nil
	}

	if _, err := bot.API(); err == nil {
		t.Fatal("expected first connect to fail")
	}
	api, err := bot.API()
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if _, err := bot.API(); err != nil || calls != 2 {
		t.Fatalf("connected client not reused: calls=%d err=%v", calls, err)
	}
	if api.Self.UserName != "RelayBot" {
		t.Fatalf("self = %+v", api.Self)
	}
}

func TestNewBotRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	if _, err := NewBot("  ", nil); err == nil {
		t.Fatal("expected empty token error")
	}
}
