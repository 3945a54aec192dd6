package memo

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ex-relay/pkg/relay"
)

func newChatEvent(sender, channel, text string, addressed *bool) *relay.Event {
	return &relay.Event{
		ID:           "evt-" + sender,
		Kind:         relay.EventKindUserMessage,
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Source:       relay.EventSource{Platform: relay.PlatformAMQP, ID: "irc"},
		Conversation: relay.Conversation{ID: channel, Type: relay.ConversationTypeGroup},
		Actor:        relay.Actor{ID: sender, Username: sender},
		Message:      &relay.Message{ID: "msg-" + sender, Text: text},
		Transport: relay.TransportMetadata{
			Server:          "irc.example.net",
			Channel:         channel,
			AddressedToSelf: addressed,
		},
	}
}

func newTestModule(t *testing.T, dispatcher *captureDispatcher) *Module {
	t.Helper()

	module := New()
	registry := serviceRegistryStub{relay.ServiceReplyDispatcher: dispatcher}
	if err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: registry}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	return module
}

func handle(t *testing.T, module *Module, event *relay.Event) {
	t.Helper()

	if err := module.handleMessage(context.Background(), event); err != nil {
		t.Fatalf("handle returned %v, want nil", err)
	}
}

func TestModuleStoresAndAcknowledgesMemo(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "eve tell bob buy milk", relay.BoolPtr(true)))

	pending := module.store.Pending(Key{Channel: "#x", Recipient: "bob"})
	if len(pending) != 1 || pending[0] != (Memo{Sender: "eve", Text: "buy milk"}) {
		t.Fatalf("pending = %v", pending)
	}
	if module.store.Len() != 1 {
		t.Fatalf("store keys = %d, want 1", module.store.Len())
	}
	texts := dispatcher.texts()
	if len(texts) != 1 || texts[0] != Acknowledgement {
		t.Fatalf("replies = %q", texts)
	}
	request := dispatcher.requests()[0]
	if request.Target.Conversation.ID != "#x" || request.Target.Transport.Channel != "#x" {
		t.Fatalf("reply target = %+v", request.Target)
	}
	if request.ReplyToMessageID != "msg-eve" {
		t.Fatalf("reply to = %q", request.ReplyToMessageID)
	}
}

func TestModuleDeliversOnNextMessageOnly(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "eve tell bob buy milk", relay.BoolPtr(true)))
	dispatcher.reset()

	handle(t, module, newChatEvent("bob", "#x", "morning all", relay.BoolPtr(false)))
	if texts := dispatcher.texts(); len(texts) != 1 || texts[0] != "message from eve: buy milk" {
		t.Fatalf("replies = %q", texts)
	}
	if module.store.Len() != 0 {
		t.Fatalf("store keys = %d, want 0", module.store.Len())
	}

	dispatcher.reset()
	handle(t, module, newChatEvent("bob", "#x", "anyone?", relay.BoolPtr(false)))
	if texts := dispatcher.texts(); len(texts) != 0 {
		t.Fatalf("second message replies = %q, want none", texts)
	}
}

func TestModuleDoesNotCrossDeliverChannels(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "eve tell bob buy milk", nil))
	dispatcher.reset()

	handle(t, module, newChatEvent("bob", "#y", "hi", nil))
	if texts := dispatcher.texts(); len(texts) != 0 {
		t.Fatalf("replies in #y = %q, want none", texts)
	}
	if pending := module.store.Pending(Key{Channel: "#x", Recipient: "bob"}); len(pending) != 1 {
		t.Fatalf("pending in #x = %v", pending)
	}
}

func TestModuleDeliversBatchInFIFOOrder(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "bot tell bob first", nil))
	handle(t, module, newChatEvent("carol", "#x", "bot tell BOB second", nil))
	handle(t, module, newChatEvent("eve", "#x", "bot tell bob third", nil))
	dispatcher.reset()

	handle(t, module, newChatEvent("bob", "#x", "back", nil))
	want := []string{
		"message from eve: first",
		"message from carol: second",
		"message from eve: third",
	}
	if got := dispatcher.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

func TestModuleIgnoresNonMatchingText(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	for range 2 {
		handle(t, module, newChatEvent("eve", "#x", "just chatting", relay.BoolPtr(true)))
		if module.store.Len() != 0 {
			t.Fatalf("store keys = %d, want 0", module.store.Len())
		}
	}
	if texts := dispatcher.texts(); len(texts) != 0 {
		t.Fatalf("replies = %q, want none", texts)
	}
}

func TestModuleRequiresAddressing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		addressed *bool
		wantStore bool
	}{
		{name: "absent flag defaults to addressed", addressed: nil, wantStore: true},
		{name: "addressed", addressed: relay.BoolPtr(true), wantStore: true},
		{name: "not addressed", addressed: relay.BoolPtr(false)},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dispatcher := &captureDispatcher{}
			module := newTestModule(t, dispatcher)
			handle(t, module, newChatEvent("eve", "#x", "bot tell bob hi", testCase.addressed))

			stored := module.store.Len() == 1
			if stored != testCase.wantStore {
				t.Fatalf("stored = %v, want %v", stored, testCase.wantStore)
			}
			acked := len(dispatcher.texts()) == 1
			if acked != testCase.wantStore {
				t.Fatalf("acked = %v, want %v", acked, testCase.wantStore)
			}
		})
	}
}

func TestModuleMissingChannelUsesUnknown(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "", "bot tell bob hi", nil))
	if pending := module.store.Pending(Key{Channel: UnknownChannel, Recipient: "bob"}); len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}
}

func TestModuleSelfMemoIsDeliveredImmediately(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "bot tell eve remember", nil))
	want := []string{Acknowledgement, "message from eve: remember"}
	if got := dispatcher.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

// Recipients are stored lower-cased while delivery looks up the raw sender,
// so "Bob" never receives memos left for "bob" or "Bob".
func TestModuleDeliveryLookupIsCaseSensitive(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	handle(t, module, newChatEvent("eve", "#x", "bot tell Bob hi", nil))
	if pending := module.store.Pending(Key{Channel: "#x", Recipient: "bob"}); len(pending) != 1 {
		t.Fatalf("pending under lower-cased key = %v", pending)
	}
	dispatcher.reset()

	handle(t, module, newChatEvent("Bob", "#x", "hello", nil))
	if texts := dispatcher.texts(); len(texts) != 0 {
		t.Fatalf("replies to Bob = %q, want none", texts)
	}

	handle(t, module, newChatEvent("bob", "#x", "hello", nil))
	if texts := dispatcher.texts(); len(texts) != 1 || texts[0] != "message from eve: hi" {
		t.Fatalf("replies to bob = %q", texts)
	}
}

func TestModuleMentionRecipientIsDelivered(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{}
	module := newTestModule(t, dispatcher)

	event := newChatEvent("eve", "-100200", "@relaybot tell @Bob hi", relay.BoolPtr(true))
	event.Source = relay.EventSource{Platform: relay.PlatformTelegram, ID: "tg"}
	event.Transport.Server = "telegram"
	handle(t, module, event)
	if pending := module.store.Pending(Key{Channel: "-100200", Recipient: "bob"}); len(pending) != 1 {
		t.Fatalf("pending for bob = %v", pending)
	}
	dispatcher.reset()

	handle(t, module, newChatEvent("bob", "-100200", "hello", nil))
	if texts := dispatcher.texts(); len(texts) != 1 || texts[0] != "message from eve: hi" {
		t.Fatalf("replies to bob = %q", texts)
	}
}

func TestModuleRepliesOutliveHandlerContext(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{checkContext: true}
	module := newTestModule(t, dispatcher)
	module.store.Enqueue(Key{Channel: "#x", Recipient: "bob"}, Memo{Sender: "eve", Text: "one"})
	module.store.Enqueue(Key{Channel: "#x", Recipient: "bob"}, Memo{Sender: "eve", Text: "two"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := module.handleMessage(ctx, newChatEvent("bob", "#x", "hi", nil)); err != nil {
		t.Fatalf("handle returned %v, want nil", err)
	}

	want := []string{"message from eve: one", "message from eve: two"}
	if got := dispatcher.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

func TestModuleLogsAbandonedBatch(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	dispatcher := &captureDispatcher{stall: true}
	module := New(
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
		WithReplyTimeout(20*time.Millisecond),
	)
	registry := serviceRegistryStub{relay.ServiceReplyDispatcher: dispatcher}
	if err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: registry}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		module.store.Enqueue(Key{Channel: "#x", Recipient: "bob"}, Memo{Sender: "eve", Text: text})
	}

	handle(t, module, newChatEvent("bob", "#x", "hi", nil))

	if attempts := len(dispatcher.texts()); attempts != 1 {
		t.Fatalf("send attempts = %d, want 1", attempts)
	}
	output := logs.String()
	if !strings.Contains(output, `"msg":"memo batch abandoned"`) || !strings.Contains(output, `"undelivered":3`) {
		t.Fatalf("logs = %s, want abandoned batch with 3 undelivered", output)
	}
}

func TestModuleReplyFailureContinuesBatch(t *testing.T) {
	t.Parallel()

	dispatcher := &captureDispatcher{failFirst: true}
	module := newTestModule(t, dispatcher)

	module.store.Enqueue(Key{Channel: "#x", Recipient: "bob"}, Memo{Sender: "eve", Text: "one"})
	module.store.Enqueue(Key{Channel: "#x", Recipient: "bob"}, Memo{Sender: "eve", Text: "two"})

	handle(t, module, newChatEvent("bob", "#x", "hi", nil))
	if texts := dispatcher.texts(); len(texts) != 2 {
		t.Fatalf("attempted replies = %q, want 2", texts)
	}
	if module.store.Len() != 0 {
		t.Fatalf("store keys = %d, want 0", module.store.Len())
	}
}

func TestModuleOnRegister(t *testing.T) {
	tests := []struct {
		name     string
		services serviceRegistryStub
		wantErr  string
	}{
		{
			name: "resolves dispatcher and logger",
			services: serviceRegistryStub{
				relay.ServiceReplyDispatcher: &captureDispatcher{},
				relay.ServiceLogger:          slog.Default(),
			},
		},
		{
			name:     "missing dispatcher fails",
			services: serviceRegistryStub{},
			wantErr:  "memo resolve reply dispatcher",
		},
		{
			name: "invalid logger fails",
			services: serviceRegistryStub{
				relay.ServiceReplyDispatcher: &captureDispatcher{},
				relay.ServiceLogger:          42,
			},
			wantErr: "memo resolve logger",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := New().OnRegister(context.Background(), moduleRuntimeStub{registry: testCase.services})
			if testCase.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != "" && (err == nil || !strings.Contains(err.Error(), testCase.wantErr)) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErr)
			}
		})
	}
}

func TestModuleSpecUsesSerialSubscription(t *testing.T) {
	t.Parallel()

	handler := New().Spec().Handlers[0]
	if handler.Subscription.Workers != 1 || handler.Subscription.Backpressure != relay.BackpressureBlock {
		t.Fatalf("subscription = %+v", handler.Subscription)
	}
}

type captureDispatcher struct {
	mu        sync.Mutex
	failFirst bool
	// checkContext rejects sends whose context is already done.
	checkContext bool
	// stall holds every send until its context is done.
	stall bool
	sent  []relay.SendMessageRequest
}

func (d *captureDispatcher) SendMessage(
	ctx context.Context,
	request relay.SendMessageRequest,
) (*relay.OutboundMessage, error) {
	if d.checkContext && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	d.sent = append(d.sent, request)
	failed := d.failFirst && len(d.sent) == 1
	d.mu.Unlock()

	if d.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failed {
		return nil, errors.New("transport down")
	}

	return &relay.OutboundMessage{ID: "sent", Target: request.Target}, nil
}

func (d *captureDispatcher) requests() []relay.SendMessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]relay.SendMessageRequest(nil), d.sent...)
}

func (d *captureDispatcher) texts() []string {
	requests := d.requests()
	texts := make([]string, 0, len(requests))
	for _, request := range requests {
		texts = append(texts, request.Text)
	}

	return texts
}

func (d *captureDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

type moduleRuntimeStub struct {
	registry relay.ServiceRegistry
}

func (s moduleRuntimeStub) Services() relay.ServiceRegistry {
	return s.registry
}

func (moduleRuntimeStub) Subscribe(
	context.Context,
	relay.InterestSet,
	relay.SubscriptionSpec,
	relay.EventHandler,
) (relay.Subscription, error) {
	return nil, nil
}

type serviceRegistryStub map[string]any

func (s serviceRegistryStub) Register(name string, service any) error {
	if _, exists := s[name]; exists {
		return relay.ErrServiceAlreadyRegistered
	}
	s[name] = service

	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s[name]
	if !ok {
		return nil, relay.ErrServiceNotFound
	}

	return value, nil
}
