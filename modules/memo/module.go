package memo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ex-relay/pkg/relay"
)

const (
	// UnknownChannel scopes memos for lines that carry no channel.
	UnknownChannel = "unknown"
	// Acknowledgement is the reply sent after a memo is stored.
	Acknowledgement = "Sure thing, boss."

	defaultReplyTimeout = 5 * time.Second
)

// Option mutates memo module configuration.
type Option func(*Module)

// WithLogger sets the logger used when no shared logger service is registered.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithStore replaces the module's memo store.
func WithStore(store *Store) Option {
	return func(module *Module) {
		if store != nil {
			module.store = store
		}
	}
}

// WithReplyTimeout bounds the replies sent for one message. Replies are not
// tied to the handler context, so memos drained during shutdown still go out.
func WithReplyTimeout(timeout time.Duration) Option {
	return func(module *Module) {
		if timeout > 0 {
			module.replyTimeout = timeout
		}
	}
}

// Module stores memos and delivers them when the recipient next speaks.
type Module struct {
	logger       *slog.Logger
	dispatcher   relay.ReplyDispatcher
	store        *Store
	replyTimeout time.Duration
}

// New creates a memo module with an empty store.
func New(options ...Option) *Module {
	module := &Module{
		logger:       slog.Default(),
		store:        NewStore(),
		replyTimeout: defaultReplyTimeout,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "memo"
}

// Spec declares interest in every user message.
func (m *Module) Spec() relay.ModuleSpec {
	return relay.ModuleSpec{
		Handlers: []relay.ModuleHandler{
			{
				Capability: relay.Capability{
					Name:        "memo-store",
					Description: "stores tell memos and delivers them when the recipient speaks",
					Interest: relay.InterestSet{
						Kinds: []relay.EventKind{relay.EventKindUserMessage},
					},
					RequiredServices: []string{relay.ServiceReplyDispatcher},
				},
				Subscription: relay.NewSerialSubscriptionSpec("memo-messages"),
				Handler:      m.handleMessage,
			},
		},
	}
}

// OnRegister resolves the reply dispatcher and the optional shared logger.
func (m *Module) OnRegister(_ context.Context, runtime relay.ModuleRuntime) error {
	logger, err := relay.ResolveLogger(runtime.Services(), m.logger)
	if err != nil {
		return fmt.Errorf("memo resolve logger: %w", err)
	}
	m.logger = logger

	dispatcher, err := relay.ResolveAs[relay.ReplyDispatcher](runtime.Services(), relay.ServiceReplyDispatcher)
	if err != nil {
		return fmt.Errorf("memo resolve reply dispatcher: %w", err)
	}
	m.dispatcher = dispatcher

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle. Pending memos are discarded.
func (m *Module) OnShutdown(ctx context.Context) error {
	if pending := m.store.Len(); pending > 0 {
		m.logger.InfoContext(ctx, "memo module stopped with undelivered memos", "queues", pending)
	}

	return nil
}

func (m *Module) handleMessage(ctx context.Context, event *relay.Event) error {
	if event == nil || event.Message == nil {
		return nil
	}
	channel := event.Transport.Channel
	if channel == "" {
		channel = UnknownChannel
	}
	sender := event.Sender()

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.replyTimeout)
	defer cancel()

	if event.Transport.Addressed(true) {
		if request, ok := ParseTell(event.Text()); ok {
			m.store.Enqueue(
				Key{Channel: channel, Recipient: recipientKey(request.Recipient)},
				Memo{Sender: sender, Text: request.Text},
			)
			_ = m.reply(replyCtx, event, Acknowledgement)
		}
	}

	// Stored recipients are lower-cased but the lookup uses the sender as
	// sent, so a sender with upper-case letters never receives memos.
	memos := m.store.Drain(Key{Channel: channel, Recipient: sender})
	if len(memos) == 0 {
		return nil
	}
	m.logger.InfoContext(ctx, "delivering memos",
		"channel", channel,
		"recipient", sender,
		"count", len(memos),
	)
	for index, memo := range memos {
		err := m.reply(replyCtx, event, fmt.Sprintf("message from %s: %s", memo.Sender, memo.Text))
		if err != nil && replyCtx.Err() != nil {
			m.logger.ErrorContext(ctx, "memo batch abandoned",
				"channel", channel,
				"recipient", sender,
				"undelivered", len(memos)-index,
				"error", context.Cause(replyCtx),
			)
			break
		}
	}

	return nil
}

// recipientKey normalizes a typed recipient: a mention such as "@Bob" names
// the user "bob".
func recipientKey(recipient string) string {
	if trimmed := strings.TrimPrefix(recipient, "@"); trimmed != "" {
		recipient = trimmed
	}

	return strings.ToLower(recipient)
}

// reply answers event with text. Failures are logged and returned; callers
// keep going with the rest of a batch.
func (m *Module) reply(ctx context.Context, event *relay.Event, text string) error {
	request, err := relay.ReplyTo(event, text)
	if err != nil {
		m.logger.WarnContext(ctx, "memo build reply failed", "event_id", event.ID, "error", err)
		return err
	}
	if _, err := m.dispatcher.SendMessage(ctx, request); err != nil {
		m.logger.WarnContext(ctx, "memo reply failed",
			"event_id", event.ID,
			"conversation", event.Conversation.ID,
			"error", err,
		)
		return err
	}

	return nil
}
