package relay

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindUserMessage is emitted for every user-originated chat message.
	EventKindUserMessage EventKind = "user_message"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformAMQP is a message-broker transport carrying JSON chat messages.
	PlatformAMQP Platform = "amqp"
	// PlatformTelegram is Telegram.
	PlatformTelegram Platform = "telegram"
)

// ConversationType identifies conversation scope.
type ConversationType string

const (
	// ConversationTypePrivate is a direct/private conversation.
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup is a multi-user channel or group conversation.
	ConversationTypeGroup ConversationType = "group"
)

// CommandKind classifies how a chat line was sent.
type CommandKind string

const (
	// CommandKindMessage is an ordinary chat line.
	CommandKindMessage CommandKind = "message"
	// CommandKindAction is an emote such as IRC "/me waves".
	CommandKindAction CommandKind = "action"
)

// EventSource identifies the concrete driver instance that produced an event.
type EventSource struct {
	// Platform is the platform family of the producing driver.
	Platform Platform
	// ID is the configured driver instance name.
	ID string
}

// Event is the neutral protocol envelope that all drivers publish and modules consume.
//
// Events are immutable once published; handlers must not mutate them.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Source identifies the driver instance that produced the event.
	Source EventSource
	// Conversation identifies where the event happened.
	Conversation Conversation
	// Actor identifies who initiated the event.
	Actor Actor
	// Message carries message content for user-message events.
	Message *Message
	// Transport carries side-channel attributes describing the event origin.
	Transport TransportMetadata
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Conversation identifies the neutral destination where an event occurred.
type Conversation struct {
	// ID is the stable conversation identifier on the source platform.
	ID string
	// Type describes the conversation scope.
	Type ConversationType
	// Title is a best-effort display label for the conversation.
	Title string
}

// Actor identifies the user/account that initiated an event.
type Actor struct {
	// ID is the stable actor identifier on the source platform.
	ID string
	// Username is the platform handle when available.
	Username string
	// DisplayName is the human-readable actor name.
	DisplayName string
	// IsBot reports whether the actor is an automated account.
	IsBot bool
}

// Message holds neutral message content.
type Message struct {
	// ID is the message identifier on the source platform.
	ID string
	// ReplyToID is the parent message identifier when this is a reply.
	ReplyToID string
	// Text is the normalized message text body.
	Text string
}

// TransportMetadata describes where a message came from on its transport.
//
// Empty string fields mean the transport did not supply the attribute.
type TransportMetadata struct {
	// Server is the network server the message arrived through, optionally
	// suffixed with ":port".
	Server string
	// Channel is the channel-scoped destination of the message.
	Channel string
	// Command classifies the line; an empty value means CommandKindMessage.
	Command CommandKind
	// AddressedToSelf reports whether the line was directed at this bot.
	// Nil means the transport did not say.
	AddressedToSelf *bool
}

// CommandOrDefault returns Command, treating an unset value as an ordinary message.
func (t TransportMetadata) CommandOrDefault() CommandKind {
	if t.Command == "" {
		return CommandKindMessage
	}

	return t.Command
}

// Addressed returns AddressedToSelf, or fallback when the transport did not say.
func (t TransportMetadata) Addressed(fallback bool) bool {
	if t.AddressedToSelf == nil {
		return fallback
	}

	return *t.AddressedToSelf
}

// Sender returns the opaque user handle of the event author.
//
// The platform username is preferred; the actor ID is used when no username exists.
func (e *Event) Sender() string {
	if e == nil {
		return ""
	}
	if e.Actor.Username != "" {
		return e.Actor.Username
	}

	return e.Actor.ID
}

// Text returns the message body, or an empty string when no message is attached.
func (e *Event) Text() string {
	if e == nil || e.Message == nil {
		return ""
	}

	return e.Message.Text
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each event kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case EventKindUserMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: user_message requires message payload", ErrInvalidEvent)
		}
		if e.Sender() == "" {
			return fmt.Errorf("%w: user_message requires actor identity", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// BoolPtr returns a pointer to value, for populating optional transport flags.
func BoolPtr(value bool) *bool {
	return &value
}
