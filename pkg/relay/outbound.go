package relay

import (
	"context"
	"fmt"
	"maps"
)

// ServiceReplyDispatcher is the canonical service registry key for outbound replies.
const ServiceReplyDispatcher = "relay.reply_dispatcher"

// ReplyDispatcher sends outbound text messages back through a driver.
//
// Implementations enforce platform-specific constraints while preserving
// these protocol-level request semantics.
type ReplyDispatcher interface {
	// SendMessage publishes a new outbound message to a destination conversation.
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
}

// OutboundTarget identifies where an outbound operation should be delivered.
type OutboundTarget struct {
	// Conversation identifies the destination conversation.
	Conversation Conversation
	// Sink selects the driver instance that should deliver the operation.
	Sink *EventSource
	// Recipient is the user the operation answers, when known.
	Recipient Actor
	// Transport echoes the inbound transport attributes so replies stay on
	// the same network and channel.
	Transport TransportMetadata
	// Metadata carries driver-private routing context copied from the inbound event.
	Metadata map[string]string
}

// Validate checks target identity fields used for outbound routing.
func (t OutboundTarget) Validate() error {
	if t.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidOutboundRequest)
	}
	if t.Sink != nil {
		if t.Sink.Platform == "" && t.Sink.ID == "" {
			return fmt.Errorf("%w: missing sink identity", ErrInvalidOutboundRequest)
		}
	}

	return nil
}

// OutboundTargetFromEvent derives a reply target from an inbound event.
//
// The target routes back to the driver that produced the event.
func OutboundTargetFromEvent(event *Event) (OutboundTarget, error) {
	if event == nil {
		return OutboundTarget{}, fmt.Errorf("%w: nil event", ErrInvalidOutboundRequest)
	}
	target := OutboundTarget{
		Conversation: event.Conversation,
		Recipient:    event.Actor,
		Transport:    event.Transport,
		Metadata:     maps.Clone(event.Metadata),
	}
	if event.Source.Platform != "" || event.Source.ID != "" {
		source := event.Source
		target.Sink = &source
	}
	if err := target.Validate(); err != nil {
		return OutboundTarget{}, fmt.Errorf("derive target from event %s: %w", event.Kind, err)
	}

	return target, nil
}

// OutboundMessage identifies a message successfully emitted by the dispatcher.
type OutboundMessage struct {
	// ID is the destination-platform message identifier.
	ID string
	// Target is the destination where this message was delivered.
	Target OutboundTarget
}

// SendMessageRequest describes a new outbound text message.
type SendMessageRequest struct {
	// Target identifies where the message should be sent.
	Target OutboundTarget
	// Text is the message body.
	Text string
	// ReplyToMessageID optionally links this message as a reply.
	ReplyToMessageID string
}

// Validate checks the request envelope before dispatch.
func (r SendMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send message target: %w", err)
	}
	if r.Text == "" {
		return fmt.Errorf("%w: missing message text", ErrInvalidOutboundRequest)
	}

	return nil
}

// ReplyTo builds a reply request answering event with text.
func ReplyTo(event *Event, text string) (SendMessageRequest, error) {
	target, err := OutboundTargetFromEvent(event)
	if err != nil {
		return SendMessageRequest{}, err
	}
	request := SendMessageRequest{
		Target: target,
		Text:   text,
	}
	if event.Message != nil {
		request.ReplyToMessageID = event.Message.ID
	}

	return request, nil
}
