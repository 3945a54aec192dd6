package vumi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ex-relay/pkg/relay"

	"github.com/google/uuid"
)

// Transport metadata keys written by IRC transports.
const (
	metadataIRCServer    = "irc_server"
	metadataIRCChannel   = "irc_channel"
	metadataIRCCommand   = "irc_command"
	metadataIRCAddressed = "irc_addressed_to_transport"
)

// Transport-neutral metadata keys accepted from any transport.
const (
	metadataNetworkServer = "network_server"
	metadataChannel       = "channel"
	metadataCommandKind   = "command_kind"
	metadataAddressed     = "addressed_to_self"
)

// Event metadata keys carrying the routing context needed to answer a message.
const (
	MetadataMessageID         = "vumi.message_id"
	MetadataFromAddr          = "vumi.from_addr"
	MetadataToAddr            = "vumi.to_addr"
	MetadataTransportName     = "vumi.transport_name"
	MetadataTransportType     = "vumi.transport_type"
	MetadataTransportMetadata = "vumi.transport_metadata"
)

// Decoder converts broker messages into neutral relay events.
type Decoder interface {
	// Decode maps one message into a neutral event envelope.
	Decode(ctx context.Context, message Message) (*relay.Event, error)
}

// DefaultDecoder maps user_message envelopes and skips everything else.
type DefaultDecoder struct {
	now func() time.Time
}

// NewDefaultDecoder creates a default decoder.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{now: time.Now}
}

// Decode converts one broker message into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, message Message) (*relay.Event, error) {
	if message.MessageType != MessageTypeUserMessage {
		return nil, fmt.Errorf("%w: message_type %q", ErrSkip, message.MessageType)
	}
	if message.FromAddr == "" {
		return nil, fmt.Errorf("%w: user_message %s without from_addr", ErrPoison, message.MessageID)
	}

	transport := decodeTransport(message.TransportMetadata)
	event := &relay.Event{
		ID:         message.MessageID,
		Kind:       relay.EventKindUserMessage,
		OccurredAt: message.Timestamp.Time,
		Source:     relay.EventSource{Platform: DriverPlatform},
		Actor: relay.Actor{
			ID:       message.FromAddr,
			Username: message.FromAddr,
		},
		Message: &relay.Message{
			ID:        message.MessageID,
			ReplyToID: message.InReplyTo,
			Text:      message.Content,
		},
		Transport: transport,
		Metadata: map[string]string{
			MetadataMessageID:     message.MessageID,
			MetadataFromAddr:      message.FromAddr,
			MetadataToAddr:        message.ToAddr,
			MetadataTransportName: message.TransportName,
			MetadataTransportType: message.TransportType,
		},
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.clock()().UTC()
	}
	if transport.Channel != "" {
		event.Conversation = relay.Conversation{
			ID:    transport.Channel,
			Type:  relay.ConversationTypeGroup,
			Title: transport.Channel,
		}
	} else {
		event.Conversation = relay.Conversation{
			ID:   message.FromAddr,
			Type: relay.ConversationTypePrivate,
		}
	}
	if len(message.TransportMetadata) > 0 {
		raw, err := json.Marshal(message.TransportMetadata)
		if err != nil {
			return nil, fmt.Errorf("%w: transport_metadata: %v", ErrPoison, err)
		}
		event.Metadata[MetadataTransportMetadata] = string(raw)
	}

	return event, nil
}

func (d DefaultDecoder) clock() func() time.Time {
	if d.now == nil {
		return time.Now
	}

	return d.now
}

// decodeTransport reads IRC-specific keys first and falls back to neutral keys.
func decodeTransport(fields map[string]any) relay.TransportMetadata {
	transport := relay.TransportMetadata{}
	transport.Server, _ = stringField(fields, metadataIRCServer, metadataNetworkServer)
	transport.Channel, _ = stringField(fields, metadataIRCChannel, metadataChannel)
	if command, ok := stringField(fields, metadataIRCCommand); ok {
		transport.Command = commandFromIRC(command)
	} else if command, ok := stringField(fields, metadataCommandKind); ok {
		transport.Command = relay.CommandKind(strings.ToLower(command))
	}
	if addressed, ok := boolField(fields, metadataIRCAddressed, metadataAddressed); ok {
		transport.AddressedToSelf = relay.BoolPtr(addressed)
	}

	return transport
}

func commandFromIRC(command string) relay.CommandKind {
	switch strings.ToUpper(command) {
	case "PRIVMSG":
		return relay.CommandKindMessage
	case "ACTION":
		return relay.CommandKindAction
	default:
		return relay.CommandKind(strings.ToLower(command))
	}
}

// encodeTransport rebuilds IRC transport metadata from neutral attributes.
func encodeTransport(transport relay.TransportMetadata) map[string]any {
	fields := make(map[string]any, 4)
	if transport.Server != "" {
		fields[metadataIRCServer] = transport.Server
	}
	if transport.Channel != "" {
		fields[metadataIRCChannel] = transport.Channel
	}
	switch transport.CommandOrDefault() {
	case relay.CommandKindMessage:
		fields[metadataIRCCommand] = "PRIVMSG"
	case relay.CommandKindAction:
		fields[metadataIRCCommand] = "ACTION"
	default:
		fields[metadataIRCCommand] = strings.ToUpper(string(transport.Command))
	}
	if transport.AddressedToSelf != nil {
		fields[metadataIRCAddressed] = *transport.AddressedToSelf
	}

	return fields
}
