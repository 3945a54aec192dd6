package vumi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ex-relay/pkg/relay"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultOutboundTimeout = 5 * time.Second

type outboundConfig struct {
	timeout       time.Duration
	logger        *slog.Logger
	sink          relay.EventSource
	transportName string
	now           func() time.Time
	newID         func() string
}

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout bounds each publish.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithOutboundLogger configures the dispatcher logger.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithSinkRef stamps outbound results with the driver identity.
func WithSinkRef(sink relay.EventSource) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.sink = sink
	}
}

// WithTransportName sets the transport used when a target carries none.
func WithTransportName(name string) OutboundOption {
	return func(cfg *outboundConfig) {
		if name != "" {
			cfg.transportName = name
		}
	}
}

// OutboundDispatcher publishes replies to the transport's outbound queue.
type OutboundDispatcher struct {
	publisher Publisher
	cfg       outboundConfig
}

// NewOutboundDispatcher creates a reply dispatcher over publisher.
func NewOutboundDispatcher(publisher Publisher, options ...OutboundOption) (*OutboundDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("new vumi outbound dispatcher: nil publisher")
	}

	cfg := outboundConfig{
		timeout: defaultOutboundTimeout,
		logger:  slog.Default(),
		sink:    relay.EventSource{Platform: DriverPlatform},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &OutboundDispatcher{publisher: publisher, cfg: cfg}, nil
}

// SendMessage publishes text as a reply addressed back to the target.
func (d *OutboundDispatcher) SendMessage(
	ctx context.Context,
	request relay.SendMessageRequest,
) (*relay.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("vumi send message: %w", err)
	}

	reply, err := d.buildReply(request)
	if err != nil {
		return nil, fmt.Errorf("vumi send message: %w", err)
	}
	body, err := reply.Encode()
	if err != nil {
		return nil, fmt.Errorf("vumi send message: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.timeout)
	defer cancel()

	routingKey := reply.TransportName + ".outbound"
	err = d.publisher.Publish(publishCtx, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    reply.MessageID,
		Timestamp:    reply.Timestamp.Time,
		Body:         body,
	})
	if err != nil {
		return nil, fmt.Errorf("vumi send message to %s: %w", reply.ToAddr, err)
	}
	d.cfg.logger.DebugContext(ctx, "vumi reply published",
		"routing_key", routingKey,
		"message_id", reply.MessageID,
		"in_reply_to", reply.InReplyTo,
	)

	target := request.Target
	sink := d.cfg.sink
	target.Sink = &sink

	return &relay.OutboundMessage{ID: reply.MessageID, Target: target}, nil
}

// buildReply swaps the inbound addresses and copies the transport context.
func (d *OutboundDispatcher) buildReply(request relay.SendMessageRequest) (Message, error) {
	target := request.Target
	metadata := target.Metadata

	reply := Message{
		MessageVersion: MessageVersion,
		MessageType:    MessageTypeUserMessage,
		MessageID:      d.cfg.newID(),
		Timestamp:      Timestamp{Time: d.cfg.now().UTC()},
		FromAddr:       metadata[MetadataToAddr],
		ToAddr:         firstNonEmpty(metadata[MetadataFromAddr], target.Recipient.ID),
		Content:        request.Text,
		InReplyTo:      firstNonEmpty(request.ReplyToMessageID, metadata[MetadataMessageID]),
		TransportName:  firstNonEmpty(metadata[MetadataTransportName], d.cfg.transportName),
		TransportType:  metadata[MetadataTransportType],
	}
	if reply.ToAddr == "" {
		return Message{}, fmt.Errorf("%w: missing reply address", relay.ErrInvalidOutboundRequest)
	}
	if reply.TransportName == "" {
		return Message{}, fmt.Errorf("%w: missing transport name", relay.ErrInvalidOutboundRequest)
	}

	if raw := metadata[MetadataTransportMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reply.TransportMetadata); err != nil {
			return Message{}, fmt.Errorf("decode transport metadata: %w", err)
		}
	} else {
		reply.TransportMetadata = encodeTransport(target.Transport)
	}

	return reply, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}

	return b
}
