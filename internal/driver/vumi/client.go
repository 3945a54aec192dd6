package vumi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by Publish while no broker connection is open.
var ErrNotConnected = errors.New("vumi: broker not connected")

// ClientConfig describes one broker connection and its worker topology.
type ClientConfig struct {
	// URL is the AMQP connection URL.
	URL string
	// Exchange is the durable direct exchange shared with transports.
	Exchange string
	// TransportName scopes the inbound queue and outbound routing key.
	TransportName string
	// ConsumerTag identifies this consumer to the broker.
	ConsumerTag string
	// Prefetch bounds unacknowledged deliveries in flight.
	Prefetch int
	// ReconnectBase is the first reconnect delay.
	ReconnectBase time.Duration
	// ReconnectCap bounds the reconnect delay.
	ReconnectCap time.Duration
	// JitterPercent spreads reconnect delays.
	JitterPercent int
}

// InboundQueue returns the queue and routing key transports publish user messages to.
func (c ClientConfig) InboundQueue() string {
	return c.TransportName + ".inbound"
}

// OutboundRoutingKey returns the routing key transports consume replies from.
func (c ClientConfig) OutboundRoutingKey() string {
	return c.TransportName + ".outbound"
}

// Publisher publishes one broker message.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, publishing amqp.Publishing) error
}

// Client is a supervised broker connection.
//
// Consume owns the connection lifecycle: it dials, declares the topology,
// consumes the inbound queue, and reconnects with jittered backoff when the
// connection drops. Publish reuses the same connection through a dedicated
// channel guarded by a mutex.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	dial   func(url string) (*amqp.Connection, error)

	mu        sync.Mutex
	conn      *amqp.Connection
	publishCh *amqp.Channel
}

// NewClient validates cfg and creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("new vumi client: amqp url is required")
	}
	if cfg.TransportName == "" {
		return nil, fmt.Errorf("new vumi client: transport name is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		cfg.ReconnectCap = max(defaultReconnectCap, cfg.ReconnectBase)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		dial:   amqp.Dial,
	}, nil
}

// Config returns the resolved client configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}

// Consume delivers inbound messages to handler until ctx is cancelled.
func (c *Client) Consume(ctx context.Context, handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("vumi client consume: nil handler")
	}

	backoff := c.cfg.ReconnectBase
	for {
		connected, err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.cfg.ReconnectBase
		}

		wait := jitteredDelay(backoff, c.cfg.ReconnectCap, c.cfg.JitterPercent)
		c.logger.ErrorContext(ctx, "amqp connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("retry_in", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectCap)
	}
}

// consumeOnce runs one connection until it fails. connected reports whether
// the consumer got far enough to receive deliveries.
func (c *Client) consumeOnce(ctx context.Context, handler DeliveryHandler) (connected bool, err error) {
	c.logger.InfoContext(ctx, "connecting to amqp broker", slog.String("host", brokerHost(c.cfg.URL)))

	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer c.disconnect(conn)

	consumeCh, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open consume channel: %w", err)
	}
	if err := consumeCh.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set prefetch: %w", err)
	}
	if err := c.declareTopology(consumeCh); err != nil {
		return false, err
	}
	deliveries, err := consumeCh.Consume(c.cfg.InboundQueue(), c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.cfg.InboundQueue(), err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open publish channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.publishCh = publishCh
	c.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.InfoContext(ctx, "consumer started",
		slog.String("queue", c.cfg.InboundQueue()),
		slog.Int("prefetch", c.cfg.Prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return true, fmt.Errorf("connection closed")
			}
			return true, amqpErr
		case delivery, ok := <-deliveries:
			if !ok {
				return true, fmt.Errorf("delivery channel closed")
			}
			c.settle(ctx, delivery, handler(ctx, Delivery{
				Body:        delivery.Body,
				ContentType: delivery.ContentType,
				MessageID:   delivery.MessageId,
			}))
		}
	}
}

// declareTopology declares the exchange and binds the inbound queue.
func (c *Client) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	queue := c.cfg.InboundQueue()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	return nil
}

// settle acks or nacks one delivery according to the handler outcome.
func (c *Client) settle(ctx context.Context, delivery amqp.Delivery, handleErr error) {
	var settleErr error
	switch {
	case handleErr == nil, errors.Is(handleErr, ErrSkip):
		settleErr = delivery.Ack(false)
	case errors.Is(handleErr, ErrPoison):
		c.logger.WarnContext(ctx, "dropping poison delivery",
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", handleErr),
		)
		settleErr = delivery.Ack(false)
	default:
		c.logger.ErrorContext(ctx, "delivery failed, requeueing",
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", handleErr),
		)
		settleErr = delivery.Nack(false, true)
	}
	if settleErr != nil {
		c.logger.ErrorContext(ctx, "settle delivery failed", slog.Any("error", settleErr))
	}
}

// Publish sends one message on the shared exchange.
func (c *Client) Publish(ctx context.Context, routingKey string, publishing amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishCh == nil || c.publishCh.IsClosed() {
		return ErrNotConnected
	}
	if err := c.publishCh.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	return nil
}

// disconnect closes conn and forgets it if it is still the current connection.
func (c *Client) disconnect(conn *amqp.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.publishCh = nil
	}
	c.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.publishCh = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}

	return nil
}

func brokerHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return parsed.Host
}
