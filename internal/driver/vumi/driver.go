package vumi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ex-relay/pkg/relay"
)

const (
	// DriverType is the configuration token selecting this driver.
	DriverType = "vumi_amqp"
	// DriverPlatform is the neutral platform of events produced by this driver.
	DriverPlatform = relay.PlatformAMQP

	defaultPublishTimeout = 2 * time.Second
)

// DriverConfig configures a Driver. Zero fields select defaults.
type DriverConfig struct {
	// Name is the driver instance name stamped on every event source.
	Name string
	// PublishTimeout bounds each hand-off to the kernel sink.
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Driver turns inbound vumi user messages into relay events for the kernel sink.
//
// Each delivery is settled by the error returned to the source: nil or
// ErrSkip acks it, ErrPoison drops it, and anything else requeues it.
type Driver struct {
	name           string
	publishTimeout time.Duration
	logger         *slog.Logger
	source         DeliverySource
	decoder        Decoder
}

// NewDriver creates a driver reading from source. When source is an io.Closer
// Shutdown closes it.
func NewDriver(cfg DriverConfig, source DeliverySource, decoder Decoder) (*Driver, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("new vumi driver: nil source")
	case decoder == nil:
		return nil, fmt.Errorf("new vumi driver: nil decoder")
	}
	if cfg.Name == "" {
		cfg.Name = DriverType
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Driver{
		name:           cfg.Name,
		publishTimeout: cfg.PublishTimeout,
		logger:         cfg.Logger.With("driver", cfg.Name),
		source:         source,
		decoder:        decoder,
	}, nil
}

// Name returns the driver instance name.
func (d *Driver) Name() string {
	return d.name
}

// Start consumes deliveries until ctx ends or the source fails.
func (d *Driver) Start(ctx context.Context, sink relay.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start vumi driver %s: nil sink", d.name)
	}

	err := d.source.Consume(ctx, func(deliveryCtx context.Context, delivery Delivery) error {
		err := d.process(deliveryCtx, sink, delivery)
		if errors.Is(err, ErrPoison) {
			d.logger.WarnContext(deliveryCtx, "vumi delivery rejected", "message_id", delivery.MessageID, "error", err)
		}
		return err
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return fmt.Errorf("start vumi driver %s: %w", d.name, err)
}

// Shutdown closes the source's broker connection, if it has one.
func (d *Driver) Shutdown(context.Context) error {
	closer, ok := d.source.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("shutdown vumi driver %s: %w", d.name, err)
	}

	return nil
}

// process decodes one delivery and publishes the resulting event.
func (d *Driver) process(ctx context.Context, sink relay.EventSink, delivery Delivery) error {
	message, err := DecodeMessage(delivery.Body)
	if err != nil {
		return err
	}
	event, err := decodeRecovering(ctx, d.decoder, message)
	if err != nil {
		return err
	}
	event.Source = relay.EventSource{Platform: DriverPlatform, ID: d.name}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	err = sink.Publish(publishCtx, event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrInvalidEvent):
		return fmt.Errorf("publish message %s: %w: %v", message.MessageID, ErrPoison, err)
	default:
		return fmt.Errorf("publish message %s: %w", message.MessageID, err)
	}
}

// decodeRecovering runs decoder, turning a panic into ErrPoison and a nil
// event into ErrSkip.
func decodeRecovering(ctx context.Context, decoder Decoder, message Message) (event *relay.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			event, err = nil, fmt.Errorf("%w: decode message %s: panic: %v", ErrPoison, message.MessageID, recovered)
		}
	}()

	event, err = decoder.Decode(ctx, message)
	switch {
	case err != nil:
		return nil, fmt.Errorf("decode message %s: %w", message.MessageID, err)
	case event == nil:
		return nil, fmt.Errorf("decode message %s: %w: no event", message.MessageID, ErrSkip)
	}

	return event, nil
}
