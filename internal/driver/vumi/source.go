package vumi

import (
	"context"
	"errors"
	"fmt"
)

// Delivery is one broker message handed to the driver.
type Delivery struct {
	// Body is the raw JSON payload.
	Body []byte
	// ContentType is the broker-declared content type, when set.
	ContentType string
	// MessageID is the broker-level message id, when set.
	MessageID string
}

// DeliveryHandler processes one delivery.
//
// Errors wrapping ErrPoison or ErrSkip settle the delivery as consumed; any
// other error asks the source to redeliver it.
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// DeliverySource streams broker deliveries into the driver.
type DeliverySource interface {
	// Consume runs the delivery loop until context cancellation or fatal error.
	Consume(ctx context.Context, handler DeliveryHandler) error
}

// ChannelSource replays deliveries from a channel, settling them the way the
// broker client does except that a requeue stops the loop with its error.
type ChannelSource <-chan Delivery

// Consume forwards channel deliveries until closure or cancellation.
func (s ChannelSource) Consume(ctx context.Context, handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("channel source: nil handler")
	}

	for {
		var (
			delivery Delivery
			open     bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, open = <-s:
		}
		if !open {
			return nil
		}
		err := handler(ctx, delivery)
		if err != nil && !errors.Is(err, ErrPoison) && !errors.Is(err, ErrSkip) {
			return err
		}
	}
}
