package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"ex-relay/pkg/relay"
)

// EventBus fans inbound chat events out to module subscriptions.
//
// Each subscription has its own bounded queue and workers. Fan-out visits
// subscriptions in registration order.
type EventBus struct {
	defaults relay.SubscriptionSpec
	report   func(context.Context, string, error)

	mu     sync.RWMutex
	closed bool
	lastID int64
	subs   []*subscription
}

// NewEventBus creates a bus. Zero fields of a subscription spec are filled
// from defaults; an empty default backpressure policy means drop_newest.
func NewEventBus(defaults relay.SubscriptionSpec, report func(context.Context, string, error)) *EventBus {
	if defaults.Backpressure == "" {
		defaults.Backpressure = relay.BackpressureDropNewest
	}
	if defaults.Workers <= 0 {
		defaults.Workers = 1
	}
	if defaults.Buffer <= 0 {
		defaults.Buffer = 1
	}
	if report == nil {
		report = func(context.Context, string, error) {}
	}

	return &EventBus{defaults: defaults, report: report}
}

// Publish validates event and enqueues it on every matching subscription.
//
// Backpressure drops and closed subscriptions are reported asynchronously.
// A blocking enqueue that fails is returned to the publisher only when no
// subscription accepted the event; otherwise it is reported as a drop, since
// redelivering the event would hand it twice to the subscriptions that took it.
func (b *EventBus) Publish(ctx context.Context, event *relay.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish event %s: bus closed", event.ID)
	}
	targets := slices.Clone(b.subs)
	b.mu.RUnlock()

	accepted := 0
	var blocked []blockedEnqueue
	for _, sub := range targets {
		if !sub.interest.Matches(event) {
			continue
		}
		err := sub.enqueue(ctx, event)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, relay.ErrEventDropped), errors.Is(err, relay.ErrSubscriptionClosed):
			b.report(ctx, sub.spec.Name, err)
		default:
			blocked = append(blocked, blockedEnqueue{sub: sub, err: err})
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	if accepted > 0 {
		for _, failed := range blocked {
			failed.sub.dropped.Add(1)
			b.report(ctx, failed.sub.spec.Name,
				fmt.Errorf("publish event %s: %w: %w", event.ID, relay.ErrEventDropped, failed.err))
		}
		return nil
	}

	errs := make([]error, 0, len(blocked))
	for _, failed := range blocked {
		errs = append(errs, failed.err)
	}

	return fmt.Errorf("publish event %s: %w", event.ID, errors.Join(errs...))
}

type blockedEnqueue struct {
	sub *subscription
	err error
}

// Subscribe registers handler for events matching interest and starts its workers.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
) (relay.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}
	switch spec.Backpressure {
	case "", relay.BackpressureDropNewest, relay.BackpressureDropOldest, relay.BackpressureBlock:
	default:
		return nil, fmt.Errorf("subscribe %s: backpressure %q: %w", spec.Name, spec.Backpressure, relay.ErrInvalidSubscription)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	b.lastID++
	sub := newSubscription(b, b.lastID, interest, b.withDefaults(spec, b.lastID), handler)
	b.subs = append(b.subs, sub)

	return sub, nil
}

// Close stops every subscription and rejects later publishes and subscribes.
// Workers finish their in-flight event; queued events are discarded.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		if err := sub.stop(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

// Stats returns delivery counters for every live subscription in registration order.
func (b *EventBus) Stats() []SubscriptionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make([]SubscriptionStats, 0, len(b.subs))
	for _, sub := range b.subs {
		stats = append(stats, sub.stats())
	}

	return stats
}

func (b *EventBus) withDefaults(spec relay.SubscriptionSpec, id int64) relay.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaults.Buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaults.Workers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaults.HandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = b.defaults.Backpressure
	}

	return spec
}

// detach removes the subscription with id, reporting whether it was live.
func (b *EventBus) detach(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := slices.IndexFunc(b.subs, func(sub *subscription) bool { return sub.id == id })
	if index < 0 {
		return false
	}
	b.subs = slices.Delete(b.subs, index, index+1)

	return true
}
