package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ex-relay/pkg/relay"
)

// SubscriptionStats are cumulative delivery counters of one subscription.
type SubscriptionStats struct {
	Name string
	// Delivered counts handler calls that returned nil.
	Delivered uint64
	// Failed counts handler calls that returned an error or panicked.
	Failed uint64
	// Dropped counts events lost to backpressure, including evicted ones.
	Dropped uint64
	// Queued is the number of events waiting at snapshot time.
	Queued int
}

// subscription is one module handler with its queue and worker pool.
type subscription struct {
	bus      *EventBus
	id       int64
	interest relay.InterestSet
	spec     relay.SubscriptionSpec
	handler  relay.EventHandler

	queue   chan *relay.Event
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	stopped atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscription(
	bus *EventBus,
	id int64,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		bus:      bus,
		id:       id,
		interest: copyInterest(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *relay.Event, spec.Buffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for worker := range spec.Workers {
		sub.workers.Go(func() { sub.work(worker) })
	}

	return sub
}

func copyInterest(interest relay.InterestSet) relay.InterestSet {
	copied := interest
	copied.Kinds = append([]relay.EventKind(nil), interest.Kinds...)
	copied.Commands = append([]relay.CommandKind(nil), interest.Commands...)
	copied.Sources = append([]relay.EventSource(nil), interest.Sources...)

	return copied
}

// Name returns the subscription name.
func (s *subscription) Name() string {
	return s.spec.Name
}

// Close detaches the subscription from its bus and waits for its workers.
func (s *subscription) Close(ctx context.Context) error {
	if !s.bus.detach(s.id) {
		return nil
	}

	return s.stop(ctx)
}

func (s *subscription) enqueue(ctx context.Context, event *relay.Event) error {
	if s.stopped.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, relay.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case relay.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, relay.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		}
	case relay.BackpressureDropOldest:
		return s.evictAndEnqueue(event)
	default:
		s.dropped.Add(1)
		return fmt.Errorf("enqueue %s event %s: %w", s.spec.Name, event.ID, relay.ErrEventDropped)
	}
}

// evictAndEnqueue makes room by discarding the oldest queued event. The
// eviction is reported as a drop but the new event is accepted.
func (s *subscription) evictAndEnqueue(event *relay.Event) error {
	select {
	case evicted := <-s.queue:
		s.dropped.Add(1)
		s.bus.report(s.ctx, s.spec.Name,
			fmt.Errorf("evict %s event %s: %w", s.spec.Name, evicted.ID, relay.ErrEventDropped))
	default:
	}

	select {
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("enqueue %s event %s: %w", s.spec.Name, event.ID, relay.ErrEventDropped)
	}
}

func (s *subscription) work(worker int) {
	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, worker)
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.deliver(scope, event); err != nil {
				s.failed.Add(1)
				s.bus.report(s.ctx, s.spec.Name, err)
				continue
			}
			s.delivered.Add(1)
		}
	}
}

// deliver runs the handler under the subscription's timeout with panic recovery.
func (s *subscription) deliver(scope string, event *relay.Event) error {
	ctx := s.ctx
	if s.spec.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.spec.HandlerTimeout)
		defer cancel()
	}

	if err := runSafely(scope, func() error { return s.handler(ctx, event) }); err != nil {
		return fmt.Errorf("handle event %s: %w", event.ID, err)
	}

	return nil
}

// stop cancels the workers and waits for them until ctx expires.
func (s *subscription) stop(ctx context.Context) error {
	if s.stopped.CompareAndSwap(false, true) {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.spec.Name, ctx.Err())
	}
}

func (s *subscription) stats() SubscriptionStats {
	return SubscriptionStats{
		Name:      s.spec.Name,
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    len(s.queue),
	}
}
