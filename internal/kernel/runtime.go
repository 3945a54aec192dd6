package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"ex-relay/pkg/relay"
)

// moduleRecord is the kernel's bookkeeping for one registered module.
type moduleRecord struct {
	name         string
	module       relay.Module
	capabilities []relay.Capability

	mu            sync.Mutex
	subscriptions []relay.Subscription
}

func (m *moduleRecord) track(subscription relay.Subscription) {
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, subscription)
	m.mu.Unlock()
}

// closeSubscriptions closes tracked subscriptions newest first. Calling it
// again is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	var errs []error
	for _, subscription := range slices.Backward(subscriptions) {
		if err := subscription.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// moduleRuntime is the kernel view handed to a module's OnRegister hook.
type moduleRuntime struct {
	moduleName string
	services   relay.ServiceRegistry
	bus        relay.EventBus
	record     *moduleRecord
	route      ModuleRoute
}

// Services returns the kernel service registry.
func (r *moduleRuntime) Services() relay.ServiceRegistry {
	return r.services
}

// Subscribe subscribes handler on behalf of the module. The interest must be
// covered by one of the module's capabilities, and the module's configured
// source route replaces any sources in interest.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
) (relay.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.moduleName + "-subscription"
	}
	if !coveredByCapability(r.record.capabilities, interest) {
		return nil, fmt.Errorf("module %s subscribe %s: %w: interest not covered by a declared capability",
			r.moduleName, spec.Name, relay.ErrInvalidSubscription)
	}
	if len(r.route.Sources) > 0 {
		interest.Sources = slices.Clone(r.route.Sources)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.track(subscription)

	return subscription, nil
}

func coveredByCapability(capabilities []relay.Capability, interest relay.InterestSet) bool {
	return slices.ContainsFunc(capabilities, func(capability relay.Capability) bool {
		return capability.Interest.Allows(interest)
	})
}
