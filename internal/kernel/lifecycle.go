package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts modules, then drivers, and blocks until ctx ends or a driver
// fails. Everything is shut down before Run returns; cancellation of ctx is
// a clean exit.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Store(false)

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	drivers, driversCtx := errgroup.WithContext(ctx)
	for _, record := range k.driverSnapshot() {
		sink := newDriverEventSink(record.name, k.bus)
		drivers.Go(func() error {
			err := runSafely("driver "+record.name+" Start", func() error {
				return record.driver.Start(driversCtx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return nil
			}
			return fmt.Errorf("run driver %s: %w", record.name, err)
		})
	}

	<-driversCtx.Done()
	runErr := context.Cause(driversCtx)
	k.awaitDrivers(drivers)

	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdownAll(ctx))
}

// awaitDrivers waits for driver Start calls to return, at most the shutdown timeout.
func (k *Kernel) awaitDrivers(drivers *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = drivers.Wait()
		close(done)
	}()

	timer := time.NewTimer(k.cfg.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		k.cfg.logger.Warn("drivers did not stop within shutdown timeout", "timeout", k.cfg.shutdownTimeout)
	}
}

func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.moduleSnapshot() {
		if err := k.callModuleHook(ctx, record, "OnStart", record.module.OnStart); err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

func (k *Kernel) callModuleHook(ctx context.Context, record *moduleRecord, hook string, fn func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	return runSafely("module "+record.name+" "+hook, func() error { return fn(hookCtx) })
}

// shutdownAll stops drivers, then modules, both in reverse registration order,
// then closes the bus. It runs under its own timeout even when ctx is done.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	k.logSubscriptionStats(shutdownCtx)

	var errs []error
	for _, record := range slices.Backward(k.driverSnapshot()) {
		err := runSafely("driver "+record.name+" Shutdown", func() error {
			return record.driver.Shutdown(shutdownCtx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown driver %s: %w", record.name, err))
		}
	}
	for _, record := range slices.Backward(k.moduleSnapshot()) {
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		if err := k.callModuleHook(shutdownCtx, record, "OnShutdown", record.module.OnShutdown); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}
	if err := k.bus.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}

	return nil
}

func (k *Kernel) logSubscriptionStats(ctx context.Context) {
	for _, stats := range k.bus.Stats() {
		k.cfg.logger.InfoContext(ctx, "subscription stats",
			"subscription", stats.Name,
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
			"queued", stats.Queued,
		)
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
