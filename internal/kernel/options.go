package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ex-relay/pkg/relay"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 3 * time.Second
)

// config stores resolved kernel runtime settings after option application.
type config struct {
	moduleHookTimeout time.Duration
	shutdownTimeout   time.Duration
	// subscriptions fills unset fields of module subscription specs.
	subscriptions relay.SubscriptionSpec
	logger        *slog.Logger
	onAsyncError  func(context.Context, string, error)
	routing       routingConfig
}

// ModuleRoute restricts which drivers feed one module.
type ModuleRoute struct {
	// Sources restricts inbound delivery to matching event sources.
	Sources []relay.EventSource
}

type routingConfig struct {
	defaultRoute *ModuleRoute
	moduleRoutes map[string]ModuleRoute
}

// routeFor returns the module's explicit route, else the default route, else
// an unrestricted route.
func (r routingConfig) routeFor(moduleName string) ModuleRoute {
	if route, ok := r.moduleRoutes[moduleName]; ok {
		return route
	}
	if r.defaultRoute != nil {
		return *r.defaultRoute
	}

	return ModuleRoute{}
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for kernel runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout: defaultModuleHookTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		subscriptions: relay.SubscriptionSpec{
			Buffer:         defaultSubscriptionBuffer,
			Workers:        defaultSubscriptionWorker,
			HandlerTimeout: defaultHandlerTimeout,
			Backpressure:   relay.BackpressureDropNewest,
		},
		logger:       logger,
		onAsyncError: logAsyncError(logger),
		routing: routingConfig{
			moduleRoutes: make(map[string]ModuleRoute),
		},
	}
}

// logAsyncError reports worker failures. Backpressure drops are logged at
// warn level; recovered panics carry their stack.
func logAsyncError(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		if errors.Is(err, relay.ErrEventDropped) {
			logger.WarnContext(ctx, "relay event dropped", "scope", scope, "error", err)
			return
		}
		attrs := []any{"scope", scope, "error", err}
		if stack := panicStack(err); stack != nil {
			attrs = append(attrs, "stack", string(stack))
		}
		logger.ErrorContext(ctx, "relay async error", attrs...)
	}
}

// WithModuleHookTimeout configures OnRegister/OnStart/OnShutdown timeout boundaries.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout configures overall kernel shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer configures default subscriber queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptions.Buffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers configures default subscriber worker count.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptions.Workers = workers
		}
	}
}

// WithDefaultHandlerTimeout configures default per-event handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.subscriptions.HandlerTimeout = timeout
		}
	}
}

// WithDefaultBackpressure configures the queue policy for subscriptions that leave it unset.
func WithDefaultBackpressure(policy relay.BackpressurePolicy) Option {
	return func(cfg *config) {
		switch policy {
		case relay.BackpressureDropNewest, relay.BackpressureDropOldest, relay.BackpressureBlock:
			cfg.subscriptions.Backpressure = policy
		}
	}
}

// WithLogger configures logger used by kernel and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = logAsyncError(logger)
	}
}

// WithAsyncErrorHandler configures asynchronous worker error reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithModuleRouting configures per-module inbound source filters.
//
// defaultRoute applies to modules without an explicit entry in routes.
func WithModuleRouting(defaultRoute *ModuleRoute, routes map[string]ModuleRoute) Option {
	return func(cfg *config) {
		cfg.routing.defaultRoute = cloneRoute(defaultRoute)
		cfg.routing.moduleRoutes = make(map[string]ModuleRoute, len(routes))
		for moduleName, route := range routes {
			cfg.routing.moduleRoutes[moduleName] = *cloneRoute(&route)
		}
	}
}

func cloneRoute(route *ModuleRoute) *ModuleRoute {
	if route == nil {
		return nil
	}
	cloned := ModuleRoute{}
	if len(route.Sources) > 0 {
		cloned.Sources = append([]relay.EventSource(nil), route.Sources...)
	}

	return &cloned
}
