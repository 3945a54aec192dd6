package chatlog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ex-relay/pkg/relay"
)

// Option mutates chatlog module configuration.
type Option func(*Module)

// WithLogger sets the logger used when no shared logger service is registered.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithHTTPClient overrides the client used to reach the log server.
func WithHTTPClient(client *http.Client) Option {
	return func(module *Module) {
		if client != nil {
			module.client = client
		}
	}
}

// Module classifies channel lines and forwards them to the log server.
type Module struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	inflight sync.WaitGroup
}

// New creates a log forwarder module.
func New(cfg Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new chatlog module: %w", err)
	}
	cfg.LogServer = strings.TrimSpace(cfg.LogServer)
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	module := &Module{
		cfg:    cfg,
		logger: slog.Default(),
		client: http.DefaultClient,
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "chatlog"
}

// Spec declares interest in channel messages and actions.
func (m *Module) Spec() relay.ModuleSpec {
	return relay.ModuleSpec{
		Handlers: []relay.ModuleHandler{
			{
				Capability: relay.Capability{
					Name:        "chatlog-forwarder",
					Description: "forwards channel messages and actions to the log server",
					Interest: relay.InterestSet{
						Kinds:          []relay.EventKind{relay.EventKindUserMessage},
						Commands:       []relay.CommandKind{relay.CommandKindMessage, relay.CommandKindAction},
						RequireChannel: true,
					},
				},
				Subscription: relay.NewDefaultSubscriptionSpec("chatlog-messages"),
				Handler:      m.handleMessage,
			},
		},
	}
}

// OnRegister resolves the optional shared logger.
func (m *Module) OnRegister(_ context.Context, runtime relay.ModuleRuntime) error {
	logger, err := relay.ResolveLogger(runtime.Services(), m.logger)
	if err != nil {
		return fmt.Errorf("chatlog resolve logger: %w", err)
	}
	m.logger = logger

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(ctx context.Context) error {
	m.logger.InfoContext(ctx, "chatlog module started",
		"log_server", m.cfg.LogServer,
		"request_timeout", m.cfg.RequestTimeout,
	)

	return nil
}

// OnShutdown waits for in-flight forwards until ctx expires.
func (m *Module) OnShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chatlog wait in-flight forwards: %w", ctx.Err())
	}
}

func (m *Module) handleMessage(ctx context.Context, event *relay.Event) error {
	record, ok := Classify(event)
	if !ok {
		return nil
	}
	m.forward(ctx, record)

	return nil
}
