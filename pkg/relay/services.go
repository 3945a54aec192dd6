package relay

import (
	"errors"
	"fmt"
	"log/slog"
)

// ServiceLogger is the service registry key for the shared *slog.Logger.
const ServiceLogger = "relay.logger"

// ServiceRegistry holds named singletons shared between the host and modules.
type ServiceRegistry interface {
	// Register binds service to name. A name can be bound once.
	Register(name string, service any) error
	// Resolve returns the service bound to name, or an error wrapping ErrServiceNotFound.
	Resolve(name string) (any, error)
}

// ResolveAs resolves name and asserts the service to T.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: registered %T is not %T", name, service, zero)
	}

	return typed, nil
}

// ResolveLogger returns the shared logger, or fallback when none is registered.
func ResolveLogger(registry ServiceRegistry, fallback *slog.Logger) (*slog.Logger, error) {
	logger, err := ResolveAs[*slog.Logger](registry, ServiceLogger)
	switch {
	case err == nil:
		return logger, nil
	case errors.Is(err, ErrServiceNotFound):
		return fallback, nil
	default:
		return nil, err
	}
}
