package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"ex-relay/pkg/relay"
)

// Definition is one `drivers` entry of the bot configuration.
type Definition struct {
	Name    string
	Type    string
	Enabled bool
	// Config is the driver-type-specific YAML document, passed through unparsed.
	Config []byte
}

// Runtime is a built driver instance: the inbound driver plus its optional
// outbound side, both tagged with the instance's event source.
type Runtime struct {
	Source  relay.EventSource
	Driver  relay.Driver
	Replies relay.ReplyDispatcher
}

// BuilderFunc builds a runtime for one definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers a driver type.
type Descriptor struct {
	// Type is the configuration token, for example "vumi_amqp".
	Type     string
	Platform relay.Platform
	Builder  BuilderFunc
}

// Registry resolves driver type tokens to builders. It is immutable once built.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry validates descriptors and indexes them by type.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	indexed := make(map[string]Descriptor, len(descriptors))
	for index, descriptor := range descriptors {
		var problem string
		switch {
		case descriptor.Type == "":
			problem = "empty type"
		case descriptor.Platform == "":
			problem = "empty platform"
		case descriptor.Builder == nil:
			problem = "nil builder"
		case indexed[descriptor.Type].Builder != nil:
			problem = "duplicate type"
		}
		if problem != "" {
			return nil, fmt.Errorf("new driver registry: descriptor %d %q: %s", index, descriptor.Type, problem)
		}
		indexed[descriptor.Type] = descriptor
	}

	return &Registry{descriptors: indexed}, nil
}

// Types returns the registered type tokens in sorted order.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.descriptors))
}

// PlatformForType returns the platform of a registered driver type.
func (r *Registry) PlatformForType(driverType string) (relay.Platform, error) {
	descriptor, ok := r.descriptors[driverType]
	if !ok {
		return "", fmt.Errorf("unsupported type %s (known: %v)", driverType, r.Types())
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds every enabled definition in order. Disabled entries
// are skipped without validation. The first failure aborts the build.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) ([]Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var runtimes []Runtime
	built := make(map[string]bool, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		runtime, err := r.build(ctx, definition, built, logger.With("driver", definition.Name))
		if err != nil {
			return nil, fmt.Errorf("build driver %s: %w", definition.Name, err)
		}
		built[definition.Name] = true
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(ctx context.Context, definition Definition, built map[string]bool, logger *slog.Logger) (Runtime, error) {
	switch {
	case definition.Name == "":
		return Runtime{}, errors.New("empty name")
	case built[definition.Name]:
		return Runtime{}, errors.New("duplicate name")
	}
	descriptor, ok := r.descriptors[definition.Type]
	if !ok {
		return Runtime{}, fmt.Errorf("unsupported type %q", definition.Type)
	}

	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, fmt.Errorf("type %s: %w", definition.Type, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("type %s: builder returned no driver", definition.Type)
	}
	if runtime.Source.Platform == "" {
		runtime.Source.Platform = descriptor.Platform
	}
	if runtime.Source.ID == "" {
		runtime.Source.ID = definition.Name
	}

	return runtime, nil
}
