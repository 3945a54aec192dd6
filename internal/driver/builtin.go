package driver

import (
	"context"
	"fmt"
	"log/slog"

	"ex-relay/internal/driver/telegram"
	"ex-relay/internal/driver/vumi"
	"ex-relay/pkg/relay"
)

// runtimeFactory is the shape shared by every built-in BuildRuntimeFromConfig.
type runtimeFactory func(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (relay.EventSource, relay.Driver, relay.ReplyDispatcher, error)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     vumi.DriverType,
			Platform: vumi.DriverPlatform,
			Builder:  factoryBuilder(vumi.DriverType, vumi.BuildRuntimeFromConfig),
		},
		{
			Type:     telegram.DriverType,
			Platform: telegram.DriverPlatform,
			Builder:  factoryBuilder(telegram.DriverType, telegram.BuildRuntimeFromConfig),
		},
	})
}

func factoryBuilder(driverType string, factory runtimeFactory) BuilderFunc {
	return func(_ context.Context, definition Definition, builderLogger *slog.Logger) (Runtime, error) {
		source, runtimeDriver, replies, err := factory(definition.Name, builderLogger, definition.Config)
		if err != nil {
			return Runtime{}, fmt.Errorf("build %s runtime from config: %w", driverType, err)
		}

		return Runtime{
			Source:  source,
			Driver:  runtimeDriver,
			Replies: replies,
		}, nil
	}
}
