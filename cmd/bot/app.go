package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"ex-relay/internal/driver"
	"ex-relay/internal/kernel"
	"ex-relay/modules/chatlog"
	"ex-relay/modules/memo"
	"ex-relay/pkg/relay"
)

func run(ctx context.Context, configPath string) error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, configFile, err := loadConfig(configPath, registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.logLevel)
	logger.Info("relay starting", "config", configFile, "version", version)
	kernelRuntime := buildKernelRuntime(logger, cfg)

	drivers, replies, err := buildDriverRuntime(ctx, logger, cfg, registry)
	if err != nil {
		return err
	}

	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, logger, replies); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, logger, cfg); err != nil {
		return err
	}

	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}
	logger.Info("relay stopped")

	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithDefaultBackpressure(cfg.backpressure),
		kernel.WithModuleRouting(cfg.routingDefault, cfg.moduleRoutes),
	)
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) ([]relay.Driver, relay.ReplyDispatcher, error) {
	if registry == nil {
		return nil, nil, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]relay.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	dispatcher, err := driver.NewCompositeReplyDispatcher(runtimes)
	if err != nil {
		return nil, nil, fmt.Errorf("build reply dispatcher: %w", err)
	}
	for _, sink := range dispatcher.Sinks() {
		logger.Info("reply sink ready", "platform", sink.Platform, "driver", sink.ID)
	}

	return drivers, dispatcher, nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	replies relay.ReplyDispatcher,
) error {
	if err := kernelRuntime.RegisterService(relay.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if replies == nil {
		return fmt.Errorf("register reply dispatcher service: nil dispatcher")
	}
	if err := kernelRuntime.RegisterService(relay.ServiceReplyDispatcher, replies); err != nil {
		return fmt.Errorf("register reply dispatcher service: %w", err)
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg appConfig,
) error {
	if cfg.chatlogEnabled {
		chatlogModule, err := chatlog.New(cfg.chatlog)
		if err != nil {
			return fmt.Errorf("new chatlog module: %w", err)
		}
		if err := kernelRuntime.RegisterModule(ctx, chatlogModule); err != nil {
			return fmt.Errorf("register chatlog module: %w", err)
		}
	} else {
		logger.Info("module disabled", "module", "chatlog")
	}

	if cfg.memoEnabled {
		if err := kernelRuntime.RegisterModule(ctx, memo.New(memo.WithReplyTimeout(cfg.memoReplyTimeout))); err != nil {
			return fmt.Errorf("register memo module: %w", err)
		}
	} else {
		logger.Info("module disabled", "module", "memo")
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []relay.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
