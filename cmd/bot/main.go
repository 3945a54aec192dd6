package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ex-relay/internal/driver"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Chat relay bot: channel log forwarding and memo delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to bot.yaml (default: $%s, %s or %s)", envConfigFile, defaultConfigFilePath, alternateConfigFilePath))

	root.AddCommand(checkConfigCommand(&configPath))
	root.AddCommand(versionCommand())
	root.SetContext(context.Background())

	return root
}

func checkConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := driver.NewBuiltinRegistry()
			if err != nil {
				return fmt.Errorf("new builtin driver registry: %w", err)
			}
			cfg, configFile, err := loadConfig(*configPath, registry)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			enabled := 0
			for _, definition := range cfg.drivers {
				if definition.Enabled {
					enabled++
				}
			}
			cmd.Printf("config %s ok: %d enabled driver(s), chatlog=%t memo=%t\n",
				configFile, enabled, cfg.chatlogEnabled, cfg.memoEnabled)

			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
