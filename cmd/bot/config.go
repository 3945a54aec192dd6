package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ex-relay/internal/driver"
	"ex-relay/internal/kernel"
	"ex-relay/modules/chatlog"
	"ex-relay/pkg/relay"

	"gopkg.in/yaml.v3"
)

const (
	envConfigFile             = "RELAY_CONFIG_FILE"
	defaultConfigFilePath     = "config/bot.yaml"
	alternateConfigFilePath   = "bin/config/bot.yaml"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
)

var runtimeModuleNames = []string{"chatlog", "memo"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int
	backpressure        relay.BackpressurePolicy

	drivers        []driver.Definition
	routingDefault *kernel.ModuleRoute
	moduleRoutes   map[string]kernel.ModuleRoute

	chatlogEnabled bool
	chatlog        chatlog.Config
	memoEnabled    bool
	// memoReplyTimeout of zero keeps the module default.
	memoReplyTimeout time.Duration
}

type fileConfig struct {
	LogLevel string            `yaml:"log_level"`
	Kernel   fileKernelConfig  `yaml:"kernel"`
	Drivers  []fileDriverEntry `yaml:"drivers"`
	Routing  fileRoutingConfig `yaml:"routing"`
	Modules  fileModulesConfig `yaml:"modules"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `yaml:"module_hook_timeout"`
	ShutdownTimeout     string `yaml:"shutdown_timeout"`
	SubscriptionBuffer  *int   `yaml:"subscription_buffer"`
	SubscriptionWorkers *int   `yaml:"subscription_workers"`
	Backpressure        string `yaml:"backpressure"`
}

type fileDriverEntry struct {
	Name    string    `yaml:"name"`
	Type    string    `yaml:"type"`
	Enabled *bool     `yaml:"enabled"`
	Config  yaml.Node `yaml:"config"`
}

type fileRoutingConfig struct {
	Default *fileModuleRoute           `yaml:"default"`
	Modules map[string]fileModuleRoute `yaml:"modules"`
}

type fileModuleRoute struct {
	Sources []fileSourceRef `yaml:"sources"`
}

type fileSourceRef struct {
	Platform string `yaml:"platform"`
	ID       string `yaml:"id"`
}

type fileModulesConfig struct {
	Chatlog fileChatlogConfig `yaml:"chatlog"`
	Memo    fileMemoConfig    `yaml:"memo"`
}

type fileChatlogConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	LogServer      string `yaml:"log_server"`
	RequestTimeout string `yaml:"request_timeout"`
}

type fileMemoConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	ReplyTimeout string `yaml:"reply_timeout"`
}

func loadConfig(explicitPath string, registry *driver.Registry) (appConfig, string, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(explicitPath)
	if err != nil {
		return appConfig{}, "", err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, "", err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, "", fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, configFile, nil
}

func resolveConfigFilePath(explicitPath string) (string, error) {
	if configFile := strings.TrimSpace(explicitPath); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, pass --config, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,
		backpressure:        relay.BackpressureDropNewest,

		drivers:      make([]driver.Definition, 0),
		moduleRoutes: make(map[string]kernel.ModuleRoute),

		chatlogEnabled: true,
		memoEnabled:    true,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "kernel.module_hook_timeout", raw: parsed.Kernel.ModuleHookTimeout, target: &cfg.moduleHookTimeout},
		{field: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{field: "modules.chatlog.request_timeout", raw: parsed.Modules.Chatlog.RequestTimeout, target: &cfg.chatlog.RequestTimeout},
		{field: "modules.memo.reply_timeout", raw: parsed.Modules.Memo.ReplyTimeout, target: &cfg.memoReplyTimeout},
	}
	for _, duration := range durations {
		if err := parsePositiveDuration(duration.field, duration.raw, duration.target); err != nil {
			return err
		}
	}
	if parsed.Kernel.SubscriptionBuffer != nil {
		if *parsed.Kernel.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.Kernel.SubscriptionBuffer
	}
	if parsed.Kernel.SubscriptionWorkers != nil {
		if *parsed.Kernel.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse kernel.subscription_workers: must be > 0")
		}
		cfg.subscriptionWorkers = *parsed.Kernel.SubscriptionWorkers
	}
	switch policy := relay.BackpressurePolicy(parsed.Kernel.Backpressure); policy {
	case "":
	case relay.BackpressureDropNewest, relay.BackpressureDropOldest, relay.BackpressureBlock:
		cfg.backpressure = policy
	default:
		return fmt.Errorf("parse kernel.backpressure: unsupported policy %q", policy)
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		if entry.Config.Kind == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		rawConfig, err := yaml.Marshal(&entry.Config)
		if err != nil {
			return fmt.Errorf("parse drivers[%d].config: %w", index, err)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: boolOrDefault(entry.Enabled, true),
			Config:  rawConfig,
		})
	}

	cfg.routingDefault = nil
	if parsed.Routing.Default != nil {
		route, err := parseModuleRoute(*parsed.Routing.Default, "routing.default")
		if err != nil {
			return err
		}
		cfg.routingDefault = &route
	}

	cfg.moduleRoutes = make(map[string]kernel.ModuleRoute, len(parsed.Routing.Modules))
	for moduleName, rawRoute := range parsed.Routing.Modules {
		route, err := parseModuleRoute(rawRoute, fmt.Sprintf("routing.modules.%s", moduleName))
		if err != nil {
			return err
		}
		cfg.moduleRoutes[moduleName] = route
	}

	cfg.chatlogEnabled = boolOrDefault(parsed.Modules.Chatlog.Enabled, true)
	cfg.chatlog.LogServer = strings.TrimSpace(os.ExpandEnv(parsed.Modules.Chatlog.LogServer))
	cfg.memoEnabled = boolOrDefault(parsed.Modules.Memo.Enabled, true)

	return nil
}

func parseModuleRoute(raw fileModuleRoute, scope string) (kernel.ModuleRoute, error) {
	if len(raw.Sources) == 0 {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sources is required", scope)
	}

	sources := make([]relay.EventSource, 0, len(raw.Sources))
	for index, sourceRef := range raw.Sources {
		source := relay.EventSource{
			Platform: relay.Platform(strings.TrimSpace(sourceRef.Platform)),
			ID:       strings.TrimSpace(sourceRef.ID),
		}
		if source.Platform == "" && source.ID == "" {
			return kernel.ModuleRoute{}, fmt.Errorf("%s.sources[%d]: empty source reference", scope, index)
		}
		sources = append(sources, source)
	}

	return kernel.ModuleRoute{Sources: sources}, nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seenNames := make(map[string]struct{}, len(cfg.drivers))
	enabledByName := make(map[string]driver.Definition, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seenNames[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabledByName[definition.Name] = definition
	}
	if len(enabledByName) == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	if !cfg.chatlogEnabled && !cfg.memoEnabled {
		return fmt.Errorf("at least one module must be enabled")
	}
	if cfg.chatlogEnabled {
		if err := cfg.chatlog.Validate(); err != nil {
			return fmt.Errorf("modules.chatlog: %w", err)
		}
	}

	knownModules := make(map[string]struct{}, len(runtimeModuleNames))
	for _, moduleName := range runtimeModuleNames {
		knownModules[moduleName] = struct{}{}
	}
	for moduleName, route := range cfg.moduleRoutes {
		if _, known := knownModules[moduleName]; !known {
			return fmt.Errorf("routing.modules.%s: unknown module", moduleName)
		}
		if err := validateRouteRefs(route, enabledByName, fmt.Sprintf("routing.modules.%s", moduleName)); err != nil {
			return err
		}
	}
	if cfg.routingDefault != nil {
		if err := validateRouteRefs(*cfg.routingDefault, enabledByName, "routing.default"); err != nil {
			return err
		}
	}

	return nil
}

func validateRouteRefs(
	route kernel.ModuleRoute,
	enabledByName map[string]driver.Definition,
	scope string,
) error {
	for index, source := range route.Sources {
		if source.ID != "" {
			if _, exists := enabledByName[source.ID]; !exists {
				return fmt.Errorf("%s.sources[%d]: unknown driver id %s", scope, index, source.ID)
			}
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// parsePositiveDuration leaves target untouched when raw is empty.
func parsePositiveDuration(field, raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*target = parsed

	return nil
}

func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}

	return *value
}
