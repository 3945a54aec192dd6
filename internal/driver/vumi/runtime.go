package vumi

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ex-relay/pkg/relay"

	"gopkg.in/yaml.v3"
)

const (
	defaultExchange      = "vumi"
	defaultPrefetch      = 16
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 30 * time.Second
)

type runtimeConfig struct {
	URL             string `yaml:"url"`
	Exchange        string `yaml:"exchange"`
	TransportName   string `yaml:"transport_name"`
	ConsumerTag     string `yaml:"consumer_tag"`
	Prefetch        int    `yaml:"prefetch"`
	PublishTimeout  string `yaml:"publish_timeout"`
	OutboundTimeout string `yaml:"outbound_timeout"`
	ReconnectBase   string `yaml:"reconnect_base"`
	ReconnectCap    string `yaml:"reconnect_cap"`
	JitterPercent   int    `yaml:"jitter_percent"`
}

type parsedRuntimeConfig struct {
	client          ClientConfig
	publishTimeout  time.Duration
	outboundTimeout time.Duration
}

// BuildRuntimeFromConfig builds one broker driver runtime from a YAML config payload.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (relay.EventSource, relay.Driver, relay.ReplyDispatcher, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("parse vumi runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.client.ConsumerTag == "" {
		cfg.client.ConsumerTag = name
	}

	client, err := NewClient(cfg.client, logger)
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("new vumi client: %w", err)
	}

	driver, err := NewDriver(DriverConfig{
		Name:           name,
		PublishTimeout: cfg.publishTimeout,
		Logger:         logger,
	}, client, NewDefaultDecoder())
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("new vumi driver: %w", err)
	}

	source := relay.EventSource{Platform: DriverPlatform, ID: name}
	dispatcher, err := NewOutboundDispatcher(
		client,
		WithOutboundTimeout(cfg.outboundTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(source),
		WithTransportName(cfg.client.TransportName),
	)
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("new vumi outbound dispatcher: %w", err)
	}

	return source, driver, dispatcher, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := parsedRuntimeConfig{
		client: ClientConfig{
			URL:           strings.TrimSpace(os.ExpandEnv(parsed.URL)),
			Exchange:      strings.TrimSpace(parsed.Exchange),
			TransportName: strings.TrimSpace(parsed.TransportName),
			ConsumerTag:   strings.TrimSpace(parsed.ConsumerTag),
			Prefetch:      parsed.Prefetch,
			ReconnectBase: defaultReconnectBase,
			ReconnectCap:  defaultReconnectCap,
			JitterPercent: parsed.JitterPercent,
		},
		publishTimeout:  defaultPublishTimeout,
		outboundTimeout: defaultOutboundTimeout,
	}
	if cfg.client.Exchange == "" {
		cfg.client.Exchange = defaultExchange
	}
	if cfg.client.Prefetch < 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("prefetch must be >= 0")
	}
	if cfg.client.JitterPercent < 0 || cfg.client.JitterPercent > 100 {
		return parsedRuntimeConfig{}, fmt.Errorf("jitter_percent must be within [0, 100]")
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.publishTimeout},
		{field: "outbound_timeout", raw: parsed.OutboundTimeout, target: &cfg.outboundTimeout},
		{field: "reconnect_base", raw: parsed.ReconnectBase, target: &cfg.client.ReconnectBase},
		{field: "reconnect_cap", raw: parsed.ReconnectCap, target: &cfg.client.ReconnectCap},
	}
	for _, duration := range durations {
		value, err := parsePositiveDuration(duration.field, duration.raw)
		if err != nil {
			return parsedRuntimeConfig{}, err
		}
		if value > 0 {
			*duration.target = value
		}
	}

	if cfg.client.URL == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("url is required")
	}
	if cfg.client.TransportName == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("transport_name is required")
	}
	if cfg.client.ReconnectCap < cfg.client.ReconnectBase {
		return parsedRuntimeConfig{}, fmt.Errorf("reconnect_cap must be >= reconnect_base")
	}

	return cfg, nil
}

// parsePositiveDuration returns zero for an empty value.
func parsePositiveDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
