package telegram

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ex-relay/pkg/relay"

	"gopkg.in/yaml.v3"
)

const defaultPollTimeoutSeconds = 30

const (
	// ClientBotAPI long-polls the HTTP Bot API.
	ClientBotAPI = "bot_api"
	// ClientMTProto logs the bot in over MTProto with a persisted session.
	ClientMTProto = "mtproto"
)

type runtimeConfig struct {
	Client          string `yaml:"client"`
	Token           string `yaml:"token"`
	PollTimeout     string `yaml:"poll_timeout"`
	PublishTimeout  string `yaml:"publish_timeout"`
	OutboundTimeout string `yaml:"outbound_timeout"`
	AppID           int    `yaml:"app_id"`
	AppHash         string `yaml:"app_hash"`
	SessionFile     string `yaml:"session_file"`
	AuthTimeout     string `yaml:"auth_timeout"`
	UpdateBuffer    int    `yaml:"update_buffer"`
}

type parsedRuntimeConfig struct {
	client          string
	token           string
	pollTimeout     time.Duration
	publishTimeout  time.Duration
	outboundTimeout time.Duration
	mtproto         MTProtoConfig
	updateBuffer    int
}

// BuildRuntimeFromConfig builds one Telegram driver runtime from a YAML
// config payload, on the Bot API or MTProto client.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (relay.EventSource, relay.Driver, relay.ReplyDispatcher, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	source := relay.EventSource{Platform: DriverPlatform, ID: name}
	options := []OutboundOption{
		WithOutboundTimeout(cfg.outboundTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(source),
	}

	var (
		updates    UpdateSource
		dispatcher relay.ReplyDispatcher
	)
	switch cfg.client {
	case ClientMTProto:
		updates, dispatcher, err = buildMTProto(cfg, logger, options)
	default:
		updates, dispatcher, err = buildBotAPI(cfg, logger, options)
	}
	if err != nil {
		return relay.EventSource{}, nil, nil, err
	}

	driver, err := NewDriver(DriverConfig{
		Name:           name,
		PublishTimeout: cfg.publishTimeout,
		Logger:         logger,
	}, updates, NewDefaultDecoder())
	if err != nil {
		return relay.EventSource{}, nil, nil, fmt.Errorf("new telegram driver: %w", err)
	}

	return source, driver, dispatcher, nil
}

func buildBotAPI(
	cfg parsedRuntimeConfig,
	logger *slog.Logger,
	options []OutboundOption,
) (UpdateSource, relay.ReplyDispatcher, error) {
	bot, err := NewBot(cfg.token, logger)
	if err != nil {
		return nil, nil, err
	}
	updates, err := NewPollingSource(bot, int(cfg.pollTimeout/time.Second))
	if err != nil {
		return nil, nil, err
	}
	dispatcher, err := NewOutboundDispatcher(bot, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("new telegram outbound dispatcher: %w", err)
	}

	return updates, dispatcher, nil
}

func buildMTProto(
	cfg parsedRuntimeConfig,
	logger *slog.Logger,
	options []OutboundOption,
) (UpdateSource, relay.ReplyDispatcher, error) {
	self := &botIdentity{}
	peers := NewPeerCache(0)
	channel := NewUpdateChannel(cfg.updateBuffer)

	session, err := NewMTProtoSession(cfg.mtproto, channel, self, logger)
	if err != nil {
		return nil, nil, err
	}
	updates, err := NewMTProtoSource(session, channel, NewMTProtoMapper(peers, self), logger)
	if err != nil {
		return nil, nil, err
	}
	dispatcher, err := NewMTProtoDispatcher(session.Sender(), peers, options...)
	if err != nil {
		return nil, nil, err
	}

	return updates, dispatcher, nil
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
		client:          strings.TrimSpace(parsed.Client),
		token:           strings.TrimSpace(os.ExpandEnv(parsed.Token)),
		pollTimeout:     defaultPollTimeoutSeconds * time.Second,
		publishTimeout:  defaultPublishTimeout,
		outboundTimeout: defaultOutboundTimeout,
		updateBuffer:    parsed.UpdateBuffer,
	}
	if cfg.client == "" {
		cfg.client = ClientBotAPI
	}
	if cfg.client != ClientBotAPI && cfg.client != ClientMTProto {
		return parsedRuntimeConfig{}, fmt.Errorf("client must be %s or %s, got %q", ClientBotAPI, ClientMTProto, cfg.client)
	}
	if cfg.token == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("token is required")
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "poll_timeout", raw: parsed.PollTimeout, target: &cfg.pollTimeout},
		{field: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.publishTimeout},
		{field: "outbound_timeout", raw: parsed.OutboundTimeout, target: &cfg.outboundTimeout},
		{field: "auth_timeout", raw: parsed.AuthTimeout, target: &cfg.mtproto.AuthTimeout},
	}
	for _, duration := range durations {
		value, err := parseDuration(duration.field, duration.raw)
		if err != nil {
			return parsedRuntimeConfig{}, err
		}
		if value > 0 {
			*duration.target = value
		}
	}
	if cfg.pollTimeout < time.Second {
		return parsedRuntimeConfig{}, fmt.Errorf("poll_timeout must be at least 1s")
	}
	if cfg.client == ClientMTProto {
		cfg.mtproto.AppID = parsed.AppID
		cfg.mtproto.AppHash = strings.TrimSpace(os.ExpandEnv(parsed.AppHash))
		cfg.mtproto.Token = cfg.token
		cfg.mtproto.SessionFile = strings.TrimSpace(parsed.SessionFile)
		if cfg.mtproto.AppID <= 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("app_id must be > 0 for the %s client", ClientMTProto)
		}
		if cfg.mtproto.AppHash == "" {
			return parsedRuntimeConfig{}, fmt.Errorf("app_hash is required for the %s client", ClientMTProto)
		}
	}

	return cfg, nil
}

// parseDuration returns zero for an empty value and rejects non-positive values.
func parseDuration(field, raw string) (time.Duration, error) {
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
