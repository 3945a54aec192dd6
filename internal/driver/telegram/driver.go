package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ex-relay/pkg/relay"
)

const (
	// DriverType is the configuration token selecting this driver.
	DriverType = "telegram"
	// DriverPlatform is the neutral platform of events produced by this driver.
	DriverPlatform = relay.PlatformTelegram

	defaultPublishTimeout = 2 * time.Second
)

// DriverConfig configures a Driver. Zero fields select defaults.
type DriverConfig struct {
	// Name is the driver instance name stamped on every event source.
	Name string
	// PublishTimeout bounds each hand-off to the kernel sink.
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Driver turns Telegram updates into relay events for the kernel sink.
//
// Updates the decoder rejects are logged and skipped; only sink failures
// stop the update loop.
type Driver struct {
	name           string
	publishTimeout time.Duration
	logger         *slog.Logger
	source         UpdateSource
	decoder        Decoder
}

// NewDriver creates a driver reading from source.
func NewDriver(cfg DriverConfig, source UpdateSource, decoder Decoder) (*Driver, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("new telegram driver: nil source")
	case decoder == nil:
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}
	if cfg.Name == "" {
		cfg.Name = DriverType
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Driver{
		name:           cfg.Name,
		publishTimeout: cfg.PublishTimeout,
		logger:         cfg.Logger.With("driver", cfg.Name),
		source:         source,
		decoder:        decoder,
	}, nil
}

// Name returns the driver instance name.
func (d *Driver) Name() string {
	return d.name
}

// Start runs the update loop until ctx ends or the sink refuses an event.
func (d *Driver) Start(ctx context.Context, sink relay.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver %s: nil sink", d.name)
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		return d.forward(updateCtx, sink, update)
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return fmt.Errorf("start telegram driver %s: %w", d.name, err)
}

// Shutdown is a no-op; the update loop stops with the Start context.
func (d *Driver) Shutdown(context.Context) error {
	return nil
}

func (d *Driver) forward(ctx context.Context, sink relay.EventSink, update Update) error {
	event, err := decodeRecovering(ctx, d.decoder, update)
	if err != nil {
		d.logger.WarnContext(ctx, "telegram update skipped", "update_id", update.ID, "error", err)
		return nil
	}
	event.Source = relay.EventSource{Platform: DriverPlatform, ID: d.name}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("publish update %s: %w", update.ID, err)
	}

	return nil
}

// decodeRecovering runs decoder, turning a panic or a nil event into an error.
func decodeRecovering(ctx context.Context, decoder Decoder, update Update) (event *relay.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			event, err = nil, fmt.Errorf("decode update %s: panic: %v", update.ID, recovered)
		}
	}()

	event, err = decoder.Decode(ctx, update)
	switch {
	case err != nil:
		return nil, err
	case event == nil:
		return nil, fmt.Errorf("decode update %s: no event", update.ID)
	}

	return event, nil
}
