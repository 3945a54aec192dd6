package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdateHandler receives one projected update. A returned error stops the source.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource feeds updates to a handler until ctx ends.
type UpdateSource interface {
	Consume(ctx context.Context, handler UpdateHandler) error
}

// ChannelSource replays updates from a channel. It stops when the channel closes.
type ChannelSource <-chan Update

// Consume forwards channel updates until closure or cancellation.
func (s ChannelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("channel source: nil handler")
	}

	for {
		var (
			update Update
			open   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, open = <-s:
		}
		if !open {
			return nil
		}
		if err := handler(ctx, update); err != nil {
			return err
		}
	}
}

// PollingSource long-polls the Bot API for updates.
type PollingSource struct {
	bot         *Bot
	pollTimeout int
}

// NewPollingSource creates a long-polling update source.
func NewPollingSource(bot *Bot, pollTimeoutSeconds int) (*PollingSource, error) {
	if bot == nil {
		return nil, fmt.Errorf("new telegram polling source: nil bot")
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = defaultPollTimeoutSeconds
	}

	return &PollingSource{bot: bot, pollTimeout: pollTimeoutSeconds}, nil
}

// Consume polls updates and forwards text messages until ctx is cancelled.
// Handler failures drop the update and polling continues.
func (s *PollingSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("telegram polling source: nil handler")
	}
	api, err := s.bot.API()
	if err != nil {
		return err
	}

	config := tgbotapi.NewUpdate(0)
	config.Timeout = s.pollTimeout
	updates := api.GetUpdatesChan(config)
	s.bot.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return nil
		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			update, ok := mapUpdate(api.Self, raw)
			if !ok {
				continue
			}
			if err := handler(ctx, update); err != nil {
				s.bot.logger.ErrorContext(ctx, "telegram update dropped", "update_id", raw.UpdateID, "error", err)
			}
		}
	}
}
