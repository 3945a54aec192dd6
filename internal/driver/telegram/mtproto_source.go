package telegram

import (
	"context"
	"fmt"
	"log/slog"
)

// SessionRunner runs fn inside a connected, authorized session.
type SessionRunner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// MTProtoSource feeds updates received by an MTProto session to a handler.
type MTProtoSource struct {
	session SessionRunner
	updates *UpdateChannel
	mapper  *MTProtoMapper
	logger  *slog.Logger
}

// NewMTProtoSource creates a source reading the update channel the session
// delivers into.
func NewMTProtoSource(
	session SessionRunner,
	updates *UpdateChannel,
	mapper *MTProtoMapper,
	logger *slog.Logger,
) (*MTProtoSource, error) {
	if session == nil {
		return nil, fmt.Errorf("new mtproto source: nil session")
	}
	if updates == nil {
		return nil, fmt.Errorf("new mtproto source: nil update channel")
	}
	if mapper == nil {
		return nil, fmt.Errorf("new mtproto source: nil mapper")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MTProtoSource{session: session, updates: updates, mapper: mapper, logger: logger}, nil
}

// Consume runs the session and forwards mapped messages until ctx ends.
// Updates that fail to map or to publish are logged and skipped.
func (s *MTProtoSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("mtproto source: nil handler")
	}

	return s.session.Run(ctx, func(runCtx context.Context) error {
		s.logger.InfoContext(runCtx, "telegram mtproto updates started")
		for {
			select {
			case <-runCtx.Done():
				return nil
			case raw := <-s.updates.stream():
				update, ok, err := s.mapRecovering(raw)
				if err != nil {
					s.logger.WarnContext(runCtx, "telegram update skipped", "update", raw.class, "error", err)
					continue
				}
				if !ok {
					continue
				}
				if err := handler(runCtx, update); err != nil {
					s.logger.ErrorContext(runCtx, "telegram update dropped", "update_id", update.ID, "error", err)
				}
			}
		}
	})
}

func (s *MTProtoSource) mapRecovering(raw mtprotoUpdate) (update Update, ok bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			update, ok, err = Update{}, false, fmt.Errorf("map %s: panic: %v", raw.class, recovered)
		}
	}()

	update, ok = s.mapper.Map(raw)

	return update, ok, nil
}
