package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
)

const (
	defaultSessionFile = ".cache/telegram/session.json"
	defaultAuthTimeout = time.Minute
)

// MTProtoConfig configures a bot session on the MTProto API.
type MTProtoConfig struct {
	AppID       int
	AppHash     string
	Token       string
	SessionFile string
	AuthTimeout time.Duration
}

// MTProtoSession runs one gotd client logged in with a bot token.
type MTProtoSession struct {
	client      *gotdtelegram.Client
	token       string
	sessionFile string
	authTimeout time.Duration
	self        *botIdentity
	logger      *slog.Logger
}

// NewMTProtoSession creates a session delivering update containers to handler.
func NewMTProtoSession(
	cfg MTProtoConfig,
	handler gotdtelegram.UpdateHandler,
	self *botIdentity,
	logger *slog.Logger,
) (*MTProtoSession, error) {
	if cfg.AppID <= 0 || strings.TrimSpace(cfg.AppHash) == "" {
		return nil, fmt.Errorf("new mtproto session: app id and hash are required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("new mtproto session: empty token")
	}
	if handler == nil {
		return nil, fmt.Errorf("new mtproto session: nil update handler")
	}
	if self == nil {
		self = &botIdentity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionFile
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}

	storage, err := newSessionStorage(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("new mtproto session: %w", err)
	}
	client := gotdtelegram.NewClient(cfg.AppID, cfg.AppHash, gotdtelegram.Options{
		UpdateHandler:  handler,
		SessionStorage: storage,
	})

	return &MTProtoSession{
		client:      client,
		token:       cfg.Token,
		sessionFile: storage.Path,
		authTimeout: cfg.AuthTimeout,
		self:        self,
		logger:      logger,
	}, nil
}

// Run connects, logs in as the bot when the stored session is not
// authorized, and runs fn until it returns or ctx ends.
func (s *MTProtoSession) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.client.Run(ctx, func(runCtx context.Context) error {
		if err := s.authenticate(runCtx); err != nil {
			return err
		}
		return fn(runCtx)
	})
	if err != nil {
		return fmt.Errorf("run mtproto session: %w", err)
	}

	return nil
}

func (s *MTProtoSession) authenticate(ctx context.Context) error {
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	status, err := s.client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		s.logger.InfoContext(ctx, "telegram session restored", "session_file", s.sessionFile)
	} else {
		if _, err := s.client.Auth().Bot(authCtx, s.token); err != nil {
			return fmt.Errorf("bot login: %w", err)
		}
		s.logger.InfoContext(ctx, "telegram bot logged in", "session_file", s.sessionFile)
	}

	self, err := s.client.Self(authCtx)
	if err != nil {
		return fmt.Errorf("resolve bot account: %w", err)
	}
	s.self.set(self.ID, self.Username)
	s.logger.InfoContext(ctx, "telegram bot connected", "username", self.Username, "id", self.ID)

	return nil
}

// Sender returns a text sender using the session's API client. Sends only
// succeed while Run is active.
func (s *MTProtoSession) Sender() TextSender {
	return rawSender{api: s.client.API(), rand: crypto.DefaultRand()}
}

func newSessionStorage(path string) (*session.FileStorage, error) {
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("resolve session file path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", dir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

// TextSender sends one text message to an MTProto peer and returns its ID.
type TextSender interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error)
}

type rawSender struct {
	api  *tg.Client
	rand io.Reader
}

func (s rawSender) SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error) {
	request := &tg.MessagesSendMessageRequest{
		Peer:    peer,
		Message: text,
	}
	if replyTo > 0 {
		request.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	randomID, err := crypto.RandInt64(s.rand)
	if err != nil {
		return 0, fmt.Errorf("send text random id: %w", err)
	}
	request.RandomID = randomID

	id, err := unpack.MessageID(s.api.MessagesSendMessage(ctx, request))
	if err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}

	return id, nil
}
