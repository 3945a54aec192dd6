package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ex-relay/pkg/relay"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultOutboundTimeout = 3 * time.Second
	maxMessageLength       = 4000
)

// MessageSender sends one Bot API request.
type MessageSender interface {
	Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error)
}

type outboundConfig struct {
	timeout time.Duration
	logger  *slog.Logger
	sink    relay.EventSource
}

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout configures a timeout bound for each outbound call.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithOutboundLogger configures structured logging for outbound operations.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithSinkRef configures the sink identity stamped on sent messages.
func WithSinkRef(ref relay.EventSource) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.sink = ref
		if cfg.sink.Platform == "" {
			cfg.sink.Platform = DriverPlatform
		}
	}
}

// OutboundDispatcher adapts neutral replies to Bot API sendMessage calls.
type OutboundDispatcher struct {
	cfg    outboundConfig
	sender MessageSender
}

// NewOutboundDispatcher creates a Telegram reply dispatcher.
func NewOutboundDispatcher(sender MessageSender, options ...OutboundOption) (*OutboundDispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil sender")
	}

	cfg := outboundConfig{
		timeout: defaultOutboundTimeout,
		logger:  slog.Default(),
		sink:    relay.EventSource{Platform: DriverPlatform},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &OutboundDispatcher{cfg: cfg, sender: sender}, nil
}

// SendMessage sends text to the target chat, splitting texts beyond the
// Bot API length limit. Only the first chunk is threaded as a reply.
func (d *OutboundDispatcher) SendMessage(
	ctx context.Context,
	request relay.SendMessageRequest,
) (*relay.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("telegram send message: %w", err)
	}
	chatID, err := strconv.ParseInt(request.Target.Conversation.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram send message: %w: chat id %q", relay.ErrInvalidOutboundRequest, request.Target.Conversation.ID)
	}
	replyTo := 0
	if request.ReplyToMessageID != "" {
		replyTo, err = strconv.Atoi(request.ReplyToMessageID)
		if err != nil {
			return nil, fmt.Errorf("telegram send message: %w: reply id %q", relay.ErrInvalidOutboundRequest, request.ReplyToMessageID)
		}
	}

	var first tgbotapi.Message
	for index, chunk := range splitText(request.Text, maxMessageLength) {
		config := tgbotapi.NewMessage(chatID, chunk)
		if index == 0 {
			config.ReplyToMessageID = replyTo
		}
		sent, err := d.send(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("telegram send message to chat %d: %w", chatID, err)
		}
		if index == 0 {
			first = sent
		}
	}

	target := request.Target
	sink := d.cfg.sink
	target.Sink = &sink

	return &relay.OutboundMessage{
		ID:     strconv.Itoa(first.MessageID),
		Target: target,
	}, nil
}

// send bounds one blocking Bot API call by the context and configured timeout.
func (d *OutboundDispatcher) send(ctx context.Context, config tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.timeout)
	defer cancel()

	type result struct {
		message tgbotapi.Message
		err     error
	}
	done := make(chan result, 1)
	go func() {
		message, err := d.sender.Send(config)
		done <- result{message: message, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome.message, outcome.err
	case <-callCtx.Done():
		d.cfg.logger.WarnContext(ctx, "telegram send abandoned", "chat_id", config.ChatID, "error", callCtx.Err())
		return tgbotapi.Message{}, callCtx.Err()
	}
}

// splitText cuts text into chunks of at most limit bytes, preferring newline
// boundaries in the second half of a chunk and never splitting a UTF-8 rune.
func splitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, len(text)/limit+1)
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
			for cut > 0 && !utf8RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}

	return chunks
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
