package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"ex-relay/pkg/relay"
)

// MTProtoDispatcher sends replies over an MTProto session to chats whose
// peers were recorded from inbound updates.
type MTProtoDispatcher struct {
	cfg    outboundConfig
	sender TextSender
	peers  *PeerCache
}

// NewMTProtoDispatcher creates a reply dispatcher. Sent message IDs are
// recorded in peers so replies to them are recognized.
func NewMTProtoDispatcher(sender TextSender, peers *PeerCache, options ...OutboundOption) (*MTProtoDispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("new telegram mtproto dispatcher: nil sender")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram mtproto dispatcher: nil peer cache")
	}

	cfg := outboundConfig{
		timeout: defaultOutboundTimeout,
		logger:  slog.Default(),
		sink:    relay.EventSource{Platform: DriverPlatform},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &MTProtoDispatcher{cfg: cfg, sender: sender, peers: peers}, nil
}

// SendMessage sends text to the target chat in chunks. Only the first chunk
// is threaded as a reply.
func (d *MTProtoDispatcher) SendMessage(
	ctx context.Context,
	request relay.SendMessageRequest,
) (*relay.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("telegram send message: %w", err)
	}
	chatID := request.Target.Conversation.ID
	peer, err := d.peers.Resolve(chatID)
	if err != nil {
		return nil, fmt.Errorf("telegram send message: %w: %v", relay.ErrInvalidOutboundRequest, err)
	}
	replyTo := 0
	if request.ReplyToMessageID != "" {
		replyTo, err = strconv.Atoi(request.ReplyToMessageID)
		if err != nil {
			return nil, fmt.Errorf("telegram send message: %w: reply id %q", relay.ErrInvalidOutboundRequest, request.ReplyToMessageID)
		}
	}

	firstID := 0
	for index, chunk := range splitText(request.Text, maxMessageLength) {
		threadTo := 0
		if index == 0 {
			threadTo = replyTo
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.timeout)
		id, err := d.sender.SendText(callCtx, peer, chunk, threadTo)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("telegram send message to chat %s: %w", chatID, err)
		}
		d.peers.RememberSent(chatID, id)
		if index == 0 {
			firstID = id
		}
	}
	d.cfg.logger.DebugContext(ctx, "telegram reply sent", "chat_id", chatID, "message_id", firstID)

	target := request.Target
	sink := d.cfg.sink
	target.Sink = &sink

	return &relay.OutboundMessage{ID: strconv.Itoa(firstID), Target: target}, nil
}
