package telegram

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gotd/td/tg"
)

const defaultSentMessageMemory = 4096

// PeerCache remembers the MTProto input peer of every chat seen inbound, so
// replies addressed by neutral conversation ID can be sent back, and the IDs
// of recent bot messages, so replies to them count as addressed to the bot.
type PeerCache struct {
	mu     sync.RWMutex
	byChat map[string]tg.InputPeerClass

	sentLimit int
	sent      map[string]struct{}
	sentOrder []string
}

// NewPeerCache creates an empty cache remembering up to sentLimit bot messages.
func NewPeerCache(sentLimit int) *PeerCache {
	if sentLimit <= 0 {
		sentLimit = defaultSentMessageMemory
	}

	return &PeerCache{
		byChat:    make(map[string]tg.InputPeerClass),
		sentLimit: sentLimit,
		sent:      make(map[string]struct{}, sentLimit),
	}
}

// RememberPeer stores the input peer for chatID.
func (c *PeerCache) RememberPeer(chatID string, peer tg.InputPeerClass) {
	if c == nil || chatID == "" || peer == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChat[chatID] = cloneInputPeer(peer)
}

// Resolve returns the input peer recorded for chatID.
func (c *PeerCache) Resolve(chatID string) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	peer, ok := c.byChat[chatID]
	if !ok {
		return nil, fmt.Errorf("resolve peer: chat %s not seen", chatID)
	}

	return cloneInputPeer(peer), nil
}

// RememberSent records a message the bot sent to chatID. The oldest record
// is forgotten once the limit is reached.
func (c *PeerCache) RememberSent(chatID string, messageID int) {
	if c == nil || chatID == "" || messageID == 0 {
		return
	}
	key := sentKey(chatID, messageID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sent[key]; ok {
		return
	}
	if len(c.sentOrder) >= c.sentLimit {
		delete(c.sent, c.sentOrder[0])
		c.sentOrder = c.sentOrder[1:]
	}
	c.sent[key] = struct{}{}
	c.sentOrder = append(c.sentOrder, key)
}

// SentByBot reports whether messageID in chatID is a remembered bot message.
func (c *PeerCache) SentByBot(chatID string, messageID int) bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sent[sentKey(chatID, messageID)]

	return ok
}

func sentKey(chatID string, messageID int) string {
	return chatID + ":" + strconv.Itoa(messageID)
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copied := *typed
		return &copied
	case *tg.InputPeerChat:
		copied := *typed
		return &copied
	case *tg.InputPeerChannel:
		copied := *typed
		return &copied
	default:
		return peer
	}
}
