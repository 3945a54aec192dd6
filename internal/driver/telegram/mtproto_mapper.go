package telegram

import (
	"strconv"
	"strings"
	"sync"

	"ex-relay/pkg/relay"

	"github.com/gotd/td/tg"
)

// botIdentity is the authenticated bot account. It is filled once the
// MTProto session has logged in.
type botIdentity struct {
	mu       sync.RWMutex
	id       int64
	username string
}

func (b *botIdentity) set(id int64, username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id, b.username = id, username
}

func (b *botIdentity) get() (int64, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.id, b.username
}

// MTProtoMapper projects MTProto message updates into adapter updates.
//
// Chat IDs follow the Bot API convention: users keep their ID, basic groups
// are negated and supergroups carry the -100 prefix.
type MTProtoMapper struct {
	peers *PeerCache
	self  *botIdentity
}

// NewMTProtoMapper creates a mapper recording chat peers in peers.
func NewMTProtoMapper(peers *PeerCache, self *botIdentity) *MTProtoMapper {
	if self == nil {
		self = &botIdentity{}
	}

	return &MTProtoMapper{peers: peers, self: self}
}

// Map converts one update. It reports false for anything other than a text
// message from a user in a private chat or group, including the bot's own
// messages and broadcast channel posts.
func (m *MTProtoMapper) Map(raw mtprotoUpdate) (Update, bool) {
	var messageClass tg.MessageClass
	switch update := raw.update.(type) {
	case *tg.UpdateNewMessage:
		messageClass = update.Message
	case *tg.UpdateNewChannelMessage:
		messageClass = update.Message
	default:
		return Update{}, false
	}
	message, ok := messageClass.(*tg.Message)
	if !ok || message.Out || message.Message == "" {
		return Update{}, false
	}

	chat, peer, ok := resolveChat(message.PeerID, raw)
	if !ok {
		return Update{}, false
	}
	fromPeer, hasFrom := message.GetFromID()
	if !hasFrom && chat.Type == relay.ConversationTypePrivate {
		fromPeer, hasFrom = message.PeerID, true
	}
	fromUser, ok := fromPeer.(*tg.PeerUser)
	if !hasFrom || !ok {
		return Update{}, false
	}
	actor := resolveActor(fromUser.UserID, raw)
	if chat.Type == relay.ConversationTypePrivate {
		chat.Title = actor.Username
		if peer == nil {
			peer = &tg.InputPeerUser{UserID: fromUser.UserID}
		}
	}
	m.peers.RememberPeer(chat.ID, peer)

	payload := &MessagePayload{
		ID:          strconv.Itoa(message.ID),
		Text:        message.Message,
		MentionsBot: m.mentionsBot(message),
	}
	if header, ok := message.ReplyTo.(*tg.MessageReplyHeader); ok {
		if replyID, ok := header.GetReplyToMsgID(); ok {
			payload.ReplyToID = strconv.Itoa(replyID)
			payload.RepliesToBot = m.peers.SentByBot(chat.ID, replyID)
		}
	}

	occurredAt := unixUTC(message.Date)
	if occurredAt.IsZero() {
		occurredAt = raw.occurredAt
	}

	return Update{
		ID:         "tg:" + chat.ID + ":" + payload.ID,
		Type:       UpdateTypeMessage,
		OccurredAt: occurredAt,
		Chat:       chat,
		Actor:      actor,
		Message:    payload,
		Metadata:   map[string]string{"mtproto_update": raw.class},
	}, true
}

// mentionsBot reports an @username mention or a text mention of the bot account.
func (m *MTProtoMapper) mentionsBot(message *tg.Message) bool {
	id, username := m.self.get()
	if username != "" && strings.Contains(strings.ToLower(message.Message), "@"+strings.ToLower(username)) {
		return true
	}
	for _, entity := range message.Entities {
		if named, ok := entity.(*tg.MessageEntityMentionName); ok && id != 0 && named.UserID == id {
			return true
		}
	}

	return false
}

// resolveChat maps a message peer to a chat reference and, when known, the
// input peer used to answer it.
func resolveChat(peer tg.PeerClass, raw mtprotoUpdate) (ChatRef, tg.InputPeerClass, bool) {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		chat := ChatRef{ID: strconv.FormatInt(typed.UserID, 10), Type: relay.ConversationTypePrivate}
		if user, ok := raw.users[typed.UserID]; ok {
			return chat, user.AsInputPeer(), true
		}
		return chat, nil, true
	case *tg.PeerChat:
		chat := ChatRef{ID: "-" + strconv.FormatInt(typed.ChatID, 10), Type: relay.ConversationTypeGroup}
		if info, ok := raw.chats[typed.ChatID]; ok {
			chat.Title = info.title
		}
		return chat, &tg.InputPeerChat{ChatID: typed.ChatID}, true
	case *tg.PeerChannel:
		info, ok := raw.chats[typed.ChannelID]
		if !ok || info.broadcast || info.inputPeer == nil {
			return ChatRef{}, nil, false
		}
		chat := ChatRef{
			ID:    "-100" + strconv.FormatInt(typed.ChannelID, 10),
			Title: info.title,
			Type:  relay.ConversationTypeGroup,
		}
		return chat, info.inputPeer, true
	default:
		return ChatRef{}, nil, false
	}
}

func resolveActor(userID int64, raw mtprotoUpdate) ActorRef {
	actor := ActorRef{ID: strconv.FormatInt(userID, 10)}
	user, ok := raw.users[userID]
	if !ok {
		return actor
	}
	actor.Username = user.Username
	actor.DisplayName = strings.TrimSpace(user.FirstName + " " + user.LastName)
	actor.IsBot = user.Bot

	return actor
}
