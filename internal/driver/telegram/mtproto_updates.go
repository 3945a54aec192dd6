package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

const defaultUpdateBuffer = 256

// mtprotoUpdate is one flattened MTProto update with the users and chats
// that arrived in the same container.
type mtprotoUpdate struct {
	update     tg.UpdateClass
	occurredAt time.Time
	users      map[int64]*tg.User
	chats      map[int64]chatInfo
	class      string
}

type chatInfo struct {
	title     string
	broadcast bool
	inputPeer tg.InputPeerClass
}

// UpdateChannel receives update containers from the MTProto client and
// queues their individual updates for the source.
type UpdateChannel struct {
	updates chan mtprotoUpdate
}

// NewUpdateChannel creates an update queue holding up to buffer updates.
func NewUpdateChannel(buffer int) *UpdateChannel {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}

	return &UpdateChannel{updates: make(chan mtprotoUpdate, buffer)}
}

// Handle implements the MTProto client update handler. It blocks while the
// queue is full.
func (c *UpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	for _, item := range flattenUpdates(updates) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue mtproto update %s: %w", item.class, ctx.Err())
		case c.updates <- item:
		}
	}

	return nil
}

func (c *UpdateChannel) stream() <-chan mtprotoUpdate {
	return c.updates
}

// flattenUpdates unpacks a container into single updates. Short message
// forms are expanded into full new-message updates.
func flattenUpdates(updates tg.UpdatesClass) []mtprotoUpdate {
	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdatesCombined:
		return flattenBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdateShort:
		return []mtprotoUpdate{{update: typed.Update, occurredAt: unixUTC(typed.Date), class: typed.TypeName()}}
	case *tg.UpdateShortMessage:
		message := &tg.Message{
			ID:      typed.ID,
			Out:     typed.Out,
			PeerID:  &tg.PeerUser{UserID: typed.UserID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		message.SetFromID(&tg.PeerUser{UserID: typed.UserID})
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		if entities, ok := typed.GetEntities(); ok {
			message.SetEntities(entities)
		}
		return []mtprotoUpdate{shortMessage(message, typed.Pts, typed.PtsCount, typed.TypeName())}
	case *tg.UpdateShortChatMessage:
		message := &tg.Message{
			ID:      typed.ID,
			Out:     typed.Out,
			PeerID:  &tg.PeerChat{ChatID: typed.ChatID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		message.SetFromID(&tg.PeerUser{UserID: typed.FromID})
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		if entities, ok := typed.GetEntities(); ok {
			message.SetEntities(entities)
		}
		return []mtprotoUpdate{shortMessage(message, typed.Pts, typed.PtsCount, typed.TypeName())}
	default:
		return nil
	}
}

func shortMessage(message *tg.Message, pts, ptsCount int, class string) mtprotoUpdate {
	return mtprotoUpdate{
		update:     &tg.UpdateNewMessage{Message: message, Pts: pts, PtsCount: ptsCount},
		occurredAt: unixUTC(message.Date),
		class:      class,
	}
}

func flattenBatch(updates []tg.UpdateClass, date int, users []tg.UserClass, chats []tg.ChatClass) []mtprotoUpdate {
	occurredAt := unixUTC(date)
	usersByID := indexUsers(users)
	chatsByID := indexChats(chats)

	batch := make([]mtprotoUpdate, 0, len(updates))
	for _, update := range updates {
		if update == nil {
			continue
		}
		batch = append(batch, mtprotoUpdate{
			update:     update,
			occurredAt: occurredAt,
			users:      usersByID,
			chats:      chatsByID,
			class:      update.TypeName(),
		})
	}

	return batch
}

func indexUsers(users []tg.UserClass) map[int64]*tg.User {
	out := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		if full, ok := user.AsNotEmpty(); ok && full != nil {
			out[full.ID] = full
		}
	}

	return out
}

func indexChats(chats []tg.ChatClass) map[int64]chatInfo {
	out := make(map[int64]chatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Chat:
			out[typed.ID] = chatInfo{title: typed.Title, inputPeer: typed.AsInputPeer()}
		case *tg.ChatForbidden:
			out[typed.ID] = chatInfo{title: typed.Title, inputPeer: &tg.InputPeerChat{ChatID: typed.ID}}
		case *tg.Channel:
			out[typed.ID] = chatInfo{title: typed.Title, broadcast: !typed.Megagroup, inputPeer: typed.AsInputPeer()}
		case *tg.ChannelForbidden:
			out[typed.ID] = chatInfo{
				title:     typed.Title,
				broadcast: !typed.Megagroup,
				inputPeer: &tg.InputPeerChannel{ChannelID: typed.ID, AccessHash: typed.AccessHash},
			}
		}
	}

	return out
}

func unixUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}

	return time.Unix(int64(value), 0).UTC()
}
