package server

import (
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/messaging"
	"github.com/npezzotti/go-teamchat/internal/stats"
)

// Broadcaster pushes frames to channel subscribers through the registry.
// Delivery never blocks: a full connection drops the frame.
type Broadcaster struct {
	registry *Registry
	subs     *Subscriptions
	stats    stats.StatsProvider
	log      zerolog.Logger
}

func NewBroadcaster(registry *Registry, subs *Subscriptions, st stats.StatsProvider, logger zerolog.Logger) *Broadcaster {
	st.RegisterMetric(stats.DroppedFrames)

	return &Broadcaster{
		registry: registry,
		subs:     subs,
		stats:    st,
		log:      logger,
	}
}

// Broadcast delivers msg to every subscriber of channelId and returns how
// many connections accepted it.
func (b *Broadcaster) Broadcast(channelId string, msg *ServerMessage) int {
	return b.BroadcastExcluding(channelId, msg, "")
}

func (b *Broadcaster) BroadcastExcluding(channelId string, msg *ServerMessage, excludedUserId string) int {
	delivered := 0
	for _, userId := range b.subs.SubscribersOf(channelId) {
		if userId == excludedUserId {
			continue
		}
		// disconnected since subscribing
		conn, ok := b.registry.Get(userId)
		if !ok {
			continue
		}
		if b.deliver(conn, msg) {
			delivered++
		}
	}

	return delivered
}

// BroadcastAll delivers msg to every registered connection.
func (b *Broadcaster) BroadcastAll(msg *ServerMessage) int {
	delivered := 0
	for _, conn := range b.registry.All() {
		if b.deliver(conn, msg) {
			delivered++
		}
	}
	return delivered
}

// BroadcastMessageEvent fans a finished message operation out to the
// channel.
func (b *Broadcaster) BroadcastMessageEvent(ev messaging.Event) {
	var frame *ServerMessage
	switch ev.Type {
	case messaging.EventNewMessage:
		frame = NewMessage(ev.Message)
	case messaging.EventMessageEdited:
		frame = MessageEdited(ev.Message)
	case messaging.EventMessageDeleted:
		frame = MessageDeleted(ev.Message.ChannelId, ev.Message.Id)
	default:
		b.log.Warn().Str("event", string(ev.Type)).Msg("unknown message event")
		return
	}

	n := b.Broadcast(ev.Message.ChannelId, frame)
	b.log.Debug().
		Str("event", string(ev.Type)).
		Str("channel_id", ev.Message.ChannelId).
		Str("message_id", ev.Message.Id).
		Int("delivered", n).
		Msg("broadcast")
}

func (b *Broadcaster) deliver(conn Connection, msg *ServerMessage) bool {
	if conn.Queue(msg) {
		return true
	}

	b.stats.Incr(stats.DroppedFrames)
	b.log.Warn().Str("user_id", conn.UserId()).Str("type", msg.Type).Msg("dropped frame for slow connection")
	return false
}
