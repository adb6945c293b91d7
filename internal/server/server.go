// Package server owns live websocket sessions: the per-user connection
// registry, channel subscriptions, typing indicators and fan-out.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/messaging"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/types"
)

type MessageService interface {
	CheckChannelAccess(ctx context.Context, channelId, userId string) error
	Send(ctx context.Context, req messaging.SendRequest) (types.Message, error)
	Edit(ctx context.Context, req messaging.EditRequest) (types.Message, error)
	Delete(ctx context.Context, req messaging.DeleteRequest) error
}

type TokenVerifier interface {
	Verify(token string) (types.User, error)
}

// PresenceMirror publishes the online set for other processes.
type PresenceMirror interface {
	AddOnline(ctx context.Context, userId string) error
	RemoveOnline(ctx context.Context, userId string) error
}

// TaskSubmitter runs a side effect in the background.
type TaskSubmitter interface {
	Submit(t messaging.Task)
}

type ChatServerConfig struct {
	Registry       *Registry
	Subscriptions  *Subscriptions
	Broadcaster    *Broadcaster
	Service        MessageService
	Verifier       TokenVerifier
	Presence       PresenceMirror
	Tasks          TaskSubmitter
	Stats          stats.StatsProvider
	TypingTTL      time.Duration
	RequestTimeout time.Duration
}

type ChatServer struct {
	log      zerolog.Logger
	registry *Registry
	subs     *Subscriptions
	bc       *Broadcaster
	typing   *TypingTracker
	svc      MessageService
	verifier TokenVerifier
	presence PresenceMirror
	tasks    TaskSubmitter
	stats    stats.StatsProvider
	timeout  time.Duration

	// a user's register/unregister and the sweeps and presence events that
	// follow them run under that user's stripe
	userLocks [64]sync.Mutex

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
	closed      bool
	wg          sync.WaitGroup
}

func NewChatServer(cfg ChatServerConfig, logger zerolog.Logger) *ChatServer {
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, name := range []string{stats.ConnectedClients, stats.ChannelsWatched} {
		cfg.Stats.RegisterMetric(name)
	}

	return &ChatServer{
		log:      logger,
		registry: cfg.Registry,
		subs:     cfg.Subscriptions,
		bc:       cfg.Broadcaster,
		typing:   NewTypingTracker(cfg.Broadcaster, ttl),
		svc:      cfg.Service,
		verifier: cfg.Verifier,
		presence: cfg.Presence,
		tasks:    cfg.Tasks,
		stats:    cfg.Stats,
		timeout:  timeout,
		clients:  make(map[*Client]struct{}),
	}
}

func (cs *ChatServer) Typing() *TypingTracker {
	return cs.typing
}

func (cs *ChatServer) lockUser(userId string) func() {
	mu := &cs.userLocks[xxhash.Sum64String(userId)%uint64(len(cs.userLocks))]
	mu.Lock()
	return mu.Unlock
}

// ServeConn starts the pumps for an upgraded websocket. The connection is
// anonymous until its first frame authenticates it.
func (cs *ChatServer) ServeConn(conn *websocket.Conn) {
	client := NewClient(conn, cs, cs.log)

	cs.clientsLock.Lock()
	if cs.closed {
		cs.clientsLock.Unlock()
		conn.Close()
		return
	}
	cs.clients[client] = struct{}{}
	cs.wg.Add(2)
	cs.clientsLock.Unlock()

	go func() {
		defer cs.wg.Done()
		client.Write()
	}()
	go func() {
		defer cs.wg.Done()
		client.Read()
	}()
}

// handle processes one inbound frame. It returns false when the connection
// must be closed.
func (cs *ChatServer) handle(c *Client, msg *ClientMessage) bool {
	if !c.authed {
		if msg.Type != TypeAuth {
			c.Queue(ErrorMessage(errTextNotAuthenticated))
			return true
		}
		return cs.authenticate(c, msg.Token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.timeout)
	defer cancel()

	switch msg.Type {
	case TypeAuth:
		// already authenticated
		c.Queue(AuthSuccess(c.user.Id, cs.registry.Online()))
	case TypeJoinChannel:
		cs.joinChannel(ctx, c, msg.ChannelId)
	case TypeLeaveChannel:
		cs.leaveChannel(c, msg.ChannelId)
	case TypeSendMessage:
		cs.sendMessage(ctx, c, msg)
	case TypeTypingStart:
		if cs.subs.IsSubscribed(msg.ChannelId, c.user.Id) {
			cs.typing.Start(msg.ChannelId, c.user)
		}
	case TypeTypingStop:
		cs.typing.Stop(msg.ChannelId, c.user.Id)
	case TypeEditMessage:
		_, err := cs.svc.Edit(ctx, messaging.EditRequest{
			ChannelId: msg.ChannelId,
			MessageId: msg.MessageId,
			UserId:    c.user.Id,
			Text:      msg.MessageText,
		})
		cs.replyError(c, "edit", err)
	case TypeDeleteMessage:
		err := cs.svc.Delete(ctx, messaging.DeleteRequest{
			ChannelId: msg.ChannelId,
			MessageId: msg.MessageId,
			UserId:    c.user.Id,
		})
		cs.replyError(c, "delete", err)
	default:
		c.Queue(ErrorMessage(errTextInvalidFormat))
	}

	return true
}

func (cs *ChatServer) authenticate(c *Client, token string) bool {
	user, err := cs.verifier.Verify(token)
	if err != nil {
		c.log.Info().Err(err).Msg("websocket authentication failed")
		c.Queue(ErrorMessage(errTextAuthFailed))
		return false
	}

	c.user = user
	c.authed = true

	unlock := cs.lockUser(user.Id)
	defer unlock()

	prev := cs.registry.Register(user.Id, c)
	if prev != nil {
		// the replaced session's own cleanup no longer owns the slot, so it
		// is swept here
		for range cs.subs.RemoveUserEverywhere(user.Id) {
			cs.stats.Decr(stats.ChannelsWatched)
		}
		cs.typing.ClearUser(user.Id)
		prev.Close()
		c.log.Info().Str("user_id", user.Id).Msg("replaced existing session")
	} else {
		cs.stats.Incr(stats.ConnectedClients)
		cs.mirrorPresence(user.Id, true)
	}

	c.Queue(AuthSuccess(user.Id, cs.registry.Online()))

	if prev == nil {
		cs.bc.BroadcastAll(UserOnline(user))
	}

	c.log.Info().Str("user_id", user.Id).Str("user_name", user.Name).Msg("user authenticated")
	return true
}

func (cs *ChatServer) joinChannel(ctx context.Context, c *Client, channelId string) {
	err := cs.svc.CheckChannelAccess(ctx, channelId, c.user.Id)
	if err != nil && !errors.Is(err, messaging.ErrForbidden) {
		cs.replyError(c, "join", err)
		return
	}

	unlock := cs.lockUser(c.user.Id)
	defer unlock()

	// a superseded session must not resubscribe its successor
	if !cs.registry.Holds(c.user.Id, c) {
		return
	}

	already := cs.subs.IsSubscribed(channelId, c.user.Id)
	if err := cs.subs.Subscribe(channelId, c.user.Id, err == nil); err != nil {
		c.Queue(ErrorMessage(errTextAccessDenied))
		return
	}
	if !already {
		cs.stats.Incr(stats.ChannelsWatched)
	}

	c.Queue(JoinedChannel(channelId))
	c.log.Debug().Str("user_id", c.user.Id).Str("channel_id", channelId).Msg("joined channel")
}

func (cs *ChatServer) leaveChannel(c *Client, channelId string) {
	if cs.subs.Unsubscribe(channelId, c.user.Id) {
		cs.stats.Decr(stats.ChannelsWatched)
	}
	cs.typing.Stop(channelId, c.user.Id)

	c.Queue(LeftChannel(channelId))
	c.log.Debug().Str("user_id", c.user.Id).Str("channel_id", channelId).Msg("left channel")
}

func (cs *ChatServer) sendMessage(ctx context.Context, c *Client, msg *ClientMessage) {
	if err := cs.svc.CheckChannelAccess(ctx, msg.ChannelId, c.user.Id); err != nil {
		cs.replyError(c, "send", err)
		return
	}

	_, err := cs.svc.Send(ctx, messaging.SendRequest{
		ChannelId:    msg.ChannelId,
		AuthorId:     c.user.Id,
		Text:         msg.MessageText,
		AttachmentId: msg.FileId,
	})
	if err != nil {
		cs.replyError(c, "send", err)
		return
	}

	cs.typing.Stop(msg.ChannelId, c.user.Id)
}

func (cs *ChatServer) replyError(c *Client, op string, err error) {
	if err == nil {
		return
	}

	var text string
	switch {
	case errors.Is(err, messaging.ErrValidation):
		text = err.Error()
	case errors.Is(err, messaging.ErrForbidden), errors.Is(err, ErrNotAuthorized):
		text = errTextAccessDenied
	case errors.Is(err, messaging.ErrNotFound):
		text = errTextNotFound
	case errors.Is(err, messaging.ErrStorageUnavailable):
		text = errTextUnavailable
	default:
		text = errTextInternal
	}

	c.log.Info().Err(err).Str("user_id", c.user.Id).Str("op", op).Msg("request failed")
	c.Queue(ErrorMessage(text))
}

// disconnect runs once the read pump exits. The client stays in the session
// set until its teardown is complete.
func (cs *ChatServer) disconnect(c *Client) {
	defer func() {
		cs.clientsLock.Lock()
		delete(cs.clients, c)
		cs.clientsLock.Unlock()
	}()

	if !c.authed {
		return
	}

	unlock := cs.lockUser(c.user.Id)
	defer unlock()

	if !cs.registry.Unregister(c.user.Id, c) {
		// superseded by a newer session for the same user
		return
	}

	for range cs.subs.RemoveUserEverywhere(c.user.Id) {
		cs.stats.Decr(stats.ChannelsWatched)
	}
	cs.typing.ClearUser(c.user.Id)
	cs.stats.Decr(stats.ConnectedClients)
	cs.mirrorPresence(c.user.Id, false)

	cs.bc.BroadcastAll(UserOffline(c.user.Id))
	c.log.Info().Str("user_id", c.user.Id).Int("online", cs.registry.Len()).Msg("user disconnected")
}

func (cs *ChatServer) mirrorPresence(userId string, online bool) {
	if cs.presence == nil || cs.tasks == nil {
		return
	}

	op := "presence_offline"
	if online {
		op = "presence_online"
	}

	cs.tasks.Submit(messaging.Task{
		Op:        op,
		ChannelId: "presence:" + userId,
		Run: func(ctx context.Context) error {
			if online {
				return cs.presence.AddOnline(ctx, userId)
			}
			return cs.presence.RemoveOnline(ctx, userId)
		},
	})
}

// Shutdown closes every session and waits for their pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("closing websocket sessions")

	cs.clientsLock.Lock()
	cs.closed = true
	for c := range cs.clients {
		c.Close()
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
