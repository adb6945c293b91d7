// Package messaging orchestrates message writes across the durable log, the
// recent-message cache and the search index, and hands finished events to
// the live fan-out.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/msglog"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	UnknownUserName = "Unknown User"
	MaxTextLength   = 4000
	DefaultLimit    = 50
	MaxLimit        = 100
)

var ErrSearchUnavailable = errors.New("search unavailable")

type RecentCache interface {
	Limit() int
	PushRecent(ctx context.Context, msg types.Message) error
	Fill(ctx context.Context, channelId string, msgs []types.Message) error
	Recent(ctx context.Context, channelId string, limit int) ([]types.Message, error)
	Invalidate(ctx context.Context, channelId string) error
}

type SearchIndex interface {
	Index(ctx context.Context, msg types.Message, workspaceId string) error
	// Update inserts the whole document when it is missing from the index.
	Update(ctx context.Context, msg types.Message, workspaceId string) error
	Delete(ctx context.Context, messageId string) error
	Search(ctx context.Context, q types.SearchQuery) (types.SearchResult, error)
}

// Directory answers questions owned by the account and workspace services.
// DisplayName and ChannelWorkspace report a missing row as
// database.ErrNotFound.
type Directory interface {
	DisplayName(ctx context.Context, userId string) (string, error)
	ChannelWorkspace(ctx context.Context, channelId string) (string, error)
	IsChannelMember(ctx context.Context, channelId, userId string) (bool, error)
	IsWorkspaceMember(ctx context.Context, workspaceId, userId string) (bool, error)
}

type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
)

// Event is a finished message operation ready for fan-out.
type Event struct {
	Type    EventType
	Message types.Message
}

type Broadcaster interface {
	BroadcastMessageEvent(ev Event)
}

type SendRequest struct {
	ChannelId    string
	AuthorId     string
	Text         string
	AttachmentId string
}

type HistoryRequest struct {
	ChannelId string
	Before    time.Time
	Limit     int
}

type EditRequest struct {
	ChannelId string
	MessageId string
	UserId    string
	Text      string
}

type DeleteRequest struct {
	ChannelId string
	MessageId string
	UserId    string
}

// Page is one page of channel history, newest first. Degraded is set when
// the log was unreachable and Messages is therefore empty.
type Page struct {
	Messages []types.Message `json:"messages"`
	Degraded bool            `json:"degraded"`
}

type ServiceConfig struct {
	Log          msglog.Store
	Cache        RecentCache
	Index        SearchIndex
	Directory    Directory
	Broadcaster  Broadcaster
	Dispatcher   *Dispatcher
	Health       *HealthMonitor
	Stats        stats.StatsProvider
	StoreTimeout time.Duration
}

type Service struct {
	store      msglog.Store
	cache      RecentCache
	index      SearchIndex
	dir        Directory
	bc         Broadcaster
	dispatcher *Dispatcher
	health     *HealthMonitor
	stats      stats.StatsProvider
	timeout    time.Duration
	log        zerolog.Logger
}

func NewService(cfg ServiceConfig, logger zerolog.Logger) *Service {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	for _, name := range []string{
		stats.MessagesSent,
		stats.MessagesEdited,
		stats.MessagesDeleted,
		stats.CacheHits,
		stats.CacheMisses,
		stats.StorageRejections,
	} {
		cfg.Stats.RegisterMetric(name)
	}

	return &Service{
		store:      cfg.Log,
		cache:      cfg.Cache,
		index:      cfg.Index,
		dir:        cfg.Directory,
		bc:         cfg.Broadcaster,
		dispatcher: cfg.Dispatcher,
		health:     cfg.Health,
		stats:      cfg.Stats,
		timeout:    timeout,
		log:        logger,
	}
}

// CheckChannelAccess returns ErrForbidden unless userId is a member of
// channelId.
func (s *Service) CheckChannelAccess(ctx context.Context, channelId, userId string) error {
	if err := validateIds(channelId, userId); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.dir.IsChannelMember(ctx, channelId, userId)
	if err != nil {
		return fmt.Errorf("%w: membership: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of channel %s", ErrForbidden, channelId)
	}

	return nil
}

// Send persists a new message and fans it out. Only a log failure fails the
// call; cache and index writes happen in the background.
func (s *Service) Send(ctx context.Context, req SendRequest) (types.Message, error) {
	text := strings.TrimSpace(req.Text)
	if err := validateIds(req.ChannelId, req.AuthorId); err != nil {
		return types.Message{}, err
	}
	if req.AttachmentId != "" {
		if _, err := uuid.Parse(req.AttachmentId); err != nil {
			return types.Message{}, validationError("fileId must be a uuid")
		}
	}
	if text == "" && req.AttachmentId == "" {
		return types.Message{}, validationError("messageText or fileId required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return types.Message{}, validationError("messageText longer than %d characters", MaxTextLength)
	}

	if err := s.checkWritable(); err != nil {
		return types.Message{}, err
	}

	name, err := s.displayName(ctx, req.AuthorId)
	if err != nil {
		return types.Message{}, err
	}

	now := types.Now()
	msg := types.Message{
		Id:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ChannelId:    req.ChannelId,
		AuthorId:     req.AuthorId,
		AuthorName:   name,
		Text:         text,
		AttachmentId: req.AttachmentId,
		CreatedAt:    now,
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.Append(ctx, msg)
	}); err != nil {
		return types.Message{}, s.storageError("append message", err)
	}

	s.stats.Incr(stats.MessagesSent)

	s.dispatcher.Submit(Task{
		Op:        "cache_push",
		ChannelId: msg.ChannelId,
		MessageId: msg.Id,
		Run: func(ctx context.Context) error {
			return s.cache.PushRecent(ctx, msg)
		},
	})
	s.dispatcher.Submit(Task{
		Op:        "index_message",
		ChannelId: msg.ChannelId,
		MessageId: msg.Id,
		Run: func(ctx context.Context) error {
			workspaceId, err := s.workspaceOf(ctx, msg.ChannelId)
			if err != nil {
				return err
			}
			return s.index.Index(ctx, msg, workspaceId)
		},
	})

	s.bc.BroadcastMessageEvent(Event{Type: EventNewMessage, Message: msg})

	s.log.Debug().
		Str("channel_id", msg.ChannelId).
		Str("message_id", msg.Id).
		Str("user_id", msg.AuthorId).
		Msg("message sent")

	return msg, nil
}

// History returns a page of channel messages, newest first. A first page is
// served from the cache when it is warm.
func (s *Service) History(ctx context.Context, req HistoryRequest) (Page, error) {
	if _, err := uuid.Parse(req.ChannelId); err != nil {
		return Page{}, validationError("channelId must be a uuid")
	}
	limit, err := pageLimit(req.Limit)
	if err != nil {
		return Page{}, err
	}

	if !s.health.Healthy() {
		s.log.Warn().Str("channel_id", req.ChannelId).Msg("message log unavailable, serving empty history")
		return Page{Messages: []types.Message{}, Degraded: true}, nil
	}

	firstPage := req.Before.IsZero()
	if firstPage && limit <= s.cache.Limit() {
		var cached []types.Message
		err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
			cached, err = s.cache.Recent(ctx, req.ChannelId, limit)
			return err
		})
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("channel_id", req.ChannelId).Msg("cache read failed, falling back to log")
		case len(cached) > 0:
			s.stats.Incr(stats.CacheHits)
			return Page{Messages: cached}, nil
		}
		s.stats.Incr(stats.CacheMisses)
	}

	var msgs []types.Message
	if err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
		msgs, err = s.store.Recent(ctx, req.ChannelId, req.Before, limit)
		return err
	}); err != nil {
		return Page{}, s.storageError("read history", err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}

	if firstPage && len(msgs) > 0 {
		s.backfill(req.ChannelId)
	}

	return Page{Messages: msgs}, nil
}

// backfill rebuilds the channel's cached list. It reads the log from inside
// the task so it runs after, and never overwrites, side effects already
// queued for the channel.
func (s *Service) backfill(channelId string) {
	s.dispatcher.Submit(Task{
		Op:        "cache_fill",
		ChannelId: channelId,
		Run: func(ctx context.Context) error {
			msgs, err := s.store.Recent(ctx, channelId, time.Time{}, s.cache.Limit())
			if err != nil {
				return err
			}
			return s.cache.Fill(ctx, channelId, msgs)
		},
	})
}

func (s *Service) Edit(ctx context.Context, req EditRequest) (types.Message, error) {
	text := strings.TrimSpace(req.Text)
	if err := validateIds(req.ChannelId, req.UserId); err != nil {
		return types.Message{}, err
	}
	if err := validateMessageId(req.MessageId); err != nil {
		return types.Message{}, err
	}
	if text == "" {
		return types.Message{}, validationError("messageText required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return types.Message{}, validationError("messageText longer than %d characters", MaxTextLength)
	}

	if err := s.checkWritable(); err != nil {
		return types.Message{}, err
	}

	msg, err := s.resolveOwned(ctx, req.ChannelId, req.MessageId, req.UserId)
	if err != nil {
		return types.Message{}, err
	}

	editedAt := types.Now()
	msg.Text = text
	msg.Edited = true
	msg.EditedAt = &editedAt

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, msg)
	}); err != nil {
		return types.Message{}, s.storageError("update message", err)
	}

	s.stats.Incr(stats.MessagesEdited)

	s.invalidate(ctx, msg)
	s.dispatcher.Submit(Task{
		Op:        "index_update",
		ChannelId: msg.ChannelId,
		MessageId: msg.Id,
		Run: func(ctx context.Context) error {
			workspaceId, err := s.workspaceOf(ctx, msg.ChannelId)
			if err != nil {
				return err
			}
			return s.index.Update(ctx, msg, workspaceId)
		},
	})

	s.bc.BroadcastMessageEvent(Event{Type: EventMessageEdited, Message: msg})

	return msg, nil
}

func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	if err := validateIds(req.ChannelId, req.UserId); err != nil {
		return err
	}
	if err := validateMessageId(req.MessageId); err != nil {
		return err
	}

	if err := s.checkWritable(); err != nil {
		return err
	}

	msg, err := s.resolveOwned(ctx, req.ChannelId, req.MessageId, req.UserId)
	if err != nil {
		return err
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.Delete(ctx, msg)
	}); err != nil {
		return s.storageError("delete message", err)
	}

	s.stats.Incr(stats.MessagesDeleted)

	s.invalidate(ctx, msg)
	s.dispatcher.Submit(Task{
		Op:        "index_delete",
		ChannelId: msg.ChannelId,
		MessageId: msg.Id,
		Run: func(ctx context.Context) error {
			return s.index.Delete(ctx, msg.Id)
		},
	})

	s.bc.BroadcastMessageEvent(Event{Type: EventMessageDeleted, Message: msg})

	return nil
}

// Search runs a full-text query on behalf of userId, who must belong to any
// channel or workspace the query is filtered to.
func (s *Service) Search(ctx context.Context, userId string, q types.SearchQuery) (types.SearchResult, error) {
	q.Text = strings.TrimSpace(q.Text)
	for field, id := range map[string]string{
		"channelId":   q.ChannelId,
		"workspaceId": q.WorkspaceId,
		"userId":      q.UserId,
	} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return types.SearchResult{}, validationError("%s must be a uuid", field)
		}
	}
	limit, err := pageLimit(q.Limit)
	if err != nil {
		return types.SearchResult{}, err
	}
	if q.Offset < 0 {
		return types.SearchResult{}, validationError("offset must not be negative")
	}
	q.Limit = limit

	if q.ChannelId != "" {
		if err := s.CheckChannelAccess(ctx, q.ChannelId, userId); err != nil {
			return types.SearchResult{}, err
		}
	}
	if q.WorkspaceId != "" {
		if err := s.checkWorkspaceAccess(ctx, q.WorkspaceId, userId); err != nil {
			return types.SearchResult{}, err
		}
	}

	var res types.SearchResult
	if err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
		res, err = s.index.Search(ctx, q)
		return err
	}); err != nil {
		return types.SearchResult{}, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	if res.Results == nil {
		res.Results = []types.Message{}
	}

	return res, nil
}

func (s *Service) checkWorkspaceAccess(ctx context.Context, workspaceId, userId string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.dir.IsWorkspaceMember(ctx, workspaceId, userId)
	if err != nil {
		return fmt.Errorf("%w: membership: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of workspace %s", ErrForbidden, workspaceId)
	}

	return nil
}

// resolveOwned finds the message's ordering key and checks that userId
// wrote it.
func (s *Service) resolveOwned(ctx context.Context, channelId, messageId, userId string) (types.Message, error) {
	var msg types.Message
	if err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
		msg, err = s.store.Lookup(ctx, channelId, messageId)
		return err
	}); err != nil {
		return types.Message{}, s.storageError("lookup message", err)
	}

	if msg.AuthorId != userId {
		return types.Message{}, fmt.Errorf("%w: message %s belongs to another user", ErrForbidden, messageId)
	}

	return msg, nil
}

// invalidate drops the channel's cached list before an edit or delete is
// acknowledged. The queued repeat runs after any refill already pending for
// the channel, which may have read the log before the mutation.
func (s *Service) invalidate(ctx context.Context, msg types.Message) {
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.cache.Invalidate(ctx, msg.ChannelId)
	}); err != nil {
		s.log.Warn().Err(err).Str("channel_id", msg.ChannelId).Str("message_id", msg.Id).Msg("cache invalidate failed")
	}

	s.dispatcher.Submit(Task{
		Op:        "cache_invalidate",
		ChannelId: msg.ChannelId,
		MessageId: msg.Id,
		Run: func(ctx context.Context) error {
			return s.cache.Invalidate(ctx, msg.ChannelId)
		},
	})
}

// workspaceOf returns "" for a channel the directory does not know.
func (s *Service) workspaceOf(ctx context.Context, channelId string) (string, error) {
	workspaceId, err := s.dir.ChannelWorkspace(ctx, channelId)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	return workspaceId, nil
}

func (s *Service) displayName(ctx context.Context, userId string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name, err := s.dir.DisplayName(ctx, userId)
	if errors.Is(err, database.ErrNotFound) {
		return UnknownUserName, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: user directory: %w", ErrStorageUnavailable, err)
	}

	return name, nil
}

func (s *Service) checkWritable() error {
	if s.health.Healthy() {
		return nil
	}
	s.stats.Incr(stats.StorageRejections)
	return fmt.Errorf("%w: log marked unhealthy", ErrStorageUnavailable)
}

func (s *Service) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) storageError(op string, err error) error {
	if errors.Is(err, msglog.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	s.log.Error().Err(err).Str("op", op).Msg("message log operation failed")
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func validateIds(channelId, userId string) error {
	if _, err := uuid.Parse(channelId); err != nil {
		return validationError("channelId must be a uuid")
	}
	if _, err := uuid.Parse(userId); err != nil {
		return validationError("userId must be a uuid")
	}
	return nil
}

func validateMessageId(messageId string) error {
	if _, err := ulid.ParseStrict(messageId); err != nil {
		return validationError("messageId is malformed")
	}
	return nil
}

func pageLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit < 0 || limit > MaxLimit:
		return 0, validationError("limit must be between 1 and %d", MaxLimit)
	}
	return limit, nil
}
