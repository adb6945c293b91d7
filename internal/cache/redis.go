// Package cache keeps a bounded most-recent-first list of messages per
// channel in Redis, plus the mirrored presence set. Everything stored here
// can be rebuilt from the durable log.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	recentPrefix   = "channel:messages:"
	onlineUsersKey = "online_users"
)

type RedisConfig struct {
	Addr     string
	Password string
	Limit    int
	TTL      time.Duration
	Timeout  time.Duration
}

type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
	limit  int
	ttl    time.Duration
}

// NewRedisCache builds the client without requiring the server to be up;
// the cache is best-effort and callers fall back to the log.
func NewRedisCache(cfg RedisConfig, logger zerolog.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	return newRedisCache(client, cfg, logger)
}

func newRedisCache(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisCache {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 50
	}

	return &RedisCache{
		client: client,
		log:    logger,
		limit:  limit,
		ttl:    cfg.TTL,
	}
}

func recentKey(channelId string) string {
	return recentPrefix + channelId
}

func (c *RedisCache) Limit() int {
	return c.limit
}

// PushRecent puts msg at the front of an existing list and trims it to the
// bound. A channel with no list is left cold: a partial list would hide
// older messages from the next reader.
func (c *RedisCache) PushRecent(ctx context.Context, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := recentKey(msg.ChannelId)
	pipe := c.client.TxPipeline()
	pipe.LPushX(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.limit-1))
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push recent: %w", err)
	}

	return nil
}

// Fill replaces the channel's list with msgs, given newest first.
func (c *RedisCache) Fill(ctx context.Context, channelId string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	key := recentKey(channelId)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	// oldest first so the newest message ends up at the head
	for i := len(msgs) - 1; i >= 0; i-- {
		data, err := json.Marshal(msgs[i])
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		pipe.LPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, int64(c.limit-1))
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fill recent: %w", err)
	}

	return nil
}

// Recent returns up to limit cached messages newest first. Duplicate ids,
// which a racing push and fill can leave behind, are collapsed, and pushes
// that landed out of order are put back in log order.
func (c *RedisCache) Recent(ctx context.Context, channelId string, limit int) ([]types.Message, error) {
	if limit <= 0 || limit > c.limit {
		limit = c.limit
	}

	raw, err := c.client.LRange(ctx, recentKey(channelId), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}

	seen := make(map[string]struct{}, len(raw))
	messages := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			c.log.Warn().Err(err).Str("channel_id", channelId).Msg("skipping undecodable cache entry")
			continue
		}
		if _, dup := seen[msg.Id]; dup {
			continue
		}
		seen[msg.Id] = struct{}{}
		messages = append(messages, msg)
	}

	slices.SortStableFunc(messages, func(a, b types.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Id, a.Id)
	})

	return messages, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, channelId string) error {
	if err := c.client.Del(ctx, recentKey(channelId)).Err(); err != nil {
		return fmt.Errorf("invalidate recent: %w", err)
	}
	return nil
}

func (c *RedisCache) AddOnline(ctx context.Context, userId string) error {
	return c.client.SAdd(ctx, onlineUsersKey, userId).Err()
}

func (c *RedisCache) RemoveOnline(ctx context.Context, userId string) error {
	return c.client.SRem(ctx, onlineUsersKey, userId).Err()
}

func (c *RedisCache) Online(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, onlineUsersKey).Result()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
