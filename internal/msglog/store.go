// Package msglog is the durable, per-channel ordered message log. It is the
// single source of truth for messages; every other view is derived from it.
package msglog

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

var ErrNotFound = errors.New("message not found")

// Store is implemented by every log backend.
//
// Rows are addressed by (channel id, created at, message id). Lookup is the
// only operation that accepts a message id without its creation time.
type Store interface {
	Append(ctx context.Context, msg types.Message) error
	// Recent returns up to limit messages, newest first. A zero before
	// returns the head of the channel; otherwise only messages created
	// strictly before it are returned.
	Recent(ctx context.Context, channelId string, before time.Time, limit int) ([]types.Message, error)
	Lookup(ctx context.Context, channelId, messageId string) (types.Message, error)
	// Update rewrites text, edited and edited_at for the row keyed by msg.
	Update(ctx context.Context, msg types.Message) error
	Delete(ctx context.Context, msg types.Message) error
	Ping(ctx context.Context) error
}

// newer reports whether a sorts before b in the log's descending order.
func newer(a, b types.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Id > b.Id
}
