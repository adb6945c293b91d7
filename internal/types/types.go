package types

import (
	"time"
)

type User struct {
	Id   string `json:"userId"`
	Name string `json:"userName"`
}

// Message is a single chat message as stored in the durable log and served
// to clients. (ChannelId, CreatedAt, Id) is its physical ordering key and
// never changes after the message is created.
type Message struct {
	Id           string     `json:"message_id"`
	ChannelId    string     `json:"channel_id"`
	AuthorId     string     `json:"user_id"`
	AuthorName   string     `json:"user_name"`
	Text         string     `json:"message_text"`
	AttachmentId string     `json:"file_id,omitempty"`
	CreatedAt    time.Time  `json:"timestamp"`
	Edited       bool       `json:"edited"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
}

type SearchQuery struct {
	Text        string
	ChannelId   string
	WorkspaceId string
	UserId      string
	Limit       int
	Offset      int
}

type SearchResult struct {
	Total   int64     `json:"total"`
	Results []Message `json:"results"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// Now returns the current time truncated to the millisecond precision
// the durable log stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
