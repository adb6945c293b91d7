// Package search maintains the eventually consistent full-text index of
// messages in OpenSearch.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

type OpenSearchConfig struct {
	Addresses []string
	Index     string
	Timeout   time.Duration
}

type OpenSearchIndex struct {
	client *opensearch.Client
	index  string
	log    zerolog.Logger
}

// document is the indexed shape of a message.
type document struct {
	MessageId   string     `json:"message_id"`
	ChannelId   string     `json:"channel_id"`
	WorkspaceId string     `json:"workspace_id,omitempty"`
	UserId      string     `json:"user_id"`
	UserName    string     `json:"user_name"`
	MessageText string     `json:"message_text"`
	FileId      string     `json:"file_id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Edited      bool       `json:"edited"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

func newDocument(msg types.Message, workspaceId string) document {
	return document{
		MessageId:   msg.Id,
		ChannelId:   msg.ChannelId,
		WorkspaceId: workspaceId,
		UserId:      msg.AuthorId,
		UserName:    msg.AuthorName,
		MessageText: msg.Text,
		FileId:      msg.AttachmentId,
		Timestamp:   msg.CreatedAt,
		Edited:      msg.Edited,
		EditedAt:    msg.EditedAt,
	}
}

func (d document) message() types.Message {
	return types.Message{
		Id:           d.MessageId,
		ChannelId:    d.ChannelId,
		AuthorId:     d.UserId,
		AuthorName:   d.UserName,
		Text:         d.MessageText,
		AttachmentId: d.FileId,
		CreatedAt:    d.Timestamp,
		Edited:       d.Edited,
		EditedAt:     d.EditedAt,
	}
}

const indexMapping = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "message_id":   {"type": "keyword"},
      "channel_id":   {"type": "keyword"},
      "workspace_id": {"type": "keyword"},
      "user_id":      {"type": "keyword"},
      "user_name":    {"type": "text"},
      "message_text": {"type": "text", "analyzer": "standard", "fields": {"keyword": {"type": "keyword"}}},
      "timestamp":    {"type": "date"},
      "file_id":      {"type": "keyword"},
      "edited":       {"type": "boolean"},
      "edited_at":    {"type": "date"}
    }
  }
}`

func NewOpenSearchIndex(cfg OpenSearchConfig, logger zerolog.Logger) (*OpenSearchIndex, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.Timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}

	return &OpenSearchIndex{
		client: client,
		index:  cfg.Index,
		log:    logger,
	}, nil
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (s *OpenSearchIndex) EnsureIndex(ctx context.Context) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index exists: %w", err)
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("index exists: unexpected status %d", res.StatusCode)
	}

	res, err = opensearchapi.IndicesCreateRequest{
		Index: s.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, s.client)
	if err := checkResponse("create index", res, err); err != nil {
		return err
	}

	s.log.Info().Str("index", s.index).Msg("created search index")
	return nil
}

func (s *OpenSearchIndex) Index(ctx context.Context, msg types.Message, workspaceId string) error {
	body, err := json.Marshal(newDocument(msg, workspaceId))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:      s.index,
		DocumentID: msg.Id,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.client)
	return checkResponse("index message", res, err)
}

// Update rewrites the mutable fields of an indexed message. A message whose
// original index write never landed is inserted whole instead.
func (s *OpenSearchIndex) Update(ctx context.Context, msg types.Message, workspaceId string) error {
	body, err := json.Marshal(map[string]any{
		"doc": map[string]any{
			"message_text": msg.Text,
			"edited":       msg.Edited,
			"edited_at":    msg.EditedAt,
		},
		"upsert": newDocument(msg, workspaceId),
	})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	res, err := opensearchapi.UpdateRequest{
		Index:      s.index,
		DocumentID: msg.Id,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.client)
	return checkResponse("update message", res, err)
}

// Delete removes a message document. A document that was never indexed is
// not an error.
func (s *OpenSearchIndex) Delete(ctx context.Context, messageId string) error {
	res, err := opensearchapi.DeleteRequest{
		Index:      s.index,
		DocumentID: messageId,
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err == nil && res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return checkResponse("delete message", res, err)
}

func buildQuery(q types.SearchQuery) map[string]any {
	must := []any{}
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     q.Text,
				"fields":    []string{"message_text", "user_name"},
				"fuzziness": "AUTO",
			},
		})
	}
	for field, value := range map[string]string{
		"channel_id":   q.ChannelId,
		"workspace_id": q.WorkspaceId,
		"user_id":      q.UserId,
	} {
		if value != "" {
			must = append(must, map[string]any{"term": map[string]any{field: value}})
		}
	}

	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"must": must},
		},
		"sort": []any{
			map[string]any{"timestamp": map[string]any{"order": "desc"}},
		},
		"size": q.Limit,
		"from": q.Offset,
	}
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// NormalizeQuery applies the default and maximum page size.
func NormalizeQuery(q types.SearchQuery) types.SearchQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func (s *OpenSearchIndex) Search(ctx context.Context, q types.SearchQuery) (types.SearchResult, error) {
	q = NormalizeQuery(q)

	body, err := json.Marshal(buildQuery(q))
	if err != nil {
		return types.SearchResult{}, fmt.Errorf("marshal query: %w", err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return types.SearchResult{}, fmt.Errorf("search messages: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return types.SearchResult{}, fmt.Errorf("search messages: %s", res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return types.SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}

	result := types.SearchResult{
		Total:   parsed.Hits.Total.Value,
		Results: make([]types.Message, 0, len(parsed.Hits.Hits)),
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	for _, hit := range parsed.Hits.Hits {
		result.Results = append(result.Results, hit.Source.message())
	}

	return result, nil
}

func (s *OpenSearchIndex) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, s.client)
	return checkResponse("ping", res, err)
}

func checkResponse(op string, res *opensearchapi.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s: %s: %s", op, res.Status(), strings.TrimSpace(string(msg)))
	}

	return nil
}
