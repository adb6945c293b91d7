package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeNode answers like a single OpenSearch node and records every request
// other than the client's info probe.
type fakeNode struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r recordedRequest)
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)}

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	if f.handle != nil {
		f.handle(w, rec)
		return
	}
	w.Write([]byte(`{"result":"ok"}`))
}

func (f *fakeNode) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestIndex(t *testing.T, node *fakeNode) *OpenSearchIndex {
	t.Helper()

	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	idx, err := NewOpenSearchIndex(OpenSearchConfig{
		Addresses: []string{srv.URL},
		Index:     "messages",
		Timeout:   time.Second,
	}, testutil.TestLogger(t))
	require.NoError(t, err)

	return idx
}

func testMessage() types.Message {
	return types.Message{
		Id:         "01J0000000000000000000000A",
		ChannelId:  "0b0f0f8e-4cde-4a39-9d2b-8d3a3f7a1c11",
		AuthorId:   "6c1f3a34-39a4-4f8b-9d7e-2f0d6a3b9e01",
		AuthorName: "alice",
		Text:       "hello",
		CreatedAt:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenSearchIndex_Index(t *testing.T) {
	node := &fakeNode{}
	idx := newTestIndex(t, node)

	require.NoError(t, idx.Index(context.Background(), testMessage(), "ws-1"))

	req := node.last(t)
	assert.Equal(t, "/messages/_doc/01J0000000000000000000000A", req.Path)
	assert.Contains(t, req.Query, "refresh=true")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &doc))
	assert.Equal(t, "hello", doc["message_text"])
	assert.Equal(t, "ws-1", doc["workspace_id"])
	assert.Equal(t, "alice", doc["user_name"])
	assert.Equal(t, false, doc["edited"])
}

func TestOpenSearchIndex_Update(t *testing.T) {
	node := &fakeNode{}
	idx := newTestIndex(t, node)

	msg := testMessage()
	editedAt := msg.CreatedAt.Add(time.Minute)
	msg.Text = "hello world"
	msg.Edited = true
	msg.EditedAt = &editedAt

	require.NoError(t, idx.Update(context.Background(), msg, "ws-1"))

	req := node.last(t)
	assert.Equal(t, "/messages/_update/01J0000000000000000000000A", req.Path)

	var body struct {
		Doc    map[string]any `json:"doc"`
		Upsert map[string]any `json:"upsert"`
	}
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, "hello world", body.Doc["message_text"])
	assert.Equal(t, true, body.Doc["edited"])
	assert.NotContains(t, body.Doc, "user_id", "expected only mutable fields in the partial update")

	// a document lost to a failed index write is recreated in full
	assert.Equal(t, "hello world", body.Upsert["message_text"])
	assert.Equal(t, "ws-1", body.Upsert["workspace_id"])
	assert.Equal(t, "alice", body.Upsert["user_name"])
	assert.Equal(t, msg.ChannelId, body.Upsert["channel_id"])
	assert.Equal(t, true, body.Upsert["edited"])
}

func TestOpenSearchIndex_UpdateMissingDocument(t *testing.T) {
	// a real node answers 404 for a partial update of a missing document
	// unless the request carries an upsert
	node := &fakeNode{handle: func(w http.ResponseWriter, r recordedRequest) {
		if !strings.Contains(r.Body, `"upsert"`) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"type":"document_missing_exception"},"status":404}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"result":"created"}`))
	}}
	idx := newTestIndex(t, node)

	msg := testMessage()
	msg.Text = "edited before it was ever indexed"
	msg.Edited = true

	assert.NoError(t, idx.Update(context.Background(), msg, "ws-1"))
}

func TestOpenSearchIndex_Delete(t *testing.T) {
	tcases := []struct {
		name      string
		status    int
		expectErr bool
	}{
		{name: "deleted", status: http.StatusOK},
		{name: "never indexed", status: http.StatusNotFound},
		{name: "node error", status: http.StatusInternalServerError, expectErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			node := &fakeNode{handle: func(w http.ResponseWriter, r recordedRequest) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{}`))
			}}
			idx := newTestIndex(t, node)

			err := idx.Delete(context.Background(), "01J0000000000000000000000A")
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "/messages/_doc/01J0000000000000000000000A", node.last(t).Path)
		})
	}
}

func TestOpenSearchIndex_Search(t *testing.T) {
	node := &fakeNode{handle: func(w http.ResponseWriter, r recordedRequest) {
		w.Write([]byte(`{
			"hits": {
				"total": {"value": 7},
				"hits": [
					{"_source": {"message_id": "b", "channel_id": "c1", "user_id": "u1", "user_name": "alice", "message_text": "hello world", "timestamp": "2025-01-01T12:00:01Z", "edited": true}},
					{"_source": {"message_id": "a", "channel_id": "c1", "user_id": "u1", "user_name": "alice", "message_text": "hello", "timestamp": "2025-01-01T12:00:00Z"}}
				]
			}
		}`))
	}}
	idx := newTestIndex(t, node)

	res, err := idx.Search(context.Background(), types.SearchQuery{Text: "hello", ChannelId: "c1", Limit: 500, Offset: 10})
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.Total)
	assert.Equal(t, MaxLimit, res.Limit)
	assert.Equal(t, 10, res.Offset)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "b", res.Results[0].Id)
	assert.Equal(t, "alice", res.Results[0].AuthorName)
	assert.True(t, res.Results[0].Edited)

	req := node.last(t)
	assert.Equal(t, "/messages/_search", req.Path)
	assert.Contains(t, req.Body, `"multi_match"`)
	assert.Contains(t, req.Body, `"fuzziness":"AUTO"`)
	assert.Contains(t, req.Body, `"channel_id":"c1"`)
	assert.Contains(t, req.Body, `"size":100`)
	assert.Contains(t, req.Body, `"from":10`)
}

func TestOpenSearchIndex_SearchError(t *testing.T) {
	node := &fakeNode{handle: func(w http.ResponseWriter, r recordedRequest) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"parse"}`))
	}}
	idx := newTestIndex(t, node)

	_, err := idx.Search(context.Background(), types.SearchQuery{Text: "hello"})
	assert.Error(t, err)
}

func TestOpenSearchIndex_EnsureIndex(t *testing.T) {
	tcases := []struct {
		name          string
		existsStatus  int
		expectCreated bool
	}{
		{name: "already exists", existsStatus: http.StatusOK},
		{name: "missing", existsStatus: http.StatusNotFound, expectCreated: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var created string
			node := &fakeNode{handle: func(w http.ResponseWriter, r recordedRequest) {
				if r.Method == http.MethodHead {
					w.WriteHeader(tc.existsStatus)
					return
				}
				created = r.Body
				w.Write([]byte(`{"acknowledged":true}`))
			}}
			idx := newTestIndex(t, node)

			require.NoError(t, idx.EnsureIndex(context.Background()))
			if tc.expectCreated {
				assert.Contains(t, created, `"workspace_id"`)
				assert.Contains(t, created, `"message_text"`)
			} else {
				assert.Empty(t, created)
			}
		})
	}
}

func Test_buildQuery(t *testing.T) {
	q := buildQuery(types.SearchQuery{UserId: "u1", WorkspaceId: "w1", Limit: 20})

	data, err := json.Marshal(q)
	require.NoError(t, err)
	body := string(data)

	assert.NotContains(t, body, "multi_match", "expected no text clause for an empty query")
	assert.Contains(t, body, `"user_id":"u1"`)
	assert.Contains(t, body, `"workspace_id":"w1"`)
	assert.False(t, strings.Contains(body, `"channel_id"`))
	assert.Contains(t, body, `"order":"desc"`)
}

func TestNormalizeQuery(t *testing.T) {
	tcases := []struct {
		name           string
		in             types.SearchQuery
		expectedLimit  int
		expectedOffset int
	}{
		{name: "defaults", in: types.SearchQuery{}, expectedLimit: DefaultLimit},
		{name: "capped", in: types.SearchQuery{Limit: 1000}, expectedLimit: MaxLimit},
		{name: "negative offset", in: types.SearchQuery{Limit: 5, Offset: -3}, expectedLimit: 5},
		{name: "kept", in: types.SearchQuery{Limit: 10, Offset: 20}, expectedLimit: 10, expectedOffset: 20},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			out := NormalizeQuery(tc.in)
			assert.Equal(t, tc.expectedLimit, out.Limit)
			assert.Equal(t, tc.expectedOffset, out.Offset)
		})
	}
}
