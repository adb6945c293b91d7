package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/npezzotti/go-teamchat/internal/messaging"
	"github.com/npezzotti/go-teamchat/internal/types"
)

type SendMessageRequest struct {
	ChannelId   string `json:"channelId"`
	MessageText string `json:"messageText"`
	FileId      string `json:"fileId,omitempty"`
}

type EditMessageRequest struct {
	ChannelId   string `json:"channelId"`
	MessageText string `json:"messageText"`
}

type DeleteMessageRequest struct {
	ChannelId string `json:"channelId"`
}

type MessageResponse struct {
	Message types.Message `json:"message"`
}

type Check struct {
	Status    string `json:"status"`
	Latency   string `json:"latency,omitempty"`
	Message   string `json:"message,omitempty"`
	LastCheck string `json:"last_check,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

func (s *TeamChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *TeamChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	switch {
	case errResp.StatusCode == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		s.log.Warn().Err(errResp.Err).Msg("dependency unavailable")
	case errResp.StatusCode >= http.StatusInternalServerError:
		s.log.Error().Err(errResp.Err).Msg("request failed")
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *TeamChatApp) currentUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
	}
	return user, ok
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *TeamChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	channelId := chi.URLParam(r, "channelId")
	query := r.URL.Query()

	var limit int
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	var before time.Time
	if beforeStr := query.Get("before"); beforeStr != "" {
		var err error
		before, err = time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	if err := s.svc.CheckChannelAccess(r.Context(), channelId, user.Id); err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	page, err := s.svc.History(r.Context(), messaging.HistoryRequest{
		ChannelId: channelId,
		Before:    before,
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *TeamChatApp) postMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.svc.CheckChannelAccess(r.Context(), req.ChannelId, user.Id); err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	msg, err := s.svc.Send(r.Context(), messaging.SendRequest{
		ChannelId:    req.ChannelId,
		AuthorId:     user.Id,
		Text:         req.MessageText,
		AttachmentId: req.FileId,
	})
	if err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	s.writeJson(w, http.StatusCreated, MessageResponse{Message: msg})
}

func (s *TeamChatApp) putMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.svc.Edit(r.Context(), messaging.EditRequest{
		ChannelId: req.ChannelId,
		MessageId: chi.URLParam(r, "messageId"),
		UserId:    user.Id,
		Text:      req.MessageText,
	})
	if err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: msg})
}

// deleteMessage takes the channel from the body or, for clients that cannot
// send a DELETE body, the channelId query parameter.
func (s *TeamChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req DeleteMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.ChannelId == "" {
		req.ChannelId = r.URL.Query().Get("channelId")
	}

	err := s.svc.Delete(r.Context(), messaging.DeleteRequest{
		ChannelId: req.ChannelId,
		MessageId: chi.URLParam(r, "messageId"),
		UserId:    user.Id,
	})
	if err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *TeamChatApp) search(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	q := types.SearchQuery{
		Text:        query.Get("q"),
		ChannelId:   query.Get("channelId"),
		WorkspaceId: query.Get("workspaceId"),
		UserId:      query.Get("userId"),
	}

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		v := query.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		*dst = n
	}

	res, err := s.svc.Search(r.Context(), user.Id, q)
	if err != nil {
		s.writeError(w, errorFromService(err))
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *TeamChatApp) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	status := "healthy"
	statusCode := http.StatusOK

	if s.logHealth != nil {
		healthy, lastCheck, lastErr := s.logHealth.Status()
		check := Check{Status: "pass"}
		if !lastCheck.IsZero() {
			check.LastCheck = lastCheck.UTC().Format(time.RFC3339)
		}
		if !healthy {
			check.Status = "fail"
			if lastErr != nil {
				check.Message = lastErr.Error()
			}
			status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
		checks["log"] = check
	}

	for name, dep := range s.deps {
		start := time.Now()
		if err := dep.Ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	s.writeJson(w, statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *TeamChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request and hands the socket to the chat server. The
// client authenticates with its first frame, not with the upgrade request.
func (s *TeamChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	s.cs.ServeConn(conn)
}
