package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"meridian/core"
	"meridian/observability"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
)

type eventStreamPayload struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.allowSource(clientSource(r)) {
		observability.RPCMetrics().RecordThrottle("rate_limit")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog, err := s.node.SubscribeEvents(ctx, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, update := range backlog {
		if err := writeStreamUpdate(ctx, conn, update); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeStreamUpdate(ctx context.Context, conn *websocket.Conn, update core.StreamUpdate) error {
	payload := eventStreamPayload{
		Sequence:   update.Sequence,
		Cursor:     update.Cursor,
		Type:       update.Type,
		Attributes: update.Attributes,
		Timestamp:  update.Timestamp,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
