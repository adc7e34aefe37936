package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/basket/stackrun/internal/bus"
)

// streamEvent is one bus event as sent to SSE and WebSocket clients.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// taskRunOf returns the task run an event belongs to, if any.
func taskRunOf(payload any) string {
	switch p := payload.(type) {
	case bus.StackRunCreatedEvent:
		return p.TaskRunID
	case bus.StackRunStateChangedEvent:
		return p.TaskRunID
	case bus.TaskRunFinishedEvent:
		return p.TaskRunID
	}
	return ""
}

// handleTaskRunStream implements GET /v1/task-runs/{id}/stream. It sends the
// run's frame events as SSE and closes once the run finishes.
func (s *Server) handleTaskRunStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the status check so a run finishing in between is
	// still seen. One subscription keeps frame events ahead of the finish.
	sub := s.cfg.Bus.Subscribe("stackrun.", "taskrun.")
	defer s.cfg.Bus.Unsubscribe(sub)

	tr, err := s.cfg.Store.GetTaskRun(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev bus.Event) bool {
		data, err := json.Marshal(streamEvent{Topic: ev.Topic, Payload: ev.Payload})
		if err != nil {
			s.logger.Error("sse: marshal event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
			s.logger.Debug("sse: write failed", "task_run_id", id, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if tr.Status.Terminal() {
		send(bus.Event{Topic: "taskrun." + string(tr.Status), Payload: bus.TaskRunFinishedEvent{TaskRunID: tr.ID, Status: string(tr.Status)}})
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if taskRunOf(ev.Payload) != id {
				continue
			}
			if !send(ev) {
				return
			}
			if strings.HasPrefix(ev.Topic, "taskrun.") {
				return
			}
		}
	}
}

// handleEventsWS implements GET /v1/events: a WebSocket carrying every bus
// event, optionally filtered by ?topic=<prefix>[,<prefix>...] and ?task_run_id=.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	prefix := r.URL.Query().Get("topic")
	taskRunID := r.URL.Query().Get("task_run_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: client connected", "topic", prefix, "task_run_id", taskRunID)
	defer func() {
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(strings.Split(prefix, ",")...)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The read side only watches for the client closing.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if taskRunID != "" && taskRunOf(ev.Payload) != taskRunID {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, streamEvent{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
