package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"admitq/internal/events"
)

// handleTaskEvents streams the caller's view of the event bus. The first
// frame is initial_state. The stream ends when the client goes away or the
// broker drops the subscription for falling behind.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, _ := IdentityFromContext(r.Context())
	sub := s.sched.Subscribe(r.Context(), id.UserID, id.Admin)
	defer sub.Close()
	s.logger.Debug("Task events subscriber connected", "user_id", id.UserID, "admin", id.Admin)

	keepalive := time.NewTicker(s.keepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					s.logger.Info("Task events subscriber dropped", "user_id", id.UserID)
				}
				return
			}
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				s.logger.Debug("Task events client disconnected", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
