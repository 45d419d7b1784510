package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents serves a Server-Sent Events stream for one change request.
// The subscription replays the full recorded history first, then streams
// live events in order until the client disconnects. A comment heartbeat
// keeps idle connections from being reaped by proxies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, crID string) {
	if _, err := s.engine.Status(crID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	events, cancel := s.engine.Subscribe(crID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: done\ndata: stream closed\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
