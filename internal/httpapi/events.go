package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// handleEvents streams the batch event log as server-sent events. Each event
// carries its sequence number as the SSE id, so a reconnecting client that
// sends Last-Event-ID resumes without gaps or repeats. The stream ends with an
// "end" event once the batch settles.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastSeen := 0
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lastSeen = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for ev := range b.Watch(r.Context()) {
		if ev.Seq <= lastSeen {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "failed to encode batch event", "batch_id", b.ID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: stage\ndata: %s\n\n", ev.Seq, data); err != nil {
			return
		}
		flusher.Flush()
	}

	if r.Context().Err() != nil {
		return
	}
	data, _ := json.Marshal(b.Snapshot().Summary)
	_, _ = fmt.Fprintf(w, "event: end\ndata: %s\n\n", data)
	flusher.Flush()
}
