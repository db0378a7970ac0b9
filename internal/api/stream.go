package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/msetz/fanq/internal/events"
)

// handleEvents streams this run's status transitions as Server-Sent Events.
// The stream is scoped to the server's run: events from other runs sharing
// the hub are dropped, and the stream closes itself once the run-completion
// event has gone out, so watchers need no separate end-of-run signal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying the buffer so nothing published during the
	// replay is lost; deliver suppresses the resulting duplicates.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	lastSent := lastEventID(r)
	for _, ev := range s.hub.SnapshotSince(lastSent) {
		closed, err := s.deliver(w, ev, &lastSent)
		if err != nil {
			return
		}
		if closed {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			closed, err := s.deliver(w, ev, &lastSent)
			if err != nil {
				return
			}
			flusher.Flush()
			if closed {
				return
			}
		}
	}
}

// deliver frames ev onto the stream when it belongs to this run and has not
// been sent yet, and reports whether it was the run-completion event.
func (s *Server) deliver(w io.Writer, ev events.Event, lastSent *int64) (bool, error) {
	if ev.Run != s.runID || ev.ID <= *lastSent {
		return false, nil
	}
	frame := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	if _, err := io.WriteString(w, frame); err != nil {
		return false, err
	}
	*lastSent = ev.ID
	return ev.Type == events.TypeRunCompleted, nil
}

// lastEventID reads the SSE resume position from the Last-Event-ID header.
func lastEventID(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
