package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/joescharf/agentd/internal/events"
	"github.com/joescharf/agentd/internal/models"
)

// eventQueue buffers events delivered by a bus listener until the SSE loop
// writes them. The listener runs under the bus entry lock and must not block.
type eventQueue struct {
	mu     sync.Mutex
	events []models.Event
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev models.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

func writeSSE(w io.Writer, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// streamEvents replays the session's buffered events and then follows live
// ones until a terminal event, the end of the run, or client disconnect.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	q := newEventQueue()
	sub, err := s.bus.Subscribe(id, q.push)
	if errors.Is(err, events.ErrNoEntry) {
		writeError(w, http.StatusNotFound, "no active event stream for session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	// flush writes everything queued and reports whether the stream should end.
	flush := func() bool {
		defer flusher.Flush()
		for _, ev := range q.drain() {
			if err := writeSSE(w, ev); err != nil {
				s.log.Debug("sse write failed", "session_id", id, "error", err)
				return true
			}
			if ev.Terminal() {
				return true
			}
		}
		return false
	}

	for {
		if flush() {
			return
		}
		select {
		case <-q.ready:
		case <-sub.Done():
			flush()
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
