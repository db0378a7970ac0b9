// Package events provides the in-process pub/sub hub that carries run and
// job status transitions from the dispatcher to the API's SSE stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher.
const (
	TypeRunStarted   = "run.started"
	TypeRunCompleted = "run.completed"
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	Run  string    `json:"run"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer so late SSE clients
// can catch up on recent events.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	buf    []Event
	oldest int
	count  int

	subs   map[int]chan Event
	subSeq int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		buf:  make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish broadcasts an event tagged with the run it belongs to. data is
// marshalled to JSON; a nil payload becomes "{}". Slow subscribers never
// block the publisher; their events are dropped.
func (h *Hub) Publish(eventType, runID string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		Run:  runID,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.subSeq
	h.subSeq++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// lastID 0 returns the whole buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.buf[(h.oldest+i)%len(h.buf)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// remember appends ev to the ring, overwriting the oldest entry when full.
// Caller holds h.mu.
func (h *Hub) remember(ev Event) {
	if len(h.buf) == 0 {
		return
	}
	if h.count < len(h.buf) {
		h.buf[(h.oldest+h.count)%len(h.buf)] = ev
		h.count++
		return
	}
	h.buf[h.oldest] = ev
	h.oldest = (h.oldest + 1) % len(h.buf)
}
