package console

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"printdesk/internal/types"
)

const (
	DefaultBacklog = 200
	DefaultBuffer  = 256
)

// Hub fans console lines out to subscribers. Publish never blocks: a subscriber
// that falls behind loses lines and the loss is counted.
type Hub struct {
	backlogSize int
	bufferSize  int
	log         *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]chan types.Line
	nextID  uint64
	backlog []types.Line

	dropped atomic.Uint64
}

func NewHub(backlog, buffer int, logger *slog.Logger) *Hub {
	if backlog < 0 {
		backlog = 0
	}

	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		backlogSize: backlog,
		bufferSize:  buffer,
		log:         logger,
		subs:        make(map[uint64]chan types.Line),
		backlog:     make([]types.Line, 0, backlog),
	}
}

// Publish records the line in the backlog and offers it to every subscriber
func (h *Hub) Publish(line types.Line) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.backlogSize > 0 {
		if len(h.backlog) == h.backlogSize {
			copy(h.backlog, h.backlog[1:])
			h.backlog = h.backlog[:len(h.backlog)-1]
		}

		h.backlog = append(h.backlog, line)
	}

	for id, ch := range h.subs {
		select {
		case ch <- line:
		default:
			if n := h.dropped.Add(1); n&(n-1) == 0 {
				h.log.Warn("Console subscriber too slow, dropping lines", "subscriber", id, "dropped_total", n)
			}
		}
	}
}

// Subscribe returns a channel that first replays the backlog and then receives new lines.
// The cancel func unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan types.Line, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan types.Line, h.bufferSize+len(h.backlog))
	for _, line := range h.backlog {
		ch <- line
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()

			close(ch)
		})
	}

	return ch, cancel
}

// Backlog returns a copy of the retained lines, oldest first
func (h *Hub) Backlog() []types.Line {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.Line, len(h.backlog))
	copy(out, h.backlog)

	return out
}

// Subscribers reports how many subscribers are attached
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
