package bridge

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of queries kept.
const DefaultHistorySize = 10

// QueryEntry records one search.
type QueryEntry struct {
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// History is a fixed-size ring of recent queries.
type History struct {
	mu      sync.Mutex
	entries []QueryEntry
	next    int
	full    bool
}

// NewHistory returns a ring holding capacity entries (DefaultHistorySize
// if <= 0).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{entries: make([]QueryEntry, capacity)}
}

// Add records e, evicting the oldest entry when full.
func (h *History) Add(e QueryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Entries returns a copy, newest first.
func (h *History) Entries() []QueryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.entries)
	}
	out := make([]QueryEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}
