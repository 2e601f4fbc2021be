package monitor

import (
	"sync"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/session"
)

// PassHistory keeps the most recent refinement passes for charting. Record
// has the shape of calib.EngineConfig.OnPass.
type PassHistory struct {
	mu    sync.Mutex
	buf   []calib.PassStats
	next  int
	full  bool
	total int
}

// NewPassHistory returns a history holding at most capacity passes.
func NewPassHistory(capacity int) *PassHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &PassHistory{buf: make([]calib.PassStats, capacity)}
}

// Record appends one pass, evicting the oldest when full.
func (h *PassHistory) Record(ps calib.PassStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = ps
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.total++
}

// Snapshot returns the retained passes oldest first.
func (h *PassHistory) Snapshot() []calib.PassStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]calib.PassStats(nil), h.buf[:h.next]...)
	}
	out := make([]calib.PassStats, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Total counts every pass ever recorded, including evicted ones.
func (h *PassHistory) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// tickHolder keeps the latest session tick for the status and scatter views.
type tickHolder struct {
	mu   sync.RWMutex
	tick *session.TickResult
}

func (t *tickHolder) set(tr session.TickResult) {
	t.mu.Lock()
	t.tick = &tr
	t.mu.Unlock()
}

func (t *tickHolder) get() (session.TickResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.tick == nil {
		return session.TickResult{}, false
	}
	return *t.tick, true
}
