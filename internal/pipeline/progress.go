package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"living-photo/internal/services/marker"
)

// ProgressTracker holds the latest compile percentage of every active run.
// It is in-memory only; the persisted status stays authoritative.
type ProgressTracker struct {
	mu      sync.RWMutex
	percent map[uuid.UUID]int
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{percent: map[uuid.UUID]int{}}
}

func (t *ProgressTracker) Set(id uuid.UUID, pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.percent[id] || pct == 0 {
		t.percent[id] = min(pct, 100)
	}
}

func (t *ProgressTracker) Get(id uuid.UUID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pct, ok := t.percent[id]
	return pct, ok
}

func (t *ProgressTracker) Clear(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.percent, id)
}

// Follow drains compiler progress for id until ch is closed. Call the
// returned func after closing ch to wait for the drain to finish.
func (t *ProgressTracker) Follow(id uuid.UUID, ch <-chan marker.Progress) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			t.Set(id, p.Percent)
		}
	}()
	return func() { <-done }
}
