package server

import (
	"sort"
	"sync"
	"time"

	"github.com/inukshuk/artimi/internal/process"
)

// ProcessInfo is the monitoring view of one tracked process.
type ProcessInfo struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Transitions int       `json:"transitions"`
	TrackedAt   time.Time `json:"tracked_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tracker records the status changes of processes.
type Tracker struct {
	mu        sync.RWMutex
	processes map[string]*ProcessInfo
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		processes: make(map[string]*ProcessInfo),
		now:       time.Now,
	}
}

// Track starts following p. Tracking the same id twice keeps the first
// entry.
func (t *Tracker) Track(p *process.Process) {
	id := p.ID().String()
	now := t.now().UTC()

	t.mu.Lock()
	if _, exists := t.processes[id]; exists {
		t.mu.Unlock()
		return
	}
	t.processes[id] = &ProcessInfo{
		ID:        id,
		Status:    string(p.Status()),
		TrackedAt: now,
		UpdatedAt: now,
	}
	t.mu.Unlock()

	p.OnChange(func(status, _ process.Status, _ *process.Process) {
		t.mu.Lock()
		defer t.mu.Unlock()

		info := t.processes[id]
		info.Status = string(status)
		info.Transitions++
		info.UpdatedAt = t.now().UTC()
	})
}

// Get returns the info for one process.
func (t *Tracker) Get(id string) (ProcessInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.processes[id]
	if !ok {
		return ProcessInfo{}, false
	}
	return *info, true
}

// List returns all tracked processes ordered by tracking time.
func (t *Tracker) List() []ProcessInfo {
	t.mu.RLock()
	infos := make([]ProcessInfo, 0, len(t.processes))
	for _, info := range t.processes {
		infos = append(infos, *info)
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].TrackedAt.Equal(infos[j].TrackedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].TrackedAt.Before(infos[j].TrackedAt)
	})
	return infos
}

// Counts returns the number of tracked processes per status.
func (t *Tracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for _, info := range t.processes {
		counts[info.Status]++
	}
	return counts
}
