package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is what the tracker can do to a live session without owning it.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	// Sweep drops expired per-session tool results and reports how many.
	Sweep func(now time.Time) int
	State func() string
}

// Info describes one tracked session.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker keeps the set of live sessions for draining and maintenance.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	now      func() time.Time
}

type trackedSession struct {
	id        string
	handle    Handle
	startedAt time.Time
	once      sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		now:      time.Now,
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if t.now == nil {
		t.now = time.Now
	}
	entry := &trackedSession{id: sessionID, handle: h, startedAt: t.now()}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(old)
	}

	return func() { t.unregister(entry) }
}

func (t *Tracker) unregister(entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[entry.id] == entry {
			delete(t.sessions, entry.id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// snapshot copies the entries so callbacks run without the lock held.
func (t *Tracker) snapshot() []*trackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*trackedSession, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the tracked sessions ordered by start time.
func (t *Tracker) List() []Info {
	if t == nil {
		return nil
	}
	entries := t.snapshot()
	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		info := Info{ID: entry.id, StartedAt: entry.startedAt}
		if entry.handle.State != nil {
			info.State = entry.handle.State()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.snapshot() {
		if entry.handle.Warn == nil {
			continue
		}
		_ = entry.handle.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.snapshot() {
		if entry.handle.Cancel == nil {
			continue
		}
		entry.handle.Cancel()
		canceled++
	}
	return canceled
}

// SweepAll expires tool results in every session and returns the total
// number of entries removed.
func (t *Tracker) SweepAll(now time.Time) (removed int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.snapshot() {
		if entry.handle.Sweep == nil {
			continue
		}
		removed += entry.handle.Sweep(now)
	}
	return removed
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
