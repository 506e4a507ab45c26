package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared across handlers: whether the
// gateway is draining and when it started.
type Lifecycle struct {
	draining atomic.Bool
	started  time.Time
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{started: now}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a Lifecycle built without New.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.started.IsZero() {
		return 0
	}
	return now.Sub(l.started)
}
