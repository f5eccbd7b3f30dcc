package writer

import (
	"sync"
	"time"
)

// throttle keeps at most one row per interval for each entity of a pipeline,
// measured on the row timestamps.
type throttle struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newThrottle(interval time.Duration) *throttle {
	if interval <= 0 {
		return nil
	}

	return &throttle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (t *throttle) allow(key string, ts time.Time) bool {
	if t == nil {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[key]; ok && ts.Sub(last) < t.interval {
		return false
	}

	t.last[key] = ts
	return true
}
