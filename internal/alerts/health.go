package alerts

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// feedHealth tracks consecutive fetch failures against the alert feed.
// Checks record into it from their own goroutines while Status reads it
// from the hub loop, so fields are guarded by mu.
type feedHealth struct {
	mu          sync.Mutex
	failures    int
	lastErr     string
	lastCheckAt time.Time
}

func (h *feedHealth) recordSuccess(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastCheckAt = at
}

func (h *feedHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
}

type healthSnapshot struct {
	status      HealthStatus
	failures    int
	lastErr     string
	lastCheckAt time.Time
}

// snapshot returns a consistent copy. Any failure marks the feed degraded;
// threshold consecutive failures mark it failed.
func (h *feedHealth) snapshot(threshold int) healthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := HealthHealthy
	switch {
	case h.failures >= threshold:
		status = HealthFailed
	case h.failures > 0:
		status = HealthDegraded
	}
	return healthSnapshot{
		status:      status,
		failures:    h.failures,
		lastErr:     h.lastErr,
		lastCheckAt: h.lastCheckAt,
	}
}
