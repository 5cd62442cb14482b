package worker

import (
	"sync"
)

// ConcurrencyLimiter bounds how many jobs run simultaneously per project.
// It is process-local: with multiple worker processes the effective limit is
// per process, not global. It is injected into the Processor so a shared
// implementation can replace it without touching the loop.
type ConcurrencyLimiter struct {
	mu      sync.Mutex
	limit   int
	running map[string]int
}

// NewConcurrencyLimiter creates a limiter allowing up to limit running jobs
// per project. A limit of zero or less means unlimited.
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		limit:   limit,
		running: make(map[string]int),
	}
}

// TryAcquire reserves a running slot for the project. It returns false
// without reserving when the project is saturated.
func (l *ConcurrencyLimiter) TryAcquire(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.running[projectID] >= l.limit {
		return false
	}
	l.running[projectID]++
	return true
}

// Release returns a slot. Must be called exactly once per successful
// TryAcquire, including on error paths.
func (l *ConcurrencyLimiter) Release(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.running[projectID]; n <= 1 {
		delete(l.running, projectID)
	} else {
		l.running[projectID] = n - 1
	}
}

// Running reports the current running count for a project.
func (l *ConcurrencyLimiter) Running(projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[projectID]
}
