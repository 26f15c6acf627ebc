package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCPUBudgetExceeded is the cancellation cause set when a call exhausts its
// CPU ceiling.
var ErrCPUBudgetExceeded = errors.New("cpu budget exceeded")

// Meter accumulates time only while it is running. A call resumes it when the
// guest starts executing and pauses it whenever the guest is suspended on the
// host, so waits do not count toward the budget.
type Meter struct {
	now func() time.Time

	mu      sync.Mutex
	running bool
	since   time.Time
	total   time.Duration
}

// NewMeter returns a stopped meter reading the wall clock.
func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// Resume starts accruing time. Resuming a running meter is a no-op.
func (m *Meter) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.since = m.now()
}

// Pause stops accruing time. Pausing a stopped meter is a no-op.
func (m *Meter) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.total += m.now().Sub(m.since)
}

// Elapsed returns the accrued time, including the current running stretch.
func (m *Meter) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.total + m.now().Sub(m.since)
	}
	return m.total
}

// Watch polls m every tick and cancels with ErrCPUBudgetExceeded once the
// accrued time passes ceiling. It returns when ctx is done or after
// cancelling.
func Watch(ctx context.Context, m *Meter, limits Limits, cancel context.CancelCauseFunc) {
	limits = limits.WithDefaults()
	ticker := time.NewTicker(limits.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Elapsed() > limits.CPUCeiling {
				cancel(ErrCPUBudgetExceeded)
				return
			}
		}
	}
}
