package bench

import "time"

// EventTimer measures one interval against an injectable time source.
type EventTimer struct {
	now     func() time.Time
	start   time.Time
	elapsed time.Duration
	running bool
}

// NewEventTimer binds a timer to now.
func NewEventTimer(now func() time.Time) *EventTimer {
	if now == nil {
		now = time.Now
	}
	return &EventTimer{now: now}
}

// Start arms the timer, discarding any previous measurement.
func (t *EventTimer) Start() {
	t.start = t.now()
	t.elapsed = 0
	t.running = true
}

// Stop records the interval since Start. Stopping an idle timer is a no-op.
func (t *EventTimer) Stop() time.Duration {
	if !t.running {
		return t.elapsed
	}
	t.running = false
	t.elapsed = t.now().Sub(t.start)
	if t.elapsed < 0 {
		t.elapsed = 0
	}
	return t.elapsed
}

// Elapsed returns the last stopped interval.
func (t *EventTimer) Elapsed() time.Duration {
	return t.elapsed
}
