package loadmon

import (
	"sync"
	"time"
)

// Outcome is one completed backend execution.
type Outcome struct {
	At      time.Time
	Latency time.Duration
	OK      bool
}

// Snapshot is the derived view of the rolling window.
type Snapshot struct {
	RPM         float64 // requests per minute over the window
	SuccessRate float64 // 1.0 when the window is empty
	AvgLatency  time.Duration
	Samples     int
}

// Monitor keeps a rolling window of request outcomes shared across the
// process. Entries older than the horizon are evicted lazily on read.
type Monitor struct {
	mu      sync.Mutex
	window  time.Duration
	entries []Outcome
}

func NewMonitor(window time.Duration) *Monitor {
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{window: window}
}

// Record appends one outcome to the window.
func (m *Monitor) Record(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	m.mu.Lock()
	m.entries = append(m.entries, o)
	m.mu.Unlock()
}

// Snapshot derives the current RPM, success rate and average latency,
// evicting stale entries first.
func (m *Monitor) Snapshot() Snapshot {
	return m.SnapshotAt(time.Now())
}

// SnapshotAt is Snapshot with an explicit reference time.
func (m *Monitor) SnapshotAt(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)

	snap := Snapshot{SuccessRate: 1.0, Samples: len(m.entries)}
	if len(m.entries) == 0 {
		return snap
	}

	var ok int
	var total time.Duration
	for _, e := range m.entries {
		if e.OK {
			ok++
		}
		total += e.Latency
	}

	snap.RPM = float64(len(m.entries)) * float64(time.Minute) / float64(m.window)
	snap.SuccessRate = float64(ok) / float64(len(m.entries))
	snap.AvgLatency = total / time.Duration(len(m.entries))
	return snap
}

// evict drops entries older than the horizon. Caller must hold the lock.
func (m *Monitor) evict(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.entries) && m.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append(m.entries[:0], m.entries[i:]...)
	}
}
