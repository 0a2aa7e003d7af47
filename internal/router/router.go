package router

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"ragline.dev/ragline/internal/backend"
	"ragline.dev/ragline/internal/loadmon"
)

// ErrNoBackendAvailable means every configured backend is unavailable or at
// capacity. The caller should retry later; it is not a crash.
var ErrNoBackendAvailable = errors.New("no backend available")

// State is the routing mode. Transitions are driven by observed load, never
// by a single sample.
type State int

const (
	LocalPreferred State = iota
	Hybrid
	CloudPreferred
)

func (s State) String() string {
	switch s {
	case LocalPreferred:
		return "local_preferred"
	case Hybrid:
		return "hybrid"
	case CloudPreferred:
		return "cloud_preferred"
	default:
		return "unknown"
	}
}

type Config struct {
	LowRPM           float64
	HighRPM          float64
	HysteresisMargin float64
	SustainTicks     int // consecutive observation ticks a condition must hold
	TickInterval     time.Duration
}

// Router picks a backend per request based on the current routing state and
// pool health. The state machine moves up under sustained load and back down
// only once load drops below the threshold minus the hysteresis margin.
type Router struct {
	cfg     Config
	pool    *backend.Pool
	monitor *loadmon.Monitor

	mu         sync.Mutex
	state      State
	upStreak   int
	downStreak int
}

func New(cfg Config, pool *backend.Pool, monitor *loadmon.Monitor) *Router {
	if cfg.SustainTicks < 1 {
		cfg.SustainTicks = 1
	}
	return &Router{cfg: cfg, pool: pool, monitor: monitor}
}

// State returns the current routing mode.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run drives observation ticks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.monitor.Snapshot())
		}
	}
}

// Tick feeds one load observation into the state machine. Exported so tests
// can drive transitions deterministically.
func (r *Router) Tick(snap loadmon.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rpm := snap.RPM
	prev := r.state

	switch r.state {
	case LocalPreferred:
		r.observe(rpm > r.cfg.LowRPM, false)
		if r.upStreak >= r.cfg.SustainTicks {
			r.transition(Hybrid)
		}
	case Hybrid:
		r.observe(rpm > r.cfg.HighRPM, rpm < r.cfg.LowRPM-r.cfg.HysteresisMargin)
		if r.upStreak >= r.cfg.SustainTicks {
			r.transition(CloudPreferred)
		} else if r.downStreak >= r.cfg.SustainTicks {
			r.transition(LocalPreferred)
		}
	case CloudPreferred:
		r.observe(false, rpm < r.cfg.HighRPM-r.cfg.HysteresisMargin)
		if r.downStreak >= r.cfg.SustainTicks {
			r.transition(Hybrid)
		}
	}

	if r.state != prev {
		log.Printf("Router state %s -> %s (rpm=%.1f, success=%.2f)", prev, r.state, rpm, snap.SuccessRate)
	}
}

// observe updates the sustained-condition counters. A tick that meets
// neither condition resets both, so a single spike never causes a
// transition. Caller must hold the lock.
func (r *Router) observe(up, down bool) {
	if up {
		r.upStreak++
	} else {
		r.upStreak = 0
	}
	if down {
		r.downStreak++
	} else {
		r.downStreak = 0
	}
}

func (r *Router) transition(next State) {
	r.state = next
	r.upStreak = 0
	r.downStreak = 0
}

// Execute routes the request to a backend and runs it, falling through the
// remaining candidates when a backend is busy, cooling down, or fails.
func (r *Router) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	candidates := r.candidates(r.State(), time.Now())
	if len(candidates) == 0 {
		return backend.Result{}, ErrNoBackendAvailable
	}

	var lastErr error
	executed := false
	for _, d := range candidates {
		res, err := r.pool.Do(ctx, d, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, backend.ErrBackendBusy) && !errors.Is(err, backend.ErrBackendUnavailable) {
			executed = true
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if executed {
		return backend.Result{}, lastErr
	}
	return backend.Result{}, ErrNoBackendAvailable
}

// candidates orders the eligible backends for the given routing state.
func (r *Router) candidates(state State, now time.Time) []*backend.Descriptor {
	var local *backend.Descriptor
	var clouds []*backend.Descriptor
	for _, d := range r.pool.Descriptors() {
		if !d.Eligible(now) {
			continue
		}
		if d.Kind().Cloud() {
			clouds = append(clouds, d)
		} else if local == nil {
			local = d
		}
	}

	// Best health first, then cheapest, then fastest.
	sort.SliceStable(clouds, func(i, j int) bool {
		if clouds[i].Health() != clouds[j].Health() {
			return clouds[i].Health() < clouds[j].Health()
		}
		if clouds[i].CostHint() != clouds[j].CostHint() {
			return clouds[i].CostHint() < clouds[j].CostHint()
		}
		return clouds[i].AvgLatency() < clouds[j].AvgLatency()
	})

	out := make([]*backend.Descriptor, 0, len(clouds)+1)
	switch state {
	case LocalPreferred:
		if local != nil && local.Health() == backend.Healthy {
			out = append(out, local)
			out = append(out, clouds...)
		} else {
			// Local is struggling: clouds first, local kept as a
			// final fallback if it can still serve.
			out = append(out, clouds...)
			if local != nil {
				out = append(out, local)
			}
		}
	case Hybrid:
		// Spend local capacity while it is healthy and has free slots,
		// otherwise pay for cloud.
		if local != nil && local.Health() == backend.Healthy && local.RemainingCapacity() > 0 {
			out = append(out, local)
			out = append(out, clouds...)
		} else {
			out = append(out, clouds...)
			if local != nil {
				out = append(out, local)
			}
		}
	case CloudPreferred:
		// Cloud only; local is the degrade-to-local last resort and is
		// reached only when every cloud candidate refuses or fails.
		out = append(out, clouds...)
		if local != nil {
			out = append(out, local)
		}
	}
	return out
}
