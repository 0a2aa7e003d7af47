package backend

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ragline.dev/ragline/internal/loadmon"
)

var (
	// ErrBackendBusy means every concurrency slot of the backend is taken.
	// The request fails fast instead of queueing.
	ErrBackendBusy = errors.New("backend at capacity")
	// ErrBackendUnavailable means the backend is cooling down and no probe
	// slot is open.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Health is the tracked state of one backend.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

const (
	failuresToDegrade     = 3
	failuresToUnavailable = 6
)

// Descriptor tracks health, capacity and latency for one backend. Only the
// pool mutates it; request handlers never touch a descriptor directly.
type Descriptor struct {
	backend        Backend
	sem            *semaphore.Weighted
	maxConcurrency int64
	timeout        time.Duration
	cooldown       time.Duration

	mu                  sync.Mutex
	health              Health
	consecutiveFailures int
	unavailableSince    time.Time
	probeInFlight       bool
	inFlight            int64
	avgLatency          time.Duration
}

func (d *Descriptor) Kind() Kind        { return d.backend.Kind() }
func (d *Descriptor) Name() string      { return d.backend.Name() }
func (d *Descriptor) CostHint() float64 { return d.backend.CostHint() }

func (d *Descriptor) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// RemainingCapacity estimates free concurrency slots.
func (d *Descriptor) RemainingCapacity() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConcurrency - d.inFlight
}

// AvgLatency is an exponentially weighted estimate of recent call latency.
func (d *Descriptor) AvgLatency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avgLatency
}

// Eligible reports whether the descriptor may serve a request at time now.
// An UNAVAILABLE backend becomes eligible for exactly one half-open probe
// once its cooldown has elapsed.
func (d *Descriptor) Eligible(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.health != Unavailable {
		return true
	}
	return !d.probeInFlight && now.Sub(d.unavailableSince) >= d.cooldown
}

// beginCall reserves the right to execute. For an UNAVAILABLE backend this
// claims the single probe slot; callers must follow up with endCall.
func (d *Descriptor) beginCall(now time.Time) (isProbe bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.health == Unavailable {
		if d.probeInFlight || now.Sub(d.unavailableSince) < d.cooldown {
			return false, ErrBackendUnavailable
		}
		d.probeInFlight = true
		return true, nil
	}
	return false, nil
}

func (d *Descriptor) abortCall(isProbe bool) {
	if !isProbe {
		return
	}
	d.mu.Lock()
	d.probeInFlight = false
	d.mu.Unlock()
}

func (d *Descriptor) recordSuccess(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFailures = 0
	d.probeInFlight = false
	if d.health != Healthy {
		log.Printf("Backend %s recovered, marking healthy", d.backend.Name())
	}
	d.health = Healthy
	if d.avgLatency == 0 {
		d.avgLatency = latency
	} else {
		d.avgLatency = (d.avgLatency*7 + latency) / 8
	}
}

// recordFailure applies the health transitions: 3 consecutive failures
// degrade, 3 more mark unavailable. A hard failure (quota/auth) degrades at
// once. A failed probe restarts the cooldown.
func (d *Descriptor) recordFailure(now time.Time, isProbe, hard bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFailures++
	if hard && d.consecutiveFailures < failuresToDegrade {
		d.consecutiveFailures = failuresToDegrade
	}

	switch {
	case isProbe:
		d.probeInFlight = false
		d.unavailableSince = now
		log.Printf("Backend %s probe failed, cooldown restarted", d.backend.Name())
	case d.consecutiveFailures >= failuresToUnavailable:
		if d.health != Unavailable {
			log.Printf("Backend %s marked unavailable after %d consecutive failures", d.backend.Name(), d.consecutiveFailures)
		}
		d.health = Unavailable
		d.unavailableSince = now
	case d.consecutiveFailures >= failuresToDegrade:
		if d.health == Healthy {
			log.Printf("Backend %s degraded after %d consecutive failures", d.backend.Name(), d.consecutiveFailures)
		}
		d.health = Degraded
	}
}

// Status is a read-only snapshot of a descriptor for reporting.
type Status struct {
	Name                string  `json:"name"`
	Kind                string  `json:"kind"`
	Health              string  `json:"health"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	InFlight            int64   `json:"in_flight"`
	MaxConcurrency      int64   `json:"max_concurrency"`
	AvgLatencyMs        int64   `json:"avg_latency_ms"`
	CostHint            float64 `json:"cost_hint"`
}

// Pool owns the ordered set of configured backends and executes requests
// against them, tracking health and feeding the load monitor.
type Pool struct {
	descriptors []*Descriptor
	monitor     *loadmon.Monitor
}

func NewPool(monitor *loadmon.Monitor) *Pool {
	return &Pool{monitor: monitor}
}

// Add registers a backend with its concurrency cap, call deadline and
// unavailable cooldown. Registration order is the pool's preference order
// within a kind.
func (p *Pool) Add(b Backend, maxConcurrency int64, timeout, cooldown time.Duration) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	p.descriptors = append(p.descriptors, &Descriptor{
		backend:        b,
		sem:            semaphore.NewWeighted(maxConcurrency),
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
		cooldown:       cooldown,
	})
}

// Descriptors returns the configured backends in registration order.
func (p *Pool) Descriptors() []*Descriptor {
	return p.descriptors
}

// Statuses reports a snapshot of every backend.
func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		d.mu.Lock()
		out = append(out, Status{
			Name:                d.backend.Name(),
			Kind:                d.backend.Kind().String(),
			Health:              d.health.String(),
			ConsecutiveFailures: d.consecutiveFailures,
			InFlight:            d.inFlight,
			MaxConcurrency:      d.maxConcurrency,
			AvgLatencyMs:        d.avgLatency.Milliseconds(),
			CostHint:            d.backend.CostHint(),
		})
		d.mu.Unlock()
	}
	return out
}

// Do executes one generation request against the given backend. It claims a
// concurrency slot without waiting, applies the backend's deadline, reports
// the outcome to the load monitor, and updates health state. ErrBackendBusy
// and ErrBackendUnavailable mean nothing executed.
func (p *Pool) Do(ctx context.Context, d *Descriptor, req Request) (Result, error) {
	isProbe, err := d.beginCall(time.Now())
	if err != nil {
		return Result{}, err
	}

	if !d.sem.TryAcquire(1) {
		d.abortCall(isProbe)
		return Result{}, ErrBackendBusy
	}
	d.mu.Lock()
	d.inFlight++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
		d.sem.Release(1)
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := d.backend.Generate(callCtx, req)
	latency := time.Since(start)

	p.monitor.Record(loadmon.Outcome{At: time.Now(), Latency: latency, OK: err == nil})

	if err != nil {
		ce := classify(d.backend.Name(), err)
		d.recordFailure(time.Now(), isProbe, ce.Kind == FailureQuotaOrAuth)
		return Result{}, ce
	}

	d.recordSuccess(latency)
	return res, nil
}
