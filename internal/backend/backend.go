package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind identifies a concrete inference backend. The set is closed: routing
// policy dispatches on it explicitly.
type Kind int

const (
	KindLocal Kind = iota // locally hosted engine (Ollama)
	KindGemini
	KindOpenAI
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindGemini:
		return "gemini"
	case KindOpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// Cloud reports whether the backend is a remote metered API.
func (k Kind) Cloud() bool {
	return k != KindLocal
}

// Request is a fully rendered generation request. Prompt construction
// happens upstream; adapters only transport it.
type Request struct {
	System string
	Prompt string
}

// Result is a completed generation.
type Result struct {
	Text  string
	Model string
}

// Backend is the uniform capability surface every concrete adapter
// implements. Generate must honor ctx cancellation and classify failures
// with CallError so callers can tell transient from terminal ones.
type Backend interface {
	Kind() Kind
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
	HealthCheck(ctx context.Context) error
	// CostHint is a relative per-call cost used to weigh cloud backends
	// against free local compute. Higher is more expensive.
	CostHint() float64
}

// FailureKind classifies a failed backend call.
type FailureKind int

const (
	FailureTransient FailureKind = iota // 5xx, connection errors
	FailureTimeout                      // deadline exceeded, call cancelled
	FailureQuotaOrAuth                  // bad key or exhausted quota, never retried
)

func (f FailureKind) String() string {
	switch f {
	case FailureTransient:
		return "transient"
	case FailureTimeout:
		return "timeout"
	case FailureQuotaOrAuth:
		return "quota_or_auth"
	default:
		return "unknown"
	}
}

// CallError is a classified backend failure.
type CallError struct {
	Backend string
	Kind    FailureKind
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("backend %s: %s failure: %v", e.Backend, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry policy may attempt the call again.
func (e *CallError) Retryable() bool {
	return e.Kind == FailureTransient || e.Kind == FailureTimeout
}

// classify maps an error from an adapter call to a CallError.
func classify(name string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &CallError{Backend: name, Kind: FailureTimeout, Err: err}
	}
	return &CallError{Backend: name, Kind: FailureTransient, Err: err}
}

// withRetries runs fn up to 1+maxRetries times, backing off exponentially
// from base with jitter between attempts. Non-retryable failures and context
// expiry stop immediately.
func withRetries(ctx context.Context, name string, maxRetries int, base time.Duration, fn func(context.Context) (Result, error)) (Result, error) {
	var lastErr *CallError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return Result{}, classify(name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		lastErr = classify(name, err)
		if !lastErr.Retryable() {
			return Result{}, lastErr
		}
		// A deadline that has already expired will not recover on retry.
		if ctx.Err() != nil {
			return Result{}, lastErr
		}
	}
	return Result{}, lastErr
}
