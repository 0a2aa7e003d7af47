package backend

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetriesRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	res, err := withRetries(context.Background(), "fake", 2, time.Millisecond, func(context.Context) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, errors.New("connection reset")
		}
		return Result{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("withRetries() error = %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q, want ok", res.Text)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetriesExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := withRetries(context.Background(), "fake", 2, time.Millisecond, func(context.Context) (Result, error) {
		calls++
		return Result{}, errors.New("still down")
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Kind != FailureTransient {
		t.Errorf("err = %v, want transient CallError", err)
	}
}

func TestWithRetriesStopsOnQuotaFailure(t *testing.T) {
	calls := 0
	_, err := withRetries(context.Background(), "fake", 2, time.Millisecond, func(context.Context) (Result, error) {
		calls++
		return Result{}, &CallError{Backend: "fake", Kind: FailureQuotaOrAuth, Err: errors.New("invalid api key")}
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (quota failures must not be retried)", calls)
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Kind != FailureQuotaOrAuth {
		t.Errorf("err = %v, want quota CallError", err)
	}
}

func TestWithRetriesStopsOnExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := withRetries(ctx, "fake", 2, time.Millisecond, func(context.Context) (Result, error) {
		calls++
		cancel()
		return Result{}, errors.New("interrupted")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (expired context must not be retried)", calls)
	}
	if err == nil {
		t.Fatal("want error after cancellation")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"canceled", context.Canceled, FailureTimeout},
		{"plain", errors.New("connection refused"), FailureTransient},
		{"wrapped call error", &CallError{Backend: "x", Kind: FailureQuotaOrAuth, Err: errors.New("401")}, FailureQuotaOrAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify("fake", tt.err).Kind; got != tt.want {
				t.Errorf("classify(%v).Kind = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   FailureKind
	}{
		{401, FailureQuotaOrAuth},
		{403, FailureQuotaOrAuth},
		{402, FailureQuotaOrAuth},
		{429, FailureQuotaOrAuth},
		{408, FailureTimeout},
		{504, FailureTimeout},
		{500, FailureTransient},
		{503, FailureTransient},
	}
	for _, tt := range tests {
		if got := statusError("fake", tt.status, "boom").Kind; got != tt.want {
			t.Errorf("statusError(%d).Kind = %v, want %v", tt.status, got, tt.want)
		}
	}
}
