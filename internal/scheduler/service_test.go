package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (c *countingReconciler) Reconcile(ctx context.Context) error {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	return c.err
}

func TestValidateCronExpression(t *testing.T) {
	for _, ok := range []string{"*/5 * * * *", "@every 30s", "@hourly"} {
		if err := ValidateCronExpression(ok); err != nil {
			t.Fatalf("%q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every minute", "* * *", "61 * * * *"} {
		if err := ValidateCronExpression(bad); err == nil {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 5, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNewServiceRejectsBadSchedule(t *testing.T) {
	if _, err := NewService(&countingReconciler{}, "nope", time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	r := &countingReconciler{}
	s, err := NewService(r, "@every 1h", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.RunOnce(context.Background())
	r.err = errors.New("registry down")
	s.RunOnce(context.Background())
	if r.calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", r.calls.Load())
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := &countingReconciler{}
	s, err := NewService(r, "@every 1s", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for r.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("resync never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}
