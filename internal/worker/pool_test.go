package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"queuewatch/internal/config"
	"queuewatch/internal/domain"
	"queuewatch/internal/queue"
)

var _ queue.Receiver = (*fakeReceiver)(nil)

type fakeReceiver struct {
	mu       sync.Mutex
	pending  []queue.Message
	failures int
	maxSeen  int
	deleted  []string
	changed  map[string]time.Duration
}

func (f *fakeReceiver) Receive(ctx context.Context, max int) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	if max > f.maxSeen {
		f.maxSeen = max
	}
	n := max
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeReceiver) ChangeVisibility(ctx context.Context, m queue.Message, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changed == nil {
		f.changed = map[string]time.Duration{}
	}
	f.changed[m.ID] = d
	return nil
}

func (f *fakeReceiver) Delete(ctx context.Context, m queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ReceiptHandle == "" {
		return queue.ErrReceiptNotFound
	}
	f.deleted = append(f.deleted, m.ID)
	return nil
}

func (f *fakeReceiver) Close() error { return nil }

func msgs(n int) []queue.Message {
	out := make([]queue.Message, n)
	for i := range out {
		out[i] = queue.Message{ID: string(rune('a' + i)), ReceiptHandle: "rh", Body: []byte("{}")}
	}
	return out
}

func TestPoolBoundsInFlight(t *testing.T) {
	recv := &fakeReceiver{pending: msgs(6)}
	opts := config.QueueOptions{Name: "orders", Concurrency: 2, BatchSize: 10, PollInterval: time.Millisecond}

	var inFlight, peak, handled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(recv, opts, func(ev *Event) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		if handled.Add(1) == 6 {
			cancel()
		}
		ev.Next()
	}, nil)

	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not finish")
	}
	if handled.Load() != 6 {
		t.Fatalf("expected 6 handled, got %d", handled.Load())
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency exceeded: %d", peak.Load())
	}
	if recv.maxSeen > 2 {
		t.Fatalf("receive asked for %d messages with 2 slots", recv.maxSeen)
	}
}

func TestPoolReportsReceiveErrors(t *testing.T) {
	old := retryDelay
	retryDelay = func(int) time.Duration { return time.Millisecond }
	defer func() { retryDelay = old }()

	recv := &fakeReceiver{failures: 2, pending: msgs(1)}
	opts := config.QueueOptions{Name: "orders", Concurrency: 1, BatchSize: 1, PollInterval: time.Millisecond}

	var mu sync.Mutex
	var errs []error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(recv, opts, func(ev *Event) {
		ev.Next()
		cancel()
	}, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	p.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, domain.ErrTransport) {
			t.Fatalf("error not tagged as transport: %v", err)
		}
	}
}

func TestEventNextOnce(t *testing.T) {
	released := 0
	ev := NewEvent("orders", queue.Message{ID: "m1"}, &fakeReceiver{}, func() { released++ })
	ev.Next()
	ev.Next()
	if released != 1 {
		t.Fatalf("slot released %d times", released)
	}
	if ev.NextCalls() != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", ev.NextCalls())
	}
	select {
	case <-ev.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestEventWrapsTransportErrors(t *testing.T) {
	ev := NewEvent("orders", queue.Message{ID: "m1"}, &fakeReceiver{}, nil)
	err := ev.Delete(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := ev.ExtendVisibility(context.Background(), time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
}

func TestBackoffExp(t *testing.T) {
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 7: 60 * time.Second, 100: 60 * time.Second}
	for in, want := range cases {
		if got := backoffExp(in); got != want {
			t.Fatalf("backoffExp(%d) = %v, want %v", in, got, want)
		}
	}
}
