package watch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"queuewatch/internal/domain"
	"queuewatch/internal/queue"
	"queuewatch/internal/registry"
	"queuewatch/internal/worker"
)

var _ registry.Registry = (*memRegistry)(nil)

type memRegistry struct {
	mu       sync.Mutex
	records  []domain.WatchRecord
	queryErr error
	next     int
}

func newMemRegistry() *memRegistry { return &memRegistry{} }

func (m *memRegistry) QueryEnabled(ctx context.Context) ([]domain.WatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, m.queryErr)
	}
	var out []domain.WatchRecord
	for _, r := range m.records {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRegistry) Insert(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error) {
	if queueName == "" {
		return "", domain.ErrInvalidQueueName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("qw_%d", m.next)
	m.records = append(m.records, domain.WatchRecord{ID: id, QueueName: queueName, Enabled: enabled, Extra: extra})
	return id, nil
}

func (m *memRegistry) Exists(ctx context.Context, queueName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.QueueName == queueName {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Enabled = enabled
			return nil
		}
	}
	return registry.ErrNotFound
}

func noopHandler(ctx context.Context, err error, rec *domain.WatchRecord, ev *worker.Event, done func(error)) {
	if err == nil {
		done(nil)
	}
}

func equalNames(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestReconcileBeforeStart(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)
	if err := o.Reconcile(context.Background()); !errors.Is(err, domain.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestStartWithNoRecords(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)
	if err := o.Start(context.Background(), noopHandler); err != nil {
		t.Fatalf("empty registry is not an error: %v", err)
	}
	defer o.Stop()
	if len(o.Watched()) != 0 {
		t.Fatalf("expected no watches")
	}
}

func TestStartRegistryUnavailable(t *testing.T) {
	reg := newMemRegistry()
	reg.queryErr = errors.New("table missing")
	o, err := New(testConfig(), reg, &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = o.Start(context.Background(), noopHandler)
	if !errors.Is(err, domain.ErrRegistryUnavailable) {
		t.Fatalf("expected registry unavailable, got %v", err)
	}
	defer o.Stop()
	if len(o.Watched()) != 0 {
		t.Fatalf("no watches expected")
	}

	// the registry recovers and a resync picks the queues up
	reg.mu.Lock()
	reg.queryErr = nil
	reg.mu.Unlock()
	_, _ = reg.Insert(context.Background(), "orders", nil, true)
	if err := o.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !equalNames(o.Watched(), "orders") {
		t.Fatalf("watched: %v", o.Watched())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	reg := newMemRegistry()
	tr := &fakeTransport{}
	o, err := New(testConfig(), reg, tr, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	ordersID, _ := reg.Insert(ctx, "orders", nil, true)
	_, _ = reg.Insert(ctx, "billing", map[string]any{"concurrency": 3}, true)
	_, _ = reg.Insert(ctx, "paused", nil, false)

	if err := o.Start(ctx, noopHandler); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()
	if !equalNames(o.Watched(), "billing", "orders") {
		t.Fatalf("watched: %v", o.Watched())
	}
	o.mu.RLock()
	first := o.watches["orders"]
	billingOpts := o.watches["billing"].opts
	o.mu.RUnlock()
	if billingOpts.Concurrency != 3 {
		t.Fatalf("per-queue concurrency not applied: %+v", billingOpts)
	}

	if err := o.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o.mu.RLock()
	second := o.watches["orders"]
	o.mu.RUnlock()
	if first != second {
		t.Fatalf("reconcile restarted an unchanged watch")
	}

	if err := reg.SetEnabled(ctx, ordersID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !equalNames(o.Watched(), "billing") {
		t.Fatalf("watched after disable: %v", o.Watched())
	}
	tr.mu.Lock()
	closed := tr.receivers["orders"].closed
	tr.mu.Unlock()
	if !closed {
		t.Fatalf("receiver of a stopped watch should be closed")
	}
}

func TestReconcileReportsOpenErrors(t *testing.T) {
	reg := newMemRegistry()
	_, _ = reg.Insert(context.Background(), "orders", nil, true)
	o, err := New(testConfig(), reg, &fakeTransport{openErr: errors.New("queue does not exist")}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = o.Start(context.Background(), noopHandler)
	defer o.Stop()
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(o.Watched()) != 0 {
		t.Fatalf("no watch expected")
	}
}

func TestUnwatchAndStop(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	_, _ = reg.Insert(ctx, "orders", nil, true)
	_, _ = reg.Insert(ctx, "billing", nil, true)
	o, _ := New(testConfig(), reg, &fakeTransport{}, nil)
	if err := o.Start(ctx, noopHandler); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !o.Unwatch("orders") {
		t.Fatalf("orders should have been watched")
	}
	if o.Unwatch("orders") {
		t.Fatalf("second unwatch should report false")
	}
	if !equalNames(o.Watched(), "billing") {
		t.Fatalf("watched: %v", o.Watched())
	}
	o.Stop()
	if len(o.Watched()) != 0 {
		t.Fatalf("stop should clear every watch")
	}
	if err := o.Reconcile(ctx); !errors.Is(err, domain.ErrNotStarted) {
		t.Fatalf("reconcile after stop: %v", err)
	}
}

func TestAddWatch(t *testing.T) {
	reg := newMemRegistry()
	o, _ := New(testConfig(), reg, &fakeTransport{}, nil)
	id, err := o.AddWatch(context.Background(), "orders-queue", map[string]any{"team": "payments"}, true)
	if err != nil || id == "" {
		t.Fatalf("add watch: %q %v", id, err)
	}
	if _, err := o.AddWatch(context.Background(), "", nil, true); !errors.Is(err, domain.ErrInvalidQueueName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if ok, _ := reg.Exists(context.Background(), "orders-queue"); !ok {
		t.Fatalf("record not stored")
	}
}

func TestWatchDeliversThroughPool(t *testing.T) {
	reg := newMemRegistry()
	tr := &fakeTransport{}
	ctx := context.Background()
	_, _ = reg.Insert(ctx, "orders", nil, true)
	o, _ := New(testConfig(), reg, tr, nil)

	got := make(chan string, 1)
	err := o.Start(ctx, Simple(func(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error {
		got <- string(ev.Body())
		return nil
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	tr.mu.Lock()
	recv := tr.receivers["orders"]
	tr.mu.Unlock()
	recv.deliveries <- queue.Message{ID: "m-1", ReceiptHandle: "rh", Body: []byte("hello")}

	select {
	case body := <-got:
		if body != "hello" {
			t.Fatalf("body: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(recv.deletedIDs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message not deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEndWithSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "qw.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	cfg := testConfig()
	if err := registry.EnsureSchema(db, cfg.TableName); err != nil {
		t.Fatalf("registry schema: %v", err)
	}
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("queue schema: %v", err)
	}
	reg := registry.NewSQLite(db, cfg.TableName)
	tr := queue.NewSQLiteTransport(db)
	c := newFakeConfirmer()
	o, err := New(cfg, reg, tr, c)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	if _, err := o.AddWatch(ctx, "orders-queue", map[string]any{"autoConfirm": true}, true); err != nil {
		t.Fatalf("add watch: %v", err)
	}
	if _, err := tr.Send(ctx, "orders-queue", []byte(handshakeBody)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := tr.Send(ctx, "orders-queue", []byte(notificationBody)); err != nil {
		t.Fatalf("send: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	err = o.Start(ctx, Simple(func(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error {
		if !rec.AutoConfirm {
			return errors.New("record should opt in to auto confirm")
		}
		mu.Lock()
		seen[string(ev.Body())] = true
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		n, err := tr.Depth(ctx, "orders-queue")
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained, %d left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !seen[handshakeBody] || !seen[notificationBody] {
		t.Fatalf("handler saw %v", seen)
	}
	if c.count() != 1 {
		t.Fatalf("expected one confirmation, got %d", c.count())
	}
	if s := o.Stats(); s.Deleted != 2 || s.Received != 2 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestReconcileKeepsOldestRecordForSharedQueue(t *testing.T) {
	reg := newMemRegistry()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// listed newest first, as an unordered index query may return them
	reg.records = []domain.WatchRecord{
		{ID: "qw_new", QueueName: "orders", Enabled: true, CreatedAt: base.Add(time.Hour)},
		{ID: "qw_old", QueueName: "orders", Enabled: true, CreatedAt: base},
	}
	o, err := New(testConfig(), reg, &fakeTransport{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background(), noopHandler); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.mu.RLock()
	w := o.watches["orders"]
	o.mu.RUnlock()
	if w == nil {
		t.Fatalf("orders should be watched: %v", o.Watched())
	}
	if id := w.record.Load().ID; id != "qw_old" {
		t.Fatalf("expected the oldest record to win, got %s", id)
	}
}
