// Package watch reconciles the registry into running queue watches and runs
// every received message through the processing state machine.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"queuewatch/internal/config"
	"queuewatch/internal/domain"
	"queuewatch/internal/queue"
	"queuewatch/internal/registry"
	"queuewatch/internal/worker"
)

// Handler receives each message. err is non-nil when the message could not
// be prepared for processing (rec is nil then and done is a no-op) or when
// processing panicked. Otherwise the handler must call done exactly once:
// done(nil) deletes the message, done(err) leaves it for redelivery. done may
// be called from any goroutine.
type Handler func(ctx context.Context, err error, rec *domain.WatchRecord, ev *worker.Event, done func(error))

// Simple adapts a synchronous function to a Handler. Preparation errors are
// dropped; they are already logged by the orchestrator.
func Simple(fn func(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error) Handler {
	return func(ctx context.Context, err error, rec *domain.WatchRecord, ev *worker.Event, done func(error)) {
		if err != nil {
			return
		}
		done(fn(ctx, rec, ev))
	}
}

// Confirmer performs the outbound subscription confirmation.
type Confirmer interface {
	Confirm(ctx context.Context, body []byte) ([]byte, error)
}

type queueWatch struct {
	name    string
	record  atomic.Pointer[domain.WatchRecord]
	opts    config.QueueOptions
	recv    queue.Receiver
	handler Handler
	pool    *worker.Pool

	cancel context.CancelFunc
	done   chan struct{}

	// pendingConfirms holds the SubscribeURLs being confirmed.
	pendingConfirms sync.Map
}

type Orchestrator struct {
	cfg       config.Config
	log       zerolog.Logger
	registry  registry.Registry
	transport queue.Transport
	confirmer Confirmer

	// reconcileMu serialises Reconcile so receivers can be opened without mu.
	reconcileMu sync.Mutex

	mu      sync.RWMutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
	watches map[string]*queueWatch

	confirmWG sync.WaitGroup
	stats     counters
}

// New builds an orchestrator. confirmer may be nil to disable subscription
// confirmation entirely.
func New(cfg config.Config, reg registry.Registry, transport queue.Transport, confirmer Confirmer) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if reg == nil || transport == nil {
		return nil, errors.New("registry and transport are required")
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       cfg.Logger,
		registry:  reg,
		transport: transport,
		confirmer: confirmer,
		watches:   map[string]*queueWatch{},
	}, nil
}

// Start loads the enabled records and begins watching their queues. Watches
// run until ctx is cancelled or Stop is called. A registry failure is logged
// and returned; the orchestrator stays started so a later Reconcile can
// recover.
func (o *Orchestrator) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.handler = handler
	o.started = true
	o.mu.Unlock()

	o.log.Info().Str("table", o.cfg.TableName).Msg("starting queue watches")
	return o.Reconcile(ctx)
}

// Reconcile makes the active watches match the enabled records: new queues
// are started, queues no longer enabled are stopped and the rest keep
// running with their record refreshed.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()
	if !started {
		return domain.ErrNotStarted
	}

	recs, err := o.registry.QueryEnabled(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("fetching watchable queues failed")
		return err
	}
	// oldest record wins a shared queue whatever order the registry returns
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	desired := make(map[string]domain.WatchRecord, len(recs))
	for _, rec := range recs {
		name := strings.TrimSpace(rec.QueueName)
		if name == "" {
			o.log.Warn().Str("id", rec.ID).Msg("skipping record without a queue name")
			continue
		}
		if _, dup := desired[name]; dup {
			o.log.Warn().Str("id", rec.ID).Str("queue", name).Msg("queue watched by more than one record; keeping the oldest")
			continue
		}
		rec.QueueName = name
		desired[name] = rec
	}
	o.log.Info().Int("enabled", len(desired)).Msg("fetched watchable queues")

	var stale []*queueWatch
	var added []domain.WatchRecord
	o.mu.Lock()
	for name, w := range o.watches {
		if _, ok := desired[name]; !ok {
			w.cancel()
			delete(o.watches, name)
			stale = append(stale, w)
		}
	}
	for name, rec := range desired {
		if w, ok := o.watches[name]; ok {
			r := rec
			w.record.Store(&r)
			continue
		}
		added = append(added, rec)
	}
	o.mu.Unlock()

	for _, w := range stale {
		o.finish(w)
		o.log.Info().Str("queue", w.name).Msg("stopped watching queue")
	}

	var errs []error
	for _, rec := range added {
		if err := o.watch(ctx, rec); err != nil {
			o.log.Error().Err(err).Str("queue", rec.QueueName).Msg("could not watch queue")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) watch(ctx context.Context, rec domain.WatchRecord) error {
	opts := o.cfg.Queue.For(rec)
	recv, err := o.transport.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrTransport, rec.QueueName, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		_ = recv.Close()
		return domain.ErrNotStarted
	}
	wctx, cancel := context.WithCancel(o.ctx)
	w := o.newQueueWatch(wctx, rec, opts, recv, o.handler)
	w.cancel = cancel
	o.watches[w.name] = w
	go func() {
		defer close(w.done)
		w.pool.Run(wctx)
	}()
	o.log.Info().
		Str("queue", w.name).
		Int("concurrency", opts.Concurrency).
		Int("batch_size", opts.BatchSize).
		Dur("visibility_timeout", opts.VisibilityTimeout).
		Msg("watching queue")
	return nil
}

func (o *Orchestrator) newQueueWatch(ctx context.Context, rec domain.WatchRecord, opts config.QueueOptions, recv queue.Receiver, handler Handler) *queueWatch {
	w := &queueWatch{
		name:    rec.QueueName,
		opts:    opts,
		recv:    recv,
		handler: handler,
		cancel:  func() {},
		done:    make(chan struct{}),
	}
	w.record.Store(&rec)
	w.pool = worker.NewPool(recv, opts, func(ev *worker.Event) {
		o.process(ctx, w, ev)
	}, func(err error) {
		o.stats.receiveErrors.Add(1)
		o.log.Error().Err(err).Str("queue", w.name).Msg("queue error")
	})
	return w
}

// finish waits for a cancelled watch to drain and releases its receiver.
func (o *Orchestrator) finish(w *queueWatch) {
	<-w.done
	if err := w.recv.Close(); err != nil {
		o.log.Warn().Err(err).Str("queue", w.name).Msg("closing receiver failed")
	}
}

// Unwatch stops the watch on one queue. It reports whether one was running.
// The record stays enabled, so the next Reconcile starts it again.
func (o *Orchestrator) Unwatch(queueName string) bool {
	o.mu.Lock()
	w, ok := o.watches[queueName]
	if ok {
		w.cancel()
		delete(o.watches, queueName)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.finish(w)
	o.log.Info().Str("queue", queueName).Msg("stopped watching queue")
	return true
}

// Watched returns the names of the queues currently being watched.
func (o *Orchestrator) Watched() []string {
	o.mu.RLock()
	names := make([]string, 0, len(o.watches))
	for name := range o.watches {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)
	return names
}

// AddWatch registers a queue. It does not start watching it; call Reconcile.
func (o *Orchestrator) AddWatch(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error) {
	id, err := o.registry.Insert(ctx, queueName, extra, enabled)
	if err != nil {
		o.log.Error().Err(err).Str("queue", queueName).Msg("adding a queue failed")
		return "", err
	}
	o.log.Info().Str("id", id).Str("queue", queueName).Bool("enabled", enabled).Msg("added queue to watch")
	return id, nil
}

// Stop cancels every watch and waits for in-flight messages and pending
// confirmations to settle. Start may be called again afterwards.
func (o *Orchestrator) Stop() {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.cancel()
	all := make([]*queueWatch, 0, len(o.watches))
	for name, w := range o.watches {
		all = append(all, w)
		delete(o.watches, name)
	}
	o.mu.Unlock()

	for _, w := range all {
		o.finish(w)
	}
	o.confirmWG.Wait()
	o.log.Info().Int("queues", len(all)).Msg("stopped all queue watches")
}
