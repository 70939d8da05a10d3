// Package worker polls a queue receiver and hands each message to the
// watcher as an Event, bounded by the queue's concurrency.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"queuewatch/internal/config"
	"queuewatch/internal/domain"
	"queuewatch/internal/queue"
)

// Event is a single in-flight message. The consumer must call Next exactly
// once when it is finished with the message; that releases the pool slot.
type Event struct {
	queueName string
	msg       queue.Message
	recv      queue.Receiver
	received  time.Time

	once   sync.Once
	calls  atomic.Int32
	done   chan struct{}
	onNext func()
}

func NewEvent(queueName string, msg queue.Message, recv queue.Receiver, onNext func()) *Event {
	return &Event{
		queueName: queueName,
		msg:       msg,
		recv:      recv,
		received:  time.Now(),
		done:      make(chan struct{}),
		onNext:    onNext,
	}
}

func (e *Event) Queue() string          { return e.queueName }
func (e *Event) Message() queue.Message { return e.msg }
func (e *Event) Body() []byte           { return e.msg.Body }
func (e *Event) ReceivedAt() time.Time  { return e.received }

// ExtendVisibility hides the message from other consumers for d from now.
func (e *Event) ExtendVisibility(ctx context.Context, d time.Duration) error {
	if err := e.recv.ChangeVisibility(ctx, e.msg, d); err != nil {
		return fmt.Errorf("%w: change visibility of %s on %s: %v", domain.ErrTransport, e.msg.ID, e.queueName, err)
	}
	return nil
}

// Delete acknowledges the message so it is never redelivered.
func (e *Event) Delete(ctx context.Context) error {
	if err := e.recv.Delete(ctx, e.msg); err != nil {
		return fmt.Errorf("%w: delete %s from %s: %v", domain.ErrTransport, e.msg.ID, e.queueName, err)
	}
	return nil
}

// Next signals the poller to move on. Only the first call has an effect.
func (e *Event) Next() {
	e.calls.Add(1)
	e.once.Do(func() {
		close(e.done)
		if e.onNext != nil {
			e.onNext()
		}
	})
}

// NextCalls reports how many times Next was called.
func (e *Event) NextCalls() int { return int(e.calls.Load()) }

// Done is closed after the first Next.
func (e *Event) Done() <-chan struct{} { return e.done }

// retryDelay is swapped out in tests.
var retryDelay = backoffExp

type Pool struct {
	recv      queue.Receiver
	opts      config.QueueOptions
	onMessage func(*Event)
	onError   func(error)
	sem       chan struct{}
	wg        sync.WaitGroup
}

func NewPool(recv queue.Receiver, opts config.QueueOptions, onMessage func(*Event), onError func(error)) *Pool {
	size := opts.Concurrency
	if size < 1 {
		size = 1
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Pool{recv: recv, opts: opts, onMessage: onMessage, onError: onError, sem: make(chan struct{}, size)}
}

// Run polls until ctx is cancelled, then waits for dispatched events to
// return from onMessage.
func (p *Pool) Run(ctx context.Context) {
	defer p.wg.Wait()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case p.sem <- struct{}{}:
		}
		// one slot is held; take as many more as are free, up to the batch size
		held := 1
		for held < p.batch() {
			select {
			case p.sem <- struct{}{}:
				held++
				continue
			default:
			}
			break
		}

		msgs, err := p.recv.Receive(ctx, held)
		if ctx.Err() != nil {
			p.release(held)
			return
		}
		if err != nil {
			p.release(held)
			failures++
			p.onError(fmt.Errorf("%w: receive from %s: %v", domain.ErrTransport, p.opts.Name, err))
			if !sleep(ctx, retryDelay(failures)) {
				return
			}
			continue
		}
		failures = 0
		if len(msgs) > held {
			msgs = msgs[:held]
		}
		p.release(held - len(msgs))
		for _, m := range msgs {
			ev := NewEvent(p.opts.Name, m, p.recv, func() { <-p.sem })
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.onMessage(ev)
			}()
		}
		if len(msgs) == 0 && !sleep(ctx, p.opts.PollInterval) {
			return
		}
	}
}

// InFlight is the number of events that have not called Next yet.
func (p *Pool) InFlight() int { return len(p.sem) }

func (p *Pool) batch() int {
	b := p.opts.BatchSize
	if b < 1 {
		b = 1
	}
	if b > cap(p.sem) {
		b = cap(p.sem)
	}
	return b
}

func (p *Pool) release(n int) {
	for i := 0; i < n; i++ {
		<-p.sem
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
