// Package queue adapts message transports to the receive / change-visibility
// / delete primitives the watcher consumes.
package queue

import (
	"context"
	"errors"
	"time"

	"queuewatch/internal/config"
)

// ErrReceiptNotFound means the message was already deleted or its visibility
// lapsed and another receive took it over.
var ErrReceiptNotFound = errors.New("receipt handle not found")

// Message is one delivery from a queue.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	Attributes    map[string]string
	// ReceiveCount is zero when the transport does not report it.
	ReceiveCount int
}

// Receiver is an open handle on a single named queue.
type Receiver interface {
	// Receive returns up to max messages; an empty slice means none were ready.
	// Messages returned with a non-nil error are discarded by callers.
	Receive(ctx context.Context, max int) ([]Message, error)
	// ChangeVisibility hides an in-flight message for d from now.
	ChangeVisibility(ctx context.Context, m Message, d time.Duration) error
	// Delete permanently removes an in-flight message.
	Delete(ctx context.Context, m Message) error
	Close() error
}

// Transport opens receivers by queue name.
type Transport interface {
	Open(ctx context.Context, opts config.QueueOptions) (Receiver, error)
}

// Sender publishes raw message bodies; implemented by every transport here.
type Sender interface {
	Send(ctx context.Context, queueName string, body []byte) (string, error)
}
