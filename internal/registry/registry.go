// Package registry stores the set of queues the watcher may consume from.
package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"queuewatch/internal/domain"
)

// Registry is the durable store of WatchRecords.
type Registry interface {
	// QueryEnabled returns every record whose enabled flag is set.
	QueryEnabled(ctx context.Context) ([]domain.WatchRecord, error)
	// Insert persists a new record and returns its generated id.
	Insert(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error)
	// Exists reports whether any record watches queueName.
	Exists(ctx context.Context, queueName string) (bool, error)
	// SetEnabled flips the enabled flag of an existing record.
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// ErrNotFound is returned by SetEnabled for an unknown id.
var ErrNotFound = errors.New("watch record not found")

func newID() string { return "qw_" + uuid.NewString() }

func validQueueName(name string) bool { return strings.TrimSpace(name) != "" }

// newRecord builds the record Insert writes. The autoConfirm extra is lifted
// into the typed field; every other key passes through untouched.
func newRecord(queueName string, extra map[string]any, enabled bool) domain.WatchRecord {
	rec := domain.WatchRecord{
		ID:        newID(),
		QueueName: queueName,
		Enabled:   enabled,
		Extra:     map[string]any{},
	}
	for k, v := range extra {
		if k == domain.AutoConfirmKey {
			if b, ok := v.(bool); ok {
				rec.AutoConfirm = b
			}
			continue
		}
		rec.Extra[k] = v
	}
	return rec
}
