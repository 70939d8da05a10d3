package domain

import "time"

// WatchRecord describes one watchable queue as persisted in the registry.
type WatchRecord struct {
	ID          string
	QueueName   string
	Enabled     bool
	AutoConfirm bool
	Extra       map[string]any
	CreatedAt   time.Time
}

// Reserved Extra keys. AutoConfirmKey is lifted into WatchRecord.AutoConfirm
// on insert; the others override process-wide queue defaults.
const (
	AutoConfirmKey       = "autoConfirm"
	ConcurrencyKey       = "concurrency"
	BatchSizeKey         = "batchSize"
	VisibilityTimeoutKey = "visibilityTimeout" // seconds
)

// IntExtra reads a numeric Extra value regardless of how the backing store
// decoded it.
func (r WatchRecord) IntExtra(key string) (int, bool) {
	v, ok := r.Extra[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
