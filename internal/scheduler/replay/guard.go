package replay

import (
	"context"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
)

// Guard remembers delivered (id, processedAt) pairs.
//
// CheckAndRecord reports whether the pair is new and records it in the same
// atomic step, so two concurrent deliveries can never both see true.
type Guard interface {
	CheckAndRecord(ctx context.Context, id, processedAt string) (bool, error)
}

// Options are shared by every Guard implementation
type Options struct {
	TTL    time.Duration
	Prefix string
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = domain.ReplayTTL
	}
	if o.Prefix == "" {
		o.Prefix = domain.ReplayKeyPrefix
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Key returns the record key for a delivery
func Key(prefix, id, processedAt string) string {
	return prefix + id + ":" + processedAt
}
