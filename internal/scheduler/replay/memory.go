package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard keeps records in process memory. Use it for local development
// and single-instance deployments only.
type MemoryGuard struct {
	mu        sync.Mutex
	records   map[string]time.Time
	lastSweep time.Time
	opts      Options
}

// NewMemoryGuard creates a new MemoryGuard instance
func NewMemoryGuard(opts Options) *MemoryGuard {
	return &MemoryGuard{
		records: make(map[string]time.Time),
		opts:    opts.withDefaults(),
	}
}

func (g *MemoryGuard) CheckAndRecord(ctx context.Context, id, processedAt string) (bool, error) {
	key := Key(g.opts.Prefix, id, processedAt)
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiresAt, ok := g.records[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	g.records[key] = now.Add(g.opts.TTL)

	// expired records are dropped at most once per TTL
	if now.Sub(g.lastSweep) >= g.opts.TTL {
		g.sweep(now)
	}
	return true, nil
}

func (g *MemoryGuard) sweep(now time.Time) {
	for k, expiresAt := range g.records {
		if !now.Before(expiresAt) {
			delete(g.records, k)
		}
	}
	g.lastSweep = now
}
