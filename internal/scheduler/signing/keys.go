package signing

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
)

// KeySet is an ordered, de-duplicated list of candidate secrets.
// The primary key comes first, then each connection key in configured order.
type KeySet []string

// NewKeySet drops blank and repeated keys while keeping their order
func NewKeySet(keys ...string) KeySet {
	set := make(KeySet, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		set = append(set, key)
	}
	return set
}

// KeySource loads the candidate keys. It is consulted on every verification
// so that rotated keys take effect without a restart.
type KeySource interface {
	Keys(ctx context.Context) (KeySet, error)
}

// KeySourceFunc adapts a function returning raw keys into a KeySource
type KeySourceFunc func(ctx context.Context) ([]string, error)

func (f KeySourceFunc) Keys(ctx context.Context) (KeySet, error) {
	keys, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	return nonEmpty(NewKeySet(keys...))
}

// StaticKeys is a fixed KeySource
type StaticKeys []string

func (s StaticKeys) Keys(ctx context.Context) (KeySet, error) {
	return nonEmpty(NewKeySet(s...))
}

func nonEmpty(keys KeySet) (KeySet, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: need to have at least one possible key to validate against", domain.ErrConfiguration)
	}
	return keys, nil
}
