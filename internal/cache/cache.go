// Package cache provides the bounded LRU stores for captured scripts and
// modernization results.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

// Store names used in metrics labels.
const (
	ScriptStore = "script"
	ModernStore = "modern"
	MemoStore   = "client_memo"
)

// ComputeFunc produces a value for a missing key. keep reports whether the
// value should be stored.
type ComputeFunc[V any] func(ctx context.Context) (v V, keep bool, err error)

// Store is an entry-count bounded LRU keyed by URL. Reads and writes both
// refresh recency.
type Store[V any] struct {
	name  string
	lru   *lru.Cache[string, V]
	group singleflight.Group
}

// New creates a Store holding at most size entries.
func New[V any](name string, size int) (*Store[V], error) {
	c, err := lru.NewWithEvict[string, V](size, func(string, V) {
		metrics.ObserveCacheEviction(name)
	})
	if err != nil {
		return nil, fmt.Errorf("%s store: %w", name, err)
	}
	return &Store[V]{name: name, lru: c}, nil
}

// Get returns the value for key and whether it was present, in one step.
func (s *Store[V]) Get(key string) (V, bool) {
	v, ok := s.lru.Get(key)
	metrics.ObserveCacheLookup(s.name, ok)
	return v, ok
}

// Add stores v under key, replacing any previous value.
func (s *Store[V]) Add(key string, v V) {
	s.lru.Add(key, v)
}

// AddIfAbsent stores v unless key is already present. It reports whether v was
// stored.
func (s *Store[V]) AddIfAbsent(key string, v V) bool {
	found, _ := s.lru.ContainsOrAdd(key, v)
	return !found
}

// Len returns the number of stored entries.
func (s *Store[V]) Len() int {
	return s.lru.Len()
}

// GetOrCompute returns the cached value for key or runs fn once for all
// concurrent callers of the same key. The computation is detached from the
// first caller's cancellation so later waiters still receive a result; each
// caller stops waiting when its own ctx is done.
func (s *Store[V]) GetOrCompute(ctx context.Context, key string, fn ComputeFunc[V]) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if v, ok := s.lru.Get(key); ok {
			return v, nil
		}
		v, keep, err := fn(detached)
		if err != nil {
			return nil, err
		}
		if keep {
			s.lru.Add(key, v)
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}
