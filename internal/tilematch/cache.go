package tilematch

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"

	"dimatch/internal/metrics"
)

type entry[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Cache memoizes one result per key. The first caller of a key computes it;
// concurrent callers of the same key wait for that result instead of
// computing their own. Errors are cached like values, except cancellation,
// which leaves the key free for a later caller.
type Cache[V any] struct {
	entries *xsync.MapOf[string, *entry[V]]
}

// NewCache returns an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{entries: xsync.NewMapOf[string, *entry[V]]()}
}

// Get returns the value for key, running compute if no caller has done so.
// No lock is held while compute runs.
func (c *Cache[V]) Get(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	var fresh *entry[V]
	for {
		fresh = &entry[V]{done: make(chan struct{})}
		e, loaded := c.entries.LoadOrStore(key, fresh)
		if !loaded {
			break
		}
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		select {
		case <-e.done:
			// the computing caller was cancelled; compute again under our context
			if cancelled(e.err) && ctx.Err() == nil {
				continue
			}
			return e.val, e.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	fresh.val, fresh.err = compute(ctx)
	if cancelled(fresh.err) {
		c.entries.Delete(key)
	}
	close(fresh.done)
	return fresh.val, fresh.err
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Len reports the number of cached or in-flight keys.
func (c *Cache[V]) Len() int {
	return c.entries.Size()
}
