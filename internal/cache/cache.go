// Package cache implements a revalidating, singleflight-deduplicated cache of
// decoded artifacts held under a byte budget.
//
// Every Get revalidates against the blob store: a cached entry's validator is
// sent as a precondition and a not-modified answer confirms it. Concurrent Gets
// for one key share a single backend round trip. The cache is generic over the
// decoded value; callers specialise it with a DecodeFunc.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/blobstore"
	"github.com/seantiz/kiln/internal/metrics"
)

// DefaultBudget is the byte budget used when Options.Budget is not positive.
const DefaultBudget int64 = 256 << 20

// DecodeFunc turns fetched bytes into a value and reports the size charged
// against the budget.
type DecodeFunc[T any] func(ctx context.Context, id string, body []byte) (T, int64, error)

// Options configures a Cache of T.
type Options[T any] struct {
	// Budget is the maximum sum of entry sizes kept after an insert.
	Budget int64

	// Prefix is prepended to every id to form the storage key.
	Prefix string

	// FetchTimeout bounds one backend round trip plus decode. Zero means no
	// bound beyond the caller's.
	FetchTimeout time.Duration

	// OnEvict, if set, receives each value the cache lets go of, including
	// ones replaced by a newer version or dropped when revalidation fails. It
	// runs without the cache lock held. A value handed to a caller by the
	// same Get that evicted it is not passed to OnEvict.
	OnEvict func(key string, value T)
}

type entry[T any] struct {
	key       string
	value     T
	size      int64
	validator string
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Budget  int64 `json:"budget"`
}

// Cache is a revalidating cache of decoded values. It is safe for concurrent
// use.
type Cache[T any] struct {
	store  blobstore.Store
	decode DecodeFunc[T]
	opts   Options[T]
	sink   metrics.Sink
	logger *slog.Logger

	group singleflight.Group

	// mu guards order, index and bytes. It is never held across a backend
	// call or a decode.
	mu    sync.Mutex
	order *list.List // of *entry[T], front is most recently touched
	index map[string]*list.Element
	bytes int64
}

// New creates a cache backed by store.
func New[T any](store blobstore.Store, decode DecodeFunc[T], opts Options[T], sink metrics.Sink, logger *slog.Logger) *Cache[T] {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if sink == nil {
		sink = metrics.Discard{}
	}
	return &Cache[T]{
		store:  store,
		decode: decode,
		opts:   opts,
		sink:   sink,
		logger: logger,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
}

// Get returns the decoded value for id, fetching or revalidating it first.
// If another Get for the same id is in flight, Get waits for its outcome
// instead of issuing a second fetch. The fetch itself is detached from ctx so
// that one caller giving up does not fail the others; ctx only bounds how long
// this caller waits.
func (c *Cache[T]) Get(ctx context.Context, id string) (T, error) {
	key := c.opts.Prefix + id
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("artifact fetch panicked", "code_id", id, "panic", fmt.Sprint(r))
				c.sink.Emit(metrics.Event{Kind: metrics.KindCacheError, CodeID: id, Cause: "panic"})
				v, err = nil, ErrLeaderFailed
			}
		}()
		return c.load(fetchCtx, id, key)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// load runs as the singleflight leader for key.
func (c *Cache[T]) load(ctx context.Context, id, key string) (T, error) {
	var zero T

	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	// The cached entry leaves the eviction order before it is revalidated. It
	// only comes back on not-modified; a decode failure of a replacement body
	// therefore drops it.
	c.mu.Lock()
	prev := c.detach(key)
	c.mu.Unlock()

	var validator string
	if prev != nil {
		validator = prev.validator
	}

	res := c.store.Get(ctx, key, validator)
	switch res.Outcome {
	case blobstore.Fetched:
		v, size, err := c.decode(ctx, id, res.Body)
		if err != nil {
			c.sink.Emit(metrics.Event{Kind: metrics.KindCacheError, CodeID: id, Cause: "convert"})
			if prev != nil {
				c.logger.Warn("revalidated artifact failed to decode, dropping cached entry",
					"code_id", id, "error", err)
				c.release(prev)
			}
			return zero, &ConvertError{ID: id, Err: err}
		}
		if prev != nil {
			c.release(prev)
		}
		c.insert(&entry[T]{key: key, value: v, size: size, validator: res.Validator})
		c.sink.Emit(metrics.Event{Kind: metrics.KindCacheMiss, CodeID: id})
		return v, nil

	case blobstore.NotModified:
		if prev == nil {
			c.sink.Emit(metrics.Event{Kind: metrics.KindCacheError, CodeID: id, Cause: "storage"})
			return zero, &StorageError{ID: id, Err: errUnexpectedNotModified}
		}
		c.insert(prev)
		c.sink.Emit(metrics.Event{Kind: metrics.KindCacheHit, CodeID: id})
		return prev.value, nil

	case blobstore.NotFound:
		c.sink.Emit(metrics.Event{Kind: metrics.KindCacheError, CodeID: id, Cause: "not_found"})
		if prev != nil {
			c.release(prev)
		}
		return zero, fmt.Errorf("artifact %q: %w", id, ErrNotFound)

	default:
		c.sink.Emit(metrics.Event{Kind: metrics.KindCacheError, CodeID: id, Cause: "storage"})
		if prev != nil {
			c.release(prev)
		}
		return zero, &StorageError{ID: id, Err: res.Err}
	}
}

// release hands a value that left the cache to OnEvict.
func (c *Cache[T]) release(e *entry[T]) {
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(e.key, e.value)
	}
}

// detach removes key from the eviction order and returns its entry, or nil.
// Caller must hold c.mu.
func (c *Cache[T]) detach(key string) *entry[T] {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	return c.remove(el)
}

// remove unlinks el. Caller must hold c.mu.
func (c *Cache[T]) remove(el *list.Element) *entry[T] {
	e := c.order.Remove(el).(*entry[T])
	delete(c.index, e.key)
	c.bytes -= e.size
	return e
}

// insert places e at the front and runs the eviction pass: walking from the
// front, the first entry that pushes the running total over budget is dropped
// together with everything behind it. Evicted entries other than e go to
// OnEvict once the lock is released.
func (c *Cache[T]) insert(e *entry[T]) {
	var evicted []*entry[T]

	c.mu.Lock()
	if old := c.detach(e.key); old != nil && old != e {
		evicted = append(evicted, old)
	}
	c.index[e.key] = c.order.PushFront(e)
	c.bytes += e.size

	var total int64
	for el := c.order.Front(); el != nil; el = el.Next() {
		total += el.Value.(*entry[T]).size
		if total <= c.opts.Budget {
			continue
		}
		for el != nil {
			next := el.Next()
			if gone := c.remove(el); gone != e {
				evicted = append(evicted, gone)
			}
			el = next
		}
		c.logger.Debug("template cache eviction", "evicted", len(evicted), "bytes", c.bytes, "budget", c.opts.Budget)
		break
	}
	c.mu.Unlock()

	for _, gone := range evicted {
		c.release(gone)
	}
}

// Keys returns the cached storage keys, most recently touched first.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[T]).key)
	}
	return keys
}

// Stats returns the current entry count and byte usage.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: c.order.Len(),
		Bytes:   c.bytes,
		Budget:  c.opts.Budget,
	}
}
