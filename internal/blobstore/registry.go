package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Opener constructs a Store from a URL.
type Opener func(ctx context.Context, rawURL string) (Store, error)

// Registry maps URL schemes to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		openers: make(map[string]Opener),
	}
}

// DefaultRegistry returns a registry with the built-in adapters registered:
// mem, http, https, redis and rediss.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("mem", func(context.Context, string) (Store, error) {
		return NewMemoryStore(), nil
	})
	openHTTP := func(_ context.Context, rawURL string) (Store, error) {
		return NewHTTPStore(rawURL, nil)
	}
	r.Register("http", openHTTP)
	r.Register("https", openHTTP)
	openRedis := func(ctx context.Context, rawURL string) (Store, error) {
		return DialRedisStore(ctx, rawURL)
	}
	r.Register("redis", openRedis)
	r.Register("rediss", openRedis)
	return r
}

// Register adds an opener for scheme, replacing any existing one.
func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = o
}

// Open resolves the opener for rawURL's scheme and calls it.
func (r *Registry) Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}

	r.mu.RLock()
	o, ok := r.openers[u.Scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("blob store scheme %q is not registered", u.Scheme)
	}
	s, err := o(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", u.Scheme, err)
	}
	return s, nil
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.openers))
	for s := range r.openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
