// Package cache holds generated responses keyed by exact prompt text. The
// in-memory layer lives for one process; an optional sqlite Store carries
// entries across runs.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached generation.
type Entry struct {
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
}

type Stats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Responses is a wallet-agnostic, read-through response cache. The first
// successful writer for a prompt wins; there is no eviction.
type Responses struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	group        singleflight.Group
	singleFlight bool
	backing      *Store
	logger       *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

type Option func(*Responses)

// WithSingleFlight collapses concurrent misses for the same prompt into one
// fill call.
func WithSingleFlight(enabled bool) Option {
	return func(r *Responses) { r.singleFlight = enabled }
}

// WithStore reads through to, and writes back into, a persistent store.
func WithStore(store *Store) Option {
	return func(r *Responses) { r.backing = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Responses) { r.logger = logger }
}

func NewResponses(opts ...Option) *Responses {
	r := &Responses{entries: map[string]Entry{}, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a cached entry without filling on miss.
func (r *Responses) Get(prompt string) (Entry, bool) {
	entry, ok := r.lookup(prompt)
	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return entry, ok
}

// Put stores entry unless one already exists, and reports whether it was
// stored.
func (r *Responses) Put(prompt string, entry Entry) bool {
	r.mu.Lock()
	if _, exists := r.entries[prompt]; exists {
		r.mu.Unlock()
		return false
	}
	r.entries[prompt] = entry
	r.mu.Unlock()

	if r.backing != nil {
		if err := r.backing.Put(prompt, entry); err != nil {
			r.logger.Warn("persist cached response failed", "error", err)
		}
	}
	return true
}

// GetOrFill returns the cached entry for prompt or calls fill to produce it.
// hit is false only for the caller whose fill produced the entry. fill
// errors are not cached.
func (r *Responses) GetOrFill(ctx context.Context, prompt string, fill func(context.Context) (Entry, error)) (entry Entry, hit bool, err error) {
	if entry, ok := r.Get(prompt); ok {
		return entry, true, nil
	}
	if !r.singleFlight {
		entry, err := fill(ctx)
		if err != nil {
			return Entry{}, false, err
		}
		if !r.Put(prompt, entry) {
			// Another caller finished first; its entry wins.
			if winner, ok := r.lookup(prompt); ok {
				return winner, false, nil
			}
		}
		return entry, false, nil
	}

	filled := false
	v, err, _ := r.group.Do(prompt, func() (any, error) {
		if existing, ok := r.lookup(prompt); ok {
			return existing, nil
		}
		entry, err := fill(ctx)
		if err != nil {
			return Entry{}, err
		}
		filled = true
		r.Put(prompt, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), !filled, nil
}

func (r *Responses) Stats() Stats {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return Stats{Entries: int64(n), Hits: r.hits.Load(), Misses: r.misses.Load()}
}

func (r *Responses) lookup(prompt string) (Entry, bool) {
	r.mu.RLock()
	entry, ok := r.entries[prompt]
	r.mu.RUnlock()
	if ok || r.backing == nil {
		return entry, ok
	}

	entry, ok, err := r.backing.Get(prompt)
	if err != nil {
		r.logger.Warn("read persistent cache failed", "error", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	r.mu.Lock()
	if existing, exists := r.entries[prompt]; exists {
		entry = existing
	} else {
		r.entries[prompt] = entry
	}
	r.mu.Unlock()
	return entry, true
}
