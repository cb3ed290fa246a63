// Package roster holds the last-known panel roster and refreshes it on a
// periodic poll, surfacing a panel_loaded flag when the last fetch failed.
package roster

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one user's declared device limit and metadata, as returned by
// the panel.
type Entry struct {
	Email       string
	DeviceLimit int
	TelegramID  string
	Description string
}

// Fetcher is implemented by the injected panel client. It is responsible
// for its own auth and header shaping; each call returns one page of at
// most size entries starting at start, and the Cache keeps paging until a
// short page marks the end of the roster.
type Fetcher interface {
	Fetch(ctx context.Context, start, size int) ([]Entry, error)
}

// Metrics is the optional hook for roster fetch failures. A nil Metrics is
// replaced by a no-op, same capability-interface shape as classifier.Metrics.
type Metrics interface {
	FetchFailure()
}

type noopMetrics struct{}

func (noopMetrics) FetchFailure() {}

// record pairs an entry with the generation of the last successful pull
// that returned it, so a pull that omits the entry can tell a first miss
// (still within its grace generation) from a second consecutive one.
type record struct {
	entry       Entry
	lastSeenGen int64
}

type snapshot struct {
	entries map[string]record
	loaded  bool
	gen     int64
}

// Cache holds the last-known roster and refreshes it on a timer.
type Cache struct {
	fetcher   Fetcher
	pageSize  int
	interval  time.Duration
	timeout   time.Duration
	whitelist map[string]struct{}

	current    atomic.Pointer[snapshot]
	generation atomic.Int64
	metrics    Metrics
	log        zerolog.Logger
}

// New creates a Cache. The initial snapshot reports panel_loaded=false
// until the first successful fetch completes.
func New(fetcher Fetcher, pageSize int, interval, timeout time.Duration, whitelist []string, log zerolog.Logger) *Cache {
	wl := make(map[string]struct{}, len(whitelist))
	for _, e := range whitelist {
		wl[e] = struct{}{}
	}

	c := &Cache{
		fetcher:   fetcher,
		pageSize:  pageSize,
		interval:  interval,
		timeout:   timeout,
		whitelist: wl,
		metrics:   noopMetrics{},
		log:       log.With().Str("component", "roster").Logger(),
	}
	c.current.Store(&snapshot{entries: map[string]record{}, loaded: false})
	return c
}

// SetMetrics registers the fetch-failure metrics sink. Optional: a nil
// Metrics restores the no-op.
func (c *Cache) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// Start runs the poll loop until ctx is canceled, refreshing immediately
// on start and then on Cache's configured interval.
func (c *Cache) Start(ctx context.Context) {
	c.refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("roster cache stopped")
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Cache) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entries, err := c.fetchAll(fetchCtx)
	if err != nil {
		c.log.Warn().Err(err).Msg("roster fetch failed, retaining last snapshot")
		c.metrics.FetchFailure()
		prev := c.current.Load()
		c.current.Store(&snapshot{entries: prev.entries, loaded: false, gen: prev.gen})
		return
	}

	gen := c.generation.Add(1)
	prev := c.current.Load()

	merged := make(map[string]record, len(entries)+len(prev.entries))
	for _, e := range entries {
		merged[e.Email] = record{entry: e, lastSeenGen: gen}
	}
	for email, rec := range prev.entries {
		if _, ok := merged[email]; ok {
			continue
		}
		// Missing from this pull: an entry last seen in the immediately
		// preceding successful pull (gen-1) is kept one more generation —
		// marked stale but not deleted. An entry that already missed that
		// preceding pull is now missing from two consecutive successful
		// pulls and is dropped here.
		if rec.lastSeenGen >= gen-1 {
			merged[email] = rec
		}
	}

	c.current.Store(&snapshot{entries: merged, loaded: true, gen: gen})
	c.log.Debug().Int("count", len(merged)).Msg("roster refreshed")
}

func (c *Cache) fetchAll(ctx context.Context) ([]Entry, error) {
	var all []Entry
	start := 0
	for {
		page, err := c.fetcher.Fetch(ctx, start, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
		start += c.pageSize
	}
}

// Limit returns the device limit for a user and whether the roster knows
// about them. Unknown users must be treated by callers as unlimited.
func (c *Cache) Limit(email string) (int, bool) {
	snap := c.current.Load()
	rec, ok := snap.entries[email]
	if !ok {
		return 0, false
	}
	return rec.entry.DeviceLimit, true
}

// IsWhitelisted reports whether an email is in the configured allow set.
func (c *Cache) IsWhitelisted(email string) bool {
	_, ok := c.whitelist[email]
	return ok
}

// Loaded reports whether the last poll succeeded (panel_loaded).
func (c *Cache) Loaded() bool {
	return c.current.Load().loaded
}

// Get returns a roster entry by email, if known.
func (c *Cache) Get(email string) (Entry, bool) {
	snap := c.current.Load()
	rec, ok := snap.entries[email]
	return rec.entry, ok
}

// Size returns the number of entries in the current snapshot.
func (c *Cache) Size() int {
	return len(c.current.Load().entries)
}
