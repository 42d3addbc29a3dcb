// Package sessioncache holds the last resolved identity for one client or
// session, with a fixed freshness window and sequence-checked writes.
package sessioncache

import (
	"context"
	"time"

	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/pkg/logger"
)

// FreshnessWindow is how long a resolution may be reused
const FreshnessWindow = 5 * time.Minute

// Entry is a cached resolution. A nil User means the caller resolved to
// signed-out, which is distinct from having no entry at all.
type Entry struct {
	User             *domain.AuthenticatedUser `json:"user"`
	ResolvedAtMillis int64                     `json:"resolvedAtMillis"`
	Seq              uint64                    `json:"seq"`
}

// Fresh reports whether e is no older than the freshness window at now
func (e *Entry) Fresh(now time.Time) bool {
	return now.UnixMilli()-e.ResolvedAtMillis <= FreshnessWindow.Milliseconds()
}

// Store persists an entry together with the sequence bookkeeping that orders
// writes. Implementations must make Apply atomic.
type Store interface {
	// Load returns the stored entry, or nil when there is none
	Load(ctx context.Context) (*Entry, error)
	// NextSeq hands out a number greater than any handed out before
	NextSeq(ctx context.Context) (uint64, error)
	// Apply stores entry, or deletes the stored entry when entry is nil,
	// only if seq is greater than every seq applied so far
	Apply(ctx context.Context, seq uint64, entry *Entry) (bool, error)
}

// Ticket reserves a position in the write order before a resolution starts
type Ticket struct {
	Seq uint64
}

// Cache is the Session Cache
type Cache struct {
	store  Store
	now    func() time.Time
	logger *logger.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over store
func New(store Store, log *logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read returns the entry if present and fresh. Store errors read as a miss.
func (c *Cache) Read(ctx context.Context) *Entry {
	entry, err := c.store.Load(ctx)
	switch {
	case err != nil:
		c.logger.WithError(err).Warn("Session cache read failed")
		metrics.SessionCacheReads.WithLabelValues("error").Inc()
		return nil
	case entry == nil:
		metrics.SessionCacheReads.WithLabelValues("miss").Inc()
		return nil
	case !entry.Fresh(c.now()):
		metrics.SessionCacheReads.WithLabelValues("stale").Inc()
		return nil
	}
	metrics.SessionCacheReads.WithLabelValues("hit").Inc()
	return entry
}

// Begin reserves a ticket. Take it before starting the resolution whose
// result will be committed, so anything that happens meanwhile wins.
func (c *Cache) Begin(ctx context.Context) (Ticket, error) {
	seq, err := c.store.NextSeq(ctx)
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{Seq: seq}, nil
}

// Commit stores user under t. It is a no-op, reporting false, when a write
// or clear with a later ticket has already been applied.
func (c *Cache) Commit(ctx context.Context, t Ticket, user *domain.AuthenticatedUser) (bool, error) {
	entry := &Entry{
		User:             user,
		ResolvedAtMillis: c.now().UnixMilli(),
		Seq:              t.Seq,
	}
	applied, err := c.store.Apply(ctx, t.Seq, entry)
	if err != nil {
		return false, err
	}
	if !applied {
		c.logger.WithField("seq", t.Seq).Debug("Discarded superseded session cache write")
	}
	return applied, nil
}

// Write stores user as the current resolution
func (c *Cache) Write(ctx context.Context, user *domain.AuthenticatedUser) error {
	t, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = c.Commit(ctx, t, user)
	return err
}

// Clear removes the entry and supersedes every outstanding ticket
func (c *Cache) Clear(ctx context.Context) error {
	seq, err := c.store.NextSeq(ctx)
	if err != nil {
		return err
	}
	_, err = c.store.Apply(ctx, seq, nil)
	return err
}
