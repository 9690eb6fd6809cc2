// Package directory caches the member contact directory sourced from
// the external CRM, falling back to the local store when the CRM is
// unreachable.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// Source lists every contact from the system of record (the CRM).
type Source interface {
	ListAllContacts(ctx context.Context) ([]*models.Contact, error)
}

// Fallback is the local copy used when the source is unreachable, kept
// warm by write-through on every successful source fetch.
type Fallback interface {
	ListContacts(ctx context.Context) ([]*models.Contact, error)
	SaveContacts(ctx context.Context, contacts []*models.Contact) error
}

// snapshot is an immutable view of the directory. Readers get whatever
// snapshot is current; refresh builds a new one and swaps the pointer,
// so no lock is ever held across a network call or during reads.
type snapshot struct {
	contacts  []*models.Contact
	bySurname map[string][]*models.Contact
	fetchedAt time.Time
}

// Cache is the time-bounded contact directory.
type Cache struct {
	source   Source
	fallback Fallback
	ttl      time.Duration
	log      *slog.Logger

	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes refreshes only
}

// New builds a cache. The first Get triggers the initial fetch.
func New(source Source, fallback Fallback, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{source: source, fallback: fallback, ttl: ttl, log: log}
}

// Get returns the current contact set, refreshing first when the
// snapshot is missing or older than the TTL. Concurrent readers are
// never blocked by an in-flight refresh; they see the previous
// snapshot until the swap.
func (c *Cache) Get(ctx context.Context) ([]*models.Contact, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.contacts, nil
}

// BySurname narrows candidates using the surname index before full
// scoring. Hyphenated surnames are indexed under each part.
func (c *Cache) BySurname(ctx context.Context, surname string) ([]*models.Contact, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.bySurname[normalizeSurname(surname)], nil
}

// current returns a usable snapshot, refreshing when the loaded one is
// missing or expired. The returned snapshot is the one this caller
// observed or built; the shared pointer is never re-loaded afterward,
// so a concurrent Invalidate cannot hand a reader nil.
func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	snap := c.snap.Load()
	if snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap, nil
	}
	fresh, err := c.refresh(ctx)
	if err != nil {
		// A stale snapshot beats no answer.
		if snap != nil {
			c.log.Warn("serving stale directory snapshot", "age", time.Since(snap.fetchedAt), "error", err)
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh invalidates and rebuilds the snapshot. Only one refresh runs
// at a time; a caller that lost the race reuses the winner's result.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

func (c *Cache) refresh(ctx context.Context) (*snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snap := c.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap, nil
	}

	contacts, err := c.source.ListAllContacts(ctx)
	if err != nil {
		c.log.Warn("CRM contact fetch failed, using local fallback", "error", err)
		contacts, err = c.fallback.ListContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("directory refresh: CRM and fallback both failed: %w", err)
		}
	} else if saveErr := c.fallback.SaveContacts(ctx, contacts); saveErr != nil {
		c.log.Warn("failed to warm fallback store", "error", saveErr)
	}

	snap := buildSnapshot(contacts)
	c.snap.Store(snap)
	c.log.Info("directory refreshed", "contacts", len(contacts))
	return snap, nil
}

// Invalidate drops the snapshot so the next Get rebuilds it.
func (c *Cache) Invalidate() {
	c.snap.Store(nil)
}

func buildSnapshot(contacts []*models.Contact) *snapshot {
	bySurname := make(map[string][]*models.Contact)
	for _, contact := range contacts {
		for _, key := range surnameKeys(contact.LastName) {
			bySurname[key] = append(bySurname[key], contact)
		}
	}
	return &snapshot{
		contacts:  contacts,
		bySurname: bySurname,
		fetchedAt: time.Now(),
	}
}

func surnameKeys(surname string) []string {
	norm := normalizeSurname(surname)
	if norm == "" {
		return nil
	}
	keys := []string{norm}
	if strings.Contains(norm, "-") {
		for _, part := range strings.Split(norm, "-") {
			if part != "" {
				keys = append(keys, part)
			}
		}
	}
	return keys
}

func normalizeSurname(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
