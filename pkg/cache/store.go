package cache

import (
	"context"
	"sync"
	"time"
)

// Store is the storage behind a Cache. Implementations are safe for
// concurrent use and atomic per fingerprint.
type Store interface {
	// Get returns the entry for fp, or nil when there is none. Expiry is not
	// checked.
	Get(ctx context.Context, fp string) (*Entry, error)

	// Put stores e unless an entry for the same fingerprint with a newer or
	// equal CreatedAt is already present. It reports whether e was stored.
	Put(ctx context.Context, e Entry) (bool, error)

	// DeleteIf removes the entry for fp only if its CreatedAt equals createdAt,
	// so a concurrent newer write survives.
	DeleteIf(ctx context.Context, fp string, createdAt time.Time) (bool, error)

	// DeleteExpired removes every entry with ExpiresAt before now and returns
	// how many it removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of stored entries, expired or not.
	Count(ctx context.Context) (int, error)

	Close() error
}

// MemoryStore is an in-process Store. Entries are immutable; every update
// swaps the pointer held for the fingerprint.
type MemoryStore struct {
	entries sync.Map // fingerprint -> *Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(ctx context.Context, fp string) (*Entry, error) {
	v, ok := m.entries.Load(fp)
	if !ok {
		return nil, nil
	}
	e := *v.(*Entry)
	return &e, nil
}

func (m *MemoryStore) Put(ctx context.Context, e Entry) (bool, error) {
	next := &e
	for {
		v, loaded := m.entries.LoadOrStore(e.Fingerprint, next)
		if !loaded {
			return true, nil
		}
		current := v.(*Entry)
		if !e.CreatedAt.After(current.CreatedAt) {
			return false, nil
		}
		if m.entries.CompareAndSwap(e.Fingerprint, current, next) {
			return true, nil
		}
	}
}

func (m *MemoryStore) DeleteIf(ctx context.Context, fp string, createdAt time.Time) (bool, error) {
	v, ok := m.entries.Load(fp)
	if !ok {
		return false, nil
	}
	current := v.(*Entry)
	if !current.CreatedAt.Equal(createdAt) {
		return false, nil
	}
	return m.entries.CompareAndDelete(fp, current), nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	m.entries.Range(func(k, v any) bool {
		if v.(*Entry).Expired(now) && m.entries.CompareAndDelete(k, v) {
			removed++
		}
		return ctx.Err() == nil
	})
	return removed, ctx.Err()
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
