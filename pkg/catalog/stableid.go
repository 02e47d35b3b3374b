package catalog

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// Stable ID generation parameters. IDs start at 6 characters and widen
// by one after repeated collisions at the current length, so the
// allocator never fails outright as the catalog grows.
const (
	stableIDAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	stableIDBaseLength = 6
	stableIDMaxLength  = 12
	stableIDRetries    = 8
)

// StableIDAllocator hands out short, URL-safe identifiers that are
// unique within one catalog. It keeps every issued ID in memory so
// collision checks never touch the database on the hot path; the
// database unique index remains the backstop.
type StableIDAllocator struct {
	mu     sync.Mutex
	issued map[string]struct{}
	length int
}

// NewStableIDAllocator returns an allocator seeded with existing IDs.
func NewStableIDAllocator(existing []string) *StableIDAllocator {
	a := &StableIDAllocator{
		issued: make(map[string]struct{}, len(existing)),
		length: stableIDBaseLength,
	}
	for _, id := range existing {
		a.issued[id] = struct{}{}
		if len(id) > a.length {
			a.length = len(id)
		}
	}
	return a
}

// LoadStableIDs builds an allocator from every stable ID currently in
// the catalog, including soft-deleted rows (their IDs must never be
// reissued).
func LoadStableIDs(c *Catalog) (*StableIDAllocator, error) {
	var ids []string
	if err := c.db.Model(&FileEntry{}).Pluck("stable_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load stable IDs: %w", err)
	}
	return NewStableIDAllocator(ids), nil
}

// Allocate reserves and returns a fresh stable ID. After several
// collisions at the current length the allocator widens by one
// character and tries again.
func (a *StableIDAllocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for length := a.length; length <= stableIDMaxLength; length++ {
		for attempt := 0; attempt < stableIDRetries; attempt++ {
			id, err := randomID(length)
			if err != nil {
				return "", err
			}
			if _, taken := a.issued[id]; taken {
				continue
			}
			a.issued[id] = struct{}{}
			a.length = length
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: stable ID space exhausted", ErrAlreadyExists)
}

// Remember records an ID issued elsewhere (imported from a remote
// replica or created by another process) so it is never reallocated.
func (a *StableIDAllocator) Remember(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	a.issued[id] = struct{}{}
	if len(id) > a.length {
		a.length = len(id)
	}
	a.mu.Unlock()
}

// Count returns the number of known IDs.
func (a *StableIDAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.issued)
}

func randomID(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate stable ID: %w", err)
	}
	for i, b := range buf {
		buf[i] = stableIDAlphabet[int(b)%len(stableIDAlphabet)]
	}
	return string(buf), nil
}
