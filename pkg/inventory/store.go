package inventory

import (
	"sync"
)

// Catalogue maps shelf ids to display names.
// It can be swapped atomically when the configuration is reloaded.
type Catalogue struct {
	mu      sync.RWMutex
	shelves []Shelf
	names   map[string]string
}

// NewCatalogue creates a catalogue for the given shelves.
func NewCatalogue(shelves []Shelf) *Catalogue {
	c := &Catalogue{}
	c.Set(shelves)
	return c
}

// Set replaces the catalogue contents.
func (c *Catalogue) Set(shelves []Shelf) {
	names := make(map[string]string, len(shelves))
	for _, s := range shelves {
		names[s.ID] = s.Name
	}
	cp := make([]Shelf, len(shelves))
	copy(cp, shelves)

	c.mu.Lock()
	c.shelves = cp
	c.names = names
	c.mu.Unlock()
}

// Shelves returns a copy of the configured shelves.
func (c *Catalogue) Shelves() []Shelf {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Shelf, len(c.shelves))
	copy(out, c.shelves)
	return out
}

// Name returns the display name of a shelf.
func (c *Catalogue) Name(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.names[id]
	return n, ok && n != ""
}

// EmptyNames returns display names of the empty shelves in snap.
// Shelves without a known name are skipped.
func (c *Catalogue) EmptyNames(snap Snapshot) []string {
	var names []string
	for _, id := range snap.EmptyShelves() {
		if n, ok := c.Name(id); ok {
			names = append(names, n)
		}
	}
	return names
}

// Store holds the latest inventory snapshot.
// Subscribers are notified when the set of shelf states changes.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	subs []func(Snapshot)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns a copy of the latest snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Set stores a new snapshot. It returns true if the shelf states changed,
// in which case subscribers are called synchronously with a copy.
func (s *Store) Set(snap Snapshot) bool {
	s.mu.Lock()
	changed := !s.snap.Equal(snap)
	s.snap = snap.Clone()
	subs := s.subs
	s.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(snap.Clone())
		}
	}
	return changed
}

// Subscribe registers fn for change notifications.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}
