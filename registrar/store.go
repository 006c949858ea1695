package registrar

import (
	"iter"
	"maps"
	"time"

	"github.com/sipmesh/dispatcher/internal/syncutil"
)

// Store is the registrar's pluggable contact store: AOR -> (contact URI ->
// absolute expiry). Get/Set/Delete/All operate on a whole AOR's contact map
// at once, matching the core data model closely enough that Registrar never
// needs a secondary per-contact method. A caller can substitute a
// persistent or shared implementation without touching Registrar.
type Store interface {
	// Get returns aor's current contacts, or ok=false if aor has none.
	Get(aor string) (contacts map[string]time.Time, ok bool)
	// Set replaces aor's entire contact map.
	Set(aor string, contacts map[string]time.Time)
	// Delete removes aor and every contact under it.
	Delete(aor string)
	// All iterates every AOR currently in the store.
	All() iter.Seq[string]
}

// memStore is the default in-memory Store, backed by
// internal/syncutil.RWMap since an external caller (an admin endpoint, a
// metrics scraper) may read it from a goroutine other than the registrar's
// own reactor goroutine.
type memStore struct {
	aors syncutil.RWMap[string, map[string]time.Time]
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{}
}

func (s *memStore) Get(aor string) (map[string]time.Time, bool) {
	contacts, ok := s.aors.Get(aor)
	if !ok {
		return nil, false
	}
	out := make(map[string]time.Time, len(contacts))
	maps.Copy(out, contacts)
	return out, true
}

func (s *memStore) Set(aor string, contacts map[string]time.Time) {
	s.aors.Set(aor, contacts)
}

func (s *memStore) Delete(aor string) {
	s.aors.Del(aor)
}

func (s *memStore) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for aor, _ := range s.aors.All() {
			if !yield(aor) {
				return
			}
		}
	}
}
