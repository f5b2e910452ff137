package coord

import (
	"sync"
	"time"

	"github.com/orincore/circleback/internal/metrics"
)

// SearchEntry is one user waiting in the search pool.
type SearchEntry struct {
	UserID     string
	Interests  []string
	Preference Preference
	EnqueuedAt time.Time
}

// SearchPool holds the set of searching users plus an inverted index from
// interest tag to user ids, so a compatibility scan touches only users that
// share at least one tag instead of the whole pool.
type SearchPool struct {
	mu      sync.Mutex
	entries map[string]*SearchEntry
	byTag   map[string]map[string]bool // tag -> set of user ids
}

// NewSearchPool creates an empty pool.
func NewSearchPool() *SearchPool {
	return &SearchPool{
		entries: make(map[string]*SearchEntry),
		byTag:   make(map[string]map[string]bool),
	}
}

// Add inserts an entry, replacing any previous entry for the same user.
func (p *SearchPool) Add(entry SearchEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[entry.UserID]; ok {
		p.removeLocked(entry.UserID)
	}
	e := entry
	p.entries[entry.UserID] = &e
	for _, tag := range e.Interests {
		set, ok := p.byTag[tag]
		if !ok {
			set = make(map[string]bool)
			p.byTag[tag] = set
		}
		set[e.UserID] = true
	}
	metrics.SearchingUsers.Set(float64(len(p.entries)))
}

// Remove deletes the user's entry, if present.
func (p *SearchPool) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(userID)
	metrics.SearchingUsers.Set(float64(len(p.entries)))
}

func (p *SearchPool) removeLocked(userID string) {
	e, ok := p.entries[userID]
	if !ok {
		return
	}
	delete(p.entries, userID)
	for _, tag := range e.Interests {
		if set, ok := p.byTag[tag]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(p.byTag, tag)
			}
		}
	}
}

// Contains reports whether the user is pooled.
func (p *SearchPool) Contains(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[userID]
	return ok
}

// Get returns a copy of the user's entry.
func (p *SearchPool) Get(userID string) (SearchEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return SearchEntry{}, false
	}
	return *e, true
}

// Size returns the number of pooled users.
func (p *SearchPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns a copy of every entry, for the matcher's per-tick scan.
func (p *SearchPool) Snapshot() []SearchEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SearchEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	return out
}

// CandidatesFor returns the ids of pooled users that share at least one
// interest with the entry and have the same preference. The entry's own
// user is excluded.
func (p *SearchPool) CandidatesFor(entry SearchEntry) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, tag := range entry.Interests {
		for userID := range p.byTag[tag] {
			if userID == entry.UserID || seen[userID] {
				continue
			}
			seen[userID] = true
			cand, ok := p.entries[userID]
			if !ok || cand.Preference != entry.Preference {
				continue
			}
			out = append(out, userID)
		}
	}
	return out
}
