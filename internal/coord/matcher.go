package coord

import (
	"log"
	"sort"
	"time"

	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/metrics"
)

// BlockChecker reports whether either user has blocked the other. A checker
// error fails open (the pair stays matchable); implementations log their own
// failures.
type BlockChecker func(a, b string) bool

// Matcher periodically pairs compatible searchers. A single goroutine
// runs ticks, so ticks never overlap; start-search kicks an immediate tick
// to cut first-match latency.
type Matcher struct {
	clock   clock.Clock
	pool    *SearchPool
	state   *StateIndex
	pending *PendingTable
	blocked BlockChecker

	interval time.Duration
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// NewMatcher creates a Matcher. blocked may be nil when no block list is
// configured.
func NewMatcher(clk clock.Clock, pool *SearchPool, state *StateIndex, pending *PendingTable, blocked BlockChecker, interval time.Duration) *Matcher {
	if blocked == nil {
		blocked = func(a, b string) bool { return false }
	}
	return &Matcher{
		clock:    clk,
		pool:     pool,
		state:    state,
		pending:  pending,
		blocked:  blocked,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop.
func (m *Matcher) Start() {
	go m.loop()
	log.Printf("[matcher] started (interval=%s)", m.interval)
}

// Stop terminates the tick loop and waits for it to exit.
func (m *Matcher) Stop() {
	close(m.stop)
	<-m.done
	log.Printf("[matcher] stopped")
}

// Kick requests an immediate tick. Coalesces if one is already requested.
func (m *Matcher) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Matcher) loop() {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			m.Tick()
		case <-m.kick:
			m.Tick()
		}
	}
}

// candidate is one ranked pairing option for a searcher.
type candidate struct {
	userID     string
	shared     []string
	enqueuedAt time.Time
}

// Tick runs one pass over the search pool: oldest searcher first, each
// paired with the compatible candidate sharing the most interests. Ties
// break toward the older enqueue instant, then the lexicographically
// smaller id, so runs are reproducible. A tick never aborts on individual
// pairing failures.
func (m *Matcher) Tick() {
	entries := m.pool.Snapshot()
	if len(entries) < 2 {
		return
	}

	// Group by preference; pairing never crosses groups.
	groups := make(map[Preference][]SearchEntry)
	for _, e := range entries {
		groups[e.Preference] = append(groups[e.Preference], e)
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].EnqueuedAt.Equal(group[j].EnqueuedAt) {
				return group[i].EnqueuedAt.Before(group[j].EnqueuedAt)
			}
			return group[i].UserID < group[j].UserID
		})

		paired := make(map[string]bool)
		byID := make(map[string]SearchEntry, len(group))
		for _, e := range group {
			byID[e.UserID] = e
		}

		for _, a := range group {
			if paired[a.UserID] {
				continue
			}
			best, ok := m.bestCandidate(a, byID, paired)
			if !ok {
				continue
			}
			if err := m.propose(a, byID[best.userID]); err != nil {
				// Concurrent state change (cancelled search, disconnect).
				// Both users are untouched or rolled back; retry next tick.
				log.Printf("[matcher] pairing %s with %s failed: %v", a.UserID, best.userID, err)
				continue
			}
			paired[a.UserID] = true
			paired[best.userID] = true
		}
	}
}

// bestCandidate scans the inverted index for a's strongest available match.
func (m *Matcher) bestCandidate(a SearchEntry, byID map[string]SearchEntry, paired map[string]bool) (candidate, bool) {
	ids := m.pool.CandidatesFor(a)
	cands := make([]candidate, 0, len(ids))
	for _, id := range ids {
		if paired[id] {
			continue
		}
		b, ok := byID[id]
		if !ok {
			// Joined the pool mid-tick; picked up next tick.
			continue
		}
		if m.state.Status(id) != StatusSearching {
			continue
		}
		if m.blocked(a.UserID, id) {
			continue
		}
		shared := SharedInterests(a.Interests, b.Interests)
		if len(shared) == 0 {
			continue
		}
		cands = append(cands, candidate{userID: id, shared: shared, enqueuedAt: b.EnqueuedAt})
	}
	if len(cands) == 0 {
		return candidate{}, false
	}

	sort.Slice(cands, func(i, j int) bool {
		if len(cands[i].shared) != len(cands[j].shared) {
			return len(cands[i].shared) > len(cands[j].shared)
		}
		if !cands[i].enqueuedAt.Equal(cands[j].enqueuedAt) {
			return cands[i].enqueuedAt.Before(cands[j].enqueuedAt)
		}
		return cands[i].userID < cands[j].userID
	})
	return cands[0], true
}

// propose hands a pair off to the pending table.
func (m *Matcher) propose(a, b SearchEntry) error {
	profA := m.state.Snapshot(a.UserID).Profile
	profB := m.state.Snapshot(b.UserID).Profile
	shared := SharedInterests(a.Interests, b.Interests)

	if _, err := m.pending.Propose(profA, profB, a.Preference, shared); err != nil {
		return err
	}

	now := m.clock.Now()
	metrics.MatchDuration.Observe(now.Sub(a.EnqueuedAt).Seconds())
	metrics.MatchDuration.Observe(now.Sub(b.EnqueuedAt).Seconds())
	log.Printf("[matcher] proposed %s <-> %s (shared=%v)", a.UserID, b.UserID, shared)
	return nil
}
