// Package reputation keeps a read-only view of agent scores built from
// reputation.updated events. Scores change only on the ledger; the tracker
// never adjusts one itself.
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/event"
)

// Change is one observed score update.
type Change struct {
	Old    int       `json:"old"`
	New    int       `json:"new"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Entry is an agent's current standing.
type Entry struct {
	Agent string `json:"agent"`
	Score int    `json:"score"`
}

// Tracker mirrors ledger reputation. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	scores  map[string]int
	history map[string][]Change

	bus   *event.Bus
	subID string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		scores:  make(map[string]int),
		history: make(map[string][]Change),
	}
}

// Attach subscribes the tracker to bus. Attaching again moves the
// subscription.
func (t *Tracker) Attach(bus *event.Bus) {
	t.Detach()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bus = bus
	t.subID = bus.Subscribe(event.TypeReputationUpdated, t.handle)
}

// Detach removes the bus subscription.
func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus != nil {
		t.bus.Unsubscribe(t.subID)
		t.bus, t.subID = nil, ""
	}
}

// Seed loads scores restored from storage. Seeded agents have no history.
func (t *Tracker) Seed(scores map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for agent, score := range scores {
		t.scores[agent] = score
	}
}

func (t *Tracker) handle(e event.Event) {
	u, ok := e.(event.ReputationUpdatedEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[u.Agent] = u.New
	t.history[u.Agent] = append(t.history[u.Agent], Change{
		Old:    u.Old,
		New:    u.New,
		Reason: u.Reason,
		At:     u.Timestamp(),
	})
}

// Score returns the agent's current score and whether one is known.
func (t *Tracker) Score(agent string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[agent]
	return s, ok
}

// History returns the observed changes for agent, oldest first.
func (t *Tracker) History(agent string) []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Change(nil), t.history[agent]...)
}

// Ranked returns every known agent, highest score first, ties by name.
func (t *Tracker) Ranked() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.scores))
	for agent, score := range t.scores {
		out = append(out, Entry{Agent: agent, Score: score})
	}
	t.mu.RUnlock()
	return Rank(out)
}

// Top returns up to n agents scoring at least minScore, best first.
func (t *Tracker) Top(n, minScore int) []Entry {
	var out []Entry
	for _, e := range t.Ranked() {
		if len(out) == n {
			break
		}
		if e.Score >= minScore {
			out = append(out, e)
		}
	}
	return out
}

// Rank sorts entries in place, highest score first, ties by name, and
// returns them.
func Rank(entries []Entry) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Agent < entries[j].Agent
	})
	return entries
}
