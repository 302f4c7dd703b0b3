package services

import (
	"sort"
	"sync"
	"time"

	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/models"
)

// channelEntry serializes every balance change for one agent. persist
// orders the agent's store writes and is never taken while holding mu.
type channelEntry struct {
	mu      sync.Mutex
	persist sync.Mutex
	ch      *models.Channel
}

type channelBook struct {
	entries sync.Map // agent -> *channelEntry
}

func (b *channelBook) entry(agent string) *channelEntry {
	e, _ := b.entries.LoadOrStore(agent, &channelEntry{})
	return e.(*channelEntry)
}

func (b *channelBook) lookup(agent string) (*channelEntry, bool) {
	e, ok := b.entries.Load(agent)
	if !ok {
		return nil, false
	}
	return e.(*channelEntry), true
}

// snapshot copies the channel under its lock. The second result is
// false when the agent never opened a channel.
func (b *channelBook) snapshot(agent string) (*models.Channel, bool) {
	e, ok := b.lookup(agent)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		return nil, false
	}
	return e.ch.Clone(), true
}

func (b *channelBook) each(fn func(agent string, e *channelEntry)) {
	b.entries.Range(func(k, v interface{}) bool {
		fn(k.(string), v.(*channelEntry))
		return true
	})
}

type CommitStatus string

const (
	CommitPending  CommitStatus = "pending"
	CommitResolved CommitStatus = "resolved"
	CommitExpired  CommitStatus = "expired"
)

// PendingCommit is a wager between its commit and its settlement.
// HouseSeed never leaves the process before reveal.
type PendingCommit struct {
	Agent      string
	Game       string
	Mode       models.RandomnessMode
	Wager      *games.Wager
	HouseSeed  string
	Commitment string
	RoundID    string
	CreatedAt  time.Time
	Status     CommitStatus
}

func (p *PendingCommit) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) >= ttl
}

// commitBook holds at most one pending commit per slot. A slot is
// (agent, game, mode), or the agent alone when games may not overlap.
type commitBook struct {
	mu         sync.Mutex
	pending    map[string]*PendingCommit
	concurrent bool
}

func newCommitBook(concurrent bool) *commitBook {
	return &commitBook{
		pending:    make(map[string]*PendingCommit),
		concurrent: concurrent,
	}
}

func (b *commitBook) key(agent, game string, mode models.RandomnessMode) string {
	if !b.concurrent {
		return agent
	}
	return agent + "|" + game + "|" + string(mode)
}

func (b *commitBook) reserve(p *PendingCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := b.key(p.Agent, p.Game, p.Mode)
	if existing, ok := b.pending[k]; ok {
		return models.Errorf(models.CodePendingCommit,
			"pending %s commit exists since %s; reveal it or wait for expiry",
			existing.Game, existing.CreatedAt.UTC().Format(time.RFC3339))
	}
	p.Status = CommitPending
	b.pending[k] = p
	return nil
}

func (b *commitBook) peek(agent, game string, mode models.RandomnessMode) (*PendingCommit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[b.key(agent, game, mode)]
	if !ok || p.Game != game || p.Mode != mode {
		return nil, false
	}
	return p, true
}

// take removes and returns the commit in the slot. roundID, when set,
// must match.
func (b *commitBook) take(agent, game string, mode models.RandomnessMode, roundID string) (*PendingCommit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := b.key(agent, game, mode)
	p, ok := b.pending[k]
	if !ok || p.Game != game || p.Mode != mode {
		return nil, false
	}
	if roundID != "" && p.RoundID != roundID {
		return nil, false
	}
	delete(b.pending, k)
	return p, true
}

// restore puts a taken commit back after a rolled back settlement.
func (b *commitBook) restore(p *PendingCommit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := b.key(p.Agent, p.Game, p.Mode)
	if _, ok := b.pending[k]; !ok {
		p.Status = CommitPending
		b.pending[k] = p
	}
}

func (b *commitBook) dropAgent(agent string) []*PendingCommit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []*PendingCommit
	for k, p := range b.pending {
		if p.Agent == agent {
			dropped = append(dropped, p)
			delete(b.pending, k)
		}
	}
	return dropped
}

func (b *commitBook) forAgent(agent string) []*PendingCommit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*PendingCommit
	for _, p := range b.pending {
		if p.Agent == agent {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// expire removes commit-reveal slots older than ttl.
func (b *commitBook) expire(now time.Time, ttl time.Duration) []*PendingCommit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []*PendingCommit
	for k, p := range b.pending {
		if p.Mode == models.ModeCommitReveal && p.Expired(now, ttl) {
			p.Status = CommitExpired
			expired = append(expired, p)
			delete(b.pending, k)
		}
	}
	return expired
}

func (b *commitBook) entropyCommits() []*PendingCommit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*PendingCommit
	for _, p := range b.pending {
		if p.Mode == models.ModeEntropy {
			out = append(out, p)
		}
	}
	return out
}

func (b *commitBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
