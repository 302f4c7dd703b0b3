package fairness

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type EntropyState string

const (
	EntropyRequested EntropyState = "entropy_requested"
	EntropyFulfilled EntropyState = "entropy_fulfilled"
	EntropyExpired   EntropyState = "entropy_expired"
)

var (
	ErrRoundNotFound = errors.New("entropy round not found")
	ErrRoundExpired  = errors.New("entropy round expired")
	ErrRoundPending  = errors.New("entropy round not fulfilled")
	// ErrConflictingValue means the oracle answered one round twice with
	// different values.
	ErrConflictingValue = errors.New("conflicting entropy value")
	ErrInvalidValue     = errors.New("entropy value must be 32 bytes")
)

// EntropyRound is a snapshot of one oracle request.
type EntropyRound struct {
	ID          string       `json:"roundId"`
	Agent       string       `json:"agent"`
	Game        string       `json:"game"`
	State       EntropyState `json:"state"`
	Value       []byte       `json:"-"`
	ProviderRef string       `json:"providerRef,omitempty"`
	RequestedAt time.Time    `json:"requestedAt"`
	FulfilledAt time.Time    `json:"fulfilledAt,omitempty"`
}

func (r EntropyRound) ValueHex() string {
	if len(r.Value) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(r.Value)
}

type entropyEntry struct {
	round EntropyRound
	done  chan struct{}
}

// EntropyBook tracks oracle rounds from request to fulfillment. Rounds
// not fulfilled within ttl expire and never resolve.
type EntropyBook struct {
	mu     sync.Mutex
	rounds map[string]*entropyEntry
	ttl    time.Duration
	now    func() time.Time
}

func NewEntropyBook(ttl time.Duration, clock func() time.Time) *EntropyBook {
	if clock == nil {
		clock = time.Now
	}
	return &EntropyBook{
		rounds: make(map[string]*entropyEntry),
		ttl:    ttl,
		now:    clock,
	}
}

func (b *EntropyBook) Request(agent, game string) EntropyRound {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &entropyEntry{
		round: EntropyRound{
			ID:          uuid.New().String(),
			Agent:       agent,
			Game:        game,
			State:       EntropyRequested,
			RequestedAt: b.now(),
		},
		done: make(chan struct{}),
	}
	b.rounds[e.round.ID] = e
	return e.round
}

// Fulfill binds value to the round. A repeat with the same value is a
// no-op; a different value is ErrConflictingValue.
func (b *EntropyBook) Fulfill(id string, value []byte, providerRef string) error {
	if len(value) != SeedBytes {
		return ErrInvalidValue
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.rounds[id]
	if !ok {
		return ErrRoundNotFound
	}
	b.expireLocked(e)

	switch e.round.State {
	case EntropyExpired:
		return ErrRoundExpired
	case EntropyFulfilled:
		if !bytes.Equal(e.round.Value, value) {
			return ErrConflictingValue
		}
		return nil
	}

	e.round.Value = append([]byte(nil), value...)
	e.round.ProviderRef = providerRef
	e.round.State = EntropyFulfilled
	e.round.FulfilledAt = b.now()
	close(e.done)
	return nil
}

func (b *EntropyBook) Get(id string) (EntropyRound, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.rounds[id]
	if !ok {
		return EntropyRound{}, ErrRoundNotFound
	}
	b.expireLocked(e)
	return e.round, nil
}

// Await blocks until the round is fulfilled, expires, or ctx is done.
func (b *EntropyBook) Await(ctx context.Context, id string) (EntropyRound, error) {
	b.mu.Lock()
	e, ok := b.rounds[id]
	if !ok {
		b.mu.Unlock()
		return EntropyRound{}, ErrRoundNotFound
	}
	b.expireLocked(e)
	round, done := e.round, e.done
	deadline := e.round.RequestedAt.Add(b.ttl)
	b.mu.Unlock()

	switch round.State {
	case EntropyFulfilled:
		return round, nil
	case EntropyExpired:
		return round, ErrRoundExpired
	}

	timer := time.NewTimer(deadline.Sub(b.now()))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return round, ctx.Err()
	}

	round, err := b.Get(id)
	if err != nil {
		return round, err
	}
	if round.State == EntropyExpired {
		return round, ErrRoundExpired
	}
	return round, nil
}

func (b *EntropyBook) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rounds, id)
}

// Pending lists rounds still waiting for the oracle, oldest first.
func (b *EntropyBook) Pending() []EntropyRound {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []EntropyRound
	for _, e := range b.rounds {
		b.expireLocked(e)
		if e.round.State == EntropyRequested {
			out = append(out, e.round)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Sweep expires overdue rounds and drops the ones that have been dead
// for another ttl. It returns the IDs that expired during this call.
func (b *EntropyBook) Sweep() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	now := b.now()
	for id, e := range b.rounds {
		if b.expireLocked(e) {
			expired = append(expired, id)
		}
		if e.round.State == EntropyExpired && now.Sub(e.round.RequestedAt) > 2*b.ttl {
			delete(b.rounds, id)
		}
	}
	return expired
}

func (b *EntropyBook) expireLocked(e *entropyEntry) bool {
	if e.round.State != EntropyRequested {
		return false
	}
	if b.now().Sub(e.round.RequestedAt) < b.ttl {
		return false
	}
	e.round.State = EntropyExpired
	return true
}
