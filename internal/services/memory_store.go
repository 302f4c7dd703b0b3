package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"agent-royale-backend/internal/models"
)

const memoryResponseCacheSize = 10000

// MemoryStore keeps everything in process. Used when no Redis URL is
// configured and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	channels  map[string][]byte
	nonces    map[string]uint64
	rounds    map[string][]*models.GameRound
	draws     map[int64][]byte
	responses *lru.Cache
	limits    map[string]*rateWindow
	now       func() time.Time
}

type rateWindow struct {
	count int
	reset time.Time
}

func NewMemoryStore() *MemoryStore {
	cache, err := lru.New(memoryResponseCacheSize)
	if err != nil {
		panic(err)
	}
	return &MemoryStore{
		channels:  make(map[string][]byte),
		nonces:    make(map[string]uint64),
		rounds:    make(map[string][]*models.GameRound),
		draws:     make(map[int64][]byte),
		responses: cache,
		limits:    make(map[string]*rateWindow),
		now:       time.Now,
	}
}

func (s *MemoryStore) SaveChannel(_ context.Context, ch *models.Channel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "marshal channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.nonces[ch.ID]; ok && prev > ch.Nonce {
		return ErrStaleNonce
	}
	s.nonces[ch.ID] = ch.Nonce
	s.channels[ch.Agent] = data
	return nil
}

func (s *MemoryStore) RevertChannel(_ context.Context, ch *models.Channel, undone uint64) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "marshal channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.nonces[ch.ID]; ok && prev != undone {
		return ErrStaleNonce
	}
	s.nonces[ch.ID] = ch.Nonce
	s.channels[ch.Agent] = data

	rounds := s.rounds[ch.ID]
	for i, r := range rounds {
		if r.Nonce == undone {
			s.rounds[ch.ID] = append(rounds[:i:i], rounds[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) AppendRound(_ context.Context, channelID string, round *models.GameRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Rounds may be persisted out of order; keep them sorted by nonce.
	rounds := s.rounds[channelID]
	i := sort.Search(len(rounds), func(i int) bool { return rounds[i].Nonce >= round.Nonce })
	rounds = append(rounds, nil)
	copy(rounds[i+1:], rounds[i:])
	rounds[i] = round
	s.rounds[channelID] = rounds
	return nil
}

func (s *MemoryStore) Rounds(_ context.Context, channelID string, limit int64) ([]*models.GameRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds := s.rounds[channelID]
	if limit > 0 && int64(len(rounds)) > limit {
		rounds = rounds[int64(len(rounds))-limit:]
	}
	out := make([]*models.GameRound, len(rounds))
	copy(out, rounds)
	return out, nil
}

func (s *MemoryStore) LoadChannels(ctx context.Context) ([]*models.Channel, error) {
	s.mu.Lock()
	blobs := make([][]byte, 0, len(s.channels))
	for _, data := range s.channels {
		blobs = append(blobs, data)
	}
	s.mu.Unlock()

	var out []*models.Channel
	for _, data := range blobs {
		var ch models.Channel
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, errors.Wrap(err, "unmarshal channel")
		}
		rounds, err := s.Rounds(ctx, ch.ID, 0)
		if err != nil {
			return nil, err
		}
		ch.Games = rounds
		out = append(out, &ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

func (s *MemoryStore) SaveDraw(_ context.Context, d *models.Draw) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal draw")
	}
	s.mu.Lock()
	s.draws[d.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadDraws(_ context.Context) ([]*models.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Draw, 0, len(s.draws))
	for _, data := range s.draws {
		var d models.Draw
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, errors.Wrap(err, "unmarshal draw")
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.responses.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *MemoryStore) PutResponse(_ context.Context, key string, resp []byte) error {
	s.responses.Add(key, resp)
	return nil
}

func (s *MemoryStore) CheckRateLimit(_ context.Context, agent, action string, limit int, window time.Duration) (bool, error) {
	key := agent + ":" + action
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.limits[key]
	if !ok || now.After(w.reset) {
		w = &rateWindow{reset: now.Add(window)}
		s.limits[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
