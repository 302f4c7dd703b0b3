// Package games holds the wager rules. Every game resolves from a
// 32-byte digest so commit-reveal and oracle entropy settle identically.
package games

import (
	"math/big"
	"sort"

	"agent-royale-backend/internal/models"
)

const DigestSize = 32

type Wager struct {
	Game   string
	Bet    *big.Int
	Choice string
	Target int64
	// MaxMultiplierBps is the worst case the bankroll has to cover.
	MaxMultiplierBps int64
}

// Fields are the wager parameters echoed back to the agent.
func (w *Wager) Fields() map[string]interface{} {
	f := map[string]interface{}{}
	if w.Choice != "" {
		f["choice"] = w.Choice
	}
	if w.Target != 0 {
		f["target"] = w.Target
	}
	return f
}

type Outcome struct {
	Won           bool
	MultiplierBps int64
	Fields        map[string]interface{}
}

type Info struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	RTP           string            `json:"rtp"`
	MaxMultiplier string            `json:"maxMultiplier"`
	Choices       []string          `json:"choices,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Modes         []string          `json:"modes"`
}

// Game is a commit/reveal wager. Prepare runs at commit time; Resolve
// must be a pure function of the wager and digest.
type Game interface {
	Name() string
	Info() Info
	Prepare(bet *big.Int, params models.Params) (*Wager, error)
	Resolve(w *Wager, digest []byte) Outcome
}

type Registry struct {
	games map[string]Game
	lotto *Lotto
}

func NewRegistry(lotto *Lotto, games ...Game) *Registry {
	r := &Registry{
		games: make(map[string]Game, len(games)),
		lotto: lotto,
	}
	for _, g := range games {
		r.games[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Game, bool) {
	g, ok := r.games[name]
	return g, ok
}

func (r *Registry) Lotto() *Lotto {
	return r.lotto
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.games)+1)
	for name := range r.games {
		names = append(names, name)
	}
	if r.lotto != nil {
		names = append(names, r.lotto.Name())
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Infos() []Info {
	var infos []Info
	for _, name := range r.Names() {
		if g, ok := r.games[name]; ok {
			infos = append(infos, g.Info())
		} else if r.lotto != nil && name == r.lotto.Name() {
			infos = append(infos, r.lotto.Info())
		}
	}
	return infos
}

var randomModes = []string{string(models.ModeCommitReveal), string(models.ModeEntropy)}
