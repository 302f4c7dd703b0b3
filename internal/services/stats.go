package services

import (
	"fmt"
	"math/big"
	"sort"

	metrics "github.com/rcrowley/go-metrics"

	"agent-royale-backend/internal/models"
)

// GameStats counts settled rounds per game. Amounts are kept in gwei to
// fit int64 counters.
type GameStats struct {
	registry metrics.Registry
}

type GameStat struct {
	Game         string `json:"game"`
	TotalRounds  int64  `json:"totalRounds"`
	Wins         int64  `json:"wins"`
	TotalWagered string `json:"totalWagered"`
	TotalPaidOut string `json:"totalPaidOut"`
}

func NewGameStats() *GameStats {
	return &GameStats{registry: metrics.NewRegistry()}
}

func (s *GameStats) counter(game, name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s", game, name), s.registry)
}

func (s *GameStats) Record(game string, wagered, paid *big.Int, won bool) {
	s.counter(game, "rounds").Inc(1)
	if won {
		s.counter(game, "wins").Inc(1)
	}
	s.counter(game, "wagered_gwei").Inc(models.WeiToGwei(wagered))
	s.counter(game, "paid_gwei").Inc(models.WeiToGwei(paid))
}

func (s *GameStats) Game(game string) GameStat {
	return GameStat{
		Game:         game,
		TotalRounds:  s.counter(game, "rounds").Count(),
		Wins:         s.counter(game, "wins").Count(),
		TotalWagered: gweiToEther(s.counter(game, "wagered_gwei").Count()),
		TotalPaidOut: gweiToEther(s.counter(game, "paid_gwei").Count()),
	}
}

func (s *GameStats) Snapshot(gameNames []string) []GameStat {
	out := make([]GameStat, 0, len(gameNames))
	for _, game := range gameNames {
		out = append(out, s.Game(game))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Game < out[j].Game })
	return out
}

func gweiToEther(gwei int64) string {
	return models.FormatEther(new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1e9)))
}
