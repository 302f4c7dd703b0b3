package services

import (
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
)

// openChannels copies every open channel, oldest first.
func (e *GamingEngine) openChannels() []*models.Channel {
	var out []*models.Channel
	e.channels.each(func(_ string, entry *channelEntry) {
		entry.mu.Lock()
		if entry.ch.IsOpen() {
			out = append(out, entry.ch.Clone())
		}
		entry.mu.Unlock()
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Agent < out[j].Agent
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// publicRound is the anonymized view of a round shown on arena and
// agent pages.
func publicRound(r *models.GameRound) map[string]interface{} {
	item := map[string]interface{}{
		"game":       r.Game,
		"mode":       r.Mode,
		"bet":        models.FormatEther(r.Bet),
		"payout":     models.FormatEther(r.Payout),
		"won":        r.Won,
		"multiplier": games.FormatMultiplier(r.MultiplierBps),
		"nonce":      r.Nonce,
		"timestamp":  r.Timestamp.UnixMilli(),
	}
	for k, v := range r.Outcome {
		if _, taken := item[k]; !taken {
			item[k] = v
		}
	}
	return item
}

func publicRounds(ch *models.Channel, n int) []map[string]interface{} {
	rounds := ch.Games
	if len(rounds) > n {
		rounds = rounds[len(rounds)-n:]
	}
	out := make([]map[string]interface{}, 0, len(rounds))
	for i := len(rounds) - 1; i >= 0; i-- {
		out = append(out, publicRound(rounds[i]))
	}
	return out
}

// ArenaAgents lists open channels under shortened addresses.
func (e *GamingEngine) ArenaAgents() []Result {
	channels := e.openChannels()
	out := make([]Result, 0, len(channels))
	for _, ch := range channels {
		var last interface{}
		if r := ch.LastRound(); r != nil {
			last = publicRound(r)
		}
		out = append(out, Result{
			"agent":         logging.ShortAddr(ch.Agent),
			"agentBalance":  models.FormatEther(ch.AgentBalance),
			"casinoBalance": models.FormatEther(ch.CasinoBalance),
			"nonce":         ch.Nonce,
			"gamesPlayed":   ch.GamesPlayed,
			"openedAt":      ch.CreatedAt.UnixMilli(),
			"lastGame":      last,
			"recentGames":   publicRounds(ch, 10),
		})
	}
	return out
}

type gameTally struct {
	Rounds  int
	Wins    int
	Losses  int
	Wagered *big.Int
	Payout  *big.Int
}

// AgentPerformance summarizes the open channel whose shortened address
// matches short.
func (e *GamingEngine) AgentPerformance(short string) (Result, error) {
	var ch *models.Channel
	for _, c := range e.openChannels() {
		if strings.EqualFold(logging.ShortAddr(c.Agent), short) {
			ch = c
			break
		}
	}
	if ch == nil {
		return nil, models.NewError(models.CodeChannelNotFound, "agent not found or channel closed")
	}

	var (
		totalWagered  = new(big.Int)
		totalPayout   = new(big.Int)
		biggestWin    = new(big.Int)
		biggestLoss   = new(big.Int)
		agentWins     int
		houseWins     int
		streak        int
		longestStreak int
		streakType    = "none"
		breakdown     = map[string]*gameTally{}
	)
	for _, r := range ch.Games {
		won := r.Won || r.Payout.Sign() > 0
		net := new(big.Int).Sub(r.Payout, r.Bet)
		totalWagered.Add(totalWagered, r.Bet)
		totalPayout.Add(totalPayout, r.Payout)

		kind := "lose"
		if won {
			kind = "win"
			agentWins++
			if net.Cmp(biggestWin) > 0 {
				biggestWin.Set(net)
			}
		} else {
			houseWins++
			if r.Bet.Cmp(biggestLoss) > 0 {
				biggestLoss.Set(r.Bet)
			}
		}
		if kind == streakType {
			streak++
		} else {
			streak, streakType = 1, kind
		}
		if streak > longestStreak {
			longestStreak = streak
		}

		t, ok := breakdown[r.Game]
		if !ok {
			t = &gameTally{Wagered: new(big.Int), Payout: new(big.Int)}
			breakdown[r.Game] = t
		}
		t.Rounds++
		t.Wagered.Add(t.Wagered, r.Bet)
		t.Payout.Add(t.Payout, r.Payout)
		if won {
			t.Wins++
		} else {
			t.Losses++
		}
	}

	netPnl := new(big.Int).Sub(ch.AgentBalance, ch.AgentDeposit)
	pnlPercent := "0.00"
	if ch.AgentDeposit.Sign() > 0 {
		bps := new(big.Int).Quo(new(big.Int).Mul(netPnl, big.NewInt(10000)), ch.AgentDeposit)
		pnlPercent = decimal.NewFromBigInt(bps, -2).StringFixed(2)
	}
	winRate := "0"
	if total := len(ch.Games); total > 0 {
		winRate = strconv.FormatFloat(float64(agentWins)*100/float64(total), 'f', 1, 64)
	}

	gameBreakdown := make(map[string]interface{}, len(breakdown))
	for name, t := range breakdown {
		gameBreakdown[name] = map[string]interface{}{
			"rounds":  t.Rounds,
			"wins":    t.Wins,
			"losses":  t.Losses,
			"wagered": models.FormatEther(t.Wagered),
			"payout":  models.FormatEther(t.Payout),
		}
	}

	return Result{
		"agent":  logging.ShortAddr(ch.Agent),
		"status": "active",
		"channel": map[string]interface{}{
			"agentDeposit":  models.FormatEther(ch.AgentDeposit),
			"casinoDeposit": models.FormatEther(ch.CasinoDeposit),
			"agentBalance":  models.FormatEther(ch.AgentBalance),
			"casinoBalance": models.FormatEther(ch.CasinoBalance),
			"nonce":         ch.Nonce,
			"openedAt":      ch.CreatedAt.UnixMilli(),
		},
		"performance": map[string]interface{}{
			"netPnl":            models.FormatEther(netPnl),
			"netPnlPercent":     pnlPercent,
			"totalRounds":       len(ch.Games),
			"agentWins":         agentWins,
			"houseWins":         houseWins,
			"winRate":           winRate,
			"totalWagered":      models.FormatEther(totalWagered),
			"totalPayout":       models.FormatEther(totalPayout),
			"biggestWin":        models.FormatEther(biggestWin),
			"biggestLoss":       models.FormatEther(biggestLoss),
			"longestStreak":     longestStreak,
			"currentStreak":     streak,
			"currentStreakType": streakType,
		},
		"gameBreakdown": gameBreakdown,
		"recentGames":   publicRounds(ch, 20),
	}, nil
}

// DashboardState is the operator snapshot of open channels and games.
func (e *GamingEngine) DashboardState() Result {
	channels := e.openChannels()
	views := make([]Result, 0, len(channels))
	for _, ch := range channels {
		views = append(views, Result{
			"agent":         logging.ShortAddr(ch.Agent),
			"agentBalance":  models.FormatEther(ch.AgentBalance),
			"casinoBalance": models.FormatEther(ch.CasinoBalance),
			"nonce":         ch.Nonce,
			"gamesPlayed":   ch.GamesPlayed,
			"openedAt":      ch.CreatedAt.UnixMilli(),
			"invariantOk":   ch.InvariantOK(),
		})
	}

	gameInfo := map[string]interface{}{}
	for _, info := range e.registry.Infos() {
		gameInfo[info.Name] = map[string]interface{}{
			"rtp":           info.RTP,
			"maxMultiplier": info.MaxMultiplier,
		}
	}

	return Result{
		"signer": e.signer.Address(),
		"stats": map[string]interface{}{
			"activeChannels":  len(channels),
			"pendingCommits":  e.commits.count(),
			"registeredGames": len(e.registry.Names()),
		},
		"channels": views,
		"games":    gameInfo,
	}
}

// GameStat reports the counters of one registered game.
func (e *GamingEngine) GameStat(name string) (GameStat, bool) {
	for _, n := range e.registry.Names() {
		if n == name {
			return e.stats.Game(name), true
		}
	}
	return GameStat{}, false
}
