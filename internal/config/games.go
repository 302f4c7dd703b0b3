package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// GameSettings holds per-game tuning. Amounts are decimal ETH strings.
type GameSettings struct {
	MinBet        string        `toml:"min_bet"`
	MinDeposit    string        `toml:"min_deposit"`
	SafetyMargin  int64         `toml:"safety_margin"`
	Lotto         LottoSettings `toml:"lotto"`
	DisabledGames []string      `toml:"disabled_games"`
}

type LottoSettings struct {
	TicketPrice      string `toml:"ticket_price"`
	PayoutMultiplier int64  `toml:"payout_multiplier"`
	Range            int64  `toml:"range"`
	MaxTickets       int64  `toml:"max_tickets"`
}

func DefaultGameSettings() GameSettings {
	return GameSettings{
		MinBet:       "0.0001",
		MinDeposit:   "0.001",
		SafetyMargin: 2,
		Lotto: LottoSettings{
			TicketPrice:      "0.001",
			PayoutMultiplier: 85,
			Range:            100,
			MaxTickets:       10,
		},
	}
}

// LoadGameSettings overlays the TOML file at path on the defaults.
// An empty path returns the defaults.
func LoadGameSettings(path string) (GameSettings, error) {
	settings := DefaultGameSettings()
	if path == "" {
		return settings, nil
	}

	if _, err := toml.DecodeFile(path, &settings); err != nil {
		return GameSettings{}, errors.Wrapf(err, "decode games file %s", path)
	}

	if settings.SafetyMargin < 1 {
		return GameSettings{}, errors.Errorf("safety_margin must be at least 1, got %d", settings.SafetyMargin)
	}
	if settings.Lotto.Range < 2 || settings.Lotto.PayoutMultiplier < 1 || settings.Lotto.MaxTickets < 1 {
		return GameSettings{}, errors.New("invalid lotto settings")
	}

	return settings, nil
}

func (s GameSettings) Enabled(game string) bool {
	for _, g := range s.DisabledGames {
		if g == game {
			return false
		}
	}
	return true
}
