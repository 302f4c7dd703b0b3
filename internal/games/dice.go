package games

import (
	"encoding/binary"
	"math/big"

	"agent-royale-backend/internal/models"
)

const (
	DiceOver  = "over"
	DiceUnder = "under"

	diceFaces = 100
	// 95% return to player.
	diceEdgeNumerator = 95 * BpsScale
)

type Dice struct{}

func (Dice) Name() string { return "dice" }

func (Dice) Info() Info {
	return Info{
		Name:          "dice",
		Description:   "Roll 1-100, bet over or under a target",
		RTP:           "95%",
		MaxMultiplier: FormatMultiplier(DiceMultiplierBps(DiceOver, 98)),
		Choices:       []string{DiceOver, DiceUnder},
		Params:        map[string]string{"target": "1-99", "choice": "over|under"},
		Modes:         randomModes,
	}
}

// DiceWinCount is the number of winning faces for a choice and target.
func DiceWinCount(choice string, target int64) int64 {
	if choice == DiceOver {
		return diceFaces - target
	}
	return target - 1
}

// DiceMultiplierBps is (1/p) * 0.95 in basis points, rounded half up.
func DiceMultiplierBps(choice string, target int64) int64 {
	wins := DiceWinCount(choice, target)
	if wins <= 0 {
		return 0
	}
	return (2*diceEdgeNumerator + wins) / (2 * wins)
}

func (d Dice) Prepare(bet *big.Int, params models.Params) (*Wager, error) {
	choice := params.String("choice")
	if choice != DiceOver && choice != DiceUnder {
		return nil, models.NewError(models.CodeInvalidBet, "choice must be 'over' or 'under'")
	}

	target, err := params.Int("target", 0)
	if err != nil {
		return nil, err
	}
	if target < 1 || target > 99 {
		return nil, models.NewError(models.CodeInvalidBet, "target must be between 1 and 99")
	}
	if choice == DiceOver && target >= 99 {
		return nil, models.NewError(models.CodeInvalidBet, "target must be below 99 when betting over")
	}
	if choice == DiceUnder && target <= 1 {
		return nil, models.NewError(models.CodeInvalidBet, "target must be above 1 when betting under")
	}

	return &Wager{
		Game:             d.Name(),
		Bet:              bet,
		Choice:           choice,
		Target:           target,
		MaxMultiplierBps: DiceMultiplierBps(choice, target),
	}, nil
}

func DiceRoll(digest []byte) int64 {
	return int64(binary.BigEndian.Uint32(digest[0:4])%diceFaces) + 1
}

func (Dice) Resolve(w *Wager, digest []byte) Outcome {
	roll := DiceRoll(digest)

	won := (w.Choice == DiceOver && roll > w.Target) || (w.Choice == DiceUnder && roll < w.Target)
	out := Outcome{
		Won: won,
		Fields: map[string]interface{}{
			"roll":       roll,
			"choice":     w.Choice,
			"target":     w.Target,
			"winChance":  DiceWinCount(w.Choice, w.Target),
			"multiplier": FormatMultiplier(w.MaxMultiplierBps),
		},
	}
	if won {
		out.MultiplierBps = w.MaxMultiplierBps
	}
	return out
}
