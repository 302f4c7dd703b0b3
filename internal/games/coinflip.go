package games

import (
	"math/big"

	"agent-royale-backend/internal/models"
)

const (
	Heads = "heads"
	Tails = "tails"

	coinflipMultiplierBps = 19000
)

type Coinflip struct{}

func (Coinflip) Name() string { return "coinflip" }

func (Coinflip) Info() Info {
	return Info{
		Name:          "coinflip",
		Description:   "Call heads or tails",
		RTP:           "95%",
		MaxMultiplier: FormatMultiplier(coinflipMultiplierBps),
		Choices:       []string{Heads, Tails},
		Modes:         randomModes,
	}
}

func (c Coinflip) Prepare(bet *big.Int, params models.Params) (*Wager, error) {
	choice := params.String("choice")
	if choice != Heads && choice != Tails {
		return nil, models.NewError(models.CodeInvalidBet, "choice must be 'heads' or 'tails'")
	}
	return &Wager{
		Game:             c.Name(),
		Bet:              bet,
		Choice:           choice,
		MaxMultiplierBps: coinflipMultiplierBps,
	}, nil
}

func CoinSide(digest []byte) string {
	if digest[0]%2 == 0 {
		return Heads
	}
	return Tails
}

func (Coinflip) Resolve(w *Wager, digest []byte) Outcome {
	side := CoinSide(digest)
	out := Outcome{
		Won: side == w.Choice,
		Fields: map[string]interface{}{
			"choice":     w.Choice,
			"result":     side,
			"multiplier": FormatMultiplier(coinflipMultiplierBps),
		},
	}
	if out.Won {
		out.MultiplierBps = coinflipMultiplierBps
	}
	return out
}
