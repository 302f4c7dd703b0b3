package games

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Multipliers are carried in basis points so all payout math stays in
// integers.
const BpsScale = 10000

const DefaultSafetyMargin = 2

// MaxBet is floor(bankroll / (multiplier * margin)) with the multiplier
// in basis points. A non-positive multiplier or margin yields zero.
func MaxBet(bankroll *big.Int, multiplierBps, margin int64) *big.Int {
	if bankroll == nil || bankroll.Sign() <= 0 || multiplierBps <= 0 || margin <= 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(bankroll, big.NewInt(BpsScale))
	den := new(big.Int).Mul(big.NewInt(multiplierBps), big.NewInt(margin))
	return num.Quo(num, den)
}

// Payout is floor(bet * multiplier).
func Payout(bet *big.Int, multiplierBps int64) *big.Int {
	if multiplierBps <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(bet, big.NewInt(multiplierBps))
	return out.Quo(out, big.NewInt(BpsScale))
}

// CapPayout limits a gross payout to what the channel can return:
// the casino's free balance plus the agent's own stake.
func CapPayout(payout, available, bet *big.Int) *big.Int {
	limit := new(big.Int).Add(available, bet)
	if payout.Cmp(limit) > 0 {
		return limit
	}
	return payout
}

func FormatMultiplier(bps int64) string {
	return decimal.New(bps, -4).StringFixed(2)
}
