package games_test

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/models"
)

// digestWith writes each value into consecutive 4-byte windows.
func digestWith(values ...uint32) []byte {
	d := make([]byte, games.DigestSize)
	for i, v := range values {
		binary.BigEndian.PutUint32(d[i*4:], v)
	}
	return d
}

func TestMaxBet(t *testing.T) {
	assert.Equal(t, int64(0), games.MaxBet(big.NewInt(10), 290*games.BpsScale, 2).Int64(), "floor(10/580)")
	assert.Equal(t, int64(1), games.MaxBet(big.NewInt(580), 290*games.BpsScale, 2).Int64())
	assert.Equal(t, int64(263), games.MaxBet(big.NewInt(1000), 19000, 2).Int64())
	assert.Equal(t, int64(0), games.MaxBet(big.NewInt(1000), 0, 2).Int64())
	assert.Equal(t, int64(0), games.MaxBet(nil, 19000, 2).Int64())
}

func TestPayoutAndCap(t *testing.T) {
	assert.Equal(t, int64(19), games.Payout(big.NewInt(10), 19000).Int64())
	assert.Equal(t, int64(10), games.Payout(big.NewInt(1), 105556).Int64(), "floors 10.5556")
	assert.Equal(t, int64(0), games.Payout(big.NewInt(10), 0).Int64())

	capped := games.CapPayout(big.NewInt(500), big.NewInt(100), big.NewInt(10))
	assert.Equal(t, int64(110), capped.Int64())
	assert.Equal(t, int64(50), games.CapPayout(big.NewInt(50), big.NewInt(100), big.NewInt(10)).Int64())
}

func TestDiceMultiplier(t *testing.T) {
	assert.Equal(t, int64(50), games.DiceWinCount(games.DiceOver, 50))
	assert.Equal(t, int64(19000), games.DiceMultiplierBps(games.DiceOver, 50))
	assert.Equal(t, "1.90", games.FormatMultiplier(games.DiceMultiplierBps(games.DiceOver, 50)))

	assert.Equal(t, int64(9), games.DiceWinCount(games.DiceUnder, 10))
	assert.Equal(t, int64(105556), games.DiceMultiplierBps(games.DiceUnder, 10))
	assert.Equal(t, "10.56", games.FormatMultiplier(105556))
}

func TestDicePrepareValidation(t *testing.T) {
	dice := games.Dice{}
	bet := big.NewInt(1)

	cases := []models.Params{
		{"choice": "sideways", "target": float64(50)},
		{"choice": "over", "target": float64(0)},
		{"choice": "over", "target": float64(100)},
		{"choice": "over", "target": float64(99)},
		{"choice": "under", "target": float64(1)},
		{"choice": "under", "target": "ten"},
	}
	for _, p := range cases {
		_, err := dice.Prepare(bet, p)
		assert.True(t, models.IsCode(err, models.CodeInvalidBet), "params %v", p)
	}

	w, err := dice.Prepare(bet, models.Params{"choice": "over", "target": float64(50)})
	require.NoError(t, err)
	assert.Equal(t, int64(19000), w.MaxMultiplierBps)
}

func TestDiceResolve(t *testing.T) {
	dice := games.Dice{}
	w, err := dice.Prepare(big.NewInt(1000), models.Params{"choice": "over", "target": float64(50)})
	require.NoError(t, err)

	// 150 mod 100 + 1 = 51
	win := dice.Resolve(w, digestWith(150))
	assert.True(t, win.Won)
	assert.Equal(t, int64(51), win.Fields["roll"])
	assert.Equal(t, int64(19000), win.MultiplierBps)

	// 49 mod 100 + 1 = 50, not over 50
	loss := dice.Resolve(w, digestWith(49))
	assert.False(t, loss.Won)
	assert.Equal(t, int64(0), loss.MultiplierBps)

	assert.Equal(t, int64(100), games.DiceRoll(digestWith(99)))
	assert.Equal(t, int64(1), games.DiceRoll(digestWith(0)))
}

func TestSlots(t *testing.T) {
	slots := games.Slots{}
	w, err := slots.Prepare(big.NewInt(1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2900000), w.MaxMultiplierBps)

	sevens := slots.Resolve(w, digestWith(95, 195, 99))
	assert.True(t, sevens.Won)
	assert.Equal(t, int64(290*games.BpsScale), sevens.MultiplierBps)
	assert.Equal(t, []string{"seven", "seven", "seven"}, sevens.Fields["reels"])

	cherries := slots.Resolve(w, digestWith(0, 29, 129))
	assert.Equal(t, int64(5*games.BpsScale), cherries.MultiplierBps)

	mixed := slots.Resolve(w, digestWith(95, 10, 95))
	assert.False(t, mixed.Won)
	assert.Equal(t, int64(0), mixed.MultiplierBps)

	assert.Equal(t, [3]int{1, 2, 3}, games.SlotReels(digestWith(30, 55, 75)))
}

func TestCoinflip(t *testing.T) {
	flip := games.Coinflip{}

	_, err := flip.Prepare(big.NewInt(1), models.Params{"choice": "edge"})
	assert.True(t, models.IsCode(err, models.CodeInvalidBet))

	w, err := flip.Prepare(big.NewInt(100), models.Params{"choice": "tails"})
	require.NoError(t, err)

	d := make([]byte, games.DigestSize)
	d[0] = 3
	out := flip.Resolve(w, d)
	assert.True(t, out.Won)
	assert.Equal(t, "tails", out.Fields["result"])
	assert.Equal(t, int64(190), games.Payout(w.Bet, out.MultiplierBps).Int64())

	d[0] = 4
	assert.False(t, flip.Resolve(w, d).Won)
}

func TestLotto(t *testing.T) {
	lotto := games.NewLotto(games.DefaultLottoConfig())

	pick, count, err := lotto.ParseTicket(models.Params{"pickedNumber": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), pick)
	assert.Equal(t, int64(1), count)

	_, _, err = lotto.ParseTicket(models.Params{"pickedNumber": float64(101)})
	assert.True(t, models.IsCode(err, models.CodeInvalidBet))
	_, _, err = lotto.ParseTicket(models.Params{"pickedNumber": float64(5), "ticketCount": float64(11)})
	assert.True(t, models.IsCode(err, models.CodeInvalidBet))

	cost := lotto.Cost(3)
	assert.Equal(t, "0.003", models.FormatEther(cost))
	assert.Equal(t, "0.255", models.FormatEther(lotto.Liability(cost)))
	assert.Equal(t, int64(1), lotto.MaxTicketsFor(models.MustParseEther("0.1")))

	n := lotto.WinningNumber("secret", 7)
	assert.GreaterOrEqual(t, n, int64(1))
	assert.LessOrEqual(t, n, int64(100))
	assert.Equal(t, n, lotto.WinningNumber("secret", 7))
}

func TestRegistry(t *testing.T) {
	reg := games.NewRegistry(games.NewLotto(games.DefaultLottoConfig()), games.Dice{}, games.Slots{}, games.Coinflip{})

	assert.Equal(t, []string{"coinflip", "dice", "lotto", "slots"}, reg.Names())
	_, ok := reg.Get("dice")
	assert.True(t, ok)
	_, ok = reg.Get("lotto")
	assert.False(t, ok, "lotto is not a commit/reveal game")
	assert.Len(t, reg.Infos(), 4)
}
