package games

import (
	"encoding/binary"
	"math/big"

	"agent-royale-backend/internal/models"
)

var (
	SlotSymbols = []string{"cherry", "lemon", "orange", "diamond", "seven"}
	// Triple-match multipliers, indexed like SlotSymbols.
	slotMultipliers = []int64{5, 10, 25, 50, 290}
	// Cumulative bucket upper bounds over value mod 100.
	slotBuckets = []uint32{30, 55, 75, 90}
)

const slotReels = 3

type Slots struct{}

func (Slots) Name() string { return "slots" }

func (Slots) Info() Info {
	return Info{
		Name:          "slots",
		Description:   "Three reels, pays on three of a kind",
		RTP:           "95%",
		MaxMultiplier: FormatMultiplier(slotMultipliers[len(slotMultipliers)-1] * BpsScale),
		Params: map[string]string{
			"cherry":  "5x",
			"lemon":   "10x",
			"orange":  "25x",
			"diamond": "50x",
			"seven":   "290x",
		},
		Modes: randomModes,
	}
}

func (s Slots) Prepare(bet *big.Int, _ models.Params) (*Wager, error) {
	return &Wager{
		Game:             s.Name(),
		Bet:              bet,
		MaxMultiplierBps: slotMultipliers[len(slotMultipliers)-1] * BpsScale,
	}, nil
}

// SlotReels maps three 4-byte windows of the digest to symbol indexes.
func SlotReels(digest []byte) [slotReels]int {
	var reels [slotReels]int
	for i := 0; i < slotReels; i++ {
		v := binary.BigEndian.Uint32(digest[i*4:i*4+4]) % 100
		reels[i] = len(slotBuckets)
		for idx, bound := range slotBuckets {
			if v < bound {
				reels[i] = idx
				break
			}
		}
	}
	return reels
}

func SlotMultiplierBps(reels [slotReels]int) int64 {
	if reels[0] == reels[1] && reels[1] == reels[2] {
		return slotMultipliers[reels[0]] * BpsScale
	}
	return 0
}

func (Slots) Resolve(_ *Wager, digest []byte) Outcome {
	reels := SlotReels(digest)
	bps := SlotMultiplierBps(reels)

	symbols := make([]string, slotReels)
	for i, r := range reels {
		symbols[i] = SlotSymbols[r]
	}

	return Outcome{
		Won:           bps > 0,
		MultiplierBps: bps,
		Fields: map[string]interface{}{
			"reels":      symbols,
			"multiplier": FormatMultiplier(bps),
		},
	}
}
