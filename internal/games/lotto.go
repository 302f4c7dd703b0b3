package games

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"strconv"

	"agent-royale-backend/internal/models"
)

type LottoConfig struct {
	TicketPrice      *big.Int
	PayoutMultiplier int64
	Range            int64
	MaxTickets       int64
}

func DefaultLottoConfig() LottoConfig {
	return LottoConfig{
		TicketPrice:      models.MustParseEther("0.001"),
		PayoutMultiplier: 85,
		Range:            100,
		MaxTickets:       10,
	}
}

// Lotto is the scheduled draw game. Tickets are bought against an open
// draw whose secret was committed before the first sale.
type Lotto struct {
	cfg LottoConfig
}

func NewLotto(cfg LottoConfig) *Lotto {
	return &Lotto{cfg: cfg}
}

func (l *Lotto) Name() string { return "lotto" }

func (l *Lotto) Config() LottoConfig { return l.cfg }

func (l *Lotto) Info() Info {
	return Info{
		Name:          l.Name(),
		Description:   "Pick a number, one number wins each draw",
		RTP:           strconv.FormatInt(l.cfg.PayoutMultiplier*100/l.cfg.Range, 10) + "%",
		MaxMultiplier: FormatMultiplier(l.cfg.PayoutMultiplier * BpsScale),
		Params: map[string]string{
			"pickedNumber": "1-" + strconv.FormatInt(l.cfg.Range, 10),
			"ticketCount":  "1-" + strconv.FormatInt(l.cfg.MaxTickets, 10),
			"ticketPrice":  models.FormatEther(l.cfg.TicketPrice),
		},
		Modes: []string{string(models.ModeDraw)},
	}
}

// ParseTicket validates pickedNumber and ticketCount (default 1).
func (l *Lotto) ParseTicket(params models.Params) (pick, count int64, err error) {
	pick, err = params.Int("pickedNumber", 0)
	if err != nil {
		return 0, 0, models.WrapError(models.CodeInvalidBet, "invalid pickedNumber", err)
	}
	if pick < 1 || pick > l.cfg.Range {
		return 0, 0, models.Errorf(models.CodeInvalidBet, "pickedNumber must be 1-%d", l.cfg.Range)
	}

	count, err = params.Int("ticketCount", 1)
	if err != nil {
		return 0, 0, models.WrapError(models.CodeInvalidBet, "invalid ticketCount", err)
	}
	if count < 1 || count > l.cfg.MaxTickets {
		return 0, 0, models.Errorf(models.CodeInvalidBet, "ticketCount must be 1-%d", l.cfg.MaxTickets)
	}
	return pick, count, nil
}

func (l *Lotto) Cost(count int64) *big.Int {
	return new(big.Int).Mul(l.cfg.TicketPrice, big.NewInt(count))
}

// Liability is the payout owed if every ticket in cost wins.
func (l *Lotto) Liability(cost *big.Int) *big.Int {
	return new(big.Int).Mul(cost, big.NewInt(l.cfg.PayoutMultiplier))
}

// MaxTicketsFor is how many tickets a free bankroll can still cover.
func (l *Lotto) MaxTicketsFor(available *big.Int) int64 {
	per := l.Liability(l.cfg.TicketPrice)
	if per.Sign() == 0 {
		return 0
	}
	return new(big.Int).Quo(available, per).Int64()
}

// WinningNumber derives the draw result from the revealed secret.
func (l *Lotto) WinningNumber(secret string, drawID int64) int64 {
	sum := sha256.Sum256([]byte(secret + strconv.FormatInt(drawID, 10)))
	return int64(binary.BigEndian.Uint32(sum[0:4])%uint32(l.cfg.Range)) + 1
}
