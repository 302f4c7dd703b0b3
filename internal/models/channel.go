package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

type ChannelStatus string

const (
	ChannelOpen   ChannelStatus = "open"
	ChannelClosed ChannelStatus = "closed"
)

// Channel is the off-chain ledger for one agent. Deposits are fixed at
// open; balances only move through settled rounds.
type Channel struct {
	ID            string        `json:"id"`
	Agent         string        `json:"agent"`
	AgentDeposit  *big.Int      `json:"agentDeposit"`
	CasinoDeposit *big.Int      `json:"casinoDeposit"`
	AgentBalance  *big.Int      `json:"agentBalance"`
	CasinoBalance *big.Int      `json:"casinoBalance"`
	Nonce         uint64        `json:"nonce"`
	GamesPlayed   uint64        `json:"gamesPlayed"`
	Status        ChannelStatus `json:"status"`
	Signature     string        `json:"signature,omitempty"`
	SignedNonce   uint64        `json:"signedNonce"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty"`

	// Reserved is the lotto liability per open draw, held against
	// CasinoBalance until the draw settles.
	Reserved map[int64]*big.Int `json:"reserved,omitempty"`

	// UnsignedNonces lists settled rounds whose own persist or sign step
	// failed after a later round had already built on them.
	UnsignedNonces []uint64 `json:"unsignedNonces,omitempty"`

	// Games is persisted separately as round history.
	Games []*GameRound `json:"-"`
}

func NewChannel(agent string, agentDeposit, casinoDeposit *big.Int, now time.Time) *Channel {
	return &Channel{
		ID:            uuid.New().String(),
		Agent:         agent,
		AgentDeposit:  cloneInt(agentDeposit),
		CasinoDeposit: cloneInt(casinoDeposit),
		AgentBalance:  cloneInt(agentDeposit),
		CasinoBalance: cloneInt(casinoDeposit),
		Status:        ChannelOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (c *Channel) IsOpen() bool {
	return c != nil && c.Status == ChannelOpen
}

func (c *Channel) Total() *big.Int {
	return new(big.Int).Add(c.AgentDeposit, c.CasinoDeposit)
}

// InvariantOK checks conservation, non-negativity and that reservations
// are covered by the casino balance.
func (c *Channel) InvariantOK() bool {
	if c.AgentBalance.Sign() < 0 || c.CasinoBalance.Sign() < 0 {
		return false
	}
	if new(big.Int).Add(c.AgentBalance, c.CasinoBalance).Cmp(c.Total()) != 0 {
		return false
	}
	return c.CasinoBalance.Cmp(c.ReservedTotal()) >= 0
}

func (c *Channel) ReservedTotal() *big.Int {
	total := new(big.Int)
	for _, v := range c.Reserved {
		total.Add(total, v)
	}
	return total
}

// Available is the part of the casino balance not held for lotto draws.
func (c *Channel) Available() *big.Int {
	avail := new(big.Int).Sub(c.CasinoBalance, c.ReservedTotal())
	if avail.Sign() < 0 {
		return new(big.Int)
	}
	return avail
}

// Settle moves a wager: the agent pays bet and receives payout.
// Nothing is mutated when either side would go negative or the casino
// would drop below its reservations.
func (c *Channel) Settle(bet, payout *big.Int) error {
	if c.AgentBalance.Cmp(bet) < 0 {
		return Errorf(CodeInsufficientFunds, "agent balance %s ETH below bet %s ETH",
			FormatEther(c.AgentBalance), FormatEther(bet))
	}

	casino := new(big.Int).Add(c.CasinoBalance, bet)
	casino.Sub(casino, payout)
	if casino.Cmp(c.ReservedTotal()) < 0 {
		return Errorf(CodeInsufficientFunds, "casino balance cannot cover payout %s ETH", FormatEther(payout))
	}

	agent := new(big.Int).Sub(c.AgentBalance, bet)
	agent.Add(agent, payout)

	c.AgentBalance = agent
	c.CasinoBalance = casino
	return nil
}

// Credit pays out previously reserved liability for drawID.
func (c *Channel) Credit(drawID int64, payout *big.Int) error {
	held := c.Reserved[drawID]
	if held == nil {
		held = new(big.Int)
	}
	if payout.Cmp(held) > 0 {
		return Errorf(CodeInsufficientFunds, "payout %s ETH exceeds reserved %s ETH",
			FormatEther(payout), FormatEther(held))
	}
	if c.CasinoBalance.Cmp(payout) < 0 {
		return Errorf(CodeInsufficientFunds, "casino balance cannot cover payout %s ETH", FormatEther(payout))
	}

	delete(c.Reserved, drawID)
	c.CasinoBalance = new(big.Int).Sub(c.CasinoBalance, payout)
	c.AgentBalance = new(big.Int).Add(c.AgentBalance, payout)
	return nil
}

func (c *Channel) Reserve(drawID int64, amount *big.Int) {
	if c.Reserved == nil {
		c.Reserved = make(map[int64]*big.Int)
	}
	held := c.Reserved[drawID]
	if held == nil {
		held = new(big.Int)
	}
	c.Reserved[drawID] = new(big.Int).Add(held, amount)
}

func (c *Channel) Release(drawID int64) {
	delete(c.Reserved, drawID)
}

// Record appends a settled round and advances the nonce. The round is
// stamped with the post-settlement balances.
func (c *Channel) Record(round *GameRound, now time.Time) {
	c.Nonce++
	c.GamesPlayed++
	c.UpdatedAt = now

	round.Nonce = c.Nonce
	round.AgentBalance = cloneInt(c.AgentBalance)
	round.CasinoBalance = cloneInt(c.CasinoBalance)
	round.Timestamp = now
	c.Games = append(c.Games, round)
}

// Clone copies balances and reservations. The round slice shares its
// backing array since history is append-only.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.AgentDeposit = cloneInt(c.AgentDeposit)
	cp.CasinoDeposit = cloneInt(c.CasinoDeposit)
	cp.AgentBalance = cloneInt(c.AgentBalance)
	cp.CasinoBalance = cloneInt(c.CasinoBalance)
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	if c.Reserved != nil {
		cp.Reserved = make(map[int64]*big.Int, len(c.Reserved))
		for k, v := range c.Reserved {
			cp.Reserved[k] = cloneInt(v)
		}
	}
	if c.UnsignedNonces != nil {
		cp.UnsignedNonces = append([]uint64(nil), c.UnsignedNonces...)
	}
	cp.Games = c.Games[:len(c.Games):len(c.Games)]
	return &cp
}

func (c *Channel) MarkUnsigned(nonce uint64) {
	if !c.IsUnsigned(nonce) {
		c.UnsignedNonces = append(c.UnsignedNonces, nonce)
	}
}

func (c *Channel) IsUnsigned(nonce uint64) bool {
	for _, n := range c.UnsignedNonces {
		if n == nonce {
			return true
		}
	}
	return false
}

// Restore resets c to a snapshot taken with Clone.
func (c *Channel) Restore(snap *Channel) {
	*c = *snap.Clone()
}

func (c *Channel) LastRound() *GameRound {
	if len(c.Games) == 0 {
		return nil
	}
	return c.Games[len(c.Games)-1]
}
