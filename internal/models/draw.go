package models

import (
	"math/big"
	"time"
)

// Draw is one lotto round. Secret stays server side until the draw is
// revealed; handlers never serialize a Draw directly.
type Draw struct {
	ID            int64      `json:"id"`
	Commitment    string     `json:"commitment"`
	Secret        string     `json:"secret"`
	DrawTime      time.Time  `json:"drawTime"`
	Closed        bool       `json:"closed"`
	Drawn         bool       `json:"drawn"`
	WinningNumber int64      `json:"winningNumber,omitempty"`
	Tickets       []*Ticket  `json:"tickets"`
	CreatedAt     time.Time  `json:"createdAt"`
	DrawnAt       *time.Time `json:"drawnAt,omitempty"`
}

type TicketStatus string

const (
	TicketActive TicketStatus = "active"
	TicketWon    TicketStatus = "won"
	TicketLost   TicketStatus = "lost"
	TicketVoid   TicketStatus = "void"
)

type Ticket struct {
	ID           string       `json:"id"`
	Agent        string       `json:"agent"`
	ChannelID    string       `json:"channelId"`
	PickedNumber int64        `json:"pickedNumber"`
	TicketCount  int64        `json:"ticketCount"`
	Cost         *big.Int     `json:"cost"`
	Payout       *big.Int     `json:"payout,omitempty"`
	Status       TicketStatus `json:"status"`
	Nonce        uint64       `json:"nonce"`
	CreatedAt    time.Time    `json:"createdAt"`
}

func (t *Ticket) Settled() bool {
	return t.Status != TicketActive
}

func (d *Draw) Open(now time.Time) bool {
	return !d.Closed && !d.Drawn && now.Before(d.DrawTime)
}

func (d *Draw) Due(now time.Time) bool {
	return !d.Drawn && !now.Before(d.DrawTime)
}

func (d *Draw) TotalTickets() int64 {
	var n int64
	for _, t := range d.Tickets {
		if t.Status != TicketVoid {
			n += t.TicketCount
		}
	}
	return n
}

func (d *Draw) TotalPool() *big.Int {
	pool := new(big.Int)
	for _, t := range d.Tickets {
		if t.Status != TicketVoid {
			pool.Add(pool, t.Cost)
		}
	}
	return pool
}

func (d *Draw) AllSettled() bool {
	for _, t := range d.Tickets {
		if !t.Settled() {
			return false
		}
	}
	return true
}
