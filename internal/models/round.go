package models

import (
	"math/big"
	"time"
)

type RandomnessMode string

const (
	ModeCommitReveal RandomnessMode = "commit_reveal"
	ModeEntropy      RandomnessMode = "entropy"
	ModeDraw         RandomnessMode = "draw"
	ModePurchase     RandomnessMode = "purchase"
)

// GameRound is the immutable record of one settled wager.
type GameRound struct {
	ID            string                 `json:"id"`
	Game          string                 `json:"game"`
	Mode          RandomnessMode         `json:"mode"`
	Bet           *big.Int               `json:"bet"`
	Payout        *big.Int               `json:"payout"`
	Won           bool                   `json:"won"`
	MultiplierBps int64                  `json:"multiplierBps"`
	Outcome       map[string]interface{} `json:"outcome,omitempty"`
	ResultHash    string                 `json:"resultHash,omitempty"`
	Nonce         uint64                 `json:"nonce"`
	AgentBalance  *big.Int               `json:"agentBalance"`
	CasinoBalance *big.Int               `json:"casinoBalance"`
	Timestamp     time.Time              `json:"timestamp"`
}
