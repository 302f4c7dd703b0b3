package services

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/logging"
)

// Oracle is asked for randomness once per entropy round. The value
// arrives later through EntropyBook.Fulfill.
type Oracle interface {
	RequestRandomness(ctx context.Context, round fairness.EntropyRound) error
}

// LocalOracle fulfills rounds from crypto/rand after a delay. It stands
// in for an on-chain entropy provider in development.
type LocalOracle struct {
	book  *fairness.EntropyBook
	delay time.Duration
	log   log.Logger
}

func NewLocalOracle(book *fairness.EntropyBook, delay time.Duration) *LocalOracle {
	return &LocalOracle{book: book, delay: delay, log: logging.New("oracle")}
}

func (o *LocalOracle) RequestRandomness(_ context.Context, round fairness.EntropyRound) error {
	go func() {
		if o.delay > 0 {
			time.Sleep(o.delay)
		}

		value := make([]byte, fairness.SeedBytes)
		if _, err := rand.Read(value); err != nil {
			o.log.Error("local entropy read failed", "round", round.ID, "err", err)
			return
		}
		if err := o.book.Fulfill(round.ID, value, "local:"+round.ID); err != nil {
			o.log.Warn("local entropy not applied", "round", round.ID, "err", err)
		}
	}()
	return nil
}

// CallbackOracle leaves rounds pending for an external relay, which
// polls GET /oracle/pending and posts POST /oracle/callback.
type CallbackOracle struct {
	log log.Logger
}

func NewCallbackOracle() *CallbackOracle {
	return &CallbackOracle{log: logging.New("oracle")}
}

func (o *CallbackOracle) RequestRandomness(_ context.Context, round fairness.EntropyRound) error {
	o.log.Debug("entropy requested", "round", round.ID, "game", round.Game)
	return nil
}
