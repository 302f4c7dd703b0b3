package services

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"agent-royale-backend/internal/logging"
)

// Scheduler drives the periodic work: draw settlement and expiry of
// pending wagers. Each tick is idempotent.
type Scheduler struct {
	engine   *GamingEngine
	interval time.Duration
	log      log.Logger
}

func NewScheduler(engine *GamingEngine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{engine: engine, interval: interval, log: logging.New("scheduler")}
}

// Start runs ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	s.engine.SweepExpired(ctx)
	if err := s.engine.SettleDueDraws(ctx); err != nil {
		s.log.Warn("draw settlement incomplete, retrying next tick", "err", err)
	}
}
