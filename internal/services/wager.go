package services

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
)

// HandleGameAction routes "<game>_<op>" actions for the instant games.
func (e *GamingEngine) HandleGameAction(ctx context.Context, route, agent string, params models.Params) (Result, error) {
	name, op, ok := strings.Cut(route, "_")
	game, found := e.registry.Get(name)
	if !ok || !found {
		return nil, models.Errorf(models.CodeUnsupportedAction, "unsupported action %q", route)
	}

	switch op {
	case "commit":
		return e.commit(ctx, game, agent, params)
	case "reveal":
		return e.reveal(ctx, game, agent, params)
	case "entropy_commit":
		return e.entropyCommit(ctx, game, agent, params)
	case "entropy_status":
		return e.entropyStatus(game, agent, params)
	case "entropy_finalize":
		return e.entropyFinalize(ctx, game, agent, params)
	}
	return nil, models.Errorf(models.CodeUnsupportedAction, "unsupported action %q", route)
}

func (e *GamingEngine) prepareWager(game games.Game, params models.Params) (*games.Wager, error) {
	bet, err := params.Ether("betAmount")
	if err != nil {
		return nil, models.WrapError(models.CodeInvalidBet, "invalid betAmount", err)
	}
	if bet.Cmp(e.opts.MinBet) < 0 {
		return nil, models.Errorf(models.CodeInvalidBet, "minimum bet is %s ETH", models.FormatEther(e.opts.MinBet))
	}
	return game.Prepare(bet, params)
}

// checkWager runs the balance and bankroll checks against ch and
// returns the current max bet. Caller holds the entry lock.
func (e *GamingEngine) checkWager(ch *models.Channel, w *games.Wager) (*big.Int, error) {
	if !ch.IsOpen() {
		return nil, errNoChannel()
	}
	if ch.AgentBalance.Cmp(w.Bet) < 0 {
		return nil, models.Errorf(models.CodeInsufficientFunds, "agent balance %s ETH below bet %s ETH",
			models.FormatEther(ch.AgentBalance), models.FormatEther(w.Bet))
	}
	maxBet := games.MaxBet(ch.Available(), w.MaxMultiplierBps, e.opts.SafetyMargin)
	if w.Bet.Cmp(maxBet) > 0 {
		return nil, models.Errorf(models.CodeMaxBetExceeded, "bet %s ETH exceeds max bet %s ETH",
			models.FormatEther(w.Bet), models.FormatEther(maxBet))
	}
	return maxBet, nil
}

func (e *GamingEngine) wagerResult(game games.Game, w *games.Wager, maxBet *big.Int) Result {
	r := Result{
		"game":       game.Name(),
		"betAmount":  models.FormatEther(w.Bet),
		"maxBet":     models.FormatEther(maxBet),
		"multiplier": games.FormatMultiplier(w.MaxMultiplierBps),
	}
	for k, v := range w.Fields() {
		r[k] = v
	}
	return r
}

func (e *GamingEngine) commit(ctx context.Context, game games.Game, agent string, params models.Params) (Result, error) {
	w, err := e.prepareWager(game, params)
	if err != nil {
		return nil, err
	}
	entry, ok := e.channels.lookup(agent)
	if !ok {
		return nil, errNoChannel()
	}

	secret, commitment, err := fairness.Commit()
	if err != nil {
		return nil, models.WrapError(models.CodeInternal, "draw house seed", err)
	}
	now := e.now()

	entry.mu.Lock()
	maxBet, err := e.checkWager(entry.ch, w)
	if err == nil {
		err = e.commits.reserve(&PendingCommit{
			Agent:      agent,
			Game:       game.Name(),
			Mode:       models.ModeCommitReveal,
			Wager:      w,
			HouseSeed:  secret,
			Commitment: commitment,
			CreatedAt:  now,
		})
	}
	entry.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.log.Debug("wager committed", "agent", logging.ShortAddr(agent), "game", game.Name(), "bet", models.FormatEther(w.Bet))

	result := e.wagerResult(game, w, maxBet)
	result["commitment"] = commitment
	result["expiresAt"] = now.Add(e.opts.CommitTTL).UnixMilli()
	return result, nil
}

func (e *GamingEngine) reveal(ctx context.Context, game games.Game, agent string, params models.Params) (Result, error) {
	agentSeed := params.String("agentSeed")
	if agentSeed == "" {
		return nil, models.NewError(models.CodeInvalidParams, "missing agentSeed")
	}

	p, ok := e.commits.take(agent, game.Name(), models.ModeCommitReveal, "")
	if !ok {
		return nil, models.Errorf(models.CodeCommitNotFound, "no pending %s commit", game.Name())
	}
	if p.Expired(e.now(), e.opts.CommitTTL) {
		p.Status = CommitExpired
		return nil, models.NewError(models.CodeCommitExpired, "commit expired; wager voided")
	}

	if !fairness.Verify(p.Commitment, p.HouseSeed) {
		return nil, e.fairnessViolation(agent, game.Name(), "house seed does not match commitment",
			"commitment", p.Commitment)
	}
	if params.Has("commitment") && !fairness.SameHash(params.String("commitment"), p.Commitment) {
		return nil, e.fairnessViolation(agent, game.Name(), "commitment differs from the one issued",
			"issued", p.Commitment, "presented", params.String("commitment"))
	}

	result, err := e.settle(ctx, settlement{
		agent: agent,
		game:  game,
		wager: p.Wager,
		mode:  models.ModeCommitReveal,
		digest: func(nonce uint64) (string, []byte) {
			return fairness.ComputeResult(p.HouseSeed, agentSeed, nonce)
		},
		proof: func(nonce uint64, resultHash string) map[string]interface{} {
			return map[string]interface{}{
				"casinoSeed": p.HouseSeed,
				"agentSeed":  agentSeed,
				"commitment": p.Commitment,
				"resultHash": resultHash,
				"nonce":      nonce,
			}
		},
		undo: func() { e.commits.restore(p) },
	})
	if err != nil {
		return nil, err
	}
	p.Status = CommitResolved
	return result, nil
}

func (e *GamingEngine) entropyCommit(ctx context.Context, game games.Game, agent string, params models.Params) (Result, error) {
	w, err := e.prepareWager(game, params)
	if err != nil {
		return nil, err
	}
	entry, ok := e.channels.lookup(agent)
	if !ok {
		return nil, errNoChannel()
	}
	now := e.now()

	entry.mu.Lock()
	maxBet, err := e.checkWager(entry.ch, w)
	var round fairness.EntropyRound
	if err == nil {
		round = e.entropy.Request(agent, game.Name())
		err = e.commits.reserve(&PendingCommit{
			Agent:     agent,
			Game:      game.Name(),
			Mode:      models.ModeEntropy,
			Wager:     w,
			RoundID:   round.ID,
			CreatedAt: now,
		})
		if err != nil {
			e.entropy.Remove(round.ID)
		}
	}
	entry.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := e.oracle.RequestRandomness(ctx, round); err != nil {
		e.commits.take(agent, game.Name(), models.ModeEntropy, round.ID)
		e.entropy.Remove(round.ID)
		return nil, models.WrapError(models.CodeInternal, "request entropy", err)
	}

	result := e.wagerResult(game, w, maxBet)
	result["roundId"] = round.ID
	result["state"] = round.State
	result["expiresAt"] = round.RequestedAt.Add(e.opts.EntropyTTL).UnixMilli()
	return result, nil
}

func (e *GamingEngine) entropyRound(game games.Game, agent string, params models.Params) (fairness.EntropyRound, error) {
	id := params.String("roundId")
	if id == "" {
		return fairness.EntropyRound{}, models.NewError(models.CodeInvalidParams, "missing roundId")
	}
	round, err := e.entropy.Get(id)
	if err != nil || round.Agent != agent || round.Game != game.Name() {
		return fairness.EntropyRound{}, models.Errorf(models.CodeCommitNotFound, "entropy round %s not found", id)
	}
	return round, nil
}

func (e *GamingEngine) entropyStatus(game games.Game, agent string, params models.Params) (Result, error) {
	if _, ok := e.finalizedResult(params.String("roundId"), agent); ok {
		return Result{"roundId": params.String("roundId"), "state": "finalized"}, nil
	}

	round, err := e.entropyRound(game, agent, params)
	if err != nil {
		return nil, err
	}
	result := Result{
		"roundId":     round.ID,
		"state":       round.State,
		"requestedAt": round.RequestedAt.UnixMilli(),
		"expiresAt":   round.RequestedAt.Add(e.opts.EntropyTTL).UnixMilli(),
	}
	if round.State == fairness.EntropyFulfilled {
		result["providerRef"] = round.ProviderRef
		result["fulfilledAt"] = round.FulfilledAt.UnixMilli()
	}
	return result, nil
}

func (e *GamingEngine) entropyFinalize(ctx context.Context, game games.Game, agent string, params models.Params) (Result, error) {
	id := params.String("roundId")
	if err := e.awaitSettling(ctx, id); err != nil {
		return nil, err
	}
	if res, ok := e.finalizedResult(id, agent); ok {
		return res, nil
	}

	round, err := e.entropyRound(game, agent, params)
	if err != nil {
		if res, ok := e.finalizedResult(id, agent); ok {
			return res, nil
		}
		return nil, err
	}
	if p, ok := e.commits.peek(agent, game.Name(), models.ModeEntropy); !ok || p.RoundID != round.ID {
		// Settled, or being settled by the sweep.
		return e.finalizeEntropy(ctx, agent, game, round)
	}

	if round.State == fairness.EntropyRequested && params.Bool("wait") {
		wctx, cancel := context.WithTimeout(ctx, e.opts.FinalizeWait)
		round, err = e.entropy.Await(wctx, round.ID)
		cancel()
		if errors.Is(err, fairness.ErrRoundNotFound) {
			return nil, models.Errorf(models.CodeCommitNotFound, "entropy round %s not found", id)
		}
	}

	switch round.State {
	case fairness.EntropyExpired:
		e.voidEntropy(agent, game.Name(), round.ID)
		return nil, models.NewError(models.CodeCommitExpired, "entropy round expired; wager voided")
	case fairness.EntropyRequested:
		return nil, models.Errorf(models.CodeEntropyPending, "entropy for round %s not yet fulfilled", round.ID)
	}

	return e.finalizeEntropy(ctx, agent, game, round)
}

// finalizeEntropy settles a fulfilled round. The scheduler also calls it
// so a fulfilled wager settles whether or not the agent asks.
func (e *GamingEngine) finalizeEntropy(ctx context.Context, agent string, game games.Game, round fairness.EntropyRound) (Result, error) {
	done := make(chan struct{})
	if _, busy := e.settling.LoadOrStore(round.ID, done); busy {
		if err := e.awaitSettling(ctx, round.ID); err != nil {
			return nil, err
		}
		return e.finalizeEntropy(ctx, agent, game, round)
	}
	defer func() {
		e.settling.Delete(round.ID)
		close(done)
	}()

	p, ok := e.commits.take(agent, game.Name(), models.ModeEntropy, round.ID)
	if !ok {
		if res, ok := e.finalizedResult(round.ID, agent); ok {
			return res, nil
		}
		return nil, models.Errorf(models.CodeCommitNotFound, "no pending %s wager for round %s", game.Name(), round.ID)
	}

	restored := false
	value := round.Value
	result, err := e.settle(ctx, settlement{
		agent: agent,
		game:  game,
		wager: p.Wager,
		mode:  models.ModeEntropy,
		digest: func(uint64) (string, []byte) {
			return hex.EncodeToString(value), value
		},
		proof: func(nonce uint64, resultHash string) map[string]interface{} {
			return map[string]interface{}{
				"roundId":     round.ID,
				"randomValue": round.ValueHex(),
				"providerRef": round.ProviderRef,
				"resultHash":  resultHash,
				"nonce":       nonce,
			}
		},
		undo: func() {
			e.commits.restore(p)
			restored = true
		},
	})
	if err != nil {
		if !restored {
			e.entropy.Remove(round.ID)
		}
		return nil, err
	}

	p.Status = CommitResolved
	e.finalized.Add(round.ID, finalizedRound{agent: agent, result: copyResult(result)})
	e.entropy.Remove(round.ID)
	return result, nil
}

// awaitSettling blocks while another caller is settling the round.
func (e *GamingEngine) awaitSettling(ctx context.Context, roundID string) error {
	v, ok := e.settling.Load(roundID)
	if !ok {
		return nil
	}
	select {
	case <-v.(chan struct{}):
		return nil
	case <-ctx.Done():
		return models.Errorf(models.CodeEntropyPending, "round %s is being settled", roundID)
	}
}

func (e *GamingEngine) finalizedResult(roundID, agent string) (Result, bool) {
	v, ok := e.finalized.Get(roundID)
	if !ok {
		return nil, false
	}
	done := v.(finalizedRound)
	if done.agent != agent {
		return nil, false
	}
	return copyResult(done.result), true
}

func (e *GamingEngine) voidEntropy(agent, game, roundID string) {
	if p, ok := e.commits.take(agent, game, models.ModeEntropy, roundID); ok {
		p.Status = CommitExpired
		e.log.Info("entropy wager voided", "agent", logging.ShortAddr(agent), "game", game, "round", roundID)
	}
	e.entropy.Remove(roundID)
}

type settlement struct {
	agent  string
	game   games.Game
	wager  *games.Wager
	mode   models.RandomnessMode
	digest func(nonce uint64) (resultHash string, digest []byte)
	proof  func(nonce uint64, resultHash string) map[string]interface{}
	undo   func()
}

// settle resolves and applies one wager at the channel's next nonce.
func (e *GamingEngine) settle(ctx context.Context, s settlement) (Result, error) {
	entry, ok := e.channels.lookup(s.agent)
	if !ok {
		return nil, errNoChannel()
	}
	bet := s.wager.Bet

	entry.mu.Lock()
	ch := entry.ch
	if _, err := e.checkWager(ch, s.wager); err != nil {
		entry.mu.Unlock()
		return nil, err
	}

	nonce := ch.Nonce + 1
	resultHash, digest := s.digest(nonce)
	out := s.game.Resolve(s.wager, digest)
	payout := games.CapPayout(games.Payout(bet, out.MultiplierBps), ch.Available(), bet)

	snap := ch.Clone()
	if err := ch.Settle(bet, payout); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	round := &models.GameRound{
		ID:            uuid.New().String(),
		Game:          s.game.Name(),
		Mode:          s.mode,
		Bet:           new(big.Int).Set(bet),
		Payout:        payout,
		Won:           out.Won,
		MultiplierBps: out.MultiplierBps,
		Outcome:       out.Fields,
		ResultHash:    resultHash,
	}
	ch.Record(round, e.now())
	post := ch.Clone()
	entry.mu.Unlock()

	sig, err := e.commitState(ctx, entry, stateChange{snap: snap, post: post, round: round, undo: s.undo})
	if err != nil {
		return nil, err
	}

	e.stats.Record(s.game.Name(), bet, payout, out.Won)

	result := Result{}
	for k, v := range out.Fields {
		result[k] = v
	}
	result["game"] = s.game.Name()
	result["mode"] = s.mode
	result["won"] = out.Won
	result["betAmount"] = models.FormatEther(bet)
	result["payout"] = models.FormatEther(payout)
	result["payoutWei"] = payout.String()
	result["signature"] = sig
	result["proof"] = s.proof(post.Nonce, resultHash)
	balanceFields(result, post)

	e.log.Info("round settled", "agent", logging.ShortAddr(s.agent), "game", s.game.Name(), "mode", s.mode,
		"nonce", post.Nonce, "bet", models.FormatEther(bet), "payout", models.FormatEther(payout), "won", out.Won)
	e.events.Publish(models.NewEvent(models.EventGameSettled, s.game.Name(), s.agent, result))
	return result, nil
}

func copyResult(r Result) Result {
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
