package services

import (
	"context"
	"math/big"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
)

func (e *GamingEngine) lottoGame() (*games.Lotto, error) {
	lotto := e.registry.Lotto()
	if lotto == nil {
		return nil, models.NewError(models.CodeUnsupportedAction, "lotto is disabled")
	}
	return lotto, nil
}

// currentDraw returns the draw taking tickets, persisting it when it was
// just created so its commitment survives a restart.
func (e *GamingEngine) currentDraw(ctx context.Context) (*models.Draw, error) {
	d, created, err := e.lotto.Ensure(e.now())
	if err != nil {
		return nil, models.WrapError(models.CodeInternal, "commit draw secret", err)
	}
	if created {
		if err := e.store.SaveDraw(ctx, d); err != nil {
			e.log.Warn("failed to persist new draw", "draw", d.ID, "err", err)
		}
		e.log.Info("draw opened", "draw", d.ID, "commitment", d.Commitment, "drawTime", d.DrawTime)
	}
	return d, nil
}

func (e *GamingEngine) saveDraw(ctx context.Context, id int64) error {
	d, ok := e.lotto.Get(id)
	if !ok {
		return models.Errorf(models.CodeDrawNotFound, "draw %d not found", id)
	}
	if err := e.store.SaveDraw(ctx, d); err != nil {
		e.log.Warn("failed to persist draw", "draw", id, "err", err)
		return err
	}
	return nil
}

func (e *GamingEngine) LottoBuy(ctx context.Context, agent string, params models.Params) (Result, error) {
	lotto, err := e.lottoGame()
	if err != nil {
		return nil, err
	}
	pick, count, err := lotto.ParseTicket(params)
	if err != nil {
		return nil, err
	}
	cost := lotto.Cost(count)
	liability := lotto.Liability(cost)

	entry, ok := e.channels.lookup(agent)
	if !ok {
		return nil, errNoChannel()
	}
	draw, err := e.currentDraw(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()

	entry.mu.Lock()
	ch := entry.ch
	if !ch.IsOpen() {
		entry.mu.Unlock()
		return nil, errNoChannel()
	}
	if ch.AgentBalance.Cmp(cost) < 0 {
		entry.mu.Unlock()
		return nil, models.Errorf(models.CodeInsufficientFunds, "agent balance %s ETH below ticket cost %s ETH",
			models.FormatEther(ch.AgentBalance), models.FormatEther(cost))
	}
	free := new(big.Int).Add(ch.Available(), cost)
	if free.Cmp(liability) < 0 {
		room := lotto.MaxTicketsFor(free)
		entry.mu.Unlock()
		return nil, models.Errorf(models.CodeMaxBetExceeded,
			"draw exposure exceeds channel bankroll; at most %d more tickets", room)
	}

	ticket := &models.Ticket{
		ID:           uuid.New().String(),
		Agent:        agent,
		ChannelID:    ch.ID,
		PickedNumber: pick,
		TicketCount:  count,
		Cost:         cost,
		Status:       models.TicketActive,
		Nonce:        ch.Nonce + 1,
		CreatedAt:    now,
	}
	if err := e.lotto.AddTicket(draw.ID, ticket, now); err != nil {
		entry.mu.Unlock()
		return nil, err
	}

	snap := ch.Clone()
	if err := ch.Settle(cost, new(big.Int)); err != nil {
		entry.mu.Unlock()
		e.lotto.RemoveTicket(draw.ID, ticket.ID)
		return nil, err
	}
	ch.Reserve(draw.ID, liability)
	round := &models.GameRound{
		ID:     ticket.ID,
		Game:   lotto.Name(),
		Mode:   models.ModePurchase,
		Bet:    new(big.Int).Set(cost),
		Payout: new(big.Int),
		Outcome: map[string]interface{}{
			"drawId":       draw.ID,
			"pickedNumber": pick,
			"ticketCount":  count,
		},
	}
	ch.Record(round, now)
	post := ch.Clone()
	entry.mu.Unlock()

	sig, err := e.commitState(ctx, entry, stateChange{
		snap:   snap,
		post:   post,
		round:  round,
		before: func(ctx context.Context) error { return e.saveDraw(ctx, draw.ID) },
		undo: func() {
			e.lotto.RemoveTicket(draw.ID, ticket.ID)
			e.saveDraw(context.Background(), draw.ID)
		},
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("lotto ticket bought", "agent", logging.ShortAddr(agent), "draw", draw.ID,
		"pick", pick, "count", count, "cost", models.FormatEther(cost))

	result := Result{
		"drawId":       draw.ID,
		"ticketId":     ticket.ID,
		"pickedNumber": pick,
		"ticketCount":  count,
		"totalCost":    models.FormatEther(cost),
		"ticketPrice":  models.FormatEther(lotto.Config().TicketPrice),
		"commitment":   draw.Commitment,
		"drawTime":     draw.DrawTime.UnixMilli(),
		"signature":    sig,
	}
	balanceFields(result, post)
	e.events.Publish(models.NewEvent(models.EventLottoTicket, "lotto_buy", agent, result))
	return result, nil
}

// LottoStatus describes the open draw. When agent is a valid address
// its tickets in that draw are included.
func (e *GamingEngine) LottoStatus(ctx context.Context, agent string) (Result, error) {
	lotto, err := e.lottoGame()
	if err != nil {
		return nil, err
	}
	d, err := e.currentDraw(ctx)
	if err != nil {
		return nil, err
	}
	cfg := lotto.Config()

	result := Result{
		"drawId":           d.ID,
		"commitment":       d.Commitment,
		"drawTime":         d.DrawTime.UnixMilli(),
		"ticketPrice":      models.FormatEther(cfg.TicketPrice),
		"payoutMultiplier": cfg.PayoutMultiplier,
		"range":            cfg.Range,
		"maxTickets":       cfg.MaxTickets,
		"totalTickets":     d.TotalTickets(),
		"totalPool":        models.FormatEther(d.TotalPool()),
	}

	if addr, err := models.NormalizeAgent(agent); err == nil {
		var mine []map[string]interface{}
		for _, t := range d.Tickets {
			if t.Agent == addr && t.Status != models.TicketVoid {
				mine = append(mine, map[string]interface{}{
					"ticketId":     t.ID,
					"pickedNumber": t.PickedNumber,
					"ticketCount":  t.TicketCount,
					"cost":         models.FormatEther(t.Cost),
				})
			}
		}
		result["myTickets"] = mine
	}
	return result, nil
}

// LottoHistory reveals a drawn draw: secret, winning number and winners.
func (e *GamingEngine) LottoHistory(params models.Params) (Result, error) {
	id, err := params.Int("drawId", 0)
	if err != nil {
		return nil, err
	}
	d, ok := e.lotto.Get(id)
	if !ok || !d.Drawn {
		return nil, models.Errorf(models.CodeDrawNotFound, "draw %d not found or not drawn yet", id)
	}

	winners := []map[string]interface{}{}
	for _, t := range d.Tickets {
		if t.Status != models.TicketWon {
			continue
		}
		winners = append(winners, map[string]interface{}{
			"agent":        t.Agent,
			"pickedNumber": t.PickedNumber,
			"ticketCount":  t.TicketCount,
			"payout":       models.FormatEther(t.Payout),
		})
	}

	result := Result{
		"drawId":        d.ID,
		"commitment":    d.Commitment,
		"secret":        d.Secret,
		"winningNumber": d.WinningNumber,
		"drawTime":      d.DrawTime.UnixMilli(),
		"totalTickets":  d.TotalTickets(),
		"totalPool":     models.FormatEther(d.TotalPool()),
		"winners":       winners,
	}
	if d.DrawnAt != nil {
		result["drawnAt"] = d.DrawnAt.UnixMilli()
	}
	return result, nil
}

// SettleDueDraws reveals and pays every draw past its draw time. A draw
// is marked drawn only once all its tickets are settled and persisted,
// so a failed tick is retried on the next one.
func (e *GamingEngine) SettleDueDraws(ctx context.Context) error {
	lotto := e.registry.Lotto()
	if lotto == nil {
		return nil
	}

	var firstErr error
	for _, id := range e.lotto.Due(e.now()) {
		if err := e.settleDraw(ctx, lotto, id); err != nil {
			e.log.Error("draw settlement failed", "draw", id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *GamingEngine) settleDraw(ctx context.Context, lotto *games.Lotto, id int64) error {
	d, err := e.lotto.Close(id)
	if err != nil {
		return err
	}
	if !fairness.Verify(d.Commitment, d.Secret) {
		return e.fairnessViolation("", lotto.Name(), "draw secret does not match commitment",
			"draw", d.ID, "commitment", d.Commitment)
	}
	winning := lotto.WinningNumber(d.Secret, d.ID)

	byAgent := map[string][]*models.Ticket{}
	for _, t := range d.Tickets {
		if t.Status == models.TicketActive {
			byAgent[t.Agent] = append(byAgent[t.Agent], t)
		}
	}
	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var firstErr error
	for _, agent := range agents {
		if err := e.settleTickets(ctx, lotto, d, winning, agent, byAgent[agent]); err != nil {
			e.log.Warn("lotto tickets not settled", "draw", d.ID, "agent", logging.ShortAddr(agent), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	drawn, ok := e.lotto.Finished(d.ID, winning, e.now())
	if !ok {
		e.saveDraw(ctx, d.ID)
		if firstErr == nil {
			firstErr = errors.Errorf("draw %d has unsettled tickets", d.ID)
		}
		return firstErr
	}
	if err := e.store.SaveDraw(ctx, drawn); err != nil {
		return errors.Wrap(err, "persist drawn draw")
	}
	e.lotto.MarkDrawn(drawn)

	var winners int
	for _, t := range drawn.Tickets {
		if t.Status == models.TicketWon {
			winners++
		}
	}
	e.log.Info("draw settled", "draw", d.ID, "winningNumber", winning, "tickets", drawn.TotalTickets(), "winners", winners)
	e.events.Publish(models.NewEvent(models.EventLottoDrawn, "lotto_draw", "", map[string]interface{}{
		"drawId":        d.ID,
		"winningNumber": winning,
		"secret":        d.Secret,
		"totalTickets":  drawn.TotalTickets(),
		"totalPool":     models.FormatEther(drawn.TotalPool()),
		"winners":       winners,
	}))
	return nil
}

// settleTickets pays one agent's tickets in a draw. Tickets whose
// channel closed or was replaced are void.
func (e *GamingEngine) settleTickets(ctx context.Context, lotto *games.Lotto, d *models.Draw, winning int64, agent string, tickets []*models.Ticket) error {
	entry, ok := e.channels.lookup(agent)
	if !ok {
		e.lotto.SetTicketStatus(d.ID, ticketIDs(tickets), models.TicketVoid, nil)
		return nil
	}

	entry.mu.Lock()
	ch := entry.ch

	// A purchase rolled back after the draw closed leaves no ticket behind.
	current, _ := e.lotto.Get(d.ID)
	active := map[string]bool{}
	if current != nil {
		for _, t := range current.Tickets {
			active[t.ID] = t.Status == models.TicketActive
		}
	}

	var live, void []*models.Ticket
	for _, t := range tickets {
		if !active[t.ID] {
			continue
		}
		if ch.IsOpen() && t.ChannelID == ch.ID {
			live = append(live, t)
		} else {
			void = append(void, t)
		}
	}
	if len(void) > 0 {
		e.lotto.SetTicketStatus(d.ID, ticketIDs(void), models.TicketVoid, nil)
	}
	if len(live) == 0 {
		entry.mu.Unlock()
		return nil
	}

	payout := new(big.Int)
	settled := make(map[string]*models.Ticket, len(live))
	wagered := new(big.Int)
	for _, t := range live {
		wagered.Add(wagered, t.Cost)
		if t.PickedNumber == winning {
			won := lotto.Liability(t.Cost)
			payout.Add(payout, won)
			settled[t.ID] = &models.Ticket{Status: models.TicketWon, Payout: won}
		} else {
			settled[t.ID] = &models.Ticket{Status: models.TicketLost, Payout: new(big.Int)}
		}
	}

	if payout.Sign() == 0 {
		ch.Release(d.ID)
		post := ch.Clone()
		entry.mu.Unlock()

		entry.persist.Lock()
		err := e.saveLatest(ctx, entry, post)
		entry.persist.Unlock()
		if err != nil {
			return models.WrapError(models.CodeStorageUnavailable, "persist released reservation", err)
		}
		e.lotto.SetTicketStatus(d.ID, ticketIDs(live), models.TicketLost, settled)
		e.stats.Record(lotto.Name(), wagered, payout, false)
		return nil
	}

	snap := ch.Clone()
	if err := ch.Credit(d.ID, payout); err != nil {
		entry.mu.Unlock()
		return err
	}
	round := &models.GameRound{
		ID:            uuid.New().String(),
		Game:          lotto.Name(),
		Mode:          models.ModeDraw,
		Bet:           new(big.Int),
		Payout:        payout,
		Won:           true,
		MultiplierBps: lotto.Config().PayoutMultiplier * games.BpsScale,
		Outcome: map[string]interface{}{
			"drawId":        d.ID,
			"winningNumber": winning,
		},
		ResultHash: fairness.Hash(d.Secret + strconv.FormatInt(d.ID, 10)),
	}
	ch.Record(round, e.now())
	post := ch.Clone()
	entry.mu.Unlock()

	if _, err := e.commitState(ctx, entry, stateChange{snap: snap, post: post, round: round}); err != nil && !errors.Is(err, errRoundUnsigned) {
		return err
	}

	e.lotto.SetTicketStatus(d.ID, ticketIDs(live), models.TicketLost, settled)
	e.stats.Record(lotto.Name(), wagered, payout, true)
	e.log.Info("lotto winnings credited", "draw", d.ID, "agent", logging.ShortAddr(agent), "payout", models.FormatEther(payout))
	return nil
}

// SweepExpired drops stale commits and settles or voids entropy wagers
// whose round has resolved.
func (e *GamingEngine) SweepExpired(ctx context.Context) {
	for _, p := range e.commits.expire(e.now(), e.opts.CommitTTL) {
		e.log.Info("pending commit expired", "agent", logging.ShortAddr(p.Agent), "game", p.Game)
	}

	for _, p := range e.commits.entropyCommits() {
		round, err := e.entropy.Get(p.RoundID)
		switch {
		case err != nil || round.State == fairness.EntropyExpired:
			e.voidEntropy(p.Agent, p.Game, p.RoundID)
		case round.State == fairness.EntropyFulfilled:
			game, ok := e.registry.Get(p.Game)
			if !ok {
				continue
			}
			if _, err := e.finalizeEntropy(ctx, p.Agent, game, round); err != nil {
				e.log.Warn("entropy wager not finalized", "agent", logging.ShortAddr(p.Agent), "round", p.RoundID, "err", err)
			}
		}
	}

	if expired := e.entropy.Sweep(); len(expired) > 0 {
		e.log.Debug("entropy rounds expired", "count", len(expired))
	}
}

func ticketIDs(tickets []*models.Ticket) []string {
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	return ids
}
