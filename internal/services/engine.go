package services

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
)

const finalizedCacheSize = 4096

// errRoundUnsigned marks a round that stays settled although persisting
// or signing it failed, because a later round had already built on it.
var errRoundUnsigned = errors.New("round settled without signature")

type EngineOptions struct {
	CommitTTL            time.Duration
	EntropyTTL           time.Duration
	DrawInterval         time.Duration
	FinalizeWait         time.Duration
	AllowConcurrentGames bool
	SafetyMargin         int64
	MinBet               *big.Int
	MinDeposit           *big.Int
	Clock                func() time.Time
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		CommitTTL:            5 * time.Minute,
		EntropyTTL:           5 * time.Minute,
		DrawInterval:         6 * time.Hour,
		FinalizeWait:         30 * time.Second,
		AllowConcurrentGames: true,
		SafetyMargin:         games.DefaultSafetyMargin,
		MinBet:               models.MustParseEther("0.0001"),
		MinDeposit:           models.MustParseEther("0.001"),
		Clock:                time.Now,
	}
}

// Result is the flat response object returned for an action.
type Result map[string]interface{}

type finalizedRound struct {
	agent  string
	result Result
}

// GamingEngine owns the channel ledger. Every balance change for an
// agent happens under that agent's entry lock; persistence and signing
// run after the lock is released.
type GamingEngine struct {
	store     Store
	signer    StateSigner
	registry  *games.Registry
	oracle    Oracle
	entropy   *fairness.EntropyBook
	channels  channelBook
	commits   *commitBook
	lotto     *LottoBook
	stats     *GameStats
	events    Broadcaster
	finalized *lru.Cache
	settling  sync.Map // entropy round id -> chan struct{}
	opts      EngineOptions
	log       log.Logger
}

func NewGamingEngine(store Store, signer StateSigner, registry *games.Registry, entropy *fairness.EntropyBook, oracle Oracle, opts EngineOptions) *GamingEngine {
	def := DefaultEngineOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.MinBet == nil {
		opts.MinBet = def.MinBet
	}
	if opts.MinDeposit == nil {
		opts.MinDeposit = def.MinDeposit
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = def.SafetyMargin
	}
	if opts.FinalizeWait <= 0 {
		opts.FinalizeWait = def.FinalizeWait
	}
	if opts.DrawInterval <= 0 {
		opts.DrawInterval = def.DrawInterval
	}

	finalized, _ := lru.New(finalizedCacheSize)

	return &GamingEngine{
		store:     store,
		signer:    signer,
		registry:  registry,
		oracle:    oracle,
		entropy:   entropy,
		commits:   newCommitBook(opts.AllowConcurrentGames),
		lotto:     NewLottoBook(opts.DrawInterval),
		stats:     NewGameStats(),
		events:    nopBroadcaster{},
		finalized: finalized,
		opts:      opts,
		log:       logging.New("engine"),
	}
}

func (e *GamingEngine) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	e.events = b
}

func (e *GamingEngine) Entropy() *fairness.EntropyBook {
	return e.entropy
}

func (e *GamingEngine) SignerAddress() string {
	return e.signer.Address()
}

func (e *GamingEngine) now() time.Time {
	return e.opts.Clock()
}

// Execute dispatches one transport action. Read-only public actions
// need no agent; everything else is keyed by the normalized address.
func (e *GamingEngine) Execute(ctx context.Context, action, agent string, params models.Params) (Result, error) {
	if params == nil {
		params = models.Params{}
	}

	switch action {
	case "info":
		return e.Info(), nil
	case "stats":
		return e.Stats(), nil
	case "lotto_status":
		return e.LottoStatus(ctx, agent)
	case "lotto_history":
		return e.LottoHistory(params)
	}

	addr, err := models.NormalizeAgent(agent)
	if err != nil {
		return nil, err
	}

	switch action {
	case "open_channel":
		agentDeposit, err := params.Ether("agentDeposit")
		if err != nil {
			return nil, models.WrapError(models.CodeInvalidDeposit, "invalid agentDeposit", err)
		}
		casinoDeposit := agentDeposit
		if params.Has("casinoDeposit") || params.Has("casinoDepositWei") {
			if casinoDeposit, err = params.Ether("casinoDeposit"); err != nil {
				return nil, models.WrapError(models.CodeInvalidDeposit, "invalid casinoDeposit", err)
			}
		}
		return e.OpenChannel(ctx, addr, agentDeposit, casinoDeposit)
	case "close_channel":
		return e.CloseChannel(ctx, addr)
	case "channel_status":
		return e.ChannelStatus(addr)
	case "lotto_buy":
		return e.LottoBuy(ctx, addr, params)
	}

	return e.HandleGameAction(ctx, action, addr, params)
}

// IsMutating reports whether an action changes balances and so must be
// replayed rather than re-executed for a repeated request.
func IsMutating(action string) bool {
	switch action {
	case "open_channel", "close_channel", "lotto_buy":
		return true
	}
	return strings.HasSuffix(action, "_reveal") || strings.HasSuffix(action, "_entropy_finalize")
}

// IsCommit reports whether an action opens a pending wager.
func IsCommit(action string) bool {
	return strings.HasSuffix(action, "_commit")
}

// Repeatable reports whether a mutating action may legitimately be sent
// twice against the same ledger state, as buying the same ticket twice.
func Repeatable(action string) bool {
	return action == "lotto_buy"
}

// LedgerVersion identifies the state an action for agent runs against:
// channel id, nonce and status, plus the pending commitment for reveals.
// Every successful mutating action changes it.
func (e *GamingEngine) LedgerVersion(action, agent string) string {
	addr, err := models.NormalizeAgent(agent)
	if err != nil {
		return "invalid"
	}

	version := "none"
	if entry, ok := e.channels.lookup(addr); ok {
		entry.mu.Lock()
		if ch := entry.ch; ch != nil {
			version = ch.ID + ":" + strconv.FormatUint(ch.Nonce, 10) + ":" + string(ch.Status)
		}
		entry.mu.Unlock()
	}

	if name, op, ok := strings.Cut(action, "_"); ok && op == "reveal" {
		if p, ok := e.commits.peek(addr, name, models.ModeCommitReveal); ok {
			version += ":" + p.Commitment
		}
	}
	return version
}

func (e *GamingEngine) OpenChannel(ctx context.Context, agent string, agentDeposit, casinoDeposit *big.Int) (Result, error) {
	if agentDeposit.Cmp(e.opts.MinDeposit) < 0 {
		return nil, models.Errorf(models.CodeInvalidDeposit, "minimum deposit is %s ETH", models.FormatEther(e.opts.MinDeposit))
	}
	if casinoDeposit.Sign() <= 0 {
		return nil, models.NewError(models.CodeInvalidDeposit, "casinoDeposit must be positive")
	}

	entry := e.channels.entry(agent)

	entry.mu.Lock()
	if entry.ch.IsOpen() {
		entry.mu.Unlock()
		return nil, models.NewError(models.CodeChannelExists, "channel already open for agent")
	}
	prev := entry.ch
	ch := models.NewChannel(agent, agentDeposit, casinoDeposit, e.now())
	entry.ch = ch
	post := ch.Clone()
	entry.mu.Unlock()

	undo := func() {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.ch != nil && entry.ch.ID == post.ID && entry.ch.Nonce == post.Nonce {
			entry.ch = prev
		}
	}

	entry.persist.Lock()
	if err := e.saveLatest(ctx, entry, post); err != nil {
		undo()
		entry.persist.Unlock()
		return nil, models.WrapError(models.CodeStorageUnavailable, "persist channel", err)
	}
	entry.persist.Unlock()

	sig, err := e.signer.SignState(ctx, stateOf(post))
	if err != nil {
		entry.persist.Lock()
		undo()
		e.discardOpened(ctx, prev, post)
		entry.persist.Unlock()
		return nil, models.WrapError(models.CodeSignerUnavailable, "sign opening state", err)
	}
	post.Signature = e.applySignature(entry, post, sig)

	e.log.Info("channel opened", "agent", logging.ShortAddr(agent), "channel", post.ID,
		"agentDeposit", models.FormatEther(agentDeposit), "casinoDeposit", models.FormatEther(casinoDeposit))

	result := Result{
		"channelId":     post.ID,
		"status":        post.Status,
		"agentDeposit":  models.FormatEther(post.AgentDeposit),
		"casinoDeposit": models.FormatEther(post.CasinoDeposit),
		"signature":     sig,
		"signer":        e.signer.Address(),
	}
	balanceFields(result, post)
	e.events.Publish(models.NewEvent(models.EventChannelOpened, "open_channel", agent, result))
	return result, nil
}

// discardOpened overwrites the snapshot of a channel whose opening state
// was never signed. Caller holds the entry's persist lock.
func (e *GamingEngine) discardOpened(ctx context.Context, prev, opened *models.Channel) {
	replacement := prev
	if replacement == nil {
		replacement = opened.Clone()
		now := e.now()
		replacement.Status = models.ChannelClosed
		replacement.ClosedAt = &now
	}
	if err := e.store.SaveChannel(ctx, replacement); err != nil {
		e.log.Error("failed to discard unsigned channel", "agent", logging.ShortAddr(opened.Agent), "channel", opened.ID, "err", err)
	}
}

func (e *GamingEngine) CloseChannel(ctx context.Context, agent string) (Result, error) {
	entry, ok := e.channels.lookup(agent)
	if !ok {
		return nil, errNoChannel()
	}

	entry.mu.Lock()
	ch := entry.ch
	if !ch.IsOpen() {
		entry.mu.Unlock()
		return nil, errNoChannel()
	}
	snap := ch.Clone()
	now := e.now()
	ch.Status = models.ChannelClosed
	ch.ClosedAt = &now
	ch.UpdatedAt = now
	ch.Reserved = nil
	post := ch.Clone()
	entry.mu.Unlock()

	sig, err := e.commitState(ctx, entry, stateChange{snap: snap, post: post})
	if err != nil {
		return nil, err
	}

	voided, touched := e.lotto.VoidChannel(post.ID)
	for _, id := range touched {
		e.saveDraw(ctx, id)
	}
	for _, p := range e.commits.dropAgent(agent) {
		if p.Mode == models.ModeEntropy {
			e.entropy.Remove(p.RoundID)
		}
	}

	e.log.Info("channel closed", "agent", logging.ShortAddr(agent), "channel", post.ID,
		"nonce", post.Nonce, "games", post.GamesPlayed, "voidedTickets", voided)

	result := Result{
		"channelId":     post.ID,
		"status":        post.Status,
		"agentDeposit":  models.FormatEther(post.AgentDeposit),
		"casinoDeposit": models.FormatEther(post.CasinoDeposit),
		"gamesPlayed":   post.GamesPlayed,
		"voidedTickets": voided,
		"invariantOk":   post.InvariantOK(),
		"signature":     sig,
		"signer":        e.signer.Address(),
	}
	balanceFields(result, post)
	e.events.Publish(models.NewEvent(models.EventChannelClosed, "close_channel", agent, result))
	return result, nil
}

// ChannelStatus reports the current channel, open or closed.
func (e *GamingEngine) ChannelStatus(agent string) (Result, error) {
	ch, ok := e.channels.snapshot(agent)
	if !ok {
		return nil, errNoChannel()
	}

	reserved := map[string]string{}
	for id, amount := range ch.Reserved {
		reserved[strconv.FormatInt(id, 10)] = models.FormatEther(amount)
	}

	var pending []map[string]interface{}
	for _, p := range e.commits.forAgent(agent) {
		item := map[string]interface{}{
			"game":      p.Game,
			"mode":      p.Mode,
			"betAmount": models.FormatEther(p.Wager.Bet),
			"createdAt": p.CreatedAt.UnixMilli(),
		}
		if p.Mode == models.ModeEntropy {
			item["roundId"] = p.RoundID
		} else {
			item["commitment"] = p.Commitment
			item["expiresAt"] = p.CreatedAt.Add(e.opts.CommitTTL).UnixMilli()
		}
		pending = append(pending, item)
	}

	result := Result{
		"channelId":      ch.ID,
		"agent":          ch.Agent,
		"status":         ch.Status,
		"agentDeposit":   models.FormatEther(ch.AgentDeposit),
		"casinoDeposit":  models.FormatEther(ch.CasinoDeposit),
		"gamesPlayed":    ch.GamesPlayed,
		"signature":      ch.Signature,
		"signedNonce":    ch.SignedNonce,
		"invariantOk":    ch.InvariantOK(),
		"reserved":       reserved,
		"pendingCommits": pending,
		"recentGames":    recentRounds(ch, 10),
		"createdAt":      ch.CreatedAt.UnixMilli(),
	}
	if ch.ClosedAt != nil {
		result["closedAt"] = ch.ClosedAt.UnixMilli()
	}
	balanceFields(result, ch)
	return result, nil
}

func (e *GamingEngine) Info() Result {
	return Result{
		"name":         "Agent Casino",
		"signer":       e.signer.Address(),
		"games":        e.registry.Infos(),
		"minBet":       models.FormatEther(e.opts.MinBet),
		"minDeposit":   models.FormatEther(e.opts.MinDeposit),
		"safetyMargin": e.opts.SafetyMargin,
		"commitTtl":    int64(e.opts.CommitTTL / time.Second),
		"entropyTtl":   int64(e.opts.EntropyTTL / time.Second),
		"protocols":    []string{string(models.ModeCommitReveal), string(models.ModeEntropy), string(models.ModeDraw)},
	}
}

func (e *GamingEngine) Stats() Result {
	open := 0
	e.channels.each(func(_ string, entry *channelEntry) {
		entry.mu.Lock()
		if entry.ch.IsOpen() {
			open++
		}
		entry.mu.Unlock()
	})
	return Result{
		"games":          e.stats.Snapshot(e.registry.Names()),
		"openChannels":   open,
		"pendingCommits": e.commits.count(),
	}
}

// Restore reloads persisted channels and draws. Pending commits and
// entropy rounds do not survive a restart.
func (e *GamingEngine) Restore(ctx context.Context) error {
	channels, err := e.store.LoadChannels(ctx)
	if err != nil {
		return errors.Wrap(err, "restore channels")
	}
	for _, ch := range channels {
		entry := e.channels.entry(ch.Agent)
		entry.mu.Lock()
		entry.ch = ch
		entry.mu.Unlock()
	}

	draws, err := e.store.LoadDraws(ctx)
	if err != nil {
		return errors.Wrap(err, "restore draws")
	}
	e.lotto.Load(draws)

	e.log.Info("state restored", "channels", len(channels), "draws", len(draws))
	return nil
}

// stateChange is a mutation already applied in memory and waiting to be
// persisted and signed. round is nil when the nonce did not move.
type stateChange struct {
	snap  *models.Channel
	post  *models.Channel
	round *models.GameRound
	// before persists records that belong to the same step, such as the
	// draw a ticket was added to.
	before func(ctx context.Context) error
	undo   func()
}

// commitState persists then signs a change. On failure the change is
// rolled back if nothing settled on top of it; otherwise the round stays
// settled, its nonce is marked unsigned and errRoundUnsigned is returned.
func (e *GamingEngine) commitState(ctx context.Context, entry *channelEntry, c stateChange) (string, error) {
	if err := e.persistState(ctx, entry, c); err != nil {
		return "", err
	}

	sig, err := e.signer.SignState(ctx, stateOf(c.post))
	if err != nil {
		entry.persist.Lock()
		defer entry.persist.Unlock()
		return "", e.abandon(ctx, entry, c, models.WrapError(models.CodeSignerUnavailable, "sign channel state", err))
	}

	c.post.Signature = e.applySignature(entry, c.post, sig)
	c.post.SignedNonce = c.post.Nonce
	return sig, nil
}

func (e *GamingEngine) persistState(ctx context.Context, entry *channelEntry, c stateChange) error {
	entry.persist.Lock()
	defer entry.persist.Unlock()

	if c.before != nil {
		if err := c.before(ctx); err != nil {
			return e.abandon(ctx, entry, c, models.WrapError(models.CodeStorageUnavailable, "persist state", err))
		}
	}
	if err := e.saveLatest(ctx, entry, c.post); err != nil {
		return e.abandon(ctx, entry, c, models.WrapError(models.CodeStorageUnavailable, "persist channel", err))
	}
	if c.round != nil {
		if err := e.store.AppendRound(ctx, c.post.ID, c.round); err != nil {
			return e.abandon(ctx, entry, c, models.WrapError(models.CodeStorageUnavailable, "persist round", err))
		}
	}
	return nil
}

// saveLatest writes the agent's current snapshot rather than post. Writes
// are ordered by entry.persist, so the stored snapshot never moves back
// and a snapshot newer than post already covers it.
func (e *GamingEngine) saveLatest(ctx context.Context, entry *channelEntry, post *models.Channel) error {
	entry.mu.Lock()
	cur := post
	if entry.ch != nil {
		cur = entry.ch.Clone()
	}
	entry.mu.Unlock()

	err := e.store.SaveChannel(ctx, cur)
	if errors.Is(err, ErrStaleNonce) {
		e.log.Debug("snapshot superseded", "agent", logging.ShortAddr(cur.Agent), "channel", cur.ID, "nonce", cur.Nonce)
		return nil
	}
	return err
}

// abandon handles a change that could not be persisted or signed. Caller
// holds entry.persist.
func (e *GamingEngine) abandon(ctx context.Context, entry *channelEntry, c stateChange, cause *models.Error) error {
	if e.rollback(ctx, entry, c) {
		return cause
	}

	entry.mu.Lock()
	if c.round != nil && entry.ch != nil && entry.ch.ID == c.post.ID {
		entry.ch.MarkUnsigned(c.post.Nonce)
	}
	entry.mu.Unlock()

	e.log.Error("round left unsigned", "agent", logging.ShortAddr(c.post.Agent), "channel", c.post.ID,
		"nonce", c.post.Nonce, "err", cause)
	return models.WrapError(cause.Code, cause.Message, errors.Wrap(errRoundUnsigned, cause.Error()))
}

func (e *GamingEngine) applySignature(entry *channelEntry, post *models.Channel, sig string) string {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ch != nil && entry.ch.ID == post.ID && entry.ch.Nonce == post.Nonce && entry.ch.Status == post.Status {
		entry.ch.Signature = sig
		entry.ch.SignedNonce = post.Nonce
	}
	return sig
}

// rollback restores snap when the channel still sits exactly at post,
// then brings the store back in line. Caller holds entry.persist, so no
// other write for the agent runs between the two steps.
func (e *GamingEngine) rollback(ctx context.Context, entry *channelEntry, c stateChange) bool {
	entry.mu.Lock()
	ch := entry.ch
	if ch == nil || ch.ID != c.post.ID || ch.Nonce != c.post.Nonce || ch.Status != c.post.Status {
		entry.mu.Unlock()
		return false
	}
	marked := ch.UnsignedNonces
	ch.Restore(c.snap)
	for _, n := range marked {
		if n <= ch.Nonce {
			ch.MarkUnsigned(n)
		}
	}
	entry.mu.Unlock()

	var err error
	if c.round != nil {
		err = e.store.RevertChannel(ctx, c.snap, c.post.Nonce)
	} else {
		err = e.store.SaveChannel(ctx, c.snap)
	}
	if err != nil && !errors.Is(err, ErrStaleNonce) {
		e.log.Error("failed to revert stored channel", "agent", logging.ShortAddr(c.post.Agent),
			"channel", c.post.ID, "nonce", c.post.Nonce, "err", err)
	}
	if c.undo != nil {
		c.undo()
	}
	e.log.Warn("channel change rolled back", "agent", logging.ShortAddr(c.post.Agent), "channel", c.post.ID, "nonce", c.post.Nonce)
	return true
}

func (e *GamingEngine) fairnessViolation(agent, game, reason string, ctx ...interface{}) error {
	fields := append([]interface{}{"agent", logging.ShortAddr(agent), "game", game, "reason", reason}, ctx...)
	logging.Security.Error("fairness violation", fields...)
	e.events.Publish(models.NewEvent(models.EventFairness, game, agent, map[string]interface{}{
		"game":   game,
		"reason": reason,
	}))
	return models.Errorf(models.CodeFairnessViolation, "fairness violation: %s; round not settled", reason)
}

func stateOf(ch *models.Channel) ChannelState {
	return ChannelState{
		Agent:         ch.Agent,
		AgentBalance:  ch.AgentBalance,
		CasinoBalance: ch.CasinoBalance,
		Nonce:         ch.Nonce,
	}
}

func balanceFields(r Result, ch *models.Channel) {
	r["agentBalance"] = models.FormatEther(ch.AgentBalance)
	r["casinoBalance"] = models.FormatEther(ch.CasinoBalance)
	r["agentBalanceWei"] = ch.AgentBalance.String()
	r["casinoBalanceWei"] = ch.CasinoBalance.String()
	r["nonce"] = ch.Nonce
}

func recentRounds(ch *models.Channel, n int) []map[string]interface{} {
	rounds := ch.Games
	if len(rounds) > n {
		rounds = rounds[len(rounds)-n:]
	}
	out := make([]map[string]interface{}, 0, len(rounds))
	for i := len(rounds) - 1; i >= 0; i-- {
		r := rounds[i]
		item := map[string]interface{}{
			"nonce":     r.Nonce,
			"game":      r.Game,
			"mode":      r.Mode,
			"betAmount": models.FormatEther(r.Bet),
			"payout":    models.FormatEther(r.Payout),
			"won":       r.Won,
			"timestamp": r.Timestamp.UnixMilli(),
		}
		if ch.IsUnsigned(r.Nonce) {
			item["unsigned"] = true
		}
		out = append(out, item)
	}
	return out
}

func errNoChannel() error {
	return models.NewError(models.CodeChannelNotFound, "no open channel for agent")
}
