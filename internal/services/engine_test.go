package services_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/models"
	"agent-royale-backend/internal/services"
)

const (
	agentA           = "0xDe79A84DD3A16BB91044167075dE17a1CA4b1d6b"
	agentB           = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	channelManager   = "0xde17a85756815bf5755173603f2b07e69455f654"
	testChainID      = 8453
	defaultAgentSeed = "agent-seed-1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gate parks the next matching call until release is closed. A gate
// with fail set makes the parked call return an error.
type gate struct {
	entered chan struct{}
	release chan struct{}
	fail    bool
}

func newGate(fail bool) *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{}), fail: fail}
}

// pass blocks on g once; it reports whether the call must fail.
func pass(slot *atomic.Pointer[gate]) bool {
	g := slot.Load()
	if g == nil || !slot.CompareAndSwap(g, nil) {
		return false
	}
	close(g.entered)
	<-g.release
	return g.fail
}

// switchSigner fails on demand.
type switchSigner struct {
	inner *services.EIP712Signer
	fail  atomic.Bool
	hold  atomic.Pointer[gate]
}

func (s *switchSigner) Address() string { return s.inner.Address() }

func (s *switchSigner) SignState(ctx context.Context, st services.ChannelState) (string, error) {
	if s.fail.Load() || (st.Nonce > 0 && pass(&s.hold)) {
		return "", errors.New("signer offline")
	}
	return s.inner.SignState(ctx, st)
}

type flakyStore struct {
	*services.MemoryStore
	failSave atomic.Bool
	hold     atomic.Pointer[gate]
}

func (s *flakyStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	if s.failSave.Load() || (ch.Nonce > 0 && pass(&s.hold)) {
		return errors.New("redis: connection refused")
	}
	return s.MemoryStore.SaveChannel(ctx, ch)
}

type recordingOracle struct {
	mu     sync.Mutex
	rounds []string
}

func (o *recordingOracle) RequestRandomness(_ context.Context, round fairness.EntropyRound) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rounds = append(o.rounds, round.ID)
	return nil
}

type harness struct {
	engine *services.GamingEngine
	store  *flakyStore
	signer *switchSigner
	eip    *services.EIP712Signer
	clock  *testClock
	book   *fairness.EntropyBook
	oracle *recordingOracle
}

func newHarness(t *testing.T, tweak ...func(*services.EngineOptions)) *harness {
	t.Helper()

	ks, err := services.NewKeySigner(testCasinoKey)
	require.NoError(t, err)
	eip := services.NewEIP712Signer(ks, testChainID, channelManager)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := services.DefaultEngineOptions()
	opts.Clock = clock.Now
	for _, fn := range tweak {
		fn(&opts)
	}

	h := &harness{
		store:  &flakyStore{MemoryStore: services.NewMemoryStore()},
		signer: &switchSigner{inner: eip},
		eip:    eip,
		clock:  clock,
		book:   fairness.NewEntropyBook(opts.EntropyTTL, clock.Now),
		oracle: &recordingOracle{},
	}
	h.engine = h.newEngine(opts)
	return h
}

func (h *harness) newEngine(opts services.EngineOptions) *services.GamingEngine {
	registry := games.NewRegistry(games.NewLotto(games.DefaultLottoConfig()),
		games.Dice{}, games.Slots{}, games.Coinflip{})
	return services.NewGamingEngine(h.store, h.signer, registry, h.book, h.oracle, opts)
}

func (h *harness) do(t *testing.T, agent, action string, params models.Params) services.Result {
	t.Helper()
	res, err := h.engine.Execute(context.Background(), action, agent, params)
	require.NoError(t, err, action)
	return res
}

func (h *harness) fail(t *testing.T, agent, action string, params models.Params) models.Code {
	t.Helper()
	_, err := h.engine.Execute(context.Background(), action, agent, params)
	require.Error(t, err, action)
	return models.CodeOf(err)
}

func (h *harness) open(t *testing.T, agent, agentDeposit, casinoDeposit string) services.Result {
	return h.do(t, agent, "open_channel", models.Params{"agentDeposit": agentDeposit, "casinoDeposit": casinoDeposit})
}

func (h *harness) status(t *testing.T, agent string) services.Result {
	return h.do(t, agent, "channel_status", nil)
}

func (h *harness) verifySigned(t *testing.T, agent string, res services.Result) {
	t.Helper()
	agentBal, _ := new(big.Int).SetString(res["agentBalanceWei"].(string), 10)
	casinoBal, _ := new(big.Int).SetString(res["casinoBalanceWei"].(string), 10)
	ok, err := h.eip.Verify(services.ChannelState{
		Agent:         agent,
		AgentBalance:  agentBal,
		CasinoBalance: casinoBal,
		Nonce:         res["nonce"].(uint64),
	}, res["signature"].(string))
	require.NoError(t, err)
	assert.True(t, ok, "signature must cover the returned state")
}

func weiOf(t *testing.T, res services.Result, key string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(res[key+"Wei"].(string), 10)
	require.True(t, ok)
	return v
}

func assertConserved(t *testing.T, res services.Result, total *big.Int) {
	t.Helper()
	sum := new(big.Int).Add(weiOf(t, res, "agentBalance"), weiOf(t, res, "casinoBalance"))
	assert.Equal(t, 0, sum.Cmp(total), "agent + casino must equal deposits")
	assert.GreaterOrEqual(t, weiOf(t, res, "agentBalance").Sign(), 0)
	assert.GreaterOrEqual(t, weiOf(t, res, "casinoBalance").Sign(), 0)
}

func TestOpenChannel(t *testing.T) {
	h := newHarness(t)

	res := h.open(t, agentA, "0.01", "0.02")
	assert.Equal(t, "0.01", res["agentBalance"])
	assert.Equal(t, "0.02", res["casinoBalance"])
	assert.Equal(t, uint64(0), res["nonce"])
	assert.NotEmpty(t, res["channelId"])
	h.verifySigned(t, agentA, res)

	assert.Equal(t, models.CodeChannelExists, h.fail(t, agentA, "open_channel", models.Params{"agentDeposit": "0.01"}))
	assert.Equal(t, models.CodeInvalidDeposit, h.fail(t, agentB, "open_channel", models.Params{"agentDeposit": "0.0005"}))
	assert.Equal(t, models.CodeInvalidDeposit, h.fail(t, agentB, "open_channel", models.Params{}))
}

func TestOpenChannelDefaultsCasinoDeposit(t *testing.T) {
	h := newHarness(t)
	res := h.do(t, agentA, "open_channel", models.Params{"agentDepositWei": "1000000000000000"})
	assert.Equal(t, "0.001", res["casinoBalance"])
}

func TestExecuteRejectsUnknownActionsAndAgents(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	assert.Equal(t, models.CodeUnsupportedAction, h.fail(t, agentA, "poker_commit", nil))
	assert.Equal(t, models.CodeUnsupportedAction, h.fail(t, agentA, "dice_fly", nil))
	assert.Equal(t, models.CodeUnsupportedAction, h.fail(t, agentA, "withdraw", nil))
	assert.Equal(t, models.CodeInvalidAgent, h.fail(t, "0x1234", "channel_status", nil))
	assert.Equal(t, models.CodeChannelNotFound, h.fail(t, agentB, "channel_status", nil))
}

func TestDiceCommitRevealEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	total := models.MustParseEther("2")

	commit := h.do(t, agentA, "dice_commit", models.Params{"betAmount": "0.01", "choice": "over", "target": 50})
	commitment := commit["commitment"].(string)
	assert.Len(t, commitment, 64)
	assert.Equal(t, "1.90", commit["multiplier"])
	assert.Equal(t, "0.01", commit["betAmount"])

	res := h.do(t, agentA, "dice_reveal", models.Params{"agentSeed": defaultAgentSeed})
	proof := res["proof"].(map[string]interface{})
	casinoSeed := proof["casinoSeed"].(string)

	assert.True(t, fairness.Verify(commitment, casinoSeed))
	assert.Equal(t, uint64(1), proof["nonce"])
	resultHash, digest := fairness.ComputeResult(casinoSeed, defaultAgentSeed, 1)
	assert.Equal(t, resultHash, proof["resultHash"])

	roll := games.DiceRoll(digest)
	assert.Equal(t, roll, res["roll"])
	won := roll > 50
	assert.Equal(t, won, res["won"])

	bet := models.MustParseEther("0.01")
	expectedAgent := new(big.Int).Sub(models.MustParseEther("1"), bet)
	if won {
		// floor(0.01 * 19000 / 10000) = 0.019
		assert.Equal(t, "0.019", res["payout"])
		expectedAgent.Add(expectedAgent, models.MustParseEther("0.019"))
	} else {
		assert.Equal(t, "0", res["payout"])
	}
	assert.Equal(t, 0, expectedAgent.Cmp(weiOf(t, res, "agentBalance")))
	assert.Equal(t, uint64(1), res["nonce"])
	assertConserved(t, res, total)
	h.verifySigned(t, agentA, res)

	st := h.status(t, agentA)
	assert.Equal(t, uint64(1), st["gamesPlayed"])
	assert.Equal(t, uint64(1), st["signedNonce"])
	assert.Equal(t, true, st["invariantOk"])
}

func TestRevealRequiresCommit(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	assert.Equal(t, models.CodeCommitNotFound, h.fail(t, agentA, "dice_reveal", models.Params{"agentSeed": "x"}))
	assert.Equal(t, models.CodeInvalidParams, h.fail(t, agentA, "dice_reveal", nil))
	assert.Equal(t, models.CodeChannelNotFound, h.fail(t, agentB, "dice_commit",
		models.Params{"betAmount": "0.001", "choice": "over", "target": 50}))
}

func TestRevealRejectsForeignCommitment(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	h.do(t, agentA, "coinflip_commit", models.Params{"betAmount": "0.01", "choice": "heads"})

	code := h.fail(t, agentA, "coinflip_reveal", models.Params{"agentSeed": "s", "commitment": "0xdeadbeef"})
	assert.Equal(t, models.CodeFairnessViolation, code)
	assert.Equal(t, models.TierFairness, code.Tier())

	st := h.status(t, agentA)
	assert.Equal(t, uint64(0), st["nonce"])
	assert.Equal(t, "1", st["agentBalance"])
}

func TestRevealAcceptsMatchingCommitment(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	commit := h.do(t, agentA, "coinflip_commit", models.Params{"betAmount": "0.01", "choice": "tails"})

	res := h.do(t, agentA, "coinflip_reveal", models.Params{
		"agentSeed":  "s",
		"commitment": "0x" + commit["commitment"].(string),
	})
	assert.Equal(t, uint64(1), res["nonce"])
}

func TestPendingCommitExclusivity(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	dice := models.Params{"betAmount": "0.001", "choice": "under", "target": 50}

	h.do(t, agentA, "dice_commit", dice)
	assert.Equal(t, models.CodePendingCommit, h.fail(t, agentA, "dice_commit", dice))

	// Other games and the entropy mode have their own slots.
	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
	h.do(t, agentA, "dice_entropy_commit", dice)
}

func TestPendingCommitExclusiveAcrossGames(t *testing.T) {
	h := newHarness(t, func(o *services.EngineOptions) { o.AllowConcurrentGames = false })
	h.open(t, agentA, "1", "1")

	h.do(t, agentA, "dice_commit", models.Params{"betAmount": "0.001", "choice": "under", "target": 50})
	assert.Equal(t, models.CodePendingCommit, h.fail(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"}))
	assert.Equal(t, models.CodePendingCommit, h.fail(t, agentA, "coinflip_entropy_commit",
		models.Params{"betAmount": "0.001", "choice": "heads"}))

	h.do(t, agentA, "dice_reveal", models.Params{"agentSeed": "a"})
	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
}

func TestCommitExpiresLazilyOnReveal(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
	h.clock.Advance(5*time.Minute + time.Second)

	assert.Equal(t, models.CodeCommitExpired, h.fail(t, agentA, "slots_reveal", models.Params{"agentSeed": "late"}))
	st := h.status(t, agentA)
	assert.Equal(t, uint64(0), st["nonce"])
	assert.Equal(t, "1", st["agentBalance"])

	// The slot is free again.
	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
}

func TestSweepExpiresStaleCommits(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	params := models.Params{"betAmount": "0.001", "choice": "heads"}

	h.do(t, agentA, "coinflip_commit", params)
	h.clock.Advance(4 * time.Minute)
	h.engine.SweepExpired(context.Background())
	assert.Equal(t, models.CodePendingCommit, h.fail(t, agentA, "coinflip_commit", params))

	h.clock.Advance(2 * time.Minute)
	h.engine.SweepExpired(context.Background())
	h.do(t, agentA, "coinflip_commit", params)
}

func TestBankrollGuard(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "0.01")

	// 0.01 / (290 * 2) is below the minimum bet.
	assert.Equal(t, models.CodeMaxBetExceeded, h.fail(t, agentA, "slots_commit", models.Params{"betAmount": "0.0001"}))

	// Coinflip: 0.01 / (1.9 * 2) = 0.002631578947368421
	res := h.do(t, agentA, "coinflip_commit", models.Params{"betAmount": "0.0025", "choice": "heads"})
	assert.Equal(t, "0.002631578947368421", res["maxBet"])
}

func TestBetValidation(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "0.001", "10")

	assert.Equal(t, models.CodeInvalidBet, h.fail(t, agentA, "dice_commit",
		models.Params{"betAmount": "0.00001", "choice": "over", "target": 50}))
	assert.Equal(t, models.CodeInvalidBet, h.fail(t, agentA, "dice_commit",
		models.Params{"betAmount": "0.0001", "choice": "over", "target": 99}))
	assert.Equal(t, models.CodeInvalidBet, h.fail(t, agentA, "dice_commit",
		models.Params{"betAmount": "abc", "choice": "over", "target": 50}))
	assert.Equal(t, models.CodeInsufficientFunds, h.fail(t, agentA, "dice_commit",
		models.Params{"betAmount": "0.002", "choice": "over", "target": 50}))
}

func TestConcurrentRoundsKeepNoncesGapFree(t *testing.T) {
	h := newHarness(t)
	open := h.open(t, agentA, "1", "10")
	total := models.MustParseEther("11")

	plays := map[string]models.Params{
		"dice":     {"betAmount": "0.0001", "choice": "over", "target": 50},
		"slots":    {"betAmount": "0.0001"},
		"coinflip": {"betAmount": "0.0001", "choice": "heads"},
	}
	const rounds = 10

	var wg sync.WaitGroup
	for game, params := range plays {
		wg.Add(1)
		go func(game string, params models.Params) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < rounds; i++ {
				_, err := h.engine.Execute(ctx, game+"_commit", agentA, params)
				assert.NoError(t, err)
				_, err = h.engine.Execute(ctx, game+"_reveal", agentA, models.Params{"agentSeed": game})
				assert.NoError(t, err)
			}
		}(game, params)
	}
	wg.Wait()

	st := h.status(t, agentA)
	assert.Equal(t, uint64(3*rounds), st["nonce"])
	assert.Equal(t, true, st["invariantOk"])
	assertConserved(t, st, total)

	history, err := h.store.Rounds(context.Background(), open["channelId"].(string), 0)
	require.NoError(t, err)
	require.Len(t, history, 3*rounds)
	nonces := make([]int, len(history))
	for i, r := range history {
		nonces[i] = int(r.Nonce)
	}
	sort.Ints(nonces)
	for i, n := range nonces {
		assert.Equal(t, i+1, n)
	}
}

func TestSignerFailureRollsBackRound(t *testing.T) {
	h := newHarness(t)
	open := h.open(t, agentA, "1", "1")
	h.do(t, agentA, "dice_commit", models.Params{"betAmount": "0.01", "choice": "over", "target": 50})

	h.signer.fail.Store(true)
	assert.Equal(t, models.CodeSignerUnavailable, h.fail(t, agentA, "dice_reveal", models.Params{"agentSeed": "s"}))

	st := h.status(t, agentA)
	assert.Equal(t, uint64(0), st["nonce"])
	assert.Equal(t, "1", st["agentBalance"])
	history, err := h.store.Rounds(context.Background(), open["channelId"].(string), 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The commit survives the rollback and settles once the signer is back.
	h.signer.fail.Store(false)
	res := h.do(t, agentA, "dice_reveal", models.Params{"agentSeed": "s"})
	assert.Equal(t, uint64(1), res["nonce"])
	h.verifySigned(t, agentA, res)
}

func TestStorageFailureRollsBackRound(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})

	h.store.failSave.Store(true)
	assert.Equal(t, models.CodeStorageUnavailable, h.fail(t, agentA, "slots_reveal", models.Params{"agentSeed": "s"}))
	h.store.failSave.Store(false)

	st := h.status(t, agentA)
	assert.Equal(t, uint64(0), st["nonce"])
	h.do(t, agentA, "slots_reveal", models.Params{"agentSeed": "s"})
}

func TestSignerFailureOnOpenLeavesNoChannel(t *testing.T) {
	h := newHarness(t)
	h.signer.fail.Store(true)
	assert.Equal(t, models.CodeSignerUnavailable, h.fail(t, agentA, "open_channel", models.Params{"agentDeposit": "0.01"}))
	h.signer.fail.Store(false)

	assert.Equal(t, models.CodeChannelNotFound, h.fail(t, agentA, "dice_commit",
		models.Params{"betAmount": "0.001", "choice": "over", "target": 50}))
	h.open(t, agentA, "0.01", "0.01")
}

// value encodes n in the first four bytes of an otherwise zero digest.
func value(n uint32) []byte {
	v := make([]byte, fairness.SeedBytes)
	binary.BigEndian.PutUint32(v, n)
	return v
}

func TestEntropyFinalize(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	commit := h.do(t, agentA, "dice_entropy_commit", models.Params{"betAmount": "0.01", "choice": "over", "target": 50})
	roundID := commit["roundId"].(string)
	assert.Equal(t, fairness.EntropyRequested, commit["state"])
	assert.Equal(t, []string{roundID}, h.oracle.rounds)

	finalize := models.Params{"roundId": roundID}
	assert.Equal(t, models.CodeEntropyPending, h.fail(t, agentA, "dice_entropy_finalize", finalize))

	// 99 % 100 + 1 = 100, a win for over 50.
	require.NoError(t, h.book.Fulfill(roundID, value(99), "seq:7"))

	st := h.do(t, agentA, "dice_entropy_status", finalize)
	assert.Equal(t, fairness.EntropyFulfilled, st["state"])
	assert.Equal(t, "seq:7", st["providerRef"])

	res := h.do(t, agentA, "dice_entropy_finalize", finalize)
	assert.Equal(t, int64(100), res["roll"])
	assert.Equal(t, true, res["won"])
	assert.Equal(t, "0.019", res["payout"])
	assert.Equal(t, "1.009", res["agentBalance"])
	assert.Equal(t, uint64(1), res["nonce"])
	proof := res["proof"].(map[string]interface{})
	assert.Equal(t, "0x"+hex.EncodeToString(value(99)), proof["randomValue"])
	h.verifySigned(t, agentA, res)

	again := h.do(t, agentA, "dice_entropy_finalize", finalize)
	assert.Equal(t, res["signature"], again["signature"])
	assert.Equal(t, uint64(1), h.status(t, agentA)["nonce"])

	assert.Equal(t, models.CodeCommitNotFound, h.fail(t, agentB, "dice_entropy_status", finalize))
}

func TestEntropyMatchesCommitRevealForSameDigest(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	h.open(t, agentB, "1", "1")

	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
	revealed := h.do(t, agentA, "slots_reveal", models.Params{"agentSeed": "same"})
	digest, err := hex.DecodeString(revealed["proof"].(map[string]interface{})["resultHash"].(string))
	require.NoError(t, err)

	commit := h.do(t, agentB, "slots_entropy_commit", models.Params{"betAmount": "0.001"})
	require.NoError(t, h.book.Fulfill(commit["roundId"].(string), digest, "replay"))
	finalized := h.do(t, agentB, "slots_entropy_finalize", models.Params{"roundId": commit["roundId"]})

	assert.Equal(t, revealed["reels"], finalized["reels"])
	assert.Equal(t, revealed["payout"], finalized["payout"])
	assert.Equal(t, revealed["won"], finalized["won"])
}

func TestEntropyExpiryVoidsWager(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	commit := h.do(t, agentA, "coinflip_entropy_commit", models.Params{"betAmount": "0.01", "choice": "heads"})
	h.clock.Advance(6 * time.Minute)

	code := h.fail(t, agentA, "coinflip_entropy_finalize", models.Params{"roundId": commit["roundId"]})
	assert.Equal(t, models.CodeCommitExpired, code)

	st := h.status(t, agentA)
	assert.Equal(t, uint64(0), st["nonce"])
	assert.Equal(t, "1", st["agentBalance"])
	assert.Error(t, h.book.Fulfill(commit["roundId"].(string), value(1), "late"))
}

func TestSweepFinalizesFulfilledEntropy(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")

	commit := h.do(t, agentA, "coinflip_entropy_commit", models.Params{"betAmount": "0.01", "choice": "heads"})
	roundID := commit["roundId"].(string)
	// Even first byte: heads.
	require.NoError(t, h.book.Fulfill(roundID, value(0), "auto"))

	h.engine.SweepExpired(context.Background())
	st := h.status(t, agentA)
	assert.Equal(t, uint64(1), st["nonce"])

	res := h.do(t, agentA, "coinflip_entropy_finalize", models.Params{"roundId": roundID})
	assert.Equal(t, "heads", res["result"])
	assert.Equal(t, "0.019", res["payout"])
}

func TestCloseChannel(t *testing.T) {
	h := newHarness(t)
	open := h.open(t, agentA, "1", "1")
	h.do(t, agentA, "coinflip_commit", models.Params{"betAmount": "0.01", "choice": "heads"})
	h.do(t, agentA, "coinflip_reveal", models.Params{"agentSeed": "s"})

	res := h.do(t, agentA, "close_channel", nil)
	assert.Equal(t, models.ChannelClosed, res["status"])
	assert.Equal(t, uint64(1), res["nonce"])
	assert.Equal(t, true, res["invariantOk"])
	h.verifySigned(t, agentA, res)

	assert.Equal(t, models.CodeChannelNotFound, h.fail(t, agentA, "close_channel", nil))
	assert.Equal(t, models.CodeChannelNotFound, h.fail(t, agentA, "coinflip_commit",
		models.Params{"betAmount": "0.01", "choice": "heads"}))

	st := h.status(t, agentA)
	assert.Equal(t, models.ChannelClosed, st["status"])

	reopened := h.open(t, agentA, "0.5", "0.5")
	assert.NotEqual(t, open["channelId"], reopened["channelId"])
	assert.Equal(t, uint64(0), reopened["nonce"])
}

func TestCloseDropsPendingCommits(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	h.do(t, agentA, "dice_commit", models.Params{"betAmount": "0.01", "choice": "over", "target": 50})
	h.do(t, agentA, "close_channel", nil)
	h.open(t, agentA, "1", "1")

	assert.Equal(t, models.CodeCommitNotFound, h.fail(t, agentA, "dice_reveal", models.Params{"agentSeed": "s"}))
}

func TestRestoreFromStore(t *testing.T) {
	h := newHarness(t)
	h.open(t, agentA, "1", "1")
	h.do(t, agentA, "slots_commit", models.Params{"betAmount": "0.001"})
	played := h.do(t, agentA, "slots_reveal", models.Params{"agentSeed": "s"})
	h.do(t, agentA, "lotto_buy", models.Params{"pickedNumber": 7})
	before := h.status(t, agentA)

	restarted := h.newEngine(services.EngineOptions{Clock: h.clock.Now, CommitTTL: time.Minute, EntropyTTL: time.Minute})
	require.NoError(t, restarted.Restore(context.Background()))

	st, err := restarted.Execute(context.Background(), "channel_status", agentA, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st["nonce"])
	assert.Equal(t, before["agentBalance"], st["agentBalance"])
	assert.Equal(t, before["casinoBalance"], st["casinoBalance"])
	assert.Equal(t, uint64(1), played["nonce"])
	assert.Len(t, st["recentGames"], 2)

	lotto, err := restarted.Execute(context.Background(), "lotto_status", agentA, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lotto["drawId"])
	assert.Equal(t, int64(1), lotto["totalTickets"])
}

func TestInfoAndStats(t *testing.T) {
	h := newHarness(t)
	info := h.do(t, "", "info", nil)
	assert.Equal(t, h.eip.Address(), info["signer"])
	assert.Len(t, info["games"], 4)
	assert.Equal(t, "0.0001", info["minBet"])

	h.open(t, agentA, "1", "1")
	h.do(t, agentA, "dice_commit", models.Params{"betAmount": "0.01", "choice": "over", "target": 50})
	h.do(t, agentA, "dice_reveal", models.Params{"agentSeed": "s"})

	stats := h.do(t, "", "stats", nil)
	assert.Equal(t, 1, stats["openChannels"])
	var dice services.GameStat
	for _, s := range stats["games"].([]services.GameStat) {
		if s.Game == "dice" {
			dice = s
		}
	}
	assert.Equal(t, int64(1), dice.TotalRounds)
	assert.Equal(t, "0.01", dice.TotalWagered)
}
