package fairness_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-royale-backend/internal/fairness"
)

func TestCommitVerify(t *testing.T) {
	secret, commitment, err := fairness.Commit()
	require.NoError(t, err)
	require.Len(t, secret, 64)

	assert.True(t, fairness.Verify(commitment, secret))
	assert.True(t, fairness.Verify("0x"+commitment, secret))

	// flip one bit of the secret
	raw, err := hex.DecodeString(secret)
	require.NoError(t, err)
	raw[0] ^= 0x01
	assert.False(t, fairness.Verify(commitment, hex.EncodeToString(raw)))
}

func TestComputeResultIsStringConcatenation(t *testing.T) {
	hash, digest := fairness.ComputeResult("aa", "bb", 12)

	want := sha256.Sum256([]byte("aabb12"))
	assert.Equal(t, hex.EncodeToString(want[:]), hash)
	assert.Equal(t, want[:], digest)

	other, _ := fairness.ComputeResult("aa", "bb", 13)
	assert.NotEqual(t, hash, other)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func value(b byte) []byte {
	v := make([]byte, fairness.SeedBytes)
	v[0] = b
	return v
}

func TestEntropyLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	book := fairness.NewEntropyBook(5*time.Minute, clock.Now)

	round := book.Request("0xabc", "dice")
	assert.Equal(t, fairness.EntropyRequested, round.State)
	assert.Len(t, book.Pending(), 1)

	require.NoError(t, book.Fulfill(round.ID, value(7), "tx:1"))
	got, err := book.Get(round.ID)
	require.NoError(t, err)
	assert.Equal(t, fairness.EntropyFulfilled, got.State)
	assert.Equal(t, value(7), got.Value)
	assert.Empty(t, book.Pending())

	assert.NoError(t, book.Fulfill(round.ID, value(7), "tx:1"), "same value replays cleanly")
	assert.ErrorIs(t, book.Fulfill(round.ID, value(8), "tx:2"), fairness.ErrConflictingValue)
}

func TestEntropyExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	book := fairness.NewEntropyBook(5*time.Minute, clock.Now)

	round := book.Request("0xabc", "slots")
	clock.Advance(5*time.Minute + time.Second)

	got, err := book.Get(round.ID)
	require.NoError(t, err)
	assert.Equal(t, fairness.EntropyExpired, got.State)
	assert.ErrorIs(t, book.Fulfill(round.ID, value(1), ""), fairness.ErrRoundExpired)

	_, err = book.Await(context.Background(), round.ID)
	assert.ErrorIs(t, err, fairness.ErrRoundExpired)

	clock.Advance(10 * time.Minute)
	book.Sweep()
	_, err = book.Get(round.ID)
	assert.ErrorIs(t, err, fairness.ErrRoundNotFound)
}

func TestEntropyAwaitWakesOnFulfill(t *testing.T) {
	book := fairness.NewEntropyBook(time.Minute, nil)
	round := book.Request("0xabc", "coinflip")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = book.Fulfill(round.ID, value(3), "local")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := book.Await(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, fairness.EntropyFulfilled, got.State)
}

func TestEntropyAwaitHonoursContext(t *testing.T) {
	book := fairness.NewEntropyBook(time.Minute, nil)
	round := book.Request("0xabc", "coinflip")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := book.Await(ctx, round.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEntropyRejectsShortValue(t *testing.T) {
	book := fairness.NewEntropyBook(time.Minute, nil)
	round := book.Request("0xabc", "dice")
	assert.ErrorIs(t, book.Fulfill(round.ID, []byte{1, 2, 3}, ""), fairness.ErrInvalidValue)
	assert.ErrorIs(t, book.Fulfill("nope", value(1), ""), fairness.ErrRoundNotFound)
}
