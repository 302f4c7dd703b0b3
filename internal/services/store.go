package services

import (
	"context"
	"errors"
	"time"

	"agent-royale-backend/internal/models"
)

// ErrStaleNonce is returned when a snapshot would overwrite a newer one.
var ErrStaleNonce = errors.New("stale channel nonce")

// Store persists channel snapshots, round history, draws and request
// responses. Snapshots are written after the in-memory mutation and
// before the state is signed.
type Store interface {
	// SaveChannel refuses snapshots older than the stored one.
	SaveChannel(ctx context.Context, ch *models.Channel) error
	// RevertChannel writes ch only if the stored nonce is undone, and
	// drops the round recorded at that nonce.
	RevertChannel(ctx context.Context, ch *models.Channel, undone uint64) error
	AppendRound(ctx context.Context, channelID string, round *models.GameRound) error
	Rounds(ctx context.Context, channelID string, limit int64) ([]*models.GameRound, error)
	LoadChannels(ctx context.Context) ([]*models.Channel, error)

	SaveDraw(ctx context.Context, d *models.Draw) error
	LoadDraws(ctx context.Context) ([]*models.Draw, error)

	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, resp []byte) error

	CheckRateLimit(ctx context.Context, agent, action string, limit int, window time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
