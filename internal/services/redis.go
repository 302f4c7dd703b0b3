package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"agent-royale-backend/internal/config"
	"agent-royale-backend/internal/models"
)

type RedisService struct {
	client *redis.Client
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &RedisService{client: client}, nil
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// Snapshots of the same channel id only move forward by nonce. A new
// channel id for the agent (reopen after close) replaces the old one.
var saveChannelScript = redis.NewScript(`
	local key = KEYS[1]
	local id = ARGV[1]
	local nonce = tonumber(ARGV[2])

	if redis.call("HGET", key, "id") == id then
		local stored = tonumber(redis.call("HGET", key, "nonce"))
		if stored and stored > nonce then
			return redis.error_reply("stale nonce")
		end
	end

	redis.call("HSET", key, "id", id, "nonce", ARGV[2], "data", ARGV[3])
	redis.call("SADD", KEYS[2], ARGV[4])

	return "OK"
`)

var revertChannelScript = redis.NewScript(`
	local key = KEYS[1]

	if redis.call("HGET", key, "id") ~= ARGV[1] or redis.call("HGET", key, "nonce") ~= ARGV[3] then
		return redis.error_reply("stale nonce")
	end

	redis.call("HSET", key, "nonce", ARGV[2], "data", ARGV[4])
	redis.call("ZREMRANGEBYSCORE", KEYS[2], ARGV[3], ARGV[3])

	return "OK"
`)

func (s *RedisService) SaveChannel(ctx context.Context, ch *models.Channel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "marshal channel")
	}

	keys := []string{fmt.Sprintf(KeyChannel, ch.Agent), KeyChannelIndex}
	err = saveChannelScript.Run(ctx, s.client, keys,
		ch.ID, strconv.FormatUint(ch.Nonce, 10), data, ch.Agent).Err()
	if err != nil {
		return scriptError(err, "save channel")
	}

	if !ch.IsOpen() {
		s.client.Expire(ctx, fmt.Sprintf(KeyChannelRounds, ch.ID), TTLClosedRounds)
	}
	return nil
}

func (s *RedisService) RevertChannel(ctx context.Context, ch *models.Channel, undone uint64) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "marshal channel")
	}

	keys := []string{fmt.Sprintf(KeyChannel, ch.Agent), fmt.Sprintf(KeyChannelRounds, ch.ID)}
	err = revertChannelScript.Run(ctx, s.client, keys,
		ch.ID, strconv.FormatUint(ch.Nonce, 10), strconv.FormatUint(undone, 10), data).Err()
	return scriptError(err, "revert channel")
}

func scriptError(err error, op string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "stale nonce") {
		return ErrStaleNonce
	}
	return errors.Wrap(err, op)
}

func (s *RedisService) AppendRound(ctx context.Context, channelID string, round *models.GameRound) error {
	data, err := json.Marshal(round)
	if err != nil {
		return errors.Wrap(err, "marshal round")
	}

	key := fmt.Sprintf(KeyChannelRounds, channelID)
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(round.Nonce),
		Member: data,
	}).Err(); err != nil {
		return errors.Wrap(err, "append round")
	}
	return nil
}

func (s *RedisService) Rounds(ctx context.Context, channelID string, limit int64) ([]*models.GameRound, error) {
	key := fmt.Sprintf(KeyChannelRounds, channelID)

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	members, err := s.client.ZRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load rounds")
	}

	rounds := make([]*models.GameRound, 0, len(members))
	for _, m := range members {
		var r models.GameRound
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, errors.Wrap(err, "unmarshal round")
		}
		rounds = append(rounds, &r)
	}
	return rounds, nil
}

func (s *RedisService) LoadChannels(ctx context.Context) ([]*models.Channel, error) {
	agents, err := s.client.SMembers(ctx, KeyChannelIndex).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list channels")
	}
	if len(agents) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(agents))
	for i, agent := range agents {
		cmds[i] = pipe.HGet(ctx, fmt.Sprintf(KeyChannel, agent), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "load channels")
	}

	var channels []*models.Channel
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "load channel")
		}

		var ch models.Channel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return nil, errors.Wrap(err, "unmarshal channel")
		}
		if ch.Games, err = s.Rounds(ctx, ch.ID, 0); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	return channels, nil
}

func (s *RedisService) SaveDraw(ctx context.Context, d *models.Draw) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal draw")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(KeyDraw, d.ID), data, 0)
	pipe.SAdd(ctx, KeyDrawIndex, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "save draw")
	}
	return nil
}

func (s *RedisService) LoadDraws(ctx context.Context) ([]*models.Draw, error) {
	ids, err := s.client.SMembers(ctx, KeyDrawIndex).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list draws")
	}

	var draws []*models.Draw
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		data, err := s.client.Get(ctx, fmt.Sprintf(KeyDraw, id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "load draw")
		}

		var d models.Draw
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, errors.Wrap(err, "unmarshal draw")
		}
		draws = append(draws, &d)
	}
	return draws, nil
}

func (s *RedisService) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyResponse, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get stored response")
	}
	return data, true, nil
}

func (s *RedisService) PutResponse(ctx context.Context, key string, resp []byte) error {
	return s.client.Set(ctx, fmt.Sprintf(KeyResponse, key), resp, TTLResponse).Err()
}

func (s *RedisService) CheckRateLimit(ctx context.Context, agent, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, agent, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rate limit")
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

// DeleteChannel removes an agent's snapshot and history. Test cleanup only.
func (s *RedisService) DeleteChannel(ctx context.Context, agent, channelID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(KeyChannel, agent), fmt.Sprintf(KeyChannelRounds, channelID))
	pipe.SRem(ctx, KeyChannelIndex, agent)
	_, err := pipe.Exec(ctx)
	return err
}
