package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeSessionsKey = "uploads:active"

// ackScript adds an index to the ack set only while the session hash exists.
// KEYS[1] = session hash, KEYS[2] = ack set
// ARGV[1] = chunk index
// ARGV[2] = ttl in seconds (0 disables expiry)
var ackScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
    redis.call("EXPIRE", KEYS[2], ttl)
end
return 1
`)

// RedisAckRepository implements AckRepository using Redis. A session is a hash
// "upload:<id>" with field "total" and a set "upload:<id>:chunks" of
// acknowledged indices.
type RedisAckRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAckRepository creates a repository backed by the Redis server at addr.
// Sessions idle longer than ttl expire; zero keeps them until cleared.
func NewRedisAckRepository(addr, password string, db int, ttl time.Duration) *RedisAckRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisAckRepository{client: rdb, ttl: ttl}
}

// Ping checks connectivity.
func (r *RedisAckRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisAckRepository) Close() error {
	return r.client.Close()
}

func sessionKey(id FileID) string { return "upload:" + string(id) }

func acksKey(id FileID) string { return "upload:" + string(id) + ":chunks" }

// Register implements AckRepository.Register.
func (r *RedisAckRepository) Register(ctx context.Context, id FileID, total int) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, acksKey(id))
		p.HSet(ctx, sessionKey(id), "total", total)
		if r.ttl > 0 {
			p.Expire(ctx, sessionKey(id), r.ttl)
		}
		p.SAdd(ctx, activeSessionsKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("register session %s: %w", id, err)
	}
	return nil
}

// Ack implements AckRepository.Ack.
func (r *RedisAckRepository) Ack(ctx context.Context, id FileID, index int) error {
	ok, err := ackScript.Run(ctx, r.client,
		[]string{sessionKey(id), acksKey(id)},
		index, int(r.ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("ack chunk %d of %s: %w", index, id, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Acked implements AckRepository.Acked.
func (r *RedisAckRepository) Acked(ctx context.Context, id FileID) (int, []int, error) {
	total, err := r.client.HGet(ctx, sessionKey(id), "total").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read session %s: %w", id, err)
	}
	members, err := r.client.SMembers(ctx, acksKey(id)).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("read acks of %s: %w", id, err)
	}
	acked := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, nil, fmt.Errorf("corrupt ack %q in %s", m, acksKey(id))
		}
		acked = append(acked, n)
	}
	sort.Ints(acked)
	return total, acked, nil
}

// Clear implements AckRepository.Clear.
func (r *RedisAckRepository) Clear(ctx context.Context, id FileID) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(id), acksKey(id))
		p.SRem(ctx, activeSessionsKey, string(id))
		return nil
	})
	return err
}

// ActiveCount implements AckRepository.ActiveCount. Expired sessions are
// counted until they are cleared.
func (r *RedisAckRepository) ActiveCount(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, activeSessionsKey).Result()
	return int(n), err
}
