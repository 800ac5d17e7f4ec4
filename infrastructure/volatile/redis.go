package volatile

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatsKey = "presence:heartbeats"

// RedisStore shares liveness between server nodes. Heartbeats live in one
// sorted set scored by time, members being "user|connection"; each user
// also owns the set of its connection ids.
type RedisStore struct {
	client *redis.Client
}

var _ contract.VolatileStore = (*RedisStore)(nil)

// NewRedisStore connects to url and checks the server answers.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Transient(fmt.Errorf("redis: ping: %w", err))
	}
	return &RedisStore{client: client}, nil
}

func connsKey(user domain.UserID) string {
	return "presence:conns:" + string(user)
}

func member(conn contract.Connection) string {
	return string(conn.UserID) + "|" + conn.ConnectionID
}

// parseMember splits on the last separator, connection ids never hold one.
func parseMember(m string) (contract.Connection, bool) {
	i := strings.LastIndexByte(m, '|')
	if i <= 0 || i == len(m)-1 {
		return contract.Connection{}, false
	}
	return contract.Connection{UserID: domain.UserID(m[:i]), ConnectionID: m[i+1:]}, true
}

func (r *RedisStore) Touch(ctx context.Context, conn contract.Connection, at time.Time) (bool, int, error) {
	var (
		added *redis.IntCmd
		count *redis.IntCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, heartbeatsKey, redis.Z{Score: float64(at.UnixNano()), Member: member(conn)})
		added = pipe.SAdd(ctx, connsKey(conn.UserID), conn.ConnectionID)
		count = pipe.SCard(ctx, connsKey(conn.UserID))
		return nil
	})
	if err != nil {
		return false, 0, errors.Transient(fmt.Errorf("redis: touch %s: %w", conn.UserID, err))
	}
	return added.Val() > 0, int(count.Val()), nil
}

func (r *RedisStore) Drop(ctx context.Context, conn contract.Connection) (bool, int, error) {
	var (
		removed *redis.IntCmd
		left    *redis.IntCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, heartbeatsKey, member(conn))
		removed = pipe.SRem(ctx, connsKey(conn.UserID), conn.ConnectionID)
		left = pipe.SCard(ctx, connsKey(conn.UserID))
		return nil
	})
	if err != nil {
		return false, 0, errors.Transient(fmt.Errorf("redis: drop %s: %w", conn.UserID, err))
	}
	return removed.Val() > 0, int(left.Val()), nil
}

func (r *RedisStore) Stale(ctx context.Context, deadline time.Time) ([]contract.Connection, error) {
	members, err := r.client.ZRangeByScore(ctx, heartbeatsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(deadline.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Transient(fmt.Errorf("redis: stale heartbeats: %w", err))
	}
	stale := make([]contract.Connection, 0, len(members))
	for _, m := range members {
		if conn, ok := parseMember(m); ok {
			stale = append(stale, conn)
		}
	}
	return stale, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
