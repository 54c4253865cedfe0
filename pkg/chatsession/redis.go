package chatsession

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "chat-relay:session:"

// RedisStore keeps each session history as a Redis list of JSON-encoded turns.
// The list is trimmed to the cap inside the same MULTI/EXEC as the append, so
// readers never see more than cap entries.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	limit  int
	ttl    time.Duration
}

var _ Store = &RedisStore{}

type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix overrides the key namespace (default "chat-relay:session:").
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTTL makes every commit refresh the key expiry. Zero keeps keys forever.
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(client redis.Cmdable, historyCap int, opts ...RedisStoreOption) (*RedisStore, error) {
	if isNilClient(client) {
		return nil, errors.New("redis session store: client is nil")
	}
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	s := &RedisStore{client: client, prefix: defaultRedisKeyPrefix, limit: historyCap}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// isNilClient also catches typed nil clients wrapped in the interface.
func isNilClient(client redis.Cmdable) bool {
	switch c := client.(type) {
	case nil:
		return true
	case *redis.Client:
		return c == nil
	case *redis.ClusterClient:
		return c == nil
	case *redis.Ring:
		return c == nil
	}
	return false
}

func (s *RedisStore) HistoryCap() int { return s.limit }

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Get(ctx context.Context, id string) ([]Turn, error) {
	vals, err := s.client.LRange(ctx, s.key(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "redis session store: lrange %s", id)
	}
	return decodeTurns(vals)
}

func (s *RedisStore) Commit(ctx context.Context, id string, turn Turn) ([]Turn, error) {
	payload, err := json.Marshal(turn)
	if err != nil {
		return nil, errors.Wrap(err, "redis session store: marshal turn")
	}
	key := s.key(id)

	var rng *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-s.limit), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		rng = pipe.LRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "redis session store: commit %s", id)
	}
	return decodeTurns(rng.Val())
}

func decodeTurns(vals []string) ([]Turn, error) {
	out := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, errors.Wrap(err, "redis session store: decode turn")
		}
		out = append(out, t)
	}
	return out, nil
}
