package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/posdesk/backoffice/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	idempotencyLockTTL    = time.Minute
)

// RedisIdempotencyStore caches responses of idempotent requests.
type RedisIdempotencyStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(rdb redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "idem:",
	}
}

// GetOrLock claims key with SET NX. A miss means the caller now owns the key; the claim
// lapses after idempotencyLockTTL if the owner never saves or unlocks.
func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error) {
	placeholder := encodeIdemRecord(model.IdempotencyRecord{
		CreatedAt:  time.Now().UTC(),
		Processing: true,
	})
	locked, err := s.rdb.SetNX(ctx, s.prefix+key, placeholder, idempotencyLockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if locked {
		return nil, false, nil
	}
	raw, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return s.GetOrLock(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := decodeIdemRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) error {
	payload := encodeIdemRecord(model.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return s.rdb.Set(ctx, s.prefix+key, payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func encodeIdemRecord(rec model.IdempotencyRecord) string {
	wire := map[string]interface{}{
		"status":     rec.Status,
		"body":       base64.StdEncoding.EncodeToString(rec.Body),
		"created_at": rec.CreatedAt.Unix(),
		"processing": rec.Processing,
	}
	data, _ := json.Marshal(wire)
	return string(data)
}

func decodeIdemRecord(raw string) (*model.IdempotencyRecord, error) {
	var wire struct {
		Status     int    `json:"status"`
		Body       string `json:"body"`
		CreatedAt  int64  `json:"created_at"`
		Processing bool   `json:"processing"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, err
	}
	body, _ := base64.StdEncoding.DecodeString(wire.Body)
	return &model.IdempotencyRecord{
		Status:     wire.Status,
		Body:       body,
		CreatedAt:  time.Unix(wire.CreatedAt, 0).UTC(),
		Processing: wire.Processing,
	}, nil
}
