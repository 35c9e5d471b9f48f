// Package cache holds short lived read models in Redis. A nil *Store is valid
// and behaves as an always-missing cache, so callers never branch on whether
// Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/javajoker/autoparts-backend/internal/config"
)

const (
	// idem:order:create:{user}:{key hash} -> order id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"
	// order:status:{order id} -> status
	KeyOrderStatus = "order:status:%d"
	// cart:{user}:count -> total quantity
	KeyCartCount = "cart:%s:count"
	// products:hot:{n} -> JSON list
	KeyHotProducts = "products:hot:%d"
	keyHotPattern  = "products:hot:*"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLCartCount   = 10 * time.Minute
	TTLHotProducts = 5 * time.Minute
)

type Store struct {
	rdb *redis.Client
}

// NewClient connects and pings. It returns nil when Redis is disabled.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func NewStore(rdb *redis.Client) *Store {
	if rdb == nil {
		return nil
	}
	return &Store{rdb: rdb}
}

func (s *Store) enabled() bool {
	return s != nil && s.rdb != nil
}

func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Close()
}

// --- order status ---

func (s *Store) GetOrderStatus(ctx context.Context, orderID uint) (string, bool) {
	if !s.enabled() {
		return "", false
	}
	v, err := s.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *Store) SetOrderStatus(ctx context.Context, orderID uint, status string) error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), status, TTLStatusCache).Err()
}

// --- create-order idempotency ---

// ReserveIdempotencyKey claims key for the user. It returns the order id
// already recorded under the key, or 0 if the caller won the claim.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, userID uuid.UUID, keyHash string) (uint, error) {
	if !s.enabled() {
		return 0, nil
	}

	key := fmt.Sprintf(KeyIdemOrderCreate, userID, keyHash)
	ok, err := s.rdb.SetNX(ctx, key, "0", TTLIdempotency).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}

	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	id, _ := strconv.ParseUint(v, 10, 64)
	if id == 0 {
		return 0, ErrInFlight
	}
	return uint(id), nil
}

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("a request with this idempotency key is in progress")

func (s *Store) CompleteIdempotencyKey(ctx context.Context, userID uuid.UUID, keyHash string, orderID uint) error {
	if !s.enabled() {
		return nil
	}
	key := fmt.Sprintf(KeyIdemOrderCreate, userID, keyHash)
	return s.rdb.Set(ctx, key, orderID, TTLIdempotency).Err()
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, userID uuid.UUID, keyHash string) error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, keyHash)).Err()
}

// --- cart count ---

func (s *Store) GetCartCount(ctx context.Context, userID uuid.UUID) (int, bool) {
	if !s.enabled() {
		return 0, false
	}
	n, err := s.rdb.Get(ctx, fmt.Sprintf(KeyCartCount, userID)).Int()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Store) SetCartCount(ctx context.Context, userID uuid.UUID, count int) error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Set(ctx, fmt.Sprintf(KeyCartCount, userID), count, TTLCartCount).Err()
}

func (s *Store) InvalidateCartCount(ctx context.Context, userID uuid.UUID) error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Del(ctx, fmt.Sprintf(KeyCartCount, userID)).Err()
}

// --- hot products ---

func (s *Store) GetJSON(ctx context.Context, key string, out any) bool {
	if !s.enabled() {
		return false
	}
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !s.enabled() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

// InvalidateHotProducts drops every cached hot list.
func (s *Store) InvalidateHotProducts(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}

	iter := s.rdb.Scan(ctx, 0, keyHotPattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}
