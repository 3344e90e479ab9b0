// Package cache is a Redis read-through layer over a tokens.Store.
//
// Only terminal records are cached. They can never change again, so an entry
// is either absent or correct and no invalidation is needed. Pending records
// always go to the backing store, which stays the only authority for
// compare-and-set.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

const (
	DefaultTTL = 24 * time.Hour
	keyPrefix  = "purchase_token:"
)

// Store embeds the backing store; writes and scans pass straight through.
type Store struct {
	tokens.Store
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func New(backing tokens.Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Store: backing, rdb: rdb, ttl: ttl, log: log}
}

// NewClient builds a go-redis client and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (s *Store) FindByToken(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error) {
	key := cacheKey(purchaseToken)
	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec tokens.PurchaseToken
		if jerr := json.Unmarshal(data, &rec); jerr == nil && rec.Status.Terminal() {
			return &rec, nil
		}
		s.log.Warn("discarding unreadable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		s.log.Warn("redis get failed, reading through", zap.Error(err))
	}

	rec, err := s.Store.FindByToken(ctx, purchaseToken)
	if err != nil || rec == nil {
		return rec, err
	}
	s.put(ctx, rec)
	return rec, nil
}

func (s *Store) Transition(ctx context.Context, t tokens.Transition) (*tokens.PurchaseToken, error) {
	rec, err := s.Store.Transition(ctx, t)
	if err != nil {
		return nil, err
	}
	s.put(ctx, rec)
	return rec, nil
}

// put caches rec when it is terminal. Failures only cost a cache miss later.
func (s *Store) put(ctx context.Context, rec *tokens.PurchaseToken) {
	if !rec.Status.Terminal() {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("marshal cache entry", zap.String("purchase_token_id", rec.ID), zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(rec.PurchaseToken), data, s.ttl).Err(); err != nil {
		s.log.Warn("redis set failed", zap.String("purchase_token_id", rec.ID), zap.Error(err))
	}
}

// cacheKey hashes the raw token so bearer credentials never appear as Redis keys.
func cacheKey(purchaseToken string) string {
	sum := sha256.Sum256([]byte(purchaseToken))
	return keyPrefix + hex.EncodeToString(sum[:])
}
