package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no handoff is pending for a number
var ErrNotFound = errors.New("no pending handoff")

const keyPrefix = "handoff:"

// Record carries a conversation from one agent flow into the next call
type Record struct {
	ResponseID     string    `json:"response_id"`
	TargetFlowID   string    `json:"target_flow_id"`
	OriginatingCID string    `json:"originating_call_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store holds short-lived handoff records keyed by caller number
type Store interface {
	Put(ctx context.Context, phone string, rec *Record) error
	Take(ctx context.Context, phone string) (*Record, error)
}

// RedisStore keeps handoff records in Redis with a TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store; records expire after ttl
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Put writes rec for phone, replacing any earlier record
func (s *RedisStore) Put(ctx context.Context, phone string, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+phone, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	return nil
}

// Take reads and deletes the record for phone
func (s *RedisStore) Take(ctx context.Context, phone string) (*Record, error) {
	data, err := s.client.GetDel(ctx, keyPrefix+phone).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read handoff: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode handoff: %w", err)
	}
	return &rec, nil
}
