package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NithinThadem/branch-deployments-sub001/internal/redistest"
)

func newStore(t *testing.T) (*RedisStore, *redistest.Server) {
	t.Helper()
	srv := redistest.NewServer(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2, DisableIndentity: true})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, 60*time.Second), srv
}

func TestPutTake(t *testing.T) {
	s, srv := newStore(t)
	ctx := context.Background()

	rec := &Record{ResponseID: "resp-1", TargetFlowID: "billing", OriginatingCID: "CA123"}
	if err := s.Put(ctx, "+15550100", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ttl := srv.TTL("handoff:+15550100"); ttl != 60 {
		t.Errorf("Expected 60s TTL, got %d", ttl)
	}

	got, err := s.Take(ctx, "+15550100")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if got.ResponseID != "resp-1" || got.TargetFlowID != "billing" || got.OriginatingCID != "CA123" {
		t.Errorf("Unexpected record %+v", got)
	}

	if _, err := s.Take(ctx, "+15550100"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected record to be consumed, got %v", err)
	}
}

func TestPut_Overwrites(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "+15550100", &Record{ResponseID: "stale"})
	s.Put(ctx, "+15550100", &Record{ResponseID: "fresh"})

	got, err := s.Take(ctx, "+15550100")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if got.ResponseID != "fresh" {
		t.Errorf("Expected last write to win, got %q", got.ResponseID)
	}
}

func TestTake_Missing(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Take(context.Background(), "+15550199"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
