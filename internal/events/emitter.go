package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Type names a side-effect event
type Type string

const (
	CallStarted   Type = "call_started"
	NewResponse   Type = "new_response"
	PhoneTransfer Type = "phone_transfer"
	AgentHandoff  Type = "agent_handoff"
	CallEnded     Type = "call_ended"
	DataPoint     Type = "data_point"
)

// Event is emitted for analytics, webhooks and downstream side effects
type Event struct {
	Type       Type
	ResponseID string
	CallID     string
	AccountID  string
	Payload    map[string]string
	At         time.Time
}

// Emitter publishes events
type Emitter interface {
	Emit(ctx context.Context, ev *Event) error
}

// RedisStream appends events to a Redis stream
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream creates an emitter writing to stream, trimmed to about maxLen entries
func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Emit(ctx context.Context, ev *Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":        string(ev.Type),
			"response_id": ev.ResponseID,
			"call_id":     ev.CallID,
			"account_id":  ev.AccountID,
			"payload":     string(payload),
			"at":          ev.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Log writes events to the structured log
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "events").Logger()}
}

func (l *Log) Emit(ctx context.Context, ev *Event) error {
	e := l.logger.Info().
		Str("event", string(ev.Type)).
		Str("response_id", ev.ResponseID).
		Str("call_id", ev.CallID)
	for k, v := range ev.Payload {
		e = e.Str(k, v)
	}
	e.Msg("Event emitted")
	return nil
}

// Multi fans an event out to every emitter
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev *Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
