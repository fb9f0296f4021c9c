package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/redistest"
)

func TestRedisStream_Emit(t *testing.T) {
	srv := redistest.NewServer(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2, DisableIndentity: true})
	defer client.Close()

	e := NewRedisStream(client, "call-events", 0)
	err := e.Emit(context.Background(), &Event{
		Type:       PhoneTransfer,
		ResponseID: "resp-1",
		CallID:     "CA1",
		Payload:    map[string]string{"to": "+15550111"},
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	entries := srv.Stream("call-events")
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].Fields
	if fields["type"] != "phone_transfer" || fields["response_id"] != "resp-1" || fields["call_id"] != "CA1" {
		t.Errorf("Unexpected fields %v", fields)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil || payload["to"] != "+15550111" {
		t.Errorf("Unexpected payload %q", fields["payload"])
	}
	if fields["at"] == "" {
		t.Error("Expected timestamp")
	}
}

func TestLog_Emit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf))

	l.Emit(context.Background(), &Event{Type: CallEnded, ResponseID: "resp-1", Payload: map[string]string{"status": "ENDED"}})

	out := buf.String()
	for _, want := range []string{`"event":"call_ended"`, `"response_id":"resp-1"`, `"status":"ENDED"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

type failingEmitter struct{ err error }

func (f failingEmitter) Emit(context.Context, *Event) error { return f.err }

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(context.Context, *Event) error {
	c.n++
	return nil
}

func TestMulti_Emit(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingEmitter{}
	m := Multi{failingEmitter{err: boom}, counter}

	err := m.Emit(context.Background(), &Event{Type: NewResponse})
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error to contain boom, got %v", err)
	}
	if counter.n != 1 {
		t.Errorf("Expected later emitters to still run, got %d", counter.n)
	}
}
