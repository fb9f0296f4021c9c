package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const flowFile = `
flows:
  - id: booking
    name: Booking
    nodes:
      - id: start
        type: start
        description: Greet the caller
      - id: bye
        type: end
        description: Say goodbye
    edges:
      - source: start
        target: bye
`

func newMemory(t *testing.T) *Memory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.yaml")
	if err := os.WriteFile(path, []byte(flowFile), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMemory(path, &Account{ID: "acct-1", Name: "Dental", Language: "en"})
	if err != nil {
		t.Fatalf("LoadMemory failed: %v", err)
	}
	return m
}

func TestMemory_CreateLoadSave(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, &Conversation{AccountID: "acct-1", FlowID: "booking", CallerNumber: "+15550100"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Conversation.ID == "" || rec.Conversation.Status != StatusInProgress {
		t.Errorf("Expected id and IN_PROGRESS, got %q/%s", rec.Conversation.ID, rec.Conversation.Status)
	}
	if rec.Flow.ID != "booking" || rec.Account.Name != "Dental" {
		t.Errorf("Expected relations loaded, got flow=%q account=%q", rec.Flow.ID, rec.Account.Name)
	}

	conv := rec.Conversation
	conv.Turns = append(conv.Turns, Turn{Author: AuthorUser, Text: "hello", StartedAt: time.Now()})
	conv.LastNodeID = "start"
	conv.Bindings = map[string]string{"start": "hello"}
	if err := m.Save(ctx, conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// mutating the caller's copy must not leak into the store
	conv.Turns[0].Text = "changed"

	got, err := m.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Conversation.Turns) != 1 || got.Conversation.Turns[0].Text != "hello" {
		t.Errorf("Unexpected turns %+v", got.Conversation.Turns)
	}
	if got.Conversation.LastNodeID != "start" || got.Conversation.Bindings["start"] != "hello" {
		t.Errorf("Unexpected node/bindings %q %v", got.Conversation.LastNodeID, got.Conversation.Bindings)
	}
}

func TestMemory_NotFound(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	if _, err := m.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := m.Save(ctx, &Conversation{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := m.Create(ctx, &Conversation{FlowID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown flow, got %v", err)
	}
}

func TestJSONColumns(t *testing.T) {
	conv := &Conversation{
		Turns:      []Turn{{ID: "t1", Author: AuthorAI, Text: "Hi"}},
		DataPoints: []DataPoint{{NodeID: "q", Value: "yes", Outcome: "yes", Strict: true}},
	}
	cols, err := encodeColumns(conv)
	if err != nil {
		t.Fatalf("encodeColumns failed: %v", err)
	}
	if string(cols.bindings) != "{}" {
		t.Errorf("Expected empty object for nil bindings, got %s", cols.bindings)
	}

	var out Conversation
	if err := cols.decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Bindings == nil || len(out.Turns) != 1 || !out.DataPoints[0].Strict {
		t.Errorf("Unexpected decoded conversation %+v", out)
	}
}
