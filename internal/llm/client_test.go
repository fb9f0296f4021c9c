package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

// fakeProvider plays back one scripted behavior per call
type fakeProvider struct {
	mu       sync.Mutex
	streams  []func(ctx context.Context, onToken TokenHandler) error
	replies  []string
	calls    int
	lastMsgs []Message
}

func (f *fakeProvider) Stream(ctx context.Context, model string, messages []Message, onToken TokenHandler) error {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.lastMsgs = messages
	f.mu.Unlock()
	return f.streams[i](ctx, onToken)
}

func (f *fakeProvider) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.lastMsgs = messages
	return f.replies[i], nil
}

func emit(tokens ...string) func(context.Context, TokenHandler) error {
	return func(ctx context.Context, onToken TokenHandler) error {
		for _, tok := range tokens {
			if err := onToken(tok); err != nil {
				return err
			}
		}
		return nil
	}
}

func hang(ctx context.Context, _ TokenHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestClient(p Provider) *Client {
	return NewClient(p, Config{
		Model:   "test-model",
		Timeout: 30 * time.Millisecond,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}, nil, zerolog.Nop())
}

func TestStream_Tokens(t *testing.T) {
	p := &fakeProvider{streams: []func(context.Context, TokenHandler) error{emit("Hello", " there.")}}
	c := newTestClient(p)

	var got strings.Builder
	err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(tok string) error {
		got.WriteString(tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got.String() != "Hello there." {
		t.Errorf("Expected %q, got %q", "Hello there.", got.String())
	}
}

func TestStream_RetriesWhenFirstTokenTimesOut(t *testing.T) {
	p := &fakeProvider{streams: []func(context.Context, TokenHandler) error{hang, emit("ok")}}
	c := newTestClient(p)

	var got string
	err := c.Stream(context.Background(), nil, func(tok string) error {
		got += tok
		return nil
	})
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if p.calls != 2 || got != "ok" {
		t.Errorf("Expected 2 attempts and %q, got %d and %q", "ok", p.calls, got)
	}
}

func TestStream_NoRetryAfterPartialOutput(t *testing.T) {
	broken := func(ctx context.Context, onToken TokenHandler) error {
		onToken("Half")
		return errors.New("connection reset")
	}
	p := &fakeProvider{streams: []func(context.Context, TokenHandler) error{broken, emit("never")}}
	c := newTestClient(p)

	err := c.Stream(context.Background(), nil, func(string) error { return nil })
	if err == nil {
		t.Fatal("Expected error")
	}
	if p.calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", p.calls)
	}
}

func TestStream_CancelledIsNotABreakerFailure(t *testing.T) {
	p := &fakeProvider{streams: []func(context.Context, TokenHandler) error{hang}}
	c := newTestClient(p)
	c.cfg.Timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := c.Stream(ctx, nil, func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, _, failures, _ := c.breaker.GetStats(); failures != 0 {
		t.Errorf("Expected no breaker failures, got %d", failures)
	}
}

func TestChoose(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{"plain", `{"index": 1}`, 1, false},
		{"fenced", "```json\n{\"index\": 0}\n```", 0, false},
		{"none", `{"index": -1}`, -1, false},
		{"out of range", `{"index": 5}`, -1, true},
		{"garbage", "no idea", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(&fakeProvider{replies: []string{tt.reply}})
			got, err := c.Choose(context.Background(), "book it", []string{"check availability", "book slot"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestChoose_NoOptions(t *testing.T) {
	c := newTestClient(&fakeProvider{})
	if got, err := c.Choose(context.Background(), "x", nil); got != -1 || err != nil {
		t.Errorf("Expected -1 and no error, got %d, %v", got, err)
	}
}

func TestResolveStep(t *testing.T) {
	p := &fakeProvider{replies: []string{`{"index": 3}`}}
	c := newTestClient(p)

	got, err := c.ResolveStep(context.Background(), "[1] start: greet\n[3] question: ask", "Would Tuesday work?")
	if err != nil || got != 3 {
		t.Errorf("Expected step 3, got %d, %v", got, err)
	}
	if !strings.Contains(p.lastMsgs[1].Content, "Would Tuesday work?") {
		t.Errorf("Expected reply in prompt, got %q", p.lastMsgs[1].Content)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantValue   string
		wantOutcome string
	}{
		{"listed outcome", `{"value": "yes, that works", "outcome": "Yes"}`, "yes, that works", "yes"},
		{"unlisted outcome", `{"value": "maybe", "outcome": "perhaps"}`, "maybe", ""},
		{"empty value falls back", `{"value": "", "outcome": ""}`, "yes, that works", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(&fakeProvider{replies: []string{tt.reply}})
			got, err := c.Extract(context.Background(), "Is Tuesday ok?", "yes, that works", []string{"yes", "no"})
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if got.Value != tt.wantValue || got.Outcome != tt.wantOutcome {
				t.Errorf("Expected %q/%q, got %q/%q", tt.wantValue, tt.wantOutcome, got.Value, got.Outcome)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	c := newTestClient(&fakeProvider{replies: []string{`{"violation": true, "reason": "threat"}`}})
	v, err := c.Classify(context.Background(), []string{"I will hurt you"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !v.Violation || v.Reason != "threat" {
		t.Errorf("Unexpected verdict %+v", v)
	}

	v, err = c.Classify(context.Background(), nil)
	if err != nil || v.Violation {
		t.Errorf("Expected empty input to pass, got %+v, %v", v, err)
	}
}
