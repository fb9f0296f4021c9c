package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/events"
	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
	"github.com/NithinThadem/branch-deployments-sub001/internal/handoff"
	"github.com/NithinThadem/branch-deployments-sub001/internal/llm"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
	"github.com/NithinThadem/branch-deployments-sub001/internal/stt"
	"github.com/NithinThadem/branch-deployments-sub001/internal/telephony"
	"github.com/NithinThadem/branch-deployments-sub001/internal/tts"
)

type fakeSender struct {
	mu      sync.Mutex
	media   int
	marks   []string
	clears  int
	log     []string // transport order: "media:<first byte>" or "mark:<name>"
	echo    bool
	session *Session
}

func (f *fakeSender) SendMedia(p []byte) error {
	f.mu.Lock()
	f.media += len(p)
	if len(p) > 0 {
		f.log = append(f.log, fmt.Sprintf("media:%02x", p[0]))
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendMark(name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	f.log = append(f.log, "mark:"+name)
	echo, s := f.echo, f.session
	f.mu.Unlock()
	if echo && s != nil {
		go s.HandleMark(name)
	}
	return nil
}

func (f *fakeSender) SendClear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) markNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeSender) transport() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeSender) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

type fakeRecognizer struct {
	results chan *stt.TranscriptionResult
	mu      sync.Mutex
	opts    stt.Options
	audio   int
	closed  bool
}

func (f *fakeRecognizer) Start() error { return nil }

func (f *fakeRecognizer) SendAudio(p []byte) error {
	f.mu.Lock()
	f.audio += len(p)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) GetTranscription() <-chan *stt.TranscriptionResult { return f.results }
func (f *fakeRecognizer) Stop() error                                     { return nil }

func (f *fakeRecognizer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeStream struct {
	mu      sync.Mutex
	events  chan *tts.AudioChunk
	sent    []string
	flushes int
	closed  bool

	// interleave emits the second half of sequence 0 only after the first
	// audio of sequence 1, the way concurrent synthesis contexts arrive
	interleave bool
	held       []*tts.AudioChunk
}

func tone(b byte) []byte {
	return bytes.Repeat([]byte{b}, 160)
}

func (f *fakeStream) Send(seq int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	f.sent = append(f.sent, text)
	switch {
	case f.interleave && seq == 0:
		f.events <- &tts.AudioChunk{Seq: 0, Data: tone(0x10)}
		f.held = []*tts.AudioChunk{{Seq: 0, Data: tone(0x11)}, {Seq: 0, Final: true}}
	case f.interleave && seq == 1:
		f.events <- &tts.AudioChunk{Seq: 1, Data: tone(0x20)}
		for _, c := range f.held {
			f.events <- c
		}
		f.held = nil
		f.events <- &tts.AudioChunk{Seq: 1, Final: true}
	default:
		f.events <- &tts.AudioChunk{Seq: seq, Data: tone(0xFF)}
		f.events <- &tts.AudioChunk{Seq: seq, Final: true}
	}
	return nil
}

func (f *fakeStream) Flush() error {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Events() <-chan *tts.AudioChunk { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

type fakeSynth struct {
	mu         sync.Mutex
	streams    []*fakeStream
	opts       []tts.StreamOptions
	interleave bool
}

func (f *fakeSynth) Open(ctx context.Context, opts tts.StreamOptions) (tts.Stream, error) {
	f.mu.Lock()
	st := &fakeStream{events: make(chan *tts.AudioChunk, 256), interleave: f.interleave}
	f.streams = append(f.streams, st)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	return st, nil
}

func (f *fakeSynth) flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.streams {
		st.mu.Lock()
		n += st.flushes
		st.mu.Unlock()
	}
	return n
}

// reply is one scripted completion. With gate set, the stream stops before
// token gateAt, closes reached and waits for gate.
type reply struct {
	text    string
	gate    chan struct{}
	gateAt  int
	reached chan struct{}
}

type fakeModel struct {
	mu       sync.Mutex
	replies  []reply
	fallback string
	steps    []int
	streams  int
	resolves int
	prompts  [][]llm.Message

	extraction *llm.Extraction
	verdict    *llm.Verdict
	choice     int
}

func (m *fakeModel) Stream(ctx context.Context, messages []llm.Message, onToken llm.TokenHandler) error {
	m.mu.Lock()
	r := reply{text: m.fallback}
	if m.streams < len(m.replies) {
		r = m.replies[m.streams]
	}
	m.streams++
	m.prompts = append(m.prompts, messages)
	m.mu.Unlock()

	for i, tok := range strings.SplitAfter(r.text, " ") {
		if r.gate != nil && i == r.gateAt {
			close(r.reached)
			select {
			case <-r.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if tok == "" {
			continue
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeModel) Choose(ctx context.Context, answer string, options []string) (int, error) {
	return m.choice, nil
}

func (m *fakeModel) ResolveStep(ctx context.Context, script, reply string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step := 0
	if m.resolves < len(m.steps) {
		step = m.steps[m.resolves]
	}
	m.resolves++
	return step, nil
}

func (m *fakeModel) Extract(ctx context.Context, question, answer string, outcomes []string) (*llm.Extraction, error) {
	if m.extraction == nil {
		return &llm.Extraction{Value: answer}, nil
	}
	return m.extraction, nil
}

func (m *fakeModel) Classify(ctx context.Context, msgs []string) (*llm.Verdict, error) {
	if m.verdict == nil {
		return &llm.Verdict{}, nil
	}
	return m.verdict, nil
}

type fakeCalls struct {
	mu        sync.Mutex
	hangups   []string
	transfers []string
}

func (f *fakeCalls) Hangup(ctx context.Context, callSID string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, callSID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) Transfer(ctx context.Context, callSID, number string) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, number)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups), len(f.transfers)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (f *fakeEmitter) Emit(ctx context.Context, ev *events.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEmitter) find(typ events.Type) *events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Type == typ {
			return ev
		}
	}
	return nil
}

// appointmentFlow: greet -> confirm -(yes)-> bye, confirm -(no)-> agent
func appointmentFlow() *flow.Graph {
	g := &flow.Graph{
		ID:   "appt",
		Name: "Appointment confirmation",
		Nodes: []*flow.Node{
			{ID: "greet", Type: flow.NodeStart, Description: "Greet the caller"},
			{ID: "confirm", Type: flow.NodeQuestion, Description: "Does Tuesday at 3pm work?", Outcomes: []string{"yes", "no"}},
			{ID: "bye", Type: flow.NodeEnd, Description: "Thank the caller and say goodbye"},
			{ID: "agent", Type: flow.NodeTransfer, Description: "Transfer to the front desk", Transfer: &flow.Transfer{PhoneNumber: "+15550199"}},
		},
		Edges: []*flow.Edge{
			{Source: "greet", Target: "confirm"},
			{Source: "confirm", Target: "bye", Outcome: "yes"},
			{Source: "confirm", Target: "agent", Outcome: "no"},
		},
	}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

func billingFlow() *flow.Graph {
	g := &flow.Graph{
		ID: "billing",
		Nodes: []*flow.Node{
			{ID: "start", Type: flow.NodeStart, Description: "Ask about the billing question"},
			{ID: "handoff", Type: flow.NodeTransfer, Description: "Hand off to scheduling", Transfer: &flow.Transfer{FlowID: "appt"}},
		},
		Edges: []*flow.Edge{{Source: "start", Target: "handoff"}},
	}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

const openingReply = "Hi, this is Ava from the clinic. Does Tuesday at 3pm work for you?"

type harness struct {
	s        *Session
	sender   *fakeSender
	rec      *fakeRecognizer
	synth    *fakeSynth
	model    *fakeModel
	calls    *fakeCalls
	emitter  *fakeEmitter
	store    *store.Memory
	handoffs handoff.Store
}

func newHarness(t *testing.T, model *fakeModel, configure func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		sender:  &fakeSender{echo: true},
		rec:     &fakeRecognizer{results: make(chan *stt.TranscriptionResult, 16)},
		synth:   &fakeSynth{},
		model:   model,
		calls:   &fakeCalls{},
		emitter: &fakeEmitter{},
		store: store.NewMemory([]*flow.Graph{appointmentFlow(), billingFlow()},
			&store.Account{ID: "acct", Language: "en-US", VoiceID: "voice-1"}),
	}
	cfg := Config{
		SilenceThreshold: 30 * time.Millisecond,
		SilenceTimeout:   2 * time.Second,
		DefaultFlowID:    "appt",
		DefaultAccountID: "acct",
		TerminalGrace:    2 * time.Second,
	}
	deps := Deps{
		Recognizers: func(opts stt.Options) stt.STTClient {
			h.rec.mu.Lock()
			h.rec.opts = opts
			h.rec.mu.Unlock()
			return h.rec
		},
		Synthesizer: h.synth,
		Model:       model,
		Calls:       h.calls,
		Store:       h.store,
		Events:      h.emitter,
		Logger:      zerolog.Nop(),
	}
	if configure != nil {
		configure(&cfg, &deps)
	}
	h.handoffs = deps.Handoffs
	h.s = NewSession(cfg, deps, h.sender)
	h.sender.session = h.s
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) start(t *testing.T, params map[string]string) {
	t.Helper()
	if params == nil {
		params = map[string]string{}
	}
	ev := &telephony.StartEvent{StreamSID: "MZ1", CallSID: "CA1", CustomParameters: params}
	if err := h.s.Start(context.Background(), ev); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (h *harness) say(text string, final bool) {
	h.rec.results <- &stt.TranscriptionResult{Text: text, IsFinal: final, SpeechFinal: final}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *harness) listening() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.state == StateListening && !h.s.replying && len(h.s.pendingMarks) == 0
}

func turnsBy(conv *store.Conversation, author store.Author) []store.Turn {
	var out []store.Turn
	for _, t := range conv.Turns {
		if t.Author == author {
			out = append(out, t)
		}
	}
	return out
}
