package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/actions"
	"github.com/NithinThadem/branch-deployments-sub001/internal/audio"
	"github.com/NithinThadem/branch-deployments-sub001/internal/events"
	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
	"github.com/NithinThadem/branch-deployments-sub001/internal/handoff"
	"github.com/NithinThadem/branch-deployments-sub001/internal/knowledge"
	"github.com/NithinThadem/branch-deployments-sub001/internal/llm"
	"github.com/NithinThadem/branch-deployments-sub001/internal/observability"
	"github.com/NithinThadem/branch-deployments-sub001/internal/outbound"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
	"github.com/NithinThadem/branch-deployments-sub001/internal/stt"
	"github.com/NithinThadem/branch-deployments-sub001/internal/telephony"
	"github.com/NithinThadem/branch-deployments-sub001/internal/tts"
)

// State is the lifecycle state of a call session
type State int

const (
	StateConnecting State = iota
	StateListening
	StateResponding
	StateEnding
	StateEnded
	StateTransferred
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateResponding:
		return "RESPONDING"
	case StateEnding:
		return "ENDING"
	case StateEnded:
		return "ENDED"
	case StateTransferred:
		return "TRANSFERRED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the session no longer accepts caller input
func (s State) Terminal() bool {
	return s >= StateEnding
}

// Model is the language model surface a session uses
type Model interface {
	Stream(ctx context.Context, messages []llm.Message, onToken llm.TokenHandler) error
	Choose(ctx context.Context, answer string, options []string) (int, error)
	ResolveStep(ctx context.Context, script, reply string) (int, error)
	Extract(ctx context.Context, question, answer string, outcomes []string) (*llm.Extraction, error)
	Classify(ctx context.Context, callerMessages []string) (*llm.Verdict, error)
}

// KnowledgeBase finds reference passages for a caller's question
type KnowledgeBase interface {
	Search(ctx context.Context, accountID, query string, topK int) ([]knowledge.Passage, error)
}

// ActionRunner executes a flow node's side-effect function
type ActionRunner interface {
	Execute(ctx context.Context, node *flow.Node, bindings map[string]string) (*actions.Result, error)
}

// CallControl ends or redirects the live call
type CallControl interface {
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, number string) error
}

// Config holds per-session timing and behavior settings
type Config struct {
	MediaRate        time.Duration
	RealtimePacing   bool
	SilenceThreshold time.Duration // unchanged transcript this long ends the caller's turn
	SilenceTimeout   time.Duration // caller silence after the agent finishes speaking
	AgentTryLimit    int
	MachineTryLimit  int

	BackgroundAudio string // catalog asset name, "random" or empty
	InterimAudio    string
	InterimSeconds  float64

	HandoffNumber    string
	DefaultFlowID    string
	DefaultAccountID string
	Language         string
	VoiceID          string
	Recognizer       stt.Options
	KnowledgeTopK    int

	// TerminalGrace bounds how long a scheduled hangup or transfer waits for
	// the closing audio to play
	TerminalGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MediaRate <= 0 {
		c.MediaRate = 20 * time.Millisecond
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 250 * time.Millisecond
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 3 * time.Second
	}
	if c.AgentTryLimit <= 0 {
		c.AgentTryLimit = 5
	}
	if c.MachineTryLimit <= 0 {
		c.MachineTryLimit = 3
	}
	if c.KnowledgeTopK <= 0 {
		c.KnowledgeTopK = 3
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 15 * time.Second
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// Deps are the collaborators shared by all sessions. Knowledge, Actions,
// Handoffs, Events and Catalog may be nil.
type Deps struct {
	Catalog     *audio.Catalog
	Recognizers stt.Factory
	Synthesizer tts.Client
	Model       Model
	Knowledge   KnowledgeBase
	Actions     ActionRunner
	Calls       CallControl
	Store       store.Store
	Handoffs    handoff.Store
	Events      events.Emitter
	Logger      zerolog.Logger
}

const (
	persistTimeout     = 5 * time.Second
	callControlTimeout = 10 * time.Second
	randomAsset        = "random"
)

// Session drives one phone call: it listens to the caller, decides when the
// caller's turn is over and answers through the turn pipeline.
type Session struct {
	cfg    Config
	deps   Deps
	sender outbound.Sender

	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
	metrics *observability.Metrics

	queue      *outbound.Queue
	recognizer stt.STTClient
	fillers    FillerSet

	mu            sync.Mutex
	state         State
	conv          *store.Conversation
	graph         *flow.Graph
	account       *store.Account
	callSID       string
	machineLikely bool
	language      string

	// caller side
	transcribing bool
	finalText    []string
	interimText  string
	endOfTurn    *time.Timer
	userReplies  int

	// agent side
	turnEpoch    time.Time
	repeating    bool
	replying     bool
	pendingMarks map[string]string
	turnNodes    map[string]string

	silence        *time.Timer
	remainingTries int

	pendingEnd func()
	grace      *time.Timer

	terminating atomic.Bool
	endOnce     sync.Once
	stopOnce    sync.Once
}

// NewSession creates a session writing audio through sender
func NewSession(cfg Config, deps Deps, sender outbound.Sender) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:          cfg,
		deps:         deps,
		sender:       sender,
		ctx:          context.Background(),
		cancel:       func() {},
		logger:       deps.Logger,
		metrics:      observability.NewCallMetrics(""),
		state:        StateConnecting,
		pendingMarks: make(map[string]string),
		turnNodes:    make(map[string]string),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the conversation record
func (s *Session) Conversation() *store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil
	}
	return s.conv.Clone()
}

// Start loads the conversation, starts the recognizer and the outbound
// queue, and has the agent open the call.
func (s *Session) Start(ctx context.Context, ev *telephony.StartEvent) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	correlationID := observability.NewCorrelationID()
	s.logger = s.deps.Logger.With().
		Str("correlation_id", correlationID).
		Str("call_id", ev.CallSID).
		Str("stream_id", ev.StreamSID).
		Logger()
	s.metrics = observability.NewCallMetrics(ev.CallSID)
	s.metrics.RecordCallStart()

	s.callSID = ev.CallSID
	s.machineLikely = ev.MachineLikely()

	rec, err := s.loadRecord(s.ctx, ev)
	if err != nil {
		s.metrics.RecordError("load_conversation", "store")
		return fmt.Errorf("load conversation: %w", err)
	}

	conv := rec.Conversation
	conv.CallID = ev.CallSID
	conv.StreamID = ev.StreamSID
	conv.Status = store.StatusInProgress
	if conv.CallerNumber == "" {
		conv.CallerNumber = ev.CallerNumber()
	}
	if conv.Bindings == nil {
		conv.Bindings = make(map[string]string)
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]string)
	}
	if s.machineLikely {
		conv.Metadata["answered_by"] = ev.CustomParameters[telephony.ParamAnsweredBy]
	}

	account := rec.Account
	if account == nil {
		account = &store.Account{ID: conv.AccountID}
	}

	s.mu.Lock()
	s.conv = conv
	s.graph = rec.Flow.Clone()
	s.account = account
	s.language = firstNonEmpty(ev.Language(), account.Language, s.cfg.Language)
	s.remainingTries = s.tryLimit()
	s.mu.Unlock()

	s.fillers = FillersFor(s.language)
	s.logger = s.logger.With().Str("response_id", conv.ID).Logger()

	s.queue = outbound.NewQueue(s.sender, outbound.Options{
		MediaRate:      s.cfg.MediaRate,
		RealtimePacing: s.cfg.RealtimePacing,
		Background:     s.reader(s.cfg.BackgroundAudio),
		Interim:        s.reader(s.cfg.InterimAudio),
	}, s.logger)
	s.queue.Start(s.ctx)

	opts := s.cfg.Recognizer
	opts.Language = s.language
	s.recognizer = s.deps.Recognizers(opts)
	if err := s.recognizer.Start(); err != nil {
		s.metrics.RecordError("recognizer_start", "stt")
		return fmt.Errorf("start recognizer: %w", err)
	}
	go s.consumeTranscripts(s.recognizer.GetTranscription())

	s.persist()
	s.emit(events.CallStarted, map[string]string{
		"caller":  conv.CallerNumber,
		"flow_id": conv.FlowID,
	})
	s.logger.Info().
		Str("flow_id", conv.FlowID).
		Bool("machine_likely", s.machineLikely).
		Msg("Call session started")

	s.mu.Lock()
	epoch := s.beginTurnLocked(false)
	s.mu.Unlock()
	go s.runTurn(epoch, store.Turn{Author: store.AuthorSystem, Text: openingPrompt})
	return nil
}

// loadRecord resolves the conversation for a new call: an explicit response
// id, then a pending handoff for the caller, then a new conversation.
func (s *Session) loadRecord(ctx context.Context, ev *telephony.StartEvent) (*store.Record, error) {
	if id := ev.ResponseID(); id != "" {
		return s.deps.Store.Load(ctx, id)
	}

	caller := ev.CallerNumber()
	if caller != "" && s.deps.Handoffs != nil {
		h, err := s.deps.Handoffs.Take(ctx, caller)
		switch {
		case err == nil:
			return s.resumeHandoff(ctx, caller, h)
		case !errors.Is(err, handoff.ErrNotFound):
			s.logger.Warn().Err(err).Msg("Failed to read handoff record")
		}
	}

	flowID := firstNonEmpty(ev.FlowID(), s.cfg.DefaultFlowID)
	if flowID == "" {
		return nil, errors.New("no flow for call")
	}
	return s.deps.Store.Create(ctx, &store.Conversation{
		AccountID:    firstNonEmpty(ev.AccountID(), s.cfg.DefaultAccountID),
		FlowID:       flowID,
		CallerNumber: caller,
	})
}

func (s *Session) resumeHandoff(ctx context.Context, caller string, h *handoff.Record) (*store.Record, error) {
	prior, err := s.deps.Store.Load(ctx, h.ResponseID)
	if err != nil {
		return nil, fmt.Errorf("load handed off conversation: %w", err)
	}
	from := prior.Conversation.Clone()
	s.logger.Info().
		Str("from_response_id", h.ResponseID).
		Str("flow_id", h.TargetFlowID).
		Msg("Resuming handed off conversation")

	return s.deps.Store.Create(ctx, &store.Conversation{
		AccountID:    from.AccountID,
		FlowID:       h.TargetFlowID,
		CallerNumber: caller,
		Turns:        from.Turns,
		Bindings:     from.Bindings,
		Metadata: map[string]string{
			"handoff_from":      h.ResponseID,
			"handoff_call_id":   h.OriginatingCID,
			"handoff_from_flow": from.FlowID,
		},
	})
}

func (s *Session) reader(name string) *audio.Reader {
	if name == "" || s.deps.Catalog == nil {
		return nil
	}
	if name == randomAsset {
		name = s.deps.Catalog.SelectRandom(true)
	}
	r, err := s.deps.Catalog.NewReader(name)
	if err != nil {
		s.logger.Warn().Err(err).Str("asset", name).Msg("Audio asset unavailable")
		return nil
	}
	return r
}

func (s *Session) tryLimit() int {
	if s.machineLikely {
		return s.cfg.MachineTryLimit
	}
	return s.cfg.AgentTryLimit
}

// HandleAudio forwards caller audio to the recognizer
func (s *Session) HandleAudio(payload []byte) {
	if s.recognizer == nil {
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(payload)))
	if err := s.recognizer.SendAudio(payload); err != nil {
		s.logger.Debug().Err(err).Msg("Dropping caller audio")
	}
}

// HandleMark amends the agent's turn with the text whose audio just played
func (s *Session) HandleMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text, ok := s.pendingMarks[name]
	if !ok {
		return
	}
	delete(s.pendingMarks, name)

	turnID := name
	if i := strings.LastIndexByte(name, ':'); i > 0 {
		turnID = name[:i]
	}
	s.amendAgentTurnLocked(turnID, text)
	s.checkPlaybackLocked()
}

func (s *Session) amendAgentTurnLocked(turnID, text string) {
	if s.conv == nil || text == "" {
		return
	}
	now := time.Now()
	for i := len(s.conv.Turns) - 1; i >= 0; i-- {
		t := &s.conv.Turns[i]
		if t.ID != turnID {
			continue
		}
		t.Text = strings.TrimSpace(t.Text + " " + text)
		t.EndedAt = now
		return
	}
	s.conv.Turns = append(s.conv.Turns, store.Turn{
		ID:        turnID,
		Author:    store.AuthorAI,
		Text:      text,
		StartedAt: now,
		EndedAt:   now,
		NodeID:    s.turnNodes[turnID],
	})
	s.metrics.RecordTurn(string(store.AuthorAI))
}

// Stop ends the session when the media stream closes. It is safe to call
// more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.terminating.Store(true)

		final := StateEnded
		s.mu.Lock()
		if s.conv == nil {
			final = StateFailed
		} else {
			switch s.conv.Status {
			case store.StatusInProgress:
				s.conv.Status = store.StatusEnded
				s.conv.EndReason = "caller hung up"
			case store.StatusTransferred:
				final = StateTransferred
			case store.StatusFailed:
				final = StateFailed
			}
		}
		s.mu.Unlock()

		s.finish(final)
		s.cancel()
		if s.queue != nil {
			s.queue.Close()
		}
		if s.recognizer != nil {
			if err := s.recognizer.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to close recognizer")
			}
		}
	})
}

// finish records the final state once
func (s *Session) finish(final State) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = StateEnding
		}
		s.pendingEnd = nil
		s.stopTimersLocked()
		var conv *store.Conversation
		if s.conv != nil {
			conv = s.conv.Clone()
		}
		s.mu.Unlock()

		status := store.StatusFailed
		if conv != nil {
			status = conv.Status
			s.save(conv)
			s.emit(events.CallEnded, map[string]string{
				"status": string(conv.Status),
				"reason": conv.EndReason,
				"turns":  fmt.Sprint(len(conv.Turns)),
			})
		}
		s.metrics.RecordCallEnd(string(status))

		s.mu.Lock()
		s.state = final
		s.mu.Unlock()
		s.logger.Info().Str("state", final.String()).Str("status", string(status)).Msg("Call session ended")
	})
}

func (s *Session) stopTimersLocked() {
	for _, t := range []*time.Timer{s.endOfTurn, s.silence, s.grace} {
		if t != nil {
			t.Stop()
		}
	}
}

// persist saves a snapshot of the conversation
func (s *Session) persist() {
	s.mu.Lock()
	if s.conv == nil {
		s.mu.Unlock()
		return
	}
	conv := s.conv.Clone()
	s.mu.Unlock()
	s.save(conv)
}

func (s *Session) save(conv *store.Conversation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
	defer cancel()
	if err := s.deps.Store.Save(ctx, conv); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist conversation")
		s.metrics.RecordError("persist", "store")
	}
}

func (s *Session) emit(typ events.Type, payload map[string]string) {
	if s.deps.Events == nil || s.conv == nil {
		return
	}
	ev := &events.Event{
		Type:       typ,
		ResponseID: s.conv.ID,
		CallID:     s.callSID,
		AccountID:  s.conv.AccountID,
		Payload:    payload,
		At:         time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
	defer cancel()
	if err := s.deps.Events.Emit(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(typ)).Msg("Failed to emit event")
		s.metrics.RecordError("emit", "events")
	}
}

func newTurnID() string {
	return uuid.NewString()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
