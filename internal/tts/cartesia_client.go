package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/audio"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"

	EncodingMulaw = "pcm_mulaw"
	EncodingPCM   = "pcm_s16le"
)

// CartesiaConfig configures the websocket synthesizer
type CartesiaConfig struct {
	APIKey      string
	VoiceID     string
	ModelID     string
	Encoding    string        // pcm_mulaw or pcm_s16le
	SampleRate  int           // requested rate; μ-law is always 8000
	IdleTimeout time.Duration // socket closes after this long without traffic
	URL         string        // override for tests
}

// CartesiaClient implements Client using Cartesia's websocket API
type CartesiaClient struct {
	cfg    CartesiaConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg CartesiaConfig, logger zerolog.Logger) *CartesiaClient {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingMulaw
	}
	if cfg.Encoding == EncodingMulaw || cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.URL == "" {
		cfg.URL = cartesiaWSURL
	}
	return &CartesiaClient{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "cartesia").Logger(),
	}
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
	ContextID    string               `json:"context_id"`
	Continue     bool                 `json:"continue"`
}

type cartesiaCancel struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type cartesiaResponse struct {
	Type       string `json:"type"` // "chunk", "done", "flush_done", "timestamps", "error"
	ContextID  string `json:"context_id,omitempty"`
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Open dials one websocket for a turn
func (c *CartesiaClient) Open(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	voiceID := opts.VoiceID
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}

	s := &cartesiaStream{
		conn:   conn,
		id:     uuid.NewString(),
		events: make(chan *AudioChunk, 64),
		done:   make(chan struct{}),
		base: cartesiaRequest{
			ModelID: c.cfg.ModelID,
			Voice:   cartesiaVoiceSpec{Mode: "id", ID: voiceID},
			OutputFormat: cartesiaOutputFormat{
				Container:  "raw",
				Encoding:   c.cfg.Encoding,
				SampleRate: c.cfg.SampleRate,
			},
			Language: opts.Language,
		},
		pending:     make(map[string]int),
		remainder:   make(map[int][]byte),
		cancelled:   make(map[string]bool),
		logger:      c.logger,
		idleTimeout: c.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.idle = time.AfterFunc(s.idleTimeout, func() {
		s.logger.Debug().Msg("Closing idle synthesis socket")
		s.Close()
	})
	s.mu.Unlock()

	go s.readLoop()
	return s, nil
}

type cartesiaStream struct {
	conn   *websocket.Conn
	id     string
	base   cartesiaRequest
	events chan *AudioChunk
	done   chan struct{}
	logger zerolog.Logger

	idleTimeout time.Duration

	writeMu   sync.Mutex
	mu        sync.Mutex
	idle      *time.Timer
	pending   map[string]int // context id -> seq
	remainder map[int][]byte // odd trailing PCM byte per seq
	cancelled map[string]bool
	closeOnce sync.Once
}

func (s *cartesiaStream) contextID(seq int) string {
	return fmt.Sprintf("%s-%d", s.id, seq)
}

func (s *cartesiaStream) touch() {
	s.mu.Lock()
	if s.idle != nil {
		s.idle.Reset(s.idleTimeout)
	}
	s.mu.Unlock()
}

// Send synthesizes one complete text chunk under its own context
func (s *cartesiaStream) Send(seq int, text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("synthesis stream closed")
	default:
	}

	ctxID := s.contextID(seq)
	s.mu.Lock()
	s.pending[ctxID] = seq
	s.mu.Unlock()

	req := s.base
	req.Transcript = text
	req.ContextID = ctxID
	req.Continue = false

	s.touch()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send transcript: %w", err)
	}
	return nil
}

// Flush cancels all in-flight contexts
func (s *cartesiaStream) Flush() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
		s.cancelled[id] = true
	}
	s.pending = make(map[string]int)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, id := range ids {
		if err := s.conn.WriteJSON(cartesiaCancel{ContextID: id, Cancel: true}); err != nil {
			return fmt.Errorf("cancel context: %w", err)
		}
	}
	return nil
}

func (s *cartesiaStream) Events() <-chan *AudioChunk {
	return s.events
}

// Close shuts the socket; the read loop then closes Events
func (s *cartesiaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.idle != nil {
			s.idle.Stop()
		}
		s.mu.Unlock()
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *cartesiaStream) emit(chunk *AudioChunk) bool {
	select {
	case s.events <- chunk:
		return true
	case <-s.done:
		return false
	}
}

func (s *cartesiaStream) readLoop() {
	defer close(s.events)
	defer s.Close()

	for {
		var msg cartesiaResponse
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Warn().Err(err).Msg("Synthesis socket read failed")
				}
			}
			return
		}
		s.touch()

		s.mu.Lock()
		seq, known := s.pending[msg.ContextID]
		dropped := s.cancelled[msg.ContextID]
		s.mu.Unlock()
		if dropped || (!known && msg.Type != "error") {
			continue
		}

		switch msg.Type {
		case "chunk":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to decode synthesized audio")
				continue
			}
			data = s.toMulaw(seq, data)
			if len(data) > 0 && !s.emit(&AudioChunk{Seq: seq, Data: data}) {
				return
			}
			if msg.Done {
				s.finish(msg.ContextID, seq)
			}

		case "done":
			if !s.finish(msg.ContextID, seq) {
				return
			}

		case "error":
			s.logger.Error().Str("error", msg.Error).Int("status", msg.StatusCode).Msg("Cartesia error")
			if known && !s.finish(msg.ContextID, seq) {
				return
			}
		}
	}
}

func (s *cartesiaStream) finish(ctxID string, seq int) bool {
	s.mu.Lock()
	delete(s.pending, ctxID)
	delete(s.remainder, seq)
	s.mu.Unlock()
	return s.emit(&AudioChunk{Seq: seq, Final: true})
}

// toMulaw converts 16-bit PCM output to 8kHz μ-law, carrying an odd
// trailing byte into the next chunk of the same sequence
func (s *cartesiaStream) toMulaw(seq int, data []byte) []byte {
	if s.base.OutputFormat.Encoding == EncodingMulaw {
		return data
	}

	s.mu.Lock()
	if rem := s.remainder[seq]; len(rem) > 0 {
		data = append(rem, data...)
	}
	if len(data)%2 == 1 {
		s.remainder[seq] = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	} else {
		delete(s.remainder, seq)
	}
	s.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	out, err := audio.ConvertPCMToPCMU(data, s.base.OutputFormat.SampleRate, audio.SampleRate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to convert synthesized audio")
		return nil
	}
	return out
}
