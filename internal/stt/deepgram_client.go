package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/audio"
	"github.com/NithinThadem/branch-deployments-sub001/internal/observability"
	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

// ErrNotActive is returned when audio is sent to a stopped recognizer
var ErrNotActive = errors.New("deepgram client is not active")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
	closeHandler func()
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close is called when the socket goes away
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
	}
	return nil
}

// DeepgramClient implements STTClient using Deepgram's streaming API.
// Audio sent while a reconnect is in flight is kept in a ring buffer and
// replayed once the socket is back.
type DeepgramClient struct {
	opts            Options
	reconnectConfig *resilience.ReconnectConfig
	logger          zerolog.Logger

	client       *listenClient.WSCallback
	transcript   chan *TranscriptionResult
	replay       *audio.RingBuffer
	mu           sync.RWMutex
	isActive     bool
	stopped      bool
	reconnecting bool
	generation   int
	ctx          context.Context
	cancel       context.CancelFunc

	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(opts Options, breaker *resilience.CircuitBreaker, reconnect *resilience.ReconnectConfig, logger zerolog.Logger) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ReplayBytes <= 0 {
		opts.ReplayBytes = 2 * audio.SampleRate
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("deepgram", 5, 0)
	}
	return &DeepgramClient{
		opts:            opts,
		reconnectConfig: reconnect,
		logger:          logger.With().Str("component", "deepgram").Logger(),
		transcript:      make(chan *TranscriptionResult, 100),
		replay:          audio.NewRingBuffer(opts.ReplayBytes),
		ctx:             ctx,
		cancel:          cancel,
		circuitBreaker:  breaker,
	}
}

func (d *DeepgramClient) transcriptionOptions() *interfaces.LiveTranscriptionOptions {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		SmartFormat:    true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     audio.SampleRate,
	}
	if d.opts.EndpointingMs > 0 {
		tOptions.Endpointing = strconv.Itoa(d.opts.EndpointingMs)
	}
	return tOptions
}

// Start begins a new Deepgram streaming transcription session
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}
	if d.ctx.Err() != nil {
		return fmt.Errorf("deepgram client is closed")
	}

	d.generation++
	gen := d.generation
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Warn().Interface("error", errorResponse).Msg("Deepgram error")
			d.recordFailure()
			// callbacks may run while Start or Stop hold the lock
			go d.connectionLost(gen)
			return nil
		},
		closeHandler: func() { go d.connectionLost(gen) },
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.opts.APIKey, nil, d.transcriptionOptions(), callback)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		d.recordFailure()
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.client = client
	d.isActive = true
	d.stopped = false

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState(d.circuitBreaker.Name(), int(d.circuitBreaker.GetState()))

	d.logger.Info().
		Str("model", d.opts.Model).
		Str("language", d.opts.Language).
		Int("endpointing_ms", d.opts.EndpointingMs).
		Msg("Deepgram streaming client started")
	return nil
}

func (d *DeepgramClient) recordFailure() {
	d.circuitBreaker.RecordResult(false)
	observability.UpdateCircuitBreakerState(d.circuitBreaker.Name(), int(d.circuitBreaker.GetState()))
	observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
}

// connectionLost marks the socket down and starts one reconnect loop.
// Events from sockets replaced by an earlier reconnect are ignored.
func (d *DeepgramClient) connectionLost(gen int) {
	if d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	if d.stopped || d.reconnecting || gen != d.generation {
		d.mu.Unlock()
		return
	}
	d.isActive = false
	d.reconnecting = true
	d.mu.Unlock()

	go d.attemptReconnect()
}

// handleDeepgramMessage processes messages from Deepgram
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		// an empty speech_final still ends the utterance
		if alt.Transcript == "" && !msg.SpeechFinal {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			duration = alt.Words[len(alt.Words)-1].End - startTime
		}

		result := &TranscriptionResult{
			Text:        alt.Transcript,
			IsFinal:     msg.IsFinal,
			SpeechFinal: msg.SpeechFinal,
			Confidence:  alt.Confidence,
			StartTime:   startTime,
			Duration:    duration,
		}

		select {
		case d.transcript <- result:
			d.logger.Debug().
				Str("text", alt.Transcript).
				Bool("is_final", msg.IsFinal).
				Bool("speech_final", msg.SpeechFinal).
				Msg("Deepgram transcription")
		default:
			d.logger.Warn().Msg("Transcript channel full, dropping transcription")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.RLock()
	active, reconnecting, client := d.isActive, d.reconnecting, d.client
	d.mu.RUnlock()

	if reconnecting {
		d.replay.Write(audioData)
		return nil
	}
	if !active || client == nil {
		return ErrNotActive
	}

	err := d.circuitBreaker.Call(func() error {
		if _, err := client.Write(audioData); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState(d.circuitBreaker.Name(), int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		d.replay.Write(audioData)
		d.mu.RLock()
		gen := d.generation
		d.mu.RUnlock()
		d.connectionLost(gen)
	}
	return err
}

// attemptReconnect re-opens the socket with backoff and replays buffered audio
func (d *DeepgramClient) attemptReconnect() {
	defer func() {
		d.mu.Lock()
		d.reconnecting = false
		d.mu.Unlock()
	}()

	err := resilience.Reconnect(d.ctx, d.logger, func() error {
		return d.Start()
	}, d.reconnectConfig)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
		d.replay.Clear()
		return
	}

	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()

	if buffered := d.replay.Drain(); len(buffered) > 0 && client != nil {
		if _, err := client.Write(buffered); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to replay buffered audio")
			return
		}
		d.logger.Info().Int("bytes", len(buffered)).Msg("Replayed buffered audio after reconnect")
	}
}

// GetTranscription returns a channel that receives transcription results
func (d *DeepgramClient) GetTranscription() <-chan *TranscriptionResult {
	return d.transcript
}

// Stop stops the Deepgram streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	d.stopped = true
	client, active := d.client, d.isActive
	d.isActive = false
	d.mu.Unlock()

	if !active || client == nil {
		return nil
	}
	client.Finish()
	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close closes the client and cleans up resources. The transcript channel is
// left open; readers stop on their own context.
func (d *DeepgramClient) Close() error {
	d.cancel()
	return d.Stop()
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
