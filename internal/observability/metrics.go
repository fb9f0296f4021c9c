package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_calls",
		Help: "Number of active call sessions",
	})

	callsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_calls_ended_total",
		Help: "Calls ended, by end status",
	}, []string{"status"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	// Turn-taking metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Conversation turns appended, by author",
	}, []string{"author"})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_interruptions_total",
		Help: "Caller barge-ins that flushed outbound audio",
	})

	silenceTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_silence_timeouts_total",
		Help: "Silence timeouts fired",
	})

	staleDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_stale_discards_total",
		Help: "Pipeline work discarded because a newer turn superseded it",
	}, []string{"stage"})

	// Latency metrics
	llmFirstToken = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_llm_first_token_seconds",
		Help:    "Time from turn end to first completion token",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	ttsFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_tts_first_audio_seconds",
		Help:    "Time from turn end to first synthesized audio",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	outboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_outbound_frames_total",
		Help: "Frames written to the transport, by kind",
	}, []string{"kind"})
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time

	mu        sync.Mutex
	turnStart time.Time
	sawToken  bool
	sawAudio  bool
	ended     bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
}

// RecordCallEnd records the end of a call; later calls are ignored
func (m *Metrics) RecordCallEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeCalls.Dec()
	callsEnded.WithLabelValues(status).Inc()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurn counts an appended turn and, for non-caller turns, nothing else
func (m *Metrics) RecordTurn(author string) {
	turnsTotal.WithLabelValues(author).Inc()
}

// RecordTurnStart marks the start of response generation for latency tracking
func (m *Metrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStart = time.Now()
	m.sawToken = false
	m.sawAudio = false
	m.mu.Unlock()
}

// RecordFirstToken observes completion latency once per turn
func (m *Metrics) RecordFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sawToken || m.turnStart.IsZero() {
		return
	}
	m.sawToken = true
	llmFirstToken.Observe(time.Since(m.turnStart).Seconds())
}

// RecordFirstAudio observes synthesis latency once per turn
func (m *Metrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sawAudio || m.turnStart.IsZero() {
		return
	}
	m.sawAudio = true
	ttsFirstAudio.Observe(time.Since(m.turnStart).Seconds())
}

// RecordInterruption counts a barge-in
func (m *Metrics) RecordInterruption() {
	interruptions.Inc()
}

// RecordSilenceTimeout counts a fired silence timeout
func (m *Metrics) RecordSilenceTimeout() {
	silenceTimeouts.Inc()
}

// RecordStaleDiscard counts work dropped by the staleness check
func (m *Metrics) RecordStaleDiscard(stage string) {
	staleDiscards.WithLabelValues(stage).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordOutboundFrame counts a frame written to the transport
func RecordOutboundFrame(kind string, bytes int) {
	outboundFrames.WithLabelValues(kind).Inc()
	if bytes > 0 {
		audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
	}
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
