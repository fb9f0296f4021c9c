package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoint; Twilio connects to wss://<this-host>/streams/twilio.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT configuration
	DeepgramAPIKey       string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel        string `envconfig:"DEEPGRAM_MODEL" default:"nova-2-phonecall"`
	DeepgramLanguage     string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramEndpointing  int    `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"` // recognizer endpointing delay
	InboundReplayBuffer  int    `envconfig:"INBOUND_REPLAY_BUFFER" default:"16000"` // bytes of caller audio kept while the recognizer reconnects

	// Cartesia TTS configuration
	CartesiaAPIKey    string        `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID   string        `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID   string        `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	TTSOutputEncoding string        `envconfig:"TTS_OUTPUT_ENCODING" default:"pcm_mulaw"` // pcm_mulaw or pcm_s16le
	TTSIdleTimeout    time.Duration `envconfig:"TTS_IDLE_TIMEOUT" default:"30s"`

	// Language model configuration
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	ArbiterModel  string `envconfig:"ARBITER_MODEL" default:"gpt-4o-mini"`
	LLMTimeoutMs  int    `envconfig:"LLM_TIMEOUT_MS" default:"5000"` // per-attempt timeout before retrying

	// Knowledge base gRPC endpoint (empty disables similarity lookups)
	KnowledgeURL     string `envconfig:"KNOWLEDGE_URL" default:""`
	KnowledgeTimeout int    `envconfig:"KNOWLEDGE_TIMEOUT" default:"2"` // seconds

	// Persistence
	StoreDriver  string `envconfig:"STORE_DRIVER" default:"postgres"` // postgres or memory
	DatabaseURL  string `envconfig:"DATABASE_URL" default:""`
	FlowFile     string `envconfig:"FLOW_FILE" default:""` // flow definition used by the memory driver
	RedisURL     string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	EventsStream string `envconfig:"EVENTS_STREAM" default:"call-events"`

	// Conversations started without a response id or handoff
	DefaultFlowID    string `envconfig:"DEFAULT_FLOW_ID" default:""`
	DefaultAccountID string `envconfig:"DEFAULT_ACCOUNT_ID" default:""`

	// Telephony call control
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	HandoffNumber    string `envconfig:"HANDOFF_NUMBER" default:""`
	HandoffTTL       int    `envconfig:"HANDOFF_TTL" default:"60"` // seconds

	// Conversation timing
	MediaRateMs        int `envconfig:"MEDIA_RATE_MS" default:"20"`
	SilenceThresholdMs int `envconfig:"SILENCE_THRESHOLD_MS" default:"250"`
	SilenceTimeoutMs   int `envconfig:"SILENCE_TIMEOUT_MS" default:"3000"`
	AgentTryLimit      int `envconfig:"AGENT_TRY_LIMIT" default:"5"`
	MachineTryLimit    int `envconfig:"MACHINE_TRY_LIMIT" default:"3"`

	// Audio assets and playback
	AudioAssetDir       string `envconfig:"AUDIO_ASSET_DIR" default:"assets/audio"`
	AudioAssetMaxBytes  int64  `envconfig:"AUDIO_ASSET_MAX_BYTES" default:"10485760"` // 10MB per file
	BackgroundAudio     string `envconfig:"BACKGROUND_AUDIO" default:""`
	InterimAudio        string `envconfig:"INTERIM_AUDIO" default:""`
	InterimAudioSeconds int    `envconfig:"INTERIM_AUDIO_SECONDS" default:"3"`
	RealtimePacing      bool   `envconfig:"REALTIME_PACING" default:"true"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// It first attempts to load the given .env files (missing files are ignored), then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.TTSOutputEncoding {
	case "pcm_mulaw", "pcm_s16le":
	default:
		return fmt.Errorf("unsupported TTS_OUTPUT_ENCODING %q", c.TTSOutputEncoding)
	}
	if c.MediaRateMs <= 0 {
		return fmt.Errorf("MEDIA_RATE_MS must be positive")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
