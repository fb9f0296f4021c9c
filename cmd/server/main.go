package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/NithinThadem/branch-deployments-sub001/internal/actions"
	"github.com/NithinThadem/branch-deployments-sub001/internal/audio"
	"github.com/NithinThadem/branch-deployments-sub001/internal/config"
	"github.com/NithinThadem/branch-deployments-sub001/internal/conversation"
	"github.com/NithinThadem/branch-deployments-sub001/internal/events"
	"github.com/NithinThadem/branch-deployments-sub001/internal/handoff"
	"github.com/NithinThadem/branch-deployments-sub001/internal/knowledge"
	"github.com/NithinThadem/branch-deployments-sub001/internal/llm"
	"github.com/NithinThadem/branch-deployments-sub001/internal/observability"
	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
	"github.com/NithinThadem/branch-deployments-sub001/internal/stt"
	"github.com/NithinThadem/branch-deployments-sub001/internal/telephony"
	"github.com/NithinThadem/branch-deployments-sub001/internal/tts"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func main() {
	envFile := pflag.StringP("env", "e", ".env", "environment file to load before reading the environment")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("store_driver", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice gateway starting")

	ctx := context.Background()

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    ms(cfg.RetryInitialBackoff),
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     ms(cfg.ReconnectBackoff),
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Second,
	}
	breakerReset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	logBreaker := func(name string, state resilience.CircuitState, failed bool) {
		if failed && state == resilience.StateOpen {
			logger.Warn().Str("service", name).Msg("Circuit breaker open")
		}
	}

	// Audio assets are loaded once and shared read-only by all calls
	catalog, err := audio.LoadCatalog(cfg.AudioAssetDir, cfg.AudioAssetMaxBytes, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.AudioAssetDir).Msg("Failed to load audio assets")
	}
	defer catalog.Close()

	// Conversation store
	defaultAccount := &store.Account{
		ID:       cfg.DefaultAccountID,
		Language: cfg.DeepgramLanguage,
		VoiceID:  cfg.CartesiaVoiceID,
	}
	var conversations store.Store
	switch cfg.StoreDriver {
	case "memory":
		if cfg.FlowFile == "" {
			logger.Warn().Msg("FLOW_FILE not set, memory store has no flows")
			conversations = store.NewMemory(nil, defaultAccount)
			break
		}
		mem, err := store.LoadMemory(cfg.FlowFile, defaultAccount)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.FlowFile).Msg("Failed to load flows")
		}
		conversations = mem
	default:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, retry, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		conversations = pg
	}
	defer conversations.Close()

	// Redis carries handoff records and the event stream
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	handoffs := handoff.NewRedisStore(rdb, time.Duration(cfg.HandoffTTL)*time.Second)
	emitter := events.Multi{
		events.NewLog(logger),
		events.NewRedisStream(rdb, cfg.EventsStream, 0),
	}

	// Speech recognition
	sttBreaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, breakerReset).WithObserver(logBreaker)
	recognizerOpts := stt.Options{
		APIKey:        cfg.DeepgramAPIKey,
		Model:         cfg.DeepgramModel,
		Language:      cfg.DeepgramLanguage,
		EndpointingMs: cfg.DeepgramEndpointing,
		ReplayBytes:   cfg.InboundReplayBuffer,
	}
	recognizers := func(opts stt.Options) stt.STTClient {
		return stt.NewDeepgramClient(opts, sttBreaker, reconnect, logger)
	}

	// Speech synthesis
	synthesizer := tts.NewCartesiaClient(tts.CartesiaConfig{
		APIKey:      cfg.CartesiaAPIKey,
		VoiceID:     cfg.CartesiaVoiceID,
		ModelID:     cfg.CartesiaModelID,
		Encoding:    cfg.TTSOutputEncoding,
		IdleTimeout: cfg.TTSIdleTimeout,
	}, logger)

	// Language model
	llmBreaker := resilience.NewCircuitBreaker("openai", cfg.CircuitBreakerMaxFailures, breakerReset).WithObserver(logBreaker)
	model := llm.NewClient(llm.NewOpenAIProvider(cfg.OpenAIAPIKey), llm.Config{
		Model:        cfg.OpenAIModel,
		ArbiterModel: cfg.ArbiterModel,
		Timeout:      ms(cfg.LLMTimeoutMs),
		Retry:        retry,
	}, llmBreaker, logger)

	if cfg.TwilioAccountSID == "" {
		logger.Warn().Msg("TWILIO_ACCOUNT_SID not set, hangup and transfer will fail")
	}
	calls := telephony.NewTwilioCallControl(cfg.TwilioAccountSID, cfg.TwilioAuthToken, retry, logger)

	deps := conversation.Deps{
		Catalog:     catalog,
		Recognizers: recognizers,
		Synthesizer: synthesizer,
		Model:       model,
		Actions:     actions.NewRunner(&http.Client{Timeout: 10 * time.Second}, retry, logger),
		Calls:       calls,
		Store:       conversations,
		Handoffs:    handoffs,
		Events:      emitter,
		Logger:      logger,
	}

	checks := []observability.NamedCheck{
		{Name: "store", Check: func(ctx context.Context) (bool, error) {
			if err := conversations.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
		{Name: "redis", Check: func(ctx context.Context) (bool, error) {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return false, err
			}
			return true, nil
		}},
		{Name: "deepgram", Check: func(ctx context.Context) (bool, error) {
			if sttBreaker.GetState() == resilience.StateOpen {
				return false, fmt.Errorf("circuit open")
			}
			return true, nil
		}},
		{Name: "openai", Check: func(ctx context.Context) (bool, error) {
			if llmBreaker.GetState() == resilience.StateOpen {
				return false, fmt.Errorf("circuit open")
			}
			return true, nil
		}},
	}

	// Knowledge base is optional
	if cfg.KnowledgeURL != "" {
		kb, err := knowledge.NewClient(cfg.KnowledgeURL, time.Duration(cfg.KnowledgeTimeout)*time.Second, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("target", cfg.KnowledgeURL).Msg("Failed to create knowledge base client")
		}
		defer kb.Close()
		deps.Knowledge = kb
		checks = append(checks, observability.NamedCheck{Name: "knowledge", Check: kb.HealthCheck})
	}

	sessionCfg := conversation.Config{
		MediaRate:        ms(cfg.MediaRateMs),
		RealtimePacing:   cfg.RealtimePacing,
		SilenceThreshold: ms(cfg.SilenceThresholdMs),
		SilenceTimeout:   ms(cfg.SilenceTimeoutMs),
		AgentTryLimit:    cfg.AgentTryLimit,
		MachineTryLimit:  cfg.MachineTryLimit,
		BackgroundAudio:  cfg.BackgroundAudio,
		InterimAudio:     cfg.InterimAudio,
		InterimSeconds:   float64(cfg.InterimAudioSeconds),
		HandoffNumber:    cfg.HandoffNumber,
		DefaultFlowID:    cfg.DefaultFlowID,
		DefaultAccountID: cfg.DefaultAccountID,
		Language:         cfg.DeepgramLanguage,
		VoiceID:          cfg.CartesiaVoiceID,
		Recognizer:       recognizerOpts,
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register media stream WebSocket handler
	mux.HandleFunc("/streams/twilio", telephony.HandleTwilioWS(func(w *telephony.FrameWriter) telephony.Session {
		return conversation.NewSession(sessionCfg, deps, w)
	}, logger))

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
