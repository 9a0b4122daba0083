package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voice-notes-go/internal/api"
	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/chunks"
	"voice-notes-go/internal/config"
	"voice-notes-go/internal/events"
	"voice-notes-go/internal/llm"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/pipeline"
	"voice-notes-go/internal/processor"
	"voice-notes-go/internal/quota"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/summarizer"
	"voice-notes-go/internal/sweeper"
	"voice-notes-go/internal/transcription"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "voice-notes-go").Info("starting service")

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	logger.SetLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		st = pg
	default:
		st = store.NewMemory()
	}
	defer st.Close()
	log.WithField("driver", cfg.Store.Driver).Info("store ready")

	// providers (mockable)
	var asrProvider transcription.Provider = transcription.NewHTTPProvider(cfg.ASR.BaseURL, cfg.ASR.APIKey, cfg.ASR.Model)
	if os.Getenv("USE_MOCK_TRANSCRIBE") == "true" {
		log.Warn("using mock transcription")
		asrProvider = transcription.Mock{}
	}
	primary := newLLM(cfg.Primary)
	secondary := newLLM(cfg.Secondary)
	if os.Getenv("USE_MOCK_LLM") == "true" {
		log.Warn("using mock llm")
		primary, secondary = summarizer.MockProvider{}, nil
	}

	asr := transcription.NewAdapter(asrProvider, transcription.Options{
		Timeout:     cfg.ASR.Timeout,
		MaxAttempts: cfg.ASR.MaxAttempts,
	})
	engine := summarizer.NewEngine(primary, secondary, summarizer.Options{
		MaxAttempts:      cfg.Summary.MaxAttempts,
		BaseDelay:        cfg.Summary.BaseDelay,
		MaxDelay:         cfg.Summary.MaxDelay,
		Timeout:          cfg.Primary.Timeout,
		SecondaryTimeout: cfg.Secondary.Timeout,
		MaxSections:      cfg.Summary.MaxSections,
	})

	guard := quota.NewLimiter(map[string]int{
		quota.KindASR:       cfg.Quota.ASRChunksPerDay,
		quota.KindSummarize: cfg.Quota.SummaryJobsPerDay,
	})

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn("JWT_SECRET not set, using an ephemeral secret")
	}
	verifier := auth.NewVerifier(secret, cfg.Auth.Issuer)
	if cfg.Auth.JWTSecret == "" {
		if tok, err := verifier.Issue("dev", 24*time.Hour); err == nil {
			log.WithField("token", tok).Info("development token for caller \"dev\"")
		}
	}
	authz := auth.NewAuthorizer(st)

	// upload events feed the sweeper's view of active jobs
	bus := events.NewBus(256)
	tracker := events.NewTracker()
	go bus.Consume(ctx, tracker.Record)

	hub := api.NewHub()
	stepper := pipeline.NewStepper(st, authz, guard, asr, engine, pipeline.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		SliceWindow:   cfg.Pipeline.SliceWindow,
		SliceOverlap:  *cfg.Pipeline.SliceOverlap,
		ASRWeight:     cfg.Pipeline.ASRWeight,
		SummaryWeight: cfg.Pipeline.SummaryWeight,
	})
	stepper.SetNotifier(hub)
	proc := processor.New(st, authz, guard, transcription.NewPool(asr, cfg.ASR.Concurrency), cfg.Pipeline.ASRWeight)
	proc.SetNotifier(hub)

	sw := sweeper.New(st, tracker, cfg.Sweeper.Schedule, cfg.Sweeper.TTL)
	if err := sw.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start sweeper")
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
				log.WithField("log_level", next.Logging.Level).Info("config reloaded")
			}, func(err error) {
				log.WithError(err).Warn("config reload rejected")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("config watcher stopped")
			}
		}()
	}

	server := api.New(api.Deps{
		Store:         st,
		Authz:         authz,
		Verifier:      verifier,
		Chunks:        chunks.New(st, authz, bus, cfg.Chunks.MaxBytes),
		Stepper:       stepper,
		Processor:     proc,
		Hub:           hub,
		MaxChunkBytes: cfg.Chunks.MaxBytes,
	})

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
		bus.Close()
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("server stopped")
}

func newLLM(c config.LLMConfig) llm.Provider {
	if c.Kind == "gemini" {
		p := llm.NewGeminiProvider(c.APIKey, c.Model)
		p.HTTPClient.Timeout = c.Timeout
		return p
	}
	p := llm.NewOpenAIProvider(c.Name, c.BaseURL, c.APIKey, c.Model)
	p.HTTPClient.Timeout = c.Timeout
	return p
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
