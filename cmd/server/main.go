package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocaline/transcribe-relay/internal/auth"
	"github.com/vocaline/transcribe-relay/internal/config"
	"github.com/vocaline/transcribe-relay/internal/logger"
	"github.com/vocaline/transcribe-relay/internal/maintenance"
	"github.com/vocaline/transcribe-relay/internal/metrics"
	"github.com/vocaline/transcribe-relay/internal/plans"
	"github.com/vocaline/transcribe-relay/internal/quota"
	"github.com/vocaline/transcribe-relay/internal/relay"
	"github.com/vocaline/transcribe-relay/internal/storage/pg"
	"github.com/vocaline/transcribe-relay/internal/stt"
	"github.com/vocaline/transcribe-relay/internal/transcriptions"
	"github.com/vocaline/transcribe-relay/internal/writequeue"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	if err := plans.Sync(context.Background(), db.DB, log); err != nil {
		log.Error("failed to sync plan catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mets := metrics.New()

	queue := writequeue.New(writequeue.Options{
		MaxConcurrency: cfg.WriteQueueMaxConcurrency,
		PollInterval:   time.Duration(cfg.WriteQueuePollIntervalMs) * time.Millisecond,
		MaxRetries:     cfg.WriteQueueMaxRetries,
		OnDepth:        func(depth int) { mets.WriteQueueDepth.Set(float64(depth)) },
		OnRetry:        func() { mets.WriteRetriesTotal.Inc() },
		OnDrop:         func() { mets.WriteDropsTotal.Inc() },
	}, log)

	transcriptionStore := transcriptions.NewStore(db.DB, log)
	quotaService := quota.NewService(quota.NewPGStore(db.DB), log)
	registry := relay.NewRegistry(log)

	dial := func(ctx context.Context, params stt.StreamParams) relay.Upstream {
		if len(cfg.Upstream.LanguageHints) > 0 && params.SourceLanguageHint == "" {
			params.SourceLanguageHint = cfg.Upstream.LanguageHints[0]
		}
		return stt.Dial(ctx, stt.Options{
			BaseURL:     cfg.UpstreamBaseURL,
			APIKey:      cfg.UpstreamAPIKey,
			Model:       cfg.Upstream.Model,
			SampleRate:  cfg.Upstream.SampleRate,
			NumChannels: cfg.Upstream.NumChannels,
			AudioFormat: cfg.Upstream.AudioFormat,
		}, params, log)
	}

	allowedOrigins := make(map[string]struct{})
	for _, origin := range cfg.AllowedOrigins() {
		allowedOrigins[origin] = struct{}{}
	}

	transcribeHandler := relay.NewHandler(relay.HandlerConfig{
		CookieName:           cfg.SessionCookieName,
		AllowedOrigins:       allowedOrigins,
		ModelName:            cfg.Upstream.Model,
		PeriodicSaveInterval: cfg.PeriodicSaveInterval(),
		SendBufferSize:       cfg.ClientSendBufferSize,
	},
		auth.NewJWTDecoder(cfg.SessionJWTSecret),
		quotaService,
		dial,
		registry,
		queue,
		transcriptionStore,
		quotaService,
		mets,
		log,
	)

	sweeper := maintenance.NewSweeper(
		transcriptionStore,
		cfg.Sweeper.Schedule,
		time.Duration(cfg.Sweeper.MaxAgeHours)*time.Hour,
		log,
	)
	if err := sweeper.Start(); err != nil {
		log.Error("failed to start sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		if err := db.DB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_sessions": registry.Count(),
			"queue_depth":     queue.Depth(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/transcribe", transcribeHandler.Transcribe)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("upstream", cfg.UpstreamBaseURL),
			slog.String("model", cfg.Upstream.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// Finalize live sessions first so their writes reach the queue, then
	// drain the queue before the database goes away.
	registry.FinalizeAll(shutdownCtx)
	if err := queue.Close(shutdownCtx); err != nil {
		log.Error("write queue drain incomplete", slog.String("error", err.Error()))
	}
	sweeper.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server exited")
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, origin := range cfg.AllowedOrigins() {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Cookie")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
