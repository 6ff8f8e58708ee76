package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/livefeed"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/monitor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/seal"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// apiRatePerMin bounds each caller across the REST surface.
const apiRatePerMin = 600

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("live_feed", cfg.LiveFeed).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Proctoring Policy ─────────────────────────────────────────────
	policy, err := config.NewPolicyWatcher(cfg.PolicyFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load proctoring policy")
	}
	policy.OnChange(func(p *config.Policy) {
		log.Info().
			Int("max_violations", p.Escalation.MaxViolations).
			Dur("grace_period", p.Escalation.GracePeriod).
			Msg("Policy applies to sessions started from now on")
	})
	if err := policy.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Policy hot reload disabled")
	}

	// ─── Log Encryption ────────────────────────────────────────────────
	cipher := newCipher(cfg, log)

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Live Feed ─────────────────────────────────────────────────────
	feed := newFeed(cfg, rdb, log)
	defer feed.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	sessionRepo := repository.NewExamSessionRepository(pool)
	examRepo := repository.NewExamRepository(pool)

	// ─── Event Log ─────────────────────────────────────────────────────
	clk := clock.New()
	bus := eventlog.NewBus(log)
	eventLog := eventlog.New(sessionRepo, cipher, bus, clk, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	quarantine := worker.NewQuarantineQueue(rdb, cipher)
	sessionService := service.NewExamSessionService(sessionRepo, examRepo, eventLog, quarantine, clk, log)

	supervisor := monitor.NewSupervisor(func() monitor.Config {
		return monitor.FromPolicy(policy.Current())
	}, clk, log)

	escalationPolicy := escalation.New(func() escalation.Config {
		c, err := escalation.FromPolicy(policy.Current().Escalation)
		if err != nil {
			log.Error().Err(err).Msg("Invalid escalation policy, using defaults")
			return escalation.DefaultConfig()
		}
		return c
	}, sessionService, eventLog, clk, log)

	reviewService := service.NewReviewService(sessionRepo, examRepo, eventLog, sessionService, escalationPolicy, log)
	relay := livefeed.NewRelay(feed, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	wsHandler := handler.NewWSHandler(sessionService, supervisor, eventLog, log, cfg.AllowedOrigins)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		Review:  handler.NewReviewHandler(reviewService, log),
		Monitor: handler.NewMonitorHandler(reviewService, feed, log),
		WS:      wsHandler,
		System:  handler.NewSystemHandler(rdb, supervisor, log),
	}

	// ─── Wire Event Flow ───────────────────────────────────────────────
	bus.Subscribe(escalationPolicy.HandleAppended)
	bus.Subscribe(relay.HandleAppended)

	sessionService.OnTerminal(func(s *model.ExamSession) {
		supervisor.StopMonitoring(s.ID)
		escalationPolicy.Release(s.ID)
		eventLog.CloseSession(s.ID)
		relay.PublishStatus(s)
		wsHandler.SessionEnded(s)
	})

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	quarantineWorker := worker.NewQuarantineWorker(pool, rdb, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		quarantineWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	limiters := router.Limiters{
		API:      middleware.NewRateLimiter(apiRatePerMin, time.Minute),
		LogEvent: middleware.NewRedisLimiter(rdb, cfg.LogEventRatePerMin, time.Minute, config.CacheKey.LogEventRateKey),
	}
	r := router.SetupRouter(authService, handlers, limiters, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop monitors and pending escalations, then drain the event bus.
	supervisor.StopAll()
	escalationPolicy.Stop()
	bus.Close()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// newCipher builds the log cipher. Without a key logs are stored in plain
// text, which is only acceptable in development.
func newCipher(cfg *config.Config, log zerolog.Logger) *seal.Cipher {
	if cfg.EncryptionKey == "" {
		log.Warn().Msg("ENCRYPTION_KEY not set, proctoring logs are stored unencrypted")
		return nil
	}
	key, err := seal.ParseHexKey(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid ENCRYPTION_KEY")
	}
	c, err := seal.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize log cipher")
	}
	return c
}

func newFeed(cfg *config.Config, rdb *redis.Client, log zerolog.Logger) livefeed.Feed {
	switch cfg.LiveFeed {
	case config.LiveFeedRedis:
		return livefeed.NewRedisFeed(rdb)
	case config.LiveFeedNATS:
		f, err := livefeed.NewNATSFeed(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		return f
	case config.LiveFeedLocal:
		log.Warn().Msg("Local live feed only reaches reviewers on this instance")
		return livefeed.NewLocalFeed()
	default:
		log.Fatal().Str("live_feed", cfg.LiveFeed).Msg("Unknown LIVE_FEED driver")
		return nil
	}
}
