package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tutor-gate/api/internal/admin"
	"tutor-gate/api/internal/classifier"
	"tutor-gate/api/internal/config"
	"tutor-gate/api/internal/handle"
	"tutor-gate/api/internal/httpserver"
	"tutor-gate/api/internal/imagequality"
	"tutor-gate/api/internal/logging"
	"tutor-gate/api/internal/metrics"
	"tutor-gate/api/internal/moderation"
	"tutor-gate/api/internal/pipeline"
	"tutor-gate/api/internal/ratelimit"
	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/retention"
	"tutor-gate/api/internal/store"
	"tutor-gate/api/internal/telegram"
	"tutor-gate/api/internal/tutor"
	"tutor-gate/api/internal/workpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gate stopped", zap.Error(err))
		stop()
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("gate stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()
	checks := map[string]handle.Checker{}

	// --- Postgres (optional) ---
	var (
		db        *sql.DB
		persister reputation.Persister
		events    *store.EventRepo
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.EnsureSchema(ctx, db); err != nil {
			return err
		}
		log.Info("db connected", zap.String("dsn", config.SafeDSNSummary(cfg.DatabaseURL)))
		persister = store.NewReputationRepo(db)
		events = store.NewEventRepo(db)
		checks["database"] = db.PingContext
	} else {
		log.Warn("no database configured; reputation is kept in memory only")
	}

	// --- rate limiter ---
	rlOpts := ratelimit.Options{Window: cfg.RateLimitWindow, MaxRequests: cfg.MaxRequests}
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		limiter = ratelimit.NewRedis(rdb, rlOpts)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("rate limiter backend", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
	} else {
		limiter = ratelimit.NewMemory(rlOpts)
	}

	// --- Telegram operator bot (optional) ---
	var (
		bot    *tgbotapi.BotAPI
		alerts *telegram.Alerts
	)
	if cfg.TelegramBotToken != "" {
		var err error
		bot, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		bot.Debug = false
		log.Info("telegram bot authorized", zap.String("account", bot.Self.UserName))
		alerts = telegram.NewAlerts(bot, cfg.TelegramAdminChatID, log)
	}

	// --- reputation ---
	repOpts := reputation.Options{
		Threshold: cfg.BlacklistThreshold,
		Persister: persister,
		Logger:    log,
	}
	if alerts != nil {
		repOpts.Notifier = alerts
	}
	rep := reputation.New(repOpts)
	if persister != nil {
		n, err := rep.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore reputation: %w", err)
		}
		log.Info("reputation restored", zap.Int("clients", n))
	}
	m.WatchReputation(rep.Summary)

	// --- classifier + moderation ---
	cls, err := classifier.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := cls.(io.Closer); ok {
		defer c.Close()
	}
	clsPool := workpool.New("classifier", cfg.ClassifierWorkers)
	imgPool := workpool.New("image", cfg.ImageWorkers)
	admission := workpool.New("requests", cfg.MaxConcurrentRequests)
	for _, p := range []*workpool.Pool{clsPool, imgPool, admission} {
		m.WatchPool(p)
	}
	moderator := moderation.New(cls, moderation.Options{
		Timeout:  cfg.ClassifierTimeout,
		QPS:      cfg.ClassifierQPS,
		Burst:    cfg.ClassifierBurst,
		Pool:     clsPool,
		Observer: m,
		Logger:   log,
	})
	checks["classifier"] = moderator.Ping

	popts := pipeline.Options{
		Limiter:                limiter,
		Reputation:             rep,
		Assessor:               imagequality.New(imagequality.DefaultThresholds()),
		Moderator:              moderator,
		ImagePool:              imgPool,
		BlockScannerUserAgents: cfg.BlockScannerUserAgents,
		Metrics:                m,
		Logger:                 log,
	}
	if events != nil {
		popts.Events = events
	}
	pipe := pipeline.New(popts)

	// --- tutor ---
	var tut tutor.Responder
	gem, err := tutor.NewGemini(ctx, cfg.GeminiAPIKey, cfg.TutorModel, cfg.PromptDir)
	if err != nil {
		log.Warn("tutor disabled", zap.Error(err))
		tut = tutor.Static{Err: err}
	} else {
		defer gem.Close()
		tut = gem
	}

	var adminEvents admin.EventSource
	if events != nil {
		adminEvents = events
	}
	svc := admin.New(rep, pipe, adminEvents, log)

	h := handle.New(handle.Deps{
		Pipeline:          pipe,
		Tutor:             tut,
		Admin:             svc,
		Admission:         admission,
		Metrics:           m,
		Checks:            checks,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		MaxImageBytes:     cfg.MaxImageBytes,
		TutorTimeout:      cfg.TutorTimeout,
		AdminToken:        cfg.AdminToken,
		Logger:            log,
	})

	// a request may wait on two classifier stages (with one retry each) and the tutor
	writeTimeout := cfg.TutorTimeout + 4*cfg.ClassifierTimeout + 10*time.Second

	g, ctx := errgroup.WithContext(ctx)

	// the audit queue closes only after both servers have drained their in-flight requests
	servers, sctx := errgroup.WithContext(ctx)
	servers.Go(func() error {
		return httpserver.Run(sctx, httpserver.New(":"+cfg.Port, h.Router(), writeTimeout), log.Named("public"))
	})
	if cfg.AdminAddr != "" {
		servers.Go(func() error {
			return httpserver.Run(sctx, httpserver.New(cfg.AdminAddr, h.AdminRouter(), 30*time.Second), log.Named("admin"))
		})
	}
	g.Go(func() error {
		defer pipe.CloseAudit()
		return servers.Wait()
	})
	g.Go(func() error { return pipe.RunAudit(ctx) })

	ropts := retention.Options{
		Interval:   cfg.SweepInterval,
		Horizon:    cfg.RetentionHorizon,
		Limiter:    limiter,
		Reputation: rep,
		Logger:     log,
	}
	if events != nil {
		ropts.Events = events
	}
	g.Go(func() error { return retention.New(ropts).Run(ctx) })

	if bot != nil {
		r := &telegram.Router{Bot: bot, Admin: svc, AdminChatID: cfg.TelegramAdminChatID, Log: log}

		g.Go(func() error { return alerts.Run(ctx) })
		g.Go(func() error {
			return telegram.Poll(ctx, bot, func(upd tgbotapi.Update) { r.HandleUpdate(ctx, upd) }, log.Named("telegram"))
		})
	}

	log.Info("gate started",
		zap.String("port", cfg.Port),
		zap.String("admin_addr", cfg.AdminAddr),
		zap.String("classifier", cls.Name()),
		zap.String("rate_limit_backend", cfg.RateLimitBackend))
	return g.Wait()
}
