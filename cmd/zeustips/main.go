package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/ZeusTips/app/controllers"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/access"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/archive"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/cache"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/config"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/database"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/env"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/middleware"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/opsalert"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/payment"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/results"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/router"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/scorer"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/telegram"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	if err := env.SetupEnvFile(); err != nil {
		log.Info("No .env file found, using the process environment")
	}
	cfg, err := config.Load(env.Environment())
	if err != nil {
		return err
	}
	setLogLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	st := store.NewGormStore(db)
	redisClient := cache.SetupCache(cfg.Cache)
	loc := cfg.Location()

	subs := subscription.NewService(st, subscription.Durations{
		MonthlyDays:   cfg.Payment.MonthlyDays,
		QuarterlyDays: cfg.Payment.QuarterlyDays,
	})
	verifier := payment.NewVerifier(st, subs,
		payment.NewMercadoPagoClient(cfg.Payment.MercadoPagoToken, cfg.Payment.MercadoPagoAPIURL, cfg.ExternalCallTimeout),
		payment.Config{
			PollInterval: cfg.Payment.PollInterval,
			CallTimeout:  cfg.ExternalCallTimeout,
			IntentMaxAge: cfg.Payment.IntentMaxAge,
			MaxChecks:    cfg.Payment.MaxChecks,
		})

	tg := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIURL, cfg.ExternalCallTimeout)
	feed := scorer.NewClient(cfg.Scorer.URL, cfg.Scorer.APIKey, cfg.ExternalCallTimeout)
	enforcer := access.NewEnforcer(st)
	sched := dispatch.NewScheduler(dispatch.Deps{
		Store:         st,
		Subscriptions: subs,
		Source:        feed,
		Publisher:     tg,
		Notifier:      tg,
		Inviter:       tg,
		Access:        enforcer,
		Alerter:       opsalert.New(cfg, opsalert.NewRedisLimiter(redisClient)),
	}, dispatch.Config{
		MinConfidence:       cfg.Dispatch.MinConfidence,
		PerCycleCap:         cfg.Dispatch.PerCycleCap,
		PerDayCap:           cfg.Dispatch.PerDayCap,
		DedupWindow:         cfg.Dispatch.DedupWindow,
		CandidateMaxAge:     cfg.Dispatch.CandidateMaxAge,
		Lookahead:           cfg.Dispatch.CandidateLookahead,
		CallTimeout:         cfg.ExternalCallTimeout,
		Times:               cfg.Dispatch.Times,
		Location:            loc,
		ExpirySweepInterval: cfg.Dispatch.ExpirySweepInterval,
		DailyMultiple:       cfg.Dispatch.DailyMultipleEnabled,
		BusyCycleCap:        cfg.Dispatch.BusyCycleCap,
		BusyCycleThreshold:  cfg.Dispatch.BusyCycleThreshold,
		DefaultChannelID:    cfg.Telegram.VIPChannelID,
	})
	if err := sched.Init(ctx); err != nil {
		return err
	}

	handlers := jobqueue.NewHandlers(sched, verifier)
	var tracker *results.Tracker
	if cfg.Results.Enabled {
		tracker = results.NewTracker(st, feed, tg, sched, results.Config{
			CheckInterval: cfg.Results.CheckInterval,
			SettleDelay:   cfg.Results.SettleDelay,
			MaxAge:        cfg.Results.MaxAge,
			SummaryTime:   cfg.Results.SummaryTime,
			Location:      loc,
			CallTimeout:   cfg.ExternalCallTimeout,
		})
		handlers = handlers.WithResultChecker(tracker)
	}

	queue := jobqueue.NewQueue(redisClient, handlers)
	api := controllers.NewAPI(st, subs, enforcer, sched, queue, loc)
	app := NewApplication(cfg, api)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return verifier.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return queue.Run(ctx) })
	if tracker != nil {
		g.Go(func() error { return tracker.Run(ctx) })
	}

	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver := archive.NewArchiver(st, s3Client, archive.Config{
			Bucket:      cfg.Archive.Bucket,
			Prefix:      cfg.Archive.Prefix,
			Time:        cfg.Archive.Time,
			Location:    loc,
			CallTimeout: cfg.ExternalCallTimeout,
		})
		g.Go(func() error { return archiver.Run(ctx) })
	}

	g.Go(func() error {
		return app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port))
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		return app.ShutdownWithTimeout(cfg.App.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func NewApplication(cfg *config.Config, api *controllers.API) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "Zeus Tips",
		BodyLimit:    64 * 1024,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("OpenAPI spec not found, /docs/api/v1 disabled")
	}

	// ROUTER
	router.InstallRouter(app, api, router.Options{
		AdminKeyHash:    cfg.AdminAPIKeyHash,
		RateLimitMax:    cfg.App.RateLimitMax,
		RateLimitWindow: cfg.App.RateLimitWindow,
		LimiterStorage:  middleware.NewLimiterStorage(cfg.Cache),
	})

	return app
}

func findOpenAPISpec() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/zeustips to project root
		"../../../", // Fallback
	}
	for _, base := range basePaths {
		p := base + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.LevelTrace)
	case "debug":
		log.SetLevel(log.LevelDebug)
	case "warn":
		log.SetLevel(log.LevelWarn)
	case "error":
		log.SetLevel(log.LevelError)
	default:
		log.SetLevel(log.LevelInfo)
	}
}
