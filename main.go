package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"coldreach/config"
	controller "coldreach/controllers"
	"coldreach/delivery"
	"coldreach/middleware"
	"coldreach/replies"
	"coldreach/routes"
	"coldreach/scheduler"
	"coldreach/tracker"
	"coldreach/utils"
	"coldreach/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	utils.InitLogging(cfg.Environment)
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		log.WithError(err).Warn("Sentry initialization failed, continuing without error reporting")
	}
	defer utils.FlushSentry()

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	scheduler.SetDefaults(cfg.SchedulerConfig())

	hub := controller.NewEventHub()
	mailer := utils.NewSMTPMailer(cfg.SMTPSettings())
	sender := delivery.NewSender(db, mailer, cfg.DeliveryConfig()).WithNotifier(hub)
	engagement := tracker.New(db).WithNotifier(hub)

	// The reply mailbox is optional; without it reply checks are disabled.
	var correlator *replies.Correlator
	var replyChecker worker.ReplyChecker
	var mailboxHealth controller.HealthChecker
	if cfg.IMAP.Configured() {
		correlator = replies.NewCorrelator(db, replies.NewIMAPMailbox(cfg.IMAPSettings()), engagement)
		replyChecker = correlator
		mailboxHealth = correlator
	} else {
		log.Warn("⚠️ IMAP not configured, reply detection disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sendLoop controller.SendLoop
	if cfg.Workers.Enabled {
		sendWorker := worker.NewSendWorker(db, sender, cfg.Workers.SendInterval)
		sendLoop = sendWorker
		go sendWorker.Start(ctx)

		if correlator != nil {
			replyWorker := worker.NewReplyWorker(correlator, cfg.Workers.ReplyCheckCron, cfg.Workers.ReplyCheckLimit)
			if err := replyWorker.Start(ctx); err != nil {
				log.Fatalf("Failed to start reply worker: %v", err)
			}
		}
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "coldreach",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowedOrigins...)))

	routes.SetupRoutes(app, routes.Handlers{
		Auth:     controller.NewAuthController(cfg.Auth.AdminPasswordHash, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Send:     controller.NewSendController(db, sender, sendLoop, cfg.Sending.BatchDelay),
		Tracking: controller.NewTrackingController(engagement),
		Replies:  controller.NewReplyController(replyChecker),
		Health:   controller.NewHealthController(db, mailer, mailboxHealth),
		Events:   hub,
	}, routes.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		LoginRateLimit: cfg.Auth.LoginRateLimit,
		LimiterStorage: middleware.RateLimitStorage(cfg.Redis),
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	log.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Info("Server stopped")
}
