package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controller "coldreach/controllers"
	"coldreach/middleware"
	"coldreach/utils"
)

// Handlers bundles the controllers the router needs.
type Handlers struct {
	Auth     *controller.AuthController
	Send     *controller.SendController
	Tracking *controller.TrackingController
	Replies  *controller.ReplyController
	Health   *controller.HealthController
	Events   *controller.EventHub
}

// Options carries the middleware settings for the admin API.
type Options struct {
	JWTSecret      string
	LoginRateLimit int
	LimiterStorage fiber.Storage
}

var requestLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// SetupTrackingRoutes registers the public endpoints hit by recipients' mail clients.
func SetupTrackingRoutes(app *fiber.App, h Handlers) {
	t := app.Group("/t")
	t.Get("/o/:token", h.Tracking.OpenPixel)
	t.Get("/c/:token", h.Tracking.Click)
}

func SetupAPIRoutes(app *fiber.App, h Handlers, opts Options) {
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: requestLogFormat,
	}))

	// Public auth endpoint
	auth := api.Group("/auth")
	auth.Post("/login", middleware.LoginRateLimiter(opts.LoginRateLimit, opts.LimiterStorage), h.Auth.Login)

	protected := api.Group("", middleware.Protected(opts.JWTSecret))

	// Send routes
	send := protected.Group("/send")
	send.Get("/status", h.Send.GetStatus)
	send.Get("/queue", h.Send.GetQueue)
	send.Get("/rate-limit", h.Send.GetRateLimit)
	send.Get("/business-hours", h.Send.GetBusinessHours)
	send.Post("/email/:id", h.Send.SendEmail)
	send.Post("/batch", h.Send.SendBatch)
	send.Post("/schedule/:contactId", h.Send.ScheduleContact)
	send.Post("/pause/:contactId", h.Send.PauseContact)
	send.Post("/resume/:contactId", h.Send.ResumeContact)
	send.Get("/config", h.Send.GetConfig)
	send.Put("/config", h.Send.UpdateConfig)
	send.Get("/stats", h.Send.GetStats)
	send.Post("/pause", h.Send.PauseLoop)
	send.Post("/start", h.Send.StartLoop)
	send.Post("/bounce/:id", h.Send.RecordBounce)

	// Tracking stats routes
	tracking := protected.Group("/tracking")
	tracking.Get("/stats", h.Tracking.GetStats)
	tracking.Get("/contact/:id", h.Tracking.GetContactEngagement)
	tracking.Get("/events", h.Tracking.GetEvents)
	tracking.Get("/daily", h.Tracking.GetDailyStats)
	tracking.Get("/top-links", h.Tracking.GetTopLinks)
	tracking.Get("/message/:id", h.Tracking.GetMessageTracking)
	tracking.Get("/summary", h.Tracking.GetSummary)

	// Reply routes
	protected.Post("/replies/check", h.Replies.CheckReplies)
}

func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	app.Get("/health", h.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Live engagement feed, token passed as a query parameter
	app.Get("/ws/events",
		middleware.Protected(opts.JWTSecret),
		h.Events.Upgrade,
		websocket.New(h.Events.Handle))

	SetupTrackingRoutes(app, h)
	SetupAPIRoutes(app, h, opts)

	utils.Logger("routes").Info("Routes initialized successfully")

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
