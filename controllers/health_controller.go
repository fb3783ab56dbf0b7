package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// HealthChecker is anything that can report whether it is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthController struct {
	db      *gorm.DB
	smtp    HealthChecker
	imap    HealthChecker
	timeout time.Duration
}

// NewHealthController takes a nil imap checker when no reply mailbox is configured.
func NewHealthController(db *gorm.DB, smtp, imap HealthChecker) *HealthController {
	return &HealthController{db: db, smtp: smtp, imap: imap, timeout: 10 * time.Second}
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func checkOf(err error) componentHealth {
	if err != nil {
		return componentHealth{Status: "unhealthy", Error: err.Error()}
	}
	return componentHealth{Status: "healthy"}
}

// Health reports the database, transport and mailbox. Any unhealthy
// component turns the response into a 503.
func (hc *HealthController) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), hc.timeout)
	defer cancel()

	components := fiber.Map{}
	healthy := true

	db := checkOf(hc.pingDB(ctx))
	components["database"] = db
	healthy = healthy && db.Status == "healthy"

	if hc.smtp != nil {
		smtp := checkOf(hc.smtp.HealthCheck(ctx))
		components["smtp"] = smtp
		healthy = healthy && smtp.Status == "healthy"
	}

	if hc.imap != nil {
		imap := checkOf(hc.imap.HealthCheck(ctx))
		components["imap"] = imap
		healthy = healthy && imap.Status == "healthy"
	} else {
		components["imap"] = componentHealth{Status: "not_configured"}
	}

	status, code := "ok", fiber.StatusOK
	if !healthy {
		status, code = "degraded", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC(),
	})
}

func (hc *HealthController) pingDB(ctx context.Context) error {
	sqlDB, err := hc.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
