package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/delivery"
	"coldreach/models"
	"coldreach/scheduler"
	"coldreach/utils"
)

// SendLoop is the background sender that can be paused from the API.
type SendLoop interface {
	Pause()
	Resume()
	Paused() bool
}

type SendController struct {
	db         *gorm.DB
	sender     *delivery.Sender
	loop       SendLoop
	batchDelay time.Duration
	log        *logrus.Entry

	newScheduler func() *scheduler.Scheduler
	// runAsync starts long batch jobs outside the request.
	runAsync     func(func())
}

func NewSendController(db *gorm.DB, sender *delivery.Sender, loop SendLoop, batchDelay time.Duration) *SendController {
	return &SendController{
		db:           db,
		sender:       sender,
		loop:         loop,
		batchDelay:   batchDelay,
		log:          utils.Logger("send_api"),
		newScheduler: func() *scheduler.Scheduler { return scheduler.NewFromDefaults(db) },
		runAsync:     func(f func()) { go f() },
	}
}

type BatchSendRequest struct {
	MessageIDs   []uint `json:"message_ids" validate:"required,min=1,max=100"`
	DelaySeconds *int   `json:"delay_seconds" validate:"omitempty,gte=0,lte=3600"`
}

type ScheduleRequest struct {
	StartDate string `json:"start_date"`
}

type BounceRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// SendConfigRequest updates the scheduler defaults. Omitted fields keep their value.
type SendConfigRequest struct {
	DailyLimit      *int   `json:"daily_limit" validate:"omitempty,gte=1,lte=10000"`
	MinDelaySeconds *int   `json:"min_delay_seconds" validate:"omitempty,gte=0,lte=86400"`
	MaxDelaySeconds *int   `json:"max_delay_seconds" validate:"omitempty,gte=0,lte=86400"`
	Timezone        string `json:"timezone"`
	BusinessStart   string `json:"business_start"`
	BusinessEnd     string `json:"business_end"`
	BusinessDays    []int  `json:"business_days" validate:"omitempty,min=1,max=7,dive,gte=1,lte=7"`
}

type SendConfigView struct {
	DailyLimit      int    `json:"daily_limit"`
	MinDelaySeconds int    `json:"min_delay_seconds"`
	MaxDelaySeconds int    `json:"max_delay_seconds"`
	Timezone        string `json:"timezone"`
	BusinessStart   string `json:"business_start"`
	BusinessEnd     string `json:"business_end"`
	BusinessDays    []int  `json:"business_days"`
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func configView(cfg scheduler.Config) SendConfigView {
	view := SendConfigView{
		DailyLimit:      cfg.DailyLimit,
		MinDelaySeconds: int(cfg.MinDelay / time.Second),
		MaxDelaySeconds: int(cfg.MaxDelay / time.Second),
		Timezone:        cfg.Location.String(),
		BusinessStart:   formatClock(cfg.WindowStart),
		BusinessEnd:     formatClock(cfg.WindowEnd),
		BusinessDays:    []int{},
	}
	for _, d := range cfg.Days {
		iso := int(d)
		if d == time.Sunday {
			iso = 7
		}
		view.BusinessDays = append(view.BusinessDays, iso)
	}
	return view
}

// GetStatus returns the queue overview and whether the background loop runs.
func (sc *SendController) GetStatus(c *fiber.Ctx) error {
	status, err := sc.newScheduler().QueueStatus(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load queue status", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"queue":       status,
		"loop_paused": sc.loop != nil && sc.loop.Paused(),
	}))
}

// GetQueue lists messages of one status, PENDING by default, soonest first.
func (sc *SendController) GetQueue(c *fiber.Ctx) error {
	status := models.MessagePending
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseMessageStatus(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid status", err)
		}
		status = parsed
	}
	limit := utils.QueryInt(c, "limit", 50, 1, 500)

	messages := []models.Message{}
	if err := sc.db.WithContext(c.UserContext()).
		Where("status = ?", status).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load queue", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"status":   status,
		"count":    len(messages),
		"messages": messages,
	}))
}

func (sc *SendController) GetRateLimit(c *fiber.Ctx) error {
	quota, err := sc.newScheduler().CheckDailyQuota(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check quota", err)
	}
	return c.JSON(utils.SuccessResponse(quota))
}

func (sc *SendController) GetBusinessHours(c *fiber.Ctx) error {
	s := sc.newScheduler()
	now := s.Now()
	open := s.IsBusinessWindow(now)

	data := fiber.Map{
		"is_business_hours": open,
		"current_time":      now,
		"config":            configView(s.Config()),
	}
	if !open {
		data["next_window"] = s.NextBusinessWindowStart(now)
	}
	return c.JSON(utils.SuccessResponse(data))
}

// SendEmail sends one PENDING message right away. The business window is not
// checked; the daily quota is.
func (sc *SendController) SendEmail(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid message id", nil)
	}
	ctx := c.UserContext()

	var msg models.Message
	if err := sc.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load message", err)
	}
	if msg.Status != models.MessagePending {
		return utils.ErrorResponse(c, fiber.StatusBadRequest,
			fmt.Sprintf("Message is %s, only PENDING messages can be sent", msg.Status), nil)
	}

	quota, err := sc.newScheduler().CheckDailyQuota(ctx)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check quota", err)
	}
	if !quota.CanSend {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success": false,
			"error":   fmt.Sprintf("Daily limit reached (%d/%d)", quota.SentToday, quota.DailyLimit),
			"data":    quota,
		})
	}

	result, err := sc.sender.SendByID(ctx, msg.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to send message", err)
	}
	if !result.Success {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error":   result.Error,
			"data":    result,
		})
	}
	return c.JSON(utils.SuccessResponse(result))
}

// SendBatch queues the given messages for sequential sending and returns at once.
func (sc *SendController) SendBatch(c *fiber.Ctx) error {
	var req BatchSendRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	delay := sc.batchDelay
	if req.DelaySeconds != nil {
		delay = time.Duration(*req.DelaySeconds) * time.Second
	}

	ids := append([]uint(nil), req.MessageIDs...)
	sc.runAsync(func() {
		result := sc.sender.SendBatchByIDs(context.Background(), ids, delay)
		sc.log.WithFields(logrus.Fields{
			"total":  result.Total,
			"sent":   result.Sent,
			"failed": result.Failed,
		}).Info("batch finished")
	})

	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"queued":        len(ids),
		"delay_seconds": int(delay / time.Second),
	}))
}

// ScheduleContact assigns send times to a contact's unsent steps.
func (sc *SendController) ScheduleContact(c *fiber.Ctx) error {
	id, err := c.ParamsInt("contactId")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	var req ScheduleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	s := sc.newScheduler()
	var start time.Time
	if req.StartDate != "" {
		start, err = parseStartDate(req.StartDate, s.Config().Location)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid start_date", err)
		}
	}

	times, err := s.ScheduleSequence(c.UserContext(), uint(id), start)
	if errors.Is(err, models.ErrContactNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to schedule sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"contact_id": id,
		"scheduled":  len(times),
		"send_times": times,
	}))
}

// parseStartDate accepts RFC 3339 or a plain date, read in the business timezone.
func parseStartDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

func (sc *SendController) PauseContact(c *fiber.Ctx) error {
	id, err := c.ParamsInt("contactId")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	n, err := sc.newScheduler().PauseSequence(c.UserContext(), uint(id))
	if errors.Is(err, models.ErrContactNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"contact_id": id, "cancelled": n}))
}

func (sc *SendController) ResumeContact(c *fiber.Ctx) error {
	id, err := c.ParamsInt("contactId")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	n, err := sc.newScheduler().ResumeSequence(c.UserContext(), uint(id))
	switch {
	case errors.Is(err, models.ErrContactNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	case errors.Is(err, models.ErrSequenceClosed):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"contact_id": id, "resumed": n}))
}

func (sc *SendController) GetConfig(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(configView(scheduler.Defaults())))
}

// UpdateConfig changes the defaults used by schedulers created from now on.
func (sc *SendController) UpdateConfig(c *fiber.Ctx) error {
	var req SendConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	cfg := scheduler.Defaults()
	if req.DailyLimit != nil {
		cfg.DailyLimit = *req.DailyLimit
	}
	if req.MinDelaySeconds != nil {
		cfg.MinDelay = time.Duration(*req.MinDelaySeconds) * time.Second
	}
	if req.MaxDelaySeconds != nil {
		cfg.MaxDelay = time.Duration(*req.MaxDelaySeconds) * time.Second
	}
	if req.Timezone != "" {
		loc, err := time.LoadLocation(req.Timezone)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid timezone", err)
		}
		cfg.Location = loc
	}
	if req.BusinessStart != "" {
		start, err := parseClock(req.BusinessStart)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid business_start", err)
		}
		cfg.WindowStart = start
	}
	if req.BusinessEnd != "" {
		end, err := parseClock(req.BusinessEnd)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid business_end", err)
		}
		cfg.WindowEnd = end
	}
	if len(req.BusinessDays) > 0 {
		cfg.Days = cfg.Days[:0]
		for _, d := range req.BusinessDays {
			cfg.Days = append(cfg.Days, time.Weekday(d%7))
		}
	}

	if cfg.MinDelay > cfg.MaxDelay {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "min_delay_seconds must not exceed max_delay_seconds", nil)
	}
	if cfg.WindowStart >= cfg.WindowEnd {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "business_start must be before business_end", nil)
	}

	scheduler.SetDefaults(cfg)
	view := configView(cfg)
	utils.LogEvent("send_config_updated", map[string]interface{}{
		"daily_limit": view.DailyLimit,
		"timezone":    view.Timezone,
		"window":      view.BusinessStart + "-" + view.BusinessEnd,
	})
	return c.JSON(utils.SuccessResponse(view))
}

func (sc *SendController) GetStats(c *fiber.Ctx) error {
	stats, err := sc.newScheduler().SendStats(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load send stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (sc *SendController) PauseLoop(c *fiber.Ctx) error {
	if sc.loop == nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Send worker is not running", nil)
	}
	sc.loop.Pause()
	return c.JSON(utils.SuccessResponse(fiber.Map{"paused": true}))
}

func (sc *SendController) StartLoop(c *fiber.Ctx) error {
	if sc.loop == nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Send worker is not running", nil)
	}
	sc.loop.Resume()
	return c.JSON(utils.SuccessResponse(fiber.Map{"paused": false}))
}

// RecordBounce marks a sent message as bounced, for example from a DSN read by hand.
func (sc *SendController) RecordBounce(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid message id", nil)
	}

	var req BounceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
		if err := utils.ValidateStruct(req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	bounced, err := sc.sender.RecordBounce(c.UserContext(), uint(id), req.Reason)
	if errors.Is(err, models.ErrMessageNotFound) || errors.Is(err, models.ErrContactNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, err.Error(), nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record bounce", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message_id": id, "bounced": bounced}))
}
