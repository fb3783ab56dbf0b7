package controller

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"coldreach/models"
	"coldreach/tracker"
	"coldreach/utils"
)

// transparentGIF is a 1x1 transparent GIF89a image.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	tracker *tracker.Tracker
	log     *logrus.Entry
}

func NewTrackingController(t *tracker.Tracker) *TrackingController {
	return &TrackingController{
		tracker: t,
		log:     utils.Logger("tracking_api"),
	}
}

// clientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the peer address.
func clientIP(c *fiber.Ctx) string {
	if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(c.Get("X-Real-IP")); xr != "" {
		return xr
	}
	return c.IP()
}

func hitOf(c *fiber.Ctx) tracker.Hit {
	return tracker.Hit{
		IPAddress: clientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Referer:   c.Get(fiber.HeaderReferer),
	}
}

// OpenPixel records an open and always answers with the pixel, whatever the token.
func (tc *TrackingController) OpenPixel(c *fiber.Ctx) error {
	token := strings.TrimSuffix(c.Params("token"), ".gif")

	if _, err := tc.tracker.RecordOpen(c.UserContext(), token, hitOf(c)); err != nil {
		tc.log.WithError(err).Warn("failed to record open")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderExpires, "0")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Status(fiber.StatusOK).Send(transparentGIF)
}

// Click records a click and redirects to the original link, whatever the token.
func (tc *TrackingController) Click(c *fiber.Ctx) error {
	target := c.Query("url")
	if target == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing redirect url", nil)
	}

	if _, err := tc.tracker.RecordClick(c.UserContext(), c.Params("token"), target, hitOf(c)); err != nil {
		tc.log.WithError(err).Warn("failed to record click")
	}
	return c.Redirect(target, fiber.StatusFound)
}

func (tc *TrackingController) GetStats(c *fiber.Ctx) error {
	stats, err := tc.tracker.OverallStats(c.UserContext(), utils.QueryInt(c, "days", 30, 1, 365))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (tc *TrackingController) GetContactEngagement(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	engagement, err := tc.tracker.ContactEngagement(c.UserContext(), uint(id))
	if errors.Is(err, models.ErrContactNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load engagement", err)
	}
	return c.JSON(utils.SuccessResponse(engagement))
}

func (tc *TrackingController) GetEvents(c *fiber.Ctx) error {
	filter := tracker.EventFilter{
		Limit:  utils.QueryInt(c, "limit", 100, 1, 500),
		Offset: utils.QueryInt(c, "offset", 0, 0, 1<<30),
	}
	if raw := c.Query("type"); raw != "" {
		typ, ok := models.ParseEventType(raw)
		if !ok {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event type", nil)
		}
		filter.Type = typ
	}

	events, total, err := tc.tracker.Events(c.UserContext(), filter)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load events", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:   events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}))
}

func (tc *TrackingController) GetDailyStats(c *fiber.Ctx) error {
	days, err := tc.tracker.DailyStats(c.UserContext(), utils.QueryInt(c, "days", 7, 1, 90))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load daily stats", err)
	}
	return c.JSON(utils.SuccessResponse(days))
}

func (tc *TrackingController) GetTopLinks(c *fiber.Ctx) error {
	links, err := tc.tracker.TopClickedLinks(c.UserContext(),
		utils.QueryInt(c, "limit", 10, 1, 100),
		utils.QueryInt(c, "days", 30, 1, 365))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load links", err)
	}
	return c.JSON(utils.SuccessResponse(links))
}

func (tc *TrackingController) GetMessageTracking(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid message id", nil)
	}

	view, err := tc.tracker.MessageTracking(c.UserContext(), uint(id))
	if errors.Is(err, models.ErrMessageNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load message tracking", err)
	}
	return c.JSON(utils.SuccessResponse(view))
}

func (tc *TrackingController) GetSummary(c *fiber.Ctx) error {
	summary, err := tc.tracker.Summary(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load summary", err)
	}
	return c.JSON(utils.SuccessResponse(summary))
}
