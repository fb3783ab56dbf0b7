package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"coldreach/utils"
	"coldreach/worker"
)

type ReplyController struct {
	checker worker.ReplyChecker
	log     *logrus.Entry
}

// NewReplyController takes a nil checker when no reply mailbox is configured.
func NewReplyController(checker worker.ReplyChecker) *ReplyController {
	return &ReplyController{checker: checker, log: utils.Logger("reply_api")}
}

type CheckRepliesRequest struct {
	UnseenOnly *bool `json:"unseen_only"`
	Limit      int   `json:"limit" validate:"omitempty,gte=1,lte=500"`
}

// CheckReplies polls the inbox now and processes whatever matched.
func (rc *ReplyController) CheckReplies(c *fiber.Ctx) error {
	if rc.checker == nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Reply mailbox is not configured", nil)
	}

	var req CheckRepliesRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
		if err := utils.ValidateStruct(req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
		}
	}
	unseen := true
	if req.UnseenOnly != nil {
		unseen = *req.UnseenOnly
	}
	if req.Limit == 0 {
		req.Limit = 100
	}

	result, err := rc.checker.Check(c.UserContext(), unseen, req.Limit)
	if err != nil {
		rc.log.WithError(err).Warn("manual reply check failed")
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to check inbox", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}
