package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"coldreach/utils"
)

type LoginRequest struct {
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type AuthController struct {
	passwordHash string
	jwtSecret    string
	tokenTTL     time.Duration
	log          *logrus.Entry
}

func NewAuthController(passwordHash, jwtSecret string, tokenTTL time.Duration) *AuthController {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &AuthController{
		passwordHash: passwordHash,
		jwtSecret:    jwtSecret,
		tokenTTL:     tokenTTL,
		log:          utils.Logger("auth"),
	}
}

// Login exchanges the admin password for a bearer token.
func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if ac.passwordHash == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Admin login is not configured",
		})
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(ac.passwordHash), []byte(req.Password)); err != nil {
		ac.log.WithField("ip", c.IP()).Warn("failed admin login")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid password",
		})
	}

	token, expires, err := utils.GenerateJWTToken(ac.jwtSecret, ac.tokenTTL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	return c.JSON(AuthResponse{
		AccessToken: token,
		ExpiresAt:   expires,
	})
}
