package utils

import (
	"math"

	"github.com/gofiber/fiber/v2"
)

// Rate returns part/total as a percentage rounded to two decimals, or 0 when total is 0.
func Rate(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// QueryInt reads an integer query parameter clamped to [min, max].
func QueryInt(c *fiber.Ctx, key string, def, min, max int) int {
	v := c.QueryInt(key, def)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// PaginatedResponse structure for paginated results
type PaginatedResponse struct {
	Data   interface{} `json:"data"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
