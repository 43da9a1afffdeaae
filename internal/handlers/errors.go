package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/common"
)

// statusFor maps an error code to the HTTP status the chat client sees.
func statusFor(code common.Code) int {
	switch code {
	case common.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case common.CodeResourceExhausted, common.CodeContention, common.CodeCapabilityUnavailable:
		return fiber.StatusServiceUnavailable
	case common.CodeNotFound:
		return fiber.StatusNotFound
	case common.CodeInvalidInput:
		return fiber.StatusBadRequest
	case common.CodeConflict, common.CodeInvalidTransition:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err as {"error", "code"}. Internal errors keep their
// detail out of the response.
func respondError(c *fiber.Ctx, err error) error {
	code := common.CodeOf(err)
	status := statusFor(code)
	msg := common.MessageOf(err)
	if status == fiber.StatusInternalServerError {
		msg = "Internal server error"
	}
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
		"code":  string(code),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  string(common.CodeInvalidInput),
	})
}

// paramInt64 parses a numeric route parameter.
func paramInt64(c *fiber.Ctx, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil {
		return 0, common.Errorf(common.CodeInvalidInput, "%s must be an integer", name)
	}
	return v, nil
}

// queryInt reads an optional integer query parameter.
func queryInt(c *fiber.Ctx, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.Errorf(common.CodeInvalidInput, "%s must be an integer", name)
	}
	return v, nil
}

func invalidBody() error {
	return common.Errorf(common.CodeInvalidInput, "Invalid request body")
}
