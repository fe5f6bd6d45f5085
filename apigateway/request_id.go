package gateway

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDHeader names the id that ties one delivery's log lines
// together, from webhook ack to pipeline outcome. Inbound values are
// honored so a provider's delivery dashboard and our logs can meet on
// one id.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds inbound ids; anything longer is replaced so a
// caller cannot inflate every log line of its request.
const maxRequestIDLen = 128

// RequestID adopts the caller's id or mints a uuid, stores it for the
// request logger, and echoes it on the response.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set(RequestIDHeader, id)
		return c.Next()
	}
}

// RequestIDFromCtx reads the id RequestID stored on this request;
// empty when the middleware is not mounted.
func RequestIDFromCtx(c *fiber.Ctx) string {
	id, _ := c.Locals("request_id").(string)
	return id
}
