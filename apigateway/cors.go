package gateway

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Cors sets the allowed origin (wildcard when unconfigured) and
// short-circuits preflight requests.
func Cors(allowOrigin string) fiber.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", allowOrigin)
		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}
		c.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		c.Set("Access-Control-Allow-Headers", "authorization, origin, content-type, accept, X-CSRF-TOKEN")
		c.Set("Allow", "HEAD,GET,POST,PUT,PATCH,DELETE,OPTIONS")
		return c.SendStatus(http.StatusOK)
	}
}
