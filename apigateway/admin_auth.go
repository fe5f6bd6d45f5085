package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminKeyHeader carries the shared operator key for the ops surface:
// the prometheus scrape and the backfill and replay routes.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuthConfig holds the operator credentials. Key enables header
// auth, User/Password HTTP basic; either one is enough. Debug waives
// the guard for local runs.
type AdminAuthConfig struct {
	Key      string
	User     string
	Password string
	Debug    bool
}

func (cfg AdminAuthConfig) configured() bool {
	return cfg.Key != "" || (cfg.User != "" && cfg.Password != "")
}

// RequireAdmin fences a route with the operator credentials. An
// instance with none configured answers 503: a missing key must read
// as an outage, never as an open scrape endpoint.
func RequireAdmin(cfg AdminAuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Debug {
			return c.Next()
		}
		if !cfg.configured() {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"code":    "admin_auth_not_configured",
				"message": "admin auth not configured",
			})
		}
		if keyMatches(c.Get(AdminKeyHeader), cfg.Key) ||
			basicMatches(c.Get(fiber.HeaderAuthorization), cfg.User, cfg.Password) {
			return c.Next()
		}
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"code":    "unauthorized",
			"message": "unauthorized",
		})
	}
}

func keyMatches(got, want string) bool {
	got = strings.TrimSpace(got)
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func basicMatches(header, user, pass string) bool {
	if user == "" || pass == "" {
		return false
	}
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return false
	}
	gotUser, gotPass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	// Both halves are compared even when the first fails; the guard
	// must not leak which one was wrong through timing.
	userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) == 1
	return userOK && passOK
}
