package gateway

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		if RequestIDFromCtx(c) == "" {
			t.Error("request id missing from ctx")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if res.Header.Get(RequestIDHeader) == "" {
		t.Fatal("request id header not set")
	}

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	res, err = app.Test(req)
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get(RequestIDHeader); got != "fixed-id" {
		t.Fatalf("request id = %q, want fixed-id", got)
	}

	// An oversized inbound id is replaced, not echoed.
	oversized := strings.Repeat("x", maxRequestIDLen+1)
	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, oversized)
	res, err = app.Test(req)
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get(RequestIDHeader); got == "" || got == oversized {
		t.Fatalf("oversized request id echoed: %q", got)
	}
}

func TestLogSamplerAlwaysAllowsSlow(t *testing.T) {
	s := newLogSampler(LogSamplingConfig{Tick: time.Hour, After: 100 * time.Millisecond})
	if !s.Allow(time.Second) {
		t.Fatal("slow request suppressed")
	}
	// First fast request within the tick is allowed, the next one is
	// sampled away.
	if !s.Allow(time.Millisecond) {
		t.Fatal("first request suppressed")
	}
	if s.Allow(time.Millisecond) {
		t.Fatal("second fast request not sampled")
	}
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	logger := logrus.New()
	app := fiber.New()
	app.Use(RequestID())
	app.Use(RequestLogger(logger, LogSamplingConfig{}))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ok", nil))
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestInstrumentationPassesThrough(t *testing.T) {
	app := fiber.New()
	app.Use(Instrumentation())
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ping", nil))
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestRequireAdmin(t *testing.T) {
	app := fiber.New()
	app.Get("/admin", RequireAdmin(AdminAuthConfig{Key: "sesame"}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/admin", nil))
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", res.StatusCode)
	}

	req := httptest.NewRequest(fiber.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "sesame")
	res, err = app.Test(req)
	if err != nil {
		t.Fatalf("app test: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != fiber.StatusOK {
		t.Fatalf("authenticated status = %d", res.StatusCode)
	}
}

func TestRequireAdminBasicAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/admin", RequireAdmin(AdminAuthConfig{User: "ops", Password: "s3cret"}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	cases := []struct {
		header string
		want   int
	}{
		{"Basic " + base64.StdEncoding.EncodeToString([]byte("ops:s3cret")), fiber.StatusOK},
		{"basic " + base64.StdEncoding.EncodeToString([]byte("ops:s3cret")), fiber.StatusOK},
		{"Basic " + base64.StdEncoding.EncodeToString([]byte("ops:wrong")), fiber.StatusUnauthorized},
		{"Basic not-base64!", fiber.StatusUnauthorized},
		{"Bearer whatever", fiber.StatusUnauthorized},
		{"", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodGet, "/admin", nil)
		if tc.header != "" {
			req.Header.Set(fiber.HeaderAuthorization, tc.header)
		}
		res, err := app.Test(req)
		if err != nil {
			t.Fatalf("app test: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Errorf("authorization %q answered %d, want %d", tc.header, res.StatusCode, tc.want)
		}
	}
}
