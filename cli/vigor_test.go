package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthRoute(t *testing.T) {
	route := GetMainEngine()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected: %d, got: %d", http.StatusOK, resp.StatusCode)
	}
}

func TestRouteTable(t *testing.T) {
	route := GetMainEngine()
	want := map[string]bool{
		"GET /health":                   false,
		"GET /metrics":                  false,
		"GET /webhooks/:provider":       false,
		"POST /webhooks/:provider":      false,
		"GET /oauth/:provider/callback": false,
		"POST /auth/register":           false,
		"POST /auth/login":              false,
		"GET /auth/me":                  false,
		"POST /user/device":             false,
		"GET /connect/:provider":        false,
		"DELETE /connect/:provider":     false,
		"GET /connections":              false,
		"POST /sync/:provider":          false,
	}
	for _, stack := range route.Stack() {
		for _, r := range stack {
			key := r.Method + " " + r.Path
			if _, ok := want[key]; ok {
				want[key] = true
			}
		}
	}
	for key, seen := range want {
		if !seen {
			t.Errorf("route %s is not registered", key)
		}
	}
}

func TestProtectedRoutesNeedAuth(t *testing.T) {
	route := GetMainEngine()
	for _, path := range []string{"/connections", "/auth/me", "/connect/oura"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp, err := route.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestMetricsGuarded(t *testing.T) {
	// No admin key configured and not in debug: the endpoint stays shut.
	route := GetMainEngine()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured /metrics status = %d, want 503", resp.StatusCode)
	}

	vigorConfig.AdminKey = "test-admin-key"
	defer func() { vigorConfig.AdminKey = "" }()
	route = GetMainEngine()

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err = route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("keyless /metrics status = %d, want 401", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", "test-admin-key")
	resp, err = route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("keyed /metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestWebhookChallengeThroughEngine(t *testing.T) {
	route := GetMainEngine()
	// Whoop acks its probe without a challenge token.
	req := httptest.NewRequest(http.MethodGet, "/webhooks/whoop", nil)
	resp, err := route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("whoop challenge status = %d, want 204", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhooks/garmin", nil)
	resp, err = route.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", resp.StatusCode)
	}
}
