package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/wearables"
)

func rotatedTokenHandler(t *testing.T, calls *int32, refreshToken string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostFormValue("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostFormValue("grant_type"))
		}
		if got := r.PostFormValue("refresh_token"); got != "refresh-old" {
			t.Errorf("refresh_token = %q, want refresh-old", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if refreshToken != "" {
			fmt.Fprintf(w, `{"access_token":"access-new","refresh_token":%q,"expires_in":3600}`, refreshToken)
			return
		}
		fmt.Fprint(w, `{"access_token":"access-new","expires_in":3600}`)
	}
}

func TestExpiredTokenIsRefreshedAndRotationPersisted(t *testing.T) {
	var tokenCalls int32
	var gotAuth atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", rotatedTokenHandler(t, &tokenCalls, "refresh-new"))
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})

	s, srv := newTestService(t, mux)
	ctx := context.Background()
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(-time.Minute))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	resp, err := client.Do(ctx, conn, wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if got := gotAuth.Load(); got != "Bearer access-new" {
		t.Fatalf("request used %q, want the refreshed token", got)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}

	// The rotated pair must be on disk before a single API call uses
	// it; a crash after refresh must not strand the account.
	stored, err := s.Store.GetConnection(ctx, 42, wearables.Oura)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if stored.AccessToken != "access-new" || stored.RefreshToken != "refresh-new" {
		t.Fatalf("persisted tokens = %q/%q", stored.AccessToken, stored.RefreshToken)
	}
	if !stored.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expires_at not advanced: %v", stored.ExpiresAt)
	}
	if conn.AccessToken != "access-new" {
		t.Fatalf("in-memory connection not updated: %q", conn.AccessToken)
	}
}

func TestStaleConnectionCopyAdoptsPersistedRotation(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	// Single-use rotation: refresh-old is honored exactly once, a
	// replayed token is an invalid_grant.
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if atomic.AddInt32(&tokenCalls, 1) > 1 || r.PostFormValue("refresh_token") != "refresh-old" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"access-new","refresh_token":"refresh-new","expires_in":3600}`)
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s, srv := newTestService(t, mux)
	ctx := context.Background()
	seedConnection(t, s, 42, "oura-user-9", time.Now().Add(-time.Minute))

	// Two tasks load their own copies before either refreshes.
	connA, err := s.Store.GetConnection(ctx, 42, wearables.Oura)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	connB, err := s.Store.GetConnection(ctx, 42, wearables.Oura)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	req := wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	}
	if _, err := client.Do(ctx, connA, req); err != nil {
		t.Fatalf("first copy: %v", err)
	}

	// The second copy is stale now; it must pick up the stored pair
	// instead of replaying the consumed refresh token.
	resp, err := client.Do(ctx, connB, req)
	if err != nil {
		t.Fatalf("second copy: %v, want the persisted rotation adopted", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
	if connB.AccessToken != "access-new" || connB.RefreshToken != "refresh-new" {
		t.Fatalf("stale copy kept %q/%q, want the stored pair", connB.AccessToken, connB.RefreshToken)
	}
}

func TestUnauthorizedTriggersOneRefreshThenRetry(t *testing.T) {
	var tokenCalls, checkCalls int32

	mux := http.NewServeMux()
	// The rotation reply carries no refresh_token; the old one must
	// survive the update.
	mux.HandleFunc("/oauth/token", rotatedTokenHandler(t, &tokenCalls, ""))
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&checkCalls, 1)
		if r.Header.Get("Authorization") == "Bearer access-old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s, srv := newTestService(t, mux)
	ctx := context.Background()
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(2*time.Hour))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	resp, err := client.Do(ctx, conn, wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&checkCalls); n != 2 {
		t.Fatalf("api endpoint called %d times, want 2", n)
	}

	stored, err := s.Store.GetConnection(ctx, 42, wearables.Oura)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if stored.AccessToken != "access-new" {
		t.Fatalf("access token = %q", stored.AccessToken)
	}
	if stored.RefreshToken != "refresh-old" {
		t.Fatalf("refresh token = %q, want the old one kept", stored.RefreshToken)
	}
}

func TestUnauthorizedAfterRefreshNeedsReauth(t *testing.T) {
	var tokenCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", rotatedTokenHandler(t, &tokenCalls, "refresh-new"))
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	s, srv := newTestService(t, mux)
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(2*time.Hour))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = client.Do(context.Background(), conn, wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	})
	if !errors.Is(err, apperr.ErrReauthRequired) {
		t.Fatalf("got %v, want reauth_required", err)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token endpoint called %d times, want exactly 1", n)
	}
}

func TestRejectedRefreshNeedsReauth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})

	s, srv := newTestService(t, mux)
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(-time.Minute))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = client.Do(context.Background(), conn, wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	})
	if !errors.Is(err, apperr.ErrReauthRequired) {
		t.Fatalf("got %v, want reauth_required", err)
	}

	// The stored pair is untouched so a later manual reconnect starts
	// from a known state.
	stored, err := s.Store.GetConnection(context.Background(), 42, wearables.Oura)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if stored.RefreshToken != "refresh-old" {
		t.Fatalf("refresh token = %q", stored.RefreshToken)
	}
}

func TestRateLimitedGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	s, srv := newTestService(t, mux)
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(2*time.Hour))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = client.Do(context.Background(), conn, wearables.APIRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/check",
		Auth:   wearables.AuthBearer,
	})
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("got %v, want rate_limit_exceeded", err)
	}
	if n := atomic.LoadInt32(&calls); n != maxAttempts {
		t.Fatalf("endpoint called %d times, want %d", n, maxAttempts)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"0", 0},
		{"soon", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.value); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}

	// An HTTP-date in the future maps to the remaining duration.
	future := time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 5*time.Second {
		t.Errorf("parseRetryAfter(future date) = %v", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("parseRetryAfter(past date) = %v, want 0", got)
	}
}

func TestFetchMissingUpstreamIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_sleep/gone123", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	s, _ := newTestService(t, mux)
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(2*time.Hour))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	docs, err := client.Fetch(context.Background(), conn, wearables.Event{
		Provider:  wearables.Oura,
		DataType:  wearables.OuraDailySleep,
		EventType: wearables.EventUpdated,
		ObjectID:  "gone123",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if docs != nil {
		t.Fatalf("docs = %v, want none", docs)
	}
}

func TestBackfillFollowsContinuationPages(t *testing.T) {
	var sawNextToken atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_sleep", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cursor := r.URL.Query().Get("next_token"); cursor != "" {
			sawNextToken.Store(cursor)
			fmt.Fprint(w, `{"data":[{"id":"sleep-2","day":"2026-08-15","score":75}],"next_token":null}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"sleep-1","day":"2026-08-14","score":81}],"next_token":"page-2"}`)
	})

	s, _ := newTestService(t, mux)
	conn := seedConnection(t, s, 42, "oura-user-9", time.Now().Add(2*time.Hour))

	client, err := s.Client(wearables.Oura)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	start := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)
	docs, err := client.Backfill(context.Background(), conn, wearables.OuraDailySleep, start, end)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if docs[0].DocumentID != "sleep-1" || docs[1].DocumentID != "sleep-2" {
		t.Fatalf("documents out of order: %q, %q", docs[0].DocumentID, docs[1].DocumentID)
	}
	if got := sawNextToken.Load(); got != "page-2" {
		t.Fatalf("second page requested with cursor %v, want page-2", got)
	}
}
