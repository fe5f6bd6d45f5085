package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

const (
	requestTimeout = 20 * time.Second
	refreshSkew    = 60 * time.Second
	maxAttempts    = 5
	maxBackoff     = 30 * time.Second
	maxJitter      = 500 * time.Millisecond
	maxPages       = 50
)

// Client executes one provider's API requests. All calls are
// serialized behind mu so a token refresh is never raced by a
// concurrent request using the stale token.
type Client struct {
	provider wearables.Provider
	cfg      wearables.ProviderConfig
	service  *Service
	limiter  *rateWindow
	http     *http.Client

	// backoffBase is the first retry delay; tests shrink it.
	backoffBase time.Duration

	mu sync.Mutex
}

func newClient(s *Service, provider wearables.Provider, cfg wearables.ProviderConfig) *Client {
	limiter := newRateWindow(cfg.RateBudget, cfg.RateWindow())
	name := provider.Name()
	limiter.onBlock = func() { rateLimitWaits.WithLabelValues(name).Inc() }
	return &Client{
		provider:    provider,
		cfg:         cfg,
		service:     s,
		limiter:     limiter,
		http:        s.HTTP,
		backoffBase: time.Second,
	}
}

// Do executes req on behalf of conn, refreshing the access token when
// it is expired or rejected and retrying 429/503 with backoff.
func (c *Client) Do(ctx context.Context, conn *store.Connection, req wearables.APIRequest) (*wearables.APIResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := c.accessTokenLocked(ctx, conn)
	if err != nil {
		return nil, err
	}
	return c.doLocked(ctx, conn, req, token)
}

func (c *Client) doLocked(ctx context.Context, conn *store.Connection, req wearables.APIRequest, token string) (*wearables.APIResponse, error) {
	schedule := c.newSchedule()
	refreshed := false
	var lastStatus int

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.execute(ctx, req, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus = 0
			if sleepErr := c.sleep(ctx, c.nextDelay(schedule, nil)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		switch resp.Status {
		case http.StatusUnauthorized:
			if refreshed || conn == nil {
				return nil, apperr.WithFields(apperr.ErrReauthRequired, map[string]any{"provider": c.provider.Name()})
			}
			token, err = c.refreshLocked(ctx, conn)
			if err != nil {
				return nil, err
			}
			refreshed = true
			// The refresh does not consume a retry attempt.
			attempt--
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			lastStatus = resp.Status
			if sleepErr := c.sleep(ctx, c.nextDelay(schedule, resp.Header)); sleepErr != nil {
				return nil, sleepErr
			}
		default:
			return resp, nil
		}
	}

	base := apperr.ErrUnavailable
	if lastStatus == http.StatusTooManyRequests {
		base = apperr.ErrRateLimited
	}
	return nil, apperr.Wrap(fmt.Errorf("gave up after %d attempts, last status %d", maxAttempts, lastStatus), base, "")
}

// DoApp executes an app-credential request (token exchange, identity)
// that has no connection yet.
func (c *Client) DoApp(ctx context.Context, req wearables.APIRequest) (*wearables.APIResponse, error) {
	return c.DoToken(ctx, req, "")
}

// DoToken executes req with an explicit bearer token and no refresh.
func (c *Client) DoToken(ctx context.Context, req wearables.APIRequest, token string) (*wearables.APIResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doLocked(ctx, nil, req, token)
}

// AccessToken returns a valid access token for conn, refreshing it
// when expiry is inside the skew window. The rotated refresh token is
// always persisted before the new access token is used.
func (s *Service) AccessToken(ctx context.Context, conn *store.Connection) (string, error) {
	if conn == nil {
		return "", apperr.ErrNotConnected
	}
	c, err := s.Client(conn.Provider)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessTokenLocked(ctx, conn)
}

func (c *Client) accessTokenLocked(ctx context.Context, conn *store.Connection) (string, error) {
	if conn == nil {
		return "", apperr.ErrNotConnected
	}
	if time.Until(conn.ExpiresAt) > refreshSkew {
		return conn.AccessToken, nil
	}
	return c.refreshLocked(ctx, conn)
}

// refreshLocked exchanges the refresh token and persists the rotated
// pair. Providers issue single-use refresh tokens, so persisting
// before returning is what keeps a crash from stranding the account.
// The store is the source of truth for credentials: a caller's copy
// may predate a rotation another task already persisted, and sending
// the consumed refresh token would strand the account, so newer stored
// tokens are adopted before any exchange.
func (c *Client) refreshLocked(ctx context.Context, conn *store.Connection) (string, error) {
	name := c.provider.Name()

	if stored, err := c.service.Store.GetConnection(ctx, conn.UserID, conn.Provider); err == nil && stored.ExpiresAt.After(conn.ExpiresAt) {
		conn.AccessToken = stored.AccessToken
		conn.RefreshToken = stored.RefreshToken
		conn.ExpiresAt = stored.ExpiresAt
		if time.Until(conn.ExpiresAt) > refreshSkew {
			return conn.AccessToken, nil
		}
	}

	req, err := c.provider.RefreshRequest(conn.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.execute(ctx, req, "")
	if err != nil {
		tokenRefreshes.WithLabelValues(name, "error").Inc()
		return "", err
	}
	if resp.Status != http.StatusOK {
		tokenRefreshes.WithLabelValues(name, "rejected").Inc()
		return "", apperr.Wrap(fmt.Errorf("refresh status %d", resp.Status), apperr.ErrReauthRequired, "")
	}
	tok, err := c.provider.ParseToken(resp.Body)
	if err != nil {
		tokenRefreshes.WithLabelValues(name, "error").Inc()
		return "", err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = conn.RefreshToken
	}
	expires := time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := c.service.Store.UpdateConnectionTokens(ctx, conn.UserID, conn.Provider, tok.AccessToken, refresh, expires); err != nil {
		tokenRefreshes.WithLabelValues(name, "error").Inc()
		return "", err
	}
	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = refresh
	conn.ExpiresAt = expires

	tokenRefreshes.WithLabelValues(name, "ok").Inc()
	_ = c.service.Store.AppendAudit(ctx, conn.UserID, conn.Provider, store.AuditTokenRefreshed, "")
	return tok.AccessToken, nil
}

func (c *Client) execute(ctx context.Context, apiReq wearables.APIRequest, token string) (*wearables.APIResponse, error) {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if len(apiReq.Body) > 0 {
		body = bytes.NewReader(apiReq.Body)
	}
	req, err := http.NewRequestWithContext(rctx, apiReq.Method, apiReq.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range apiReq.Header {
		req.Header.Set(k, v)
	}
	switch apiReq.Auth {
	case wearables.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+token)
	case wearables.AuthBasic:
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	resp := &wearables.APIResponse{Status: res.StatusCode, Body: data, Header: res.Header}
	c.provider.NormalizeResponse(resp)
	return resp, nil
}

func (c *Client) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextDelay honors Retry-After when the provider sent one, otherwise
// doubles from the base, capped, plus up to 500ms of jitter.
func (c *Client) nextDelay(schedule *backoff.ExponentialBackOff, header http.Header) time.Duration {
	delay := schedule.NextBackOff()
	if delay == backoff.Stop || delay > maxBackoff {
		delay = maxBackoff
	}
	if header != nil {
		if after := parseRetryAfter(header.Get("Retry-After")); after > 0 {
			delay = after
		}
	}
	return delay + time.Duration(rand.Int63n(int64(maxJitter)))
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(value, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch pulls the documents behind a thin webhook pointer. A 404 means
// the record is already gone upstream; that is not an error.
func (c *Client) Fetch(ctx context.Context, conn *store.Connection, ev wearables.Event) ([]wearables.Document, error) {
	req, err := c.provider.FetchRequest(ev)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%s fetch %s: status %d", c.provider.Name(), ev.DataType, resp.Status)
	}
	return c.provider.ParseFetch(ev, resp.Body)
}

// Backfill walks the provider's continuation pages for one data type
// over [start, end).
func (c *Client) Backfill(ctx context.Context, conn *store.Connection, dataType string, start, end time.Time) ([]wearables.Document, error) {
	cursor := ""
	var docs []wearables.Document
	for page := 0; page < maxPages; page++ {
		req, err := c.provider.BackfillRequest(dataType, start, end, cursor)
		if err != nil {
			return nil, err
		}
		resp, err := c.Do(ctx, conn, req)
		if err != nil {
			return nil, err
		}
		if resp.Status != http.StatusOK {
			return nil, fmt.Errorf("%s backfill %s: status %d", c.provider.Name(), dataType, resp.Status)
		}
		pageDocs, next, err := c.provider.ParseBackfill(dataType, start, end, cursor, resp.Body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, pageDocs...)
		if next == "" {
			return docs, nil
		}
		cursor = next
	}
	c.service.Logger.WithFields(logrus.Fields{
		"provider":  c.provider.Name(),
		"data_type": dataType,
	}).Warn("backfill stopped at page cap")
	return docs, nil
}
