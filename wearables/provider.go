package wearables

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/vigorhq/vigor/apperr"
)

// Provider adapts one vendor to the engine's canonical shapes. Every method
// is side-effect free; HTTP execution, token injection, rate limiting and
// retries belong to the syncer client.
type Provider interface {
	Name() string
	// DataTypes lists the vendor data types the engine syncs, in the order
	// backfills walk them.
	DataTypes() []string

	// AuthCodeURL builds the user-facing authorization redirect. Providers
	// that don't mandate proof-of-key exchange ignore pkce.
	AuthCodeURL(state string, pkce PKCE) (string, error)
	ExchangeRequest(code string, pkce PKCE) (APIRequest, error)
	RefreshRequest(refreshToken string) (APIRequest, error)
	ParseToken(body []byte) (*TokenSet, error)
	// IdentityRequest fetches the vendor-side user id when the token
	// endpoint doesn't report one. ok=false means ParseToken always does.
	IdentityRequest() (req APIRequest, ok bool)
	ParseIdentity(body []byte) (string, error)
	// RevokeRequest builds the best-effort disconnect call, ok=false when
	// the vendor has no revocation endpoint worth calling.
	RevokeRequest(accessToken string) (req APIRequest, ok bool)

	// Challenge answers the vendor's GET verification probe.
	Challenge(query func(string) string) (status int, body []byte)
	// VerifySignature checks the vendor's delivery signature over the raw
	// body. Implementations compare in constant time.
	VerifySignature(header func(string) string, body []byte, now time.Time) error
	// RejectStatus is what an unverifiable delivery is answered with.
	RejectStatus() int
	ParseEvents(body []byte, contentType string) ([]Event, error)

	// NormalizeResponse fixes up vendor transport quirks before the client
	// inspects the status code (withings tunnels errors through HTTP 200).
	NormalizeResponse(resp *APIResponse)
	FetchRequest(ev Event) (APIRequest, error)
	// ParseFetch may return several documents: withings notifications span a
	// date range that can cover multiple measurement groups.
	ParseFetch(ev Event, body []byte) ([]Document, error)
	BackfillRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error)
	// ParseBackfill returns one page's documents plus the continuation
	// cursor, empty when the page is the last one. The window arguments let
	// adapters that chunk by date ranges compute the next cursor.
	ParseBackfill(dataType string, start, end time.Time, cursor string, body []byte) ([]Document, string, error)
	// Extract reduces a document to canonical metrics. Readings the payload
	// doesn't carry are omitted, never zero-filled.
	Extract(doc Document) ([]Metric, error)
}

// Registry maps provider names to their configured adapters. Providers with
// no client credentials are still constructed; the oauth manager reports
// configuration_error when they're used.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{providers: map[string]Provider{
		Fitbit:   NewFitbit(cfg.Fitbit),
		Oura:     NewOura(cfg.Oura),
		Whoop:    NewWhoop(cfg.Whoop),
		Withings: NewWithings(cfg.Withings),
	}}
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.WithFields(apperr.ErrNotFound, map[string]any{"provider": name})
	}
	return p, nil
}

func (r *Registry) Names() []string {
	return KnownProviders()
}

func hmacSHA256Hex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256Base64(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hmacSHA1Base64(key string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func formRequest(u string, form url.Values, auth AuthStyle) APIRequest {
	return APIRequest{
		Method: http.MethodPost,
		URL:    u,
		Header: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:   []byte(form.Encode()),
		Auth:   auth,
	}
}

const dayLayout = "2006-01-02"

func parseDay(s string) (time.Time, error) {
	return time.Parse(dayLayout, s)
}

// dayBounds maps a YYYY-MM-DD bucket onto its UTC day span.
func dayBounds(day string) (start, end time.Time, err error) {
	start, err = parseDay(day)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start.UTC(), start.UTC().Add(24 * time.Hour), nil
}

func floatPtr(v float64) *float64 {
	return &v
}
