// Package wearables holds the domain types and the per-vendor adapters for
// the device providers vigor can sync from. Adapters are pure: they build
// API request descriptions and parse vendor payloads into canonical shapes,
// while the syncer owns execution, auth and retries.
package wearables

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Supported provider names. These are wire-visible (route params, table
// columns), keep them lowercase.
const (
	Fitbit   = "fitbit"
	Oura     = "oura"
	Whoop    = "whoop"
	Withings = "withings"
)

// KnownProviders returns the provider names in a stable order.
func KnownProviders() []string {
	return []string{Fitbit, Oura, Whoop, Withings}
}

func IsKnownProvider(name string) bool {
	switch name {
	case Fitbit, Oura, Whoop, Withings:
		return true
	}
	return false
}

// Canonical metric types. Every provider document is reduced to these so the
// rest of the system never branches on vendor names.
const (
	MetricSteps            = "steps"
	MetricCalories         = "calories"
	MetricDistance         = "distance_m"
	MetricActiveMinutes    = "active_minutes"
	MetricActivityScore    = "activity_score"
	MetricSleepDuration    = "sleep_duration_s"
	MetricSleepScore       = "sleep_score"
	MetricSleepEfficiency  = "sleep_efficiency"
	MetricRestingHeartRate = "resting_heart_rate"
	MetricHeartRateAvg     = "heart_rate_avg"
	MetricHRV              = "hrv_ms"
	MetricReadinessScore   = "readiness_score"
	MetricRecoveryScore    = "recovery_score"
	MetricStrain           = "strain"
	MetricWeight           = "weight_kg"
	MetricBodyFat          = "body_fat_pct"
	MetricWorkoutDuration  = "workout_duration_s"
	MetricWorkoutCalories  = "workout_calories"
)

// Metric is one canonical reading extracted from a provider document.
// Start/End bound the reading's validity; daily summaries span the whole day.
type Metric struct {
	Type  string
	Value float64
	Unit  string
	Start time.Time
	End   time.Time
}

// Document is a provider payload normalized just enough to persist: identity,
// time bounds and the raw JSON. Summary is the document's headline number
// (sleep score, step count) when the vendor reports one.
type Document struct {
	DataType   string
	DocumentID string
	Day        string // YYYY-MM-DD bucket, empty when the vendor has none
	Start      time.Time
	End        time.Time
	Summary    *float64
	Raw        []byte
}

// Canonical webhook event kinds.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event is one parsed webhook notification. Most vendors send thin pointers
// (ids only); Embedded carries the document when the payload includes it.
type Event struct {
	Provider       string
	ProviderUserID string
	DataType       string
	EventType      string
	ObjectID       string
	EventTime      time.Time
	ID             string // vendor-supplied delivery id, when present
	Embedded       *Document
}

// Key derives the dedupe key for the event. Vendor delivery ids win; the
// fallback concatenates every identifying field so a redelivered
// notification always collides with its first copy.
func (e Event) Key() string {
	if e.ID != "" {
		return e.Provider + "|" + e.ID
	}
	return strings.Join([]string{
		e.Provider,
		e.ProviderUserID,
		e.DataType,
		e.EventType,
		e.ObjectID,
		fmt.Sprintf("%d", e.EventTime.UTC().Unix()),
	}, "|")
}

// TokenSet is what a code exchange or refresh yields. ProviderUserID is set
// when the token endpoint reports the vendor-side user id (fitbit, withings);
// otherwise the adapter exposes a separate identity request.
type TokenSet struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int64
	Scope          string
	ProviderUserID string
}

// PKCE holds a proof-key pair for providers that mandate it. The verifier
// rides inside the signed state token until the callback returns.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE mints a random verifier and its S256 challenge.
func NewPKCE() (PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// AuthStyle tells the executing client how to authenticate an APIRequest.
type AuthStyle int

const (
	// AuthNone sends the request as built (credentials, if any, are already
	// in the body or headers).
	AuthNone AuthStyle = iota
	// AuthBearer injects the connection's access token.
	AuthBearer
	// AuthBasic injects client_id:client_secret basic auth.
	AuthBasic
)

// APIRequest describes one provider API call. Bodies are byte slices so the
// executor can replay them across retries.
type APIRequest struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
	Auth   AuthStyle
}

// APIResponse is the executor's view of a completed call.
type APIResponse struct {
	Status int
	Body   []byte
	Header http.Header
}
