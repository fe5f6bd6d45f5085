package wearables

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigorhq/vigor/apperr"
)

// Whoop data types. Cycles have no webhook coverage and are synced through
// pull_data_types only.
const (
	WhoopSleep    = "sleep"
	WhoopWorkout  = "workout"
	WhoopRecovery = "recovery"
	WhoopCycle    = "cycle"
)

const whoopScopes = "read:profile read:sleep read:workout read:recovery read:cycles offline"

// Deliveries older than this (per the signature timestamp header) are
// rejected as replays.
const whoopFreshness = 5 * time.Minute

type whoopProvider struct {
	cfg ProviderConfig
}

// NewWhoop builds the whoop adapter. Whoop signs deliveries over
// timestamp+body and the verifier enforces a freshness window on top of the
// MAC.
func NewWhoop(cfg ProviderConfig) Provider {
	return &whoopProvider{cfg: cfg}
}

func (w *whoopProvider) Name() string { return Whoop }

func (w *whoopProvider) DataTypes() []string {
	return []string{WhoopSleep, WhoopWorkout, WhoopRecovery, WhoopCycle}
}

func (w *whoopProvider) AuthCodeURL(state string, _ PKCE) (string, error) {
	q := url.Values{}
	q.Set("client_id", w.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", whoopScopes)
	q.Set("redirect_uri", w.cfg.RedirectURI)
	q.Set("state", state)
	return w.cfg.AuthURL + "?" + q.Encode(), nil
}

func (w *whoopProvider) ExchangeRequest(code string, _ PKCE) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", w.cfg.RedirectURI)
	form.Set("client_id", w.cfg.ClientID)
	form.Set("client_secret", w.cfg.ClientSecret)
	return formRequest(w.cfg.TokenURL, form, AuthNone), nil
}

func (w *whoopProvider) RefreshRequest(refreshToken string) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", w.cfg.ClientID)
	form.Set("client_secret", w.cfg.ClientSecret)
	form.Set("scope", "offline")
	return formRequest(w.cfg.TokenURL, form, AuthNone), nil
}

func (w *whoopProvider) ParseToken(body []byte) (*TokenSet, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("whoop: token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("whoop: token response carries no access_token")
	}
	return &TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
	}, nil
}

func (w *whoopProvider) IdentityRequest() (APIRequest, bool) {
	return APIRequest{
		Method: http.MethodGet,
		URL:    w.cfg.APIBase + "/developer/v1/user/profile/basic",
		Auth:   AuthBearer,
	}, true
}

func (w *whoopProvider) ParseIdentity(body []byte) (string, error) {
	var profile struct {
		UserID json.Number `json:"user_id"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("whoop: profile: %w", err)
	}
	if profile.UserID.String() == "" {
		return "", fmt.Errorf("whoop: profile carries no user_id")
	}
	return profile.UserID.String(), nil
}

func (w *whoopProvider) RevokeRequest(string) (APIRequest, bool) {
	return APIRequest{
		Method: http.MethodDelete,
		URL:    w.cfg.APIBase + "/developer/v1/user/access",
		Auth:   AuthBearer,
	}, true
}

func (w *whoopProvider) Challenge(func(string) string) (int, []byte) {
	return http.StatusNoContent, nil
}

func (w *whoopProvider) VerifySignature(header func(string) string, body []byte, now time.Time) error {
	ts := header("X-WHOOP-Signature-Timestamp")
	got := header("X-WHOOP-Signature")
	if ts == "" || got == "" {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Whoop})
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Whoop, "reason": "bad timestamp"})
	}
	sent := time.UnixMilli(millis)
	if d := now.Sub(sent); d > whoopFreshness || d < -whoopFreshness {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Whoop, "reason": "stale timestamp"})
	}
	secret := w.cfg.WebhookSecret
	if secret == "" {
		secret = w.cfg.ClientSecret
	}
	want := hmacSHA256Base64(secret, []byte(ts), body)
	if !secureEqual(got, want) {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Whoop})
	}
	return nil
}

func (w *whoopProvider) RejectStatus() int { return http.StatusUnauthorized }

func (w *whoopProvider) NormalizeResponse(*APIResponse) {}

func (w *whoopProvider) ParseEvents(body []byte, _ string) ([]Event, error) {
	var note struct {
		UserID  json.Number `json:"user_id"`
		ID      json.Number `json:"id"`
		Type    string      `json:"type"`
		TraceID string      `json:"trace_id"`
	}
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("whoop: event body: %w", err)
	}
	dataType, eventType, ok := whoopEventType(note.Type)
	if !ok {
		return nil, fmt.Errorf("whoop: unknown event type %q", note.Type)
	}
	if note.ID.String() == "" {
		return nil, fmt.Errorf("whoop: event carries no object id")
	}
	return []Event{{
		Provider:       Whoop,
		ProviderUserID: note.UserID.String(),
		DataType:       dataType,
		EventType:      eventType,
		ObjectID:       note.ID.String(),
		ID:             note.TraceID,
	}}, nil
}

// whoopEventType splits "sleep.updated" style type tags.
func whoopEventType(tag string) (dataType, eventType string, ok bool) {
	parts := strings.SplitN(tag, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	switch parts[0] {
	case WhoopSleep, WhoopWorkout, WhoopRecovery:
		dataType = parts[0]
	default:
		return "", "", false
	}
	switch parts[1] {
	case "updated":
		eventType = EventUpdated
	case "deleted":
		eventType = EventDeleted
	default:
		return "", "", false
	}
	return dataType, eventType, true
}

func (w *whoopProvider) FetchRequest(ev Event) (APIRequest, error) {
	var path string
	switch ev.DataType {
	case WhoopSleep:
		path = "/developer/v1/activity/sleep/" + ev.ObjectID
	case WhoopWorkout:
		path = "/developer/v1/activity/workout/" + ev.ObjectID
	case WhoopRecovery:
		// recoveries are keyed by their cycle.
		path = "/developer/v1/cycle/" + ev.ObjectID + "/recovery"
	case WhoopCycle:
		path = "/developer/v1/cycle/" + ev.ObjectID
	default:
		return APIRequest{}, fmt.Errorf("whoop: no fetch route for data type %q", ev.DataType)
	}
	return APIRequest{Method: http.MethodGet, URL: w.cfg.APIBase + path, Auth: AuthBearer}, nil
}

func (w *whoopProvider) ParseFetch(ev Event, body []byte) ([]Document, error) {
	doc, err := whoopDocument(ev.DataType, body)
	if err != nil {
		return nil, err
	}
	return []Document{*doc}, nil
}

func (w *whoopProvider) BackfillRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error) {
	var path string
	switch dataType {
	case WhoopSleep:
		path = "/developer/v1/activity/sleep"
	case WhoopWorkout:
		path = "/developer/v1/activity/workout"
	case WhoopRecovery:
		path = "/developer/v1/recovery"
	case WhoopCycle:
		path = "/developer/v1/cycle"
	default:
		return APIRequest{}, fmt.Errorf("whoop: no backfill route for data type %q", dataType)
	}
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(w.cfg.PageSize))
	if cursor != "" {
		q.Set("nextToken", cursor)
	}
	return APIRequest{Method: http.MethodGet, URL: w.cfg.APIBase + path + "?" + q.Encode(), Auth: AuthBearer}, nil
}

func (w *whoopProvider) ParseBackfill(dataType string, _, _ time.Time, _ string, body []byte) ([]Document, string, error) {
	var page struct {
		Records   []json.RawMessage `json:"records"`
		NextToken *string           `json:"next_token"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("whoop: %s page: %w", dataType, err)
	}
	docs := make([]Document, 0, len(page.Records))
	for _, raw := range page.Records {
		doc, err := whoopDocument(dataType, raw)
		if err != nil {
			return nil, "", err
		}
		docs = append(docs, *doc)
	}
	next := ""
	if page.NextToken != nil {
		next = *page.NextToken
	}
	return docs, next, nil
}

func whoopDocument(dataType string, raw []byte) (*Document, error) {
	var head struct {
		ID      json.Number `json:"id"`
		CycleID json.Number `json:"cycle_id"`
		Start   string      `json:"start"`
		End     string      `json:"end"`
		Created string      `json:"created_at"`
		Score   *struct {
			Strain                     *float64 `json:"strain"`
			RecoveryScore              *float64 `json:"recovery_score"`
			SleepPerformancePercentage *float64 `json:"sleep_performance_percentage"`
		} `json:"score"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("whoop: %s document: %w", dataType, err)
	}
	id := head.ID.String()
	if dataType == WhoopRecovery {
		id = head.CycleID.String()
	}
	if id == "" {
		return nil, fmt.Errorf("whoop: %s document carries no id", dataType)
	}
	doc := &Document{DataType: dataType, DocumentID: id, Raw: raw}
	anchor := head.Start
	if anchor == "" {
		anchor = head.Created
	}
	if anchor != "" {
		if t, err := time.Parse(time.RFC3339, anchor); err == nil {
			doc.Start = t.UTC()
			doc.Day = t.UTC().Format(dayLayout)
			doc.End = doc.Start
		}
	}
	if head.End != "" {
		if t, err := time.Parse(time.RFC3339, head.End); err == nil {
			doc.End = t.UTC()
		}
	}
	if s := head.Score; s != nil {
		switch {
		case dataType == WhoopSleep && s.SleepPerformancePercentage != nil:
			doc.Summary = s.SleepPerformancePercentage
		case dataType == WhoopRecovery && s.RecoveryScore != nil:
			doc.Summary = s.RecoveryScore
		case s.Strain != nil:
			doc.Summary = s.Strain
		}
	}
	return doc, nil
}

func (w *whoopProvider) Extract(doc Document) ([]Metric, error) {
	switch doc.DataType {
	case WhoopSleep:
		var p struct {
			Score *struct {
				StageSummary *struct {
					LightMilli    float64 `json:"total_light_sleep_time_milli"`
					SlowWaveMilli float64 `json:"total_slow_wave_sleep_time_milli"`
					REMMilli      float64 `json:"total_rem_sleep_time_milli"`
				} `json:"stage_summary"`
				SleepPerformancePercentage *float64 `json:"sleep_performance_percentage"`
				SleepEfficiencyPercentage  *float64 `json:"sleep_efficiency_percentage"`
			} `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("whoop: sleep: %w", err)
		}
		if p.Score == nil {
			return nil, nil
		}
		var out []Metric
		if ss := p.Score.StageSummary; ss != nil {
			asleep := (ss.LightMilli + ss.SlowWaveMilli + ss.REMMilli) / 1000
			out = append(out, Metric{Type: MetricSleepDuration, Value: asleep, Unit: "s", Start: doc.Start, End: doc.End})
		}
		if p.Score.SleepPerformancePercentage != nil {
			out = append(out, Metric{Type: MetricSleepScore, Value: *p.Score.SleepPerformancePercentage, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if p.Score.SleepEfficiencyPercentage != nil {
			out = append(out, Metric{Type: MetricSleepEfficiency, Value: *p.Score.SleepEfficiencyPercentage, Unit: "pct", Start: doc.Start, End: doc.End})
		}
		return out, nil

	case WhoopWorkout:
		var p struct {
			Score *struct {
				Strain           *float64 `json:"strain"`
				AverageHeartRate *float64 `json:"average_heart_rate"`
				Kilojoule        *float64 `json:"kilojoule"`
				DistanceMeter    *float64 `json:"distance_meter"`
			} `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("whoop: workout: %w", err)
		}
		var out []Metric
		if doc.End.After(doc.Start) {
			out = append(out, Metric{Type: MetricWorkoutDuration, Value: doc.End.Sub(doc.Start).Seconds(), Unit: "s", Start: doc.Start, End: doc.End})
		}
		if p.Score == nil {
			return out, nil
		}
		if p.Score.Strain != nil {
			out = append(out, Metric{Type: MetricStrain, Value: *p.Score.Strain, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if p.Score.AverageHeartRate != nil {
			out = append(out, Metric{Type: MetricHeartRateAvg, Value: *p.Score.AverageHeartRate, Unit: "bpm", Start: doc.Start, End: doc.End})
		}
		if p.Score.Kilojoule != nil {
			out = append(out, Metric{Type: MetricWorkoutCalories, Value: *p.Score.Kilojoule / 4.184, Unit: "kcal", Start: doc.Start, End: doc.End})
		}
		if p.Score.DistanceMeter != nil {
			out = append(out, Metric{Type: MetricDistance, Value: *p.Score.DistanceMeter, Unit: "m", Start: doc.Start, End: doc.End})
		}
		return out, nil

	case WhoopRecovery:
		var p struct {
			Score *struct {
				RecoveryScore    *float64 `json:"recovery_score"`
				RestingHeartRate *float64 `json:"resting_heart_rate"`
				HRVRmssdMilli    *float64 `json:"hrv_rmssd_milli"`
			} `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("whoop: recovery: %w", err)
		}
		if p.Score == nil {
			return nil, nil
		}
		var out []Metric
		if p.Score.RecoveryScore != nil {
			out = append(out, Metric{Type: MetricRecoveryScore, Value: *p.Score.RecoveryScore, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if p.Score.RestingHeartRate != nil {
			out = append(out, Metric{Type: MetricRestingHeartRate, Value: *p.Score.RestingHeartRate, Unit: "bpm", Start: doc.Start, End: doc.End})
		}
		if p.Score.HRVRmssdMilli != nil {
			out = append(out, Metric{Type: MetricHRV, Value: *p.Score.HRVRmssdMilli, Unit: "ms", Start: doc.Start, End: doc.End})
		}
		return out, nil

	case WhoopCycle:
		var p struct {
			Score *struct {
				Strain    *float64 `json:"strain"`
				Kilojoule *float64 `json:"kilojoule"`
			} `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("whoop: cycle: %w", err)
		}
		if p.Score == nil {
			return nil, nil
		}
		var out []Metric
		if p.Score.Strain != nil {
			out = append(out, Metric{Type: MetricStrain, Value: *p.Score.Strain, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if p.Score.Kilojoule != nil {
			out = append(out, Metric{Type: MetricCalories, Value: *p.Score.Kilojoule / 4.184, Unit: "kcal", Start: doc.Start, End: doc.End})
		}
		return out, nil
	}
	return nil, fmt.Errorf("whoop: no extractor for data type %q", doc.DataType)
}
