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

// Withings data types.
const (
	WithingsMeasures   = "measures"
	WithingsActivities = "activities"
	WithingsSleep      = "sleep"
)

const withingsScopes = "user.metrics,user.activity"

// Withings measure type codes we extract.
const (
	withingsTypeWeight   = 1
	withingsTypeFatRatio = 6
)

// Notification appli codes.
const (
	withingsAppliMeasures   = "1"
	withingsAppliActivities = "16"
	withingsAppliSleep      = "44"
)

type withingsProvider struct {
	cfg ProviderConfig
}

// NewWithings builds the withings adapter. Withings tunnels errors through
// HTTP 200 with a status field in the response envelope, uses form-POST API
// calls, and notifies with form-encoded date-range pointers.
func NewWithings(cfg ProviderConfig) Provider {
	return &withingsProvider{cfg: cfg}
}

func (w *withingsProvider) Name() string { return Withings }

func (w *withingsProvider) DataTypes() []string {
	return []string{WithingsMeasures, WithingsActivities, WithingsSleep}
}

func (w *withingsProvider) AuthCodeURL(state string, _ PKCE) (string, error) {
	q := url.Values{}
	q.Set("client_id", w.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", withingsScopes)
	q.Set("redirect_uri", w.cfg.RedirectURI)
	q.Set("state", state)
	return w.cfg.AuthURL + "?" + q.Encode(), nil
}

func (w *withingsProvider) ExchangeRequest(code string, _ PKCE) (APIRequest, error) {
	form := url.Values{}
	form.Set("action", "requesttoken")
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", w.cfg.ClientID)
	form.Set("client_secret", w.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", w.cfg.RedirectURI)
	return formRequest(w.cfg.TokenURL, form, AuthNone), nil
}

func (w *withingsProvider) RefreshRequest(refreshToken string) (APIRequest, error) {
	form := url.Values{}
	form.Set("action", "requesttoken")
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", w.cfg.ClientID)
	form.Set("client_secret", w.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	return formRequest(w.cfg.TokenURL, form, AuthNone), nil
}

func (w *withingsProvider) ParseToken(body []byte) (*TokenSet, error) {
	var envelope struct {
		Status int `json:"status"`
		Body   struct {
			UserID       json.Number `json:"userid"`
			AccessToken  string      `json:"access_token"`
			RefreshToken string      `json:"refresh_token"`
			ExpiresIn    int64       `json:"expires_in"`
			Scope        string      `json:"scope"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("withings: token response: %w", err)
	}
	if envelope.Status != 0 {
		return nil, fmt.Errorf("withings: token request failed with status %d", envelope.Status)
	}
	if envelope.Body.AccessToken == "" {
		return nil, fmt.Errorf("withings: token response carries no access_token")
	}
	return &TokenSet{
		AccessToken:    envelope.Body.AccessToken,
		RefreshToken:   envelope.Body.RefreshToken,
		ExpiresIn:      envelope.Body.ExpiresIn,
		Scope:          envelope.Body.Scope,
		ProviderUserID: envelope.Body.UserID.String(),
	}, nil
}

func (w *withingsProvider) IdentityRequest() (APIRequest, bool) {
	// userid rides on the token envelope.
	return APIRequest{}, false
}

func (w *withingsProvider) ParseIdentity(body []byte) (string, error) {
	return "", fmt.Errorf("withings: identity comes from the token response")
}

func (w *withingsProvider) RevokeRequest(string) (APIRequest, bool) {
	// Revocation needs the signed-nonce flow; not worth it for best-effort.
	return APIRequest{}, false
}

func (w *withingsProvider) Challenge(func(string) string) (int, []byte) {
	return http.StatusNoContent, nil
}

func (w *withingsProvider) VerifySignature(header func(string) string, body []byte, _ time.Time) error {
	got := header("X-Withings-Signature")
	want := hmacSHA256Hex(w.cfg.WebhookSecret, body)
	if got == "" || !secureEqual(got, want) {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Withings})
	}
	return nil
}

func (w *withingsProvider) RejectStatus() int { return http.StatusUnauthorized }

// NormalizeResponse lifts the envelope's status field onto the transport so
// the client's retry/refresh logic sees real error codes. 401 means the
// access token is stale, 601 is their too-many-requests code.
func (w *withingsProvider) NormalizeResponse(resp *APIResponse) {
	if resp == nil || resp.Status != http.StatusOK {
		return
	}
	var envelope struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return
	}
	switch envelope.Status {
	case 0:
	case 401:
		resp.Status = http.StatusUnauthorized
	case 601:
		resp.Status = http.StatusTooManyRequests
	}
}

// ParseEvents reads the form-encoded notification: userid, startdate and
// enddate (unix seconds) plus the appli class code.
func (w *withingsProvider) ParseEvents(body []byte, contentType string) ([]Event, error) {
	if !strings.Contains(contentType, "application/x-www-form-urlencoded") {
		return nil, fmt.Errorf("withings: unexpected notification content type %q", contentType)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("withings: notification body: %w", err)
	}
	userID := form.Get("userid")
	startdate := form.Get("startdate")
	enddate := form.Get("enddate")
	if userID == "" || startdate == "" || enddate == "" {
		return nil, fmt.Errorf("withings: notification is missing userid or date range")
	}
	var dataType string
	switch form.Get("appli") {
	case withingsAppliMeasures:
		dataType = WithingsMeasures
	case withingsAppliActivities:
		dataType = WithingsActivities
	case withingsAppliSleep:
		dataType = WithingsSleep
	default:
		return nil, fmt.Errorf("withings: unhandled appli %q", form.Get("appli"))
	}
	start, err := strconv.ParseInt(startdate, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("withings: startdate %q: %w", startdate, err)
	}
	return []Event{{
		Provider:       Withings,
		ProviderUserID: userID,
		DataType:       dataType,
		EventType:      EventUpdated,
		ObjectID:       startdate + "-" + enddate,
		EventTime:      time.Unix(start, 0).UTC(),
	}}, nil
}

func (w *withingsProvider) FetchRequest(ev Event) (APIRequest, error) {
	start, end, err := withingsEventRange(ev.ObjectID)
	if err != nil {
		return APIRequest{}, err
	}
	return w.dataRequest(ev.DataType, start, end, "")
}

func (w *withingsProvider) ParseFetch(ev Event, body []byte) ([]Document, error) {
	docs, _, err := w.parsePage(ev.DataType, body)
	return docs, err
}

func (w *withingsProvider) BackfillRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error) {
	return w.dataRequest(dataType, start, end, cursor)
}

func (w *withingsProvider) ParseBackfill(dataType string, _, _ time.Time, _ string, body []byte) ([]Document, string, error) {
	return w.parsePage(dataType, body)
}

// dataRequest builds the form-POST the given data type is served from.
// Measures filter on unix seconds, the v2 endpoints on Y-M-D days.
func (w *withingsProvider) dataRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error) {
	form := url.Values{}
	var path string
	switch dataType {
	case WithingsMeasures:
		path = "/measure"
		form.Set("action", "getmeas")
		form.Set("category", "1")
		form.Set("meastypes", fmt.Sprintf("%d,%d", withingsTypeWeight, withingsTypeFatRatio))
		form.Set("startdate", strconv.FormatInt(start.Unix(), 10))
		form.Set("enddate", strconv.FormatInt(end.Unix(), 10))
	case WithingsActivities:
		path = "/v2/measure"
		form.Set("action", "getactivity")
		form.Set("startdateymd", start.UTC().Format(dayLayout))
		form.Set("enddateymd", end.UTC().Format(dayLayout))
	case WithingsSleep:
		path = "/v2/sleep"
		form.Set("action", "getsummary")
		form.Set("startdateymd", start.UTC().Format(dayLayout))
		form.Set("enddateymd", end.UTC().Format(dayLayout))
	default:
		return APIRequest{}, fmt.Errorf("withings: no data route for data type %q", dataType)
	}
	if cursor != "" {
		form.Set("offset", cursor)
	}
	req := formRequest(w.cfg.APIBase+path, form, AuthNone)
	req.Auth = AuthBearer
	return req, nil
}

func (w *withingsProvider) parsePage(dataType string, body []byte) ([]Document, string, error) {
	switch dataType {
	case WithingsMeasures:
		return withingsMeasureDocs(body)
	case WithingsActivities:
		return withingsActivityDocs(body)
	case WithingsSleep:
		return withingsSleepDocs(body)
	}
	return nil, "", fmt.Errorf("withings: no parser for data type %q", dataType)
}

type withingsMeasureGroup struct {
	GrpID    int64 `json:"grpid"`
	Date     int64 `json:"date"`
	Category int   `json:"category"`
	Measures []struct {
		Value int64 `json:"value"`
		Type  int   `json:"type"`
		Unit  int   `json:"unit"`
	} `json:"measures"`
}

func withingsMeasureDocs(body []byte) ([]Document, string, error) {
	var envelope struct {
		Status int `json:"status"`
		Body   struct {
			MeasureGrps []withingsMeasureGroup `json:"measuregrps"`
			More        int                    `json:"more"`
			Offset      int64                  `json:"offset"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("withings: measures page: %w", err)
	}
	if envelope.Status != 0 {
		return nil, "", fmt.Errorf("withings: measures page failed with status %d", envelope.Status)
	}
	docs := make([]Document, 0, len(envelope.Body.MeasureGrps))
	for _, grp := range envelope.Body.MeasureGrps {
		raw, err := json.Marshal(grp)
		if err != nil {
			return nil, "", err
		}
		at := time.Unix(grp.Date, 0).UTC()
		doc := Document{
			DataType:   WithingsMeasures,
			DocumentID: strconv.FormatInt(grp.GrpID, 10),
			Day:        at.Format(dayLayout),
			Start:      at,
			End:        at,
			Raw:        raw,
		}
		for _, m := range grp.Measures {
			if m.Type == withingsTypeWeight {
				doc.Summary = floatPtr(withingsValue(m.Value, m.Unit))
				break
			}
		}
		docs = append(docs, doc)
	}
	next := ""
	if envelope.Body.More != 0 {
		next = strconv.FormatInt(envelope.Body.Offset, 10)
	}
	return docs, next, nil
}

type withingsActivityDay struct {
	Date          string   `json:"date"`
	Steps         *float64 `json:"steps"`
	Distance      *float64 `json:"distance"`
	TotalCalories *float64 `json:"totalcalories"`
	Moderate      *float64 `json:"moderate"`
	Intense       *float64 `json:"intense"`
	HRAverage     *float64 `json:"hr_average"`
}

func withingsActivityDocs(body []byte) ([]Document, string, error) {
	var envelope struct {
		Status int `json:"status"`
		Body   struct {
			Activities []withingsActivityDay `json:"activities"`
			More       bool                  `json:"more"`
			Offset     int64                 `json:"offset"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("withings: activity page: %w", err)
	}
	if envelope.Status != 0 {
		return nil, "", fmt.Errorf("withings: activity page failed with status %d", envelope.Status)
	}
	docs := make([]Document, 0, len(envelope.Body.Activities))
	for _, day := range envelope.Body.Activities {
		start, end, err := dayBounds(day.Date)
		if err != nil {
			return nil, "", fmt.Errorf("withings: activity day %q: %w", day.Date, err)
		}
		raw, err := json.Marshal(day)
		if err != nil {
			return nil, "", err
		}
		doc := Document{
			DataType:   WithingsActivities,
			DocumentID: day.Date,
			Day:        day.Date,
			Start:      start,
			End:        end,
			Raw:        raw,
		}
		if day.Steps != nil {
			doc.Summary = day.Steps
		}
		docs = append(docs, doc)
	}
	next := ""
	if envelope.Body.More {
		next = strconv.FormatInt(envelope.Body.Offset, 10)
	}
	return docs, next, nil
}

type withingsSleepSummary struct {
	ID        int64  `json:"id"`
	Date      string `json:"date"`
	Startdate int64  `json:"startdate"`
	Enddate   int64  `json:"enddate"`
	Data      struct {
		TotalSleepTime *float64 `json:"total_sleep_time"`
		SleepScore     *float64 `json:"sleep_score"`
		HRAverage      *float64 `json:"hr_average"`
	} `json:"data"`
}

func withingsSleepDocs(body []byte) ([]Document, string, error) {
	var envelope struct {
		Status int `json:"status"`
		Body   struct {
			Series []withingsSleepSummary `json:"series"`
			More   bool                   `json:"more"`
			Offset int64                  `json:"offset"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("withings: sleep page: %w", err)
	}
	if envelope.Status != 0 {
		return nil, "", fmt.Errorf("withings: sleep page failed with status %d", envelope.Status)
	}
	docs := make([]Document, 0, len(envelope.Body.Series))
	for _, s := range envelope.Body.Series {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, "", err
		}
		doc := Document{
			DataType:   WithingsSleep,
			DocumentID: strconv.FormatInt(s.ID, 10),
			Day:        s.Date,
			Start:      time.Unix(s.Startdate, 0).UTC(),
			End:        time.Unix(s.Enddate, 0).UTC(),
			Raw:        raw,
		}
		if s.Data.SleepScore != nil {
			doc.Summary = s.Data.SleepScore
		}
		docs = append(docs, doc)
	}
	next := ""
	if envelope.Body.More {
		next = strconv.FormatInt(envelope.Body.Offset, 10)
	}
	return docs, next, nil
}

func (w *withingsProvider) Extract(doc Document) ([]Metric, error) {
	switch doc.DataType {
	case WithingsMeasures:
		var grp withingsMeasureGroup
		if err := json.Unmarshal(doc.Raw, &grp); err != nil {
			return nil, fmt.Errorf("withings: measure group: %w", err)
		}
		at := time.Unix(grp.Date, 0).UTC()
		var out []Metric
		for _, m := range grp.Measures {
			switch m.Type {
			case withingsTypeWeight:
				out = append(out, Metric{Type: MetricWeight, Value: withingsValue(m.Value, m.Unit), Unit: "kg", Start: at, End: at})
			case withingsTypeFatRatio:
				out = append(out, Metric{Type: MetricBodyFat, Value: withingsValue(m.Value, m.Unit), Unit: "pct", Start: at, End: at})
			}
		}
		return out, nil

	case WithingsActivities:
		var day withingsActivityDay
		if err := json.Unmarshal(doc.Raw, &day); err != nil {
			return nil, fmt.Errorf("withings: activity day: %w", err)
		}
		var out []Metric
		if day.Steps != nil {
			out = append(out, Metric{Type: MetricSteps, Value: *day.Steps, Unit: "count", Start: doc.Start, End: doc.End})
		}
		if day.Distance != nil {
			out = append(out, Metric{Type: MetricDistance, Value: *day.Distance, Unit: "m", Start: doc.Start, End: doc.End})
		}
		if day.TotalCalories != nil {
			out = append(out, Metric{Type: MetricCalories, Value: *day.TotalCalories, Unit: "kcal", Start: doc.Start, End: doc.End})
		}
		if day.Moderate != nil || day.Intense != nil {
			// moderate/intense are reported in seconds.
			var secs float64
			if day.Moderate != nil {
				secs += *day.Moderate
			}
			if day.Intense != nil {
				secs += *day.Intense
			}
			out = append(out, Metric{Type: MetricActiveMinutes, Value: secs / 60, Unit: "min", Start: doc.Start, End: doc.End})
		}
		if day.HRAverage != nil {
			out = append(out, Metric{Type: MetricHeartRateAvg, Value: *day.HRAverage, Unit: "bpm", Start: doc.Start, End: doc.End})
		}
		return out, nil

	case WithingsSleep:
		var s withingsSleepSummary
		if err := json.Unmarshal(doc.Raw, &s); err != nil {
			return nil, fmt.Errorf("withings: sleep summary: %w", err)
		}
		var out []Metric
		if s.Data.TotalSleepTime != nil {
			out = append(out, Metric{Type: MetricSleepDuration, Value: *s.Data.TotalSleepTime, Unit: "s", Start: doc.Start, End: doc.End})
		}
		if s.Data.SleepScore != nil {
			out = append(out, Metric{Type: MetricSleepScore, Value: *s.Data.SleepScore, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if s.Data.HRAverage != nil {
			out = append(out, Metric{Type: MetricHeartRateAvg, Value: *s.Data.HRAverage, Unit: "bpm", Start: doc.Start, End: doc.End})
		}
		return out, nil
	}
	return nil, fmt.Errorf("withings: no extractor for data type %q", doc.DataType)
}

// withingsValue decodes the fixed-point (value, unit-exponent) measure form.
func withingsValue(value int64, unit int) float64 {
	v := float64(value)
	for unit > 0 {
		v *= 10
		unit--
	}
	for unit < 0 {
		v /= 10
		unit++
	}
	return v
}

func withingsEventRange(objectID string) (time.Time, time.Time, error) {
	parts := strings.SplitN(objectID, "-", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("withings: event range %q", objectID)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("withings: event range start %q: %w", parts[0], err)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("withings: event range end %q: %w", parts[1], err)
	}
	return time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC(), nil
}
