package wearables

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigorhq/vigor/apperr"
)

// Fitbit data types. These match the subscription API's collection names so
// webhook notifications map onto them directly.
const (
	FitbitActivities = "activities"
	FitbitSleep      = "sleep"
	FitbitBody       = "body"
)

const fitbitScopes = "activity heartrate sleep weight profile"

// Range endpoints cap how many days one call may span; weight logs are the
// tightest at 31 days.
const (
	fitbitRangeDays     = 90
	fitbitBodyRangeDays = 30
)

type fitbitProvider struct {
	cfg ProviderConfig
}

// NewFitbit builds the fitbit adapter. Fitbit mandates PKCE on the code
// exchange, rotates refresh tokens on every refresh, and signs webhook
// deliveries with HMAC-SHA1 keyed by the client secret plus a trailing "&".
func NewFitbit(cfg ProviderConfig) Provider {
	return &fitbitProvider{cfg: cfg}
}

func (f *fitbitProvider) Name() string { return Fitbit }

func (f *fitbitProvider) DataTypes() []string {
	return []string{FitbitActivities, FitbitSleep, FitbitBody}
}

func (f *fitbitProvider) AuthCodeURL(state string, pkce PKCE) (string, error) {
	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", fitbitScopes)
	q.Set("redirect_uri", f.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	return f.cfg.AuthURL + "?" + q.Encode(), nil
}

func (f *fitbitProvider) ExchangeRequest(code string, pkce PKCE) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("code_verifier", pkce.Verifier)
	form.Set("client_id", f.cfg.ClientID)
	return formRequest(f.cfg.TokenURL, form, AuthBasic), nil
}

func (f *fitbitProvider) RefreshRequest(refreshToken string) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return formRequest(f.cfg.TokenURL, form, AuthBasic), nil
}

func (f *fitbitProvider) ParseToken(body []byte) (*TokenSet, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
		UserID       string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("fitbit: token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("fitbit: token response carries no access_token")
	}
	return &TokenSet{
		AccessToken:    resp.AccessToken,
		RefreshToken:   resp.RefreshToken,
		ExpiresIn:      resp.ExpiresIn,
		Scope:          resp.Scope,
		ProviderUserID: resp.UserID,
	}, nil
}

func (f *fitbitProvider) IdentityRequest() (APIRequest, bool) {
	// user_id rides on the token response.
	return APIRequest{}, false
}

func (f *fitbitProvider) ParseIdentity(body []byte) (string, error) {
	return "", fmt.Errorf("fitbit: identity comes from the token response")
}

func (f *fitbitProvider) RevokeRequest(accessToken string) (APIRequest, bool) {
	form := url.Values{}
	form.Set("token", accessToken)
	return formRequest(f.cfg.APIBase+"/oauth2/revoke", form, AuthBasic), true
}

// Challenge answers the subscriber verification probe: the configured verify
// code gets 204, anything else 404, exactly as the subscription API expects.
func (f *fitbitProvider) Challenge(query func(string) string) (int, []byte) {
	v := query("verify")
	if v != "" && f.cfg.VerificationCode != "" && secureEqual(v, f.cfg.VerificationCode) {
		return http.StatusNoContent, nil
	}
	return http.StatusNotFound, nil
}

func (f *fitbitProvider) VerifySignature(header func(string) string, body []byte, _ time.Time) error {
	got := header("X-Fitbit-Signature")
	want := hmacSHA1Base64(f.cfg.ClientSecret+"&", body)
	if got == "" || !secureEqual(got, want) {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Fitbit})
	}
	return nil
}

func (f *fitbitProvider) RejectStatus() int { return http.StatusNotFound }

func (f *fitbitProvider) NormalizeResponse(*APIResponse) {}

// ParseEvents reads the notification array. Fitbit pings carry no payload
// and no delivery id, only (owner, collection, date); same-day re-pings
// therefore dedupe onto one event and the reconciler window keeps the day
// fresh afterwards.
func (f *fitbitProvider) ParseEvents(body []byte, _ string) ([]Event, error) {
	var notes []struct {
		CollectionType string `json:"collectionType"`
		Date           string `json:"date"`
		OwnerID        string `json:"ownerId"`
		OwnerType      string `json:"ownerType"`
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(body, &notes); err != nil {
		return nil, fmt.Errorf("fitbit: notification body: %w", err)
	}
	events := make([]Event, 0, len(notes))
	for _, n := range notes {
		if !fitbitCollection(n.CollectionType) {
			log.WithField("collection", n.CollectionType).Info("fitbit: skipping unhandled collection")
			continue
		}
		day, err := parseDay(n.Date)
		if err != nil {
			return nil, fmt.Errorf("fitbit: notification date %q: %w", n.Date, err)
		}
		events = append(events, Event{
			Provider:       Fitbit,
			ProviderUserID: n.OwnerID,
			DataType:       n.CollectionType,
			EventType:      EventUpdated,
			ObjectID:       n.Date,
			EventTime:      day.UTC(),
		})
	}
	return events, nil
}

func fitbitCollection(name string) bool {
	switch name {
	case FitbitActivities, FitbitSleep, FitbitBody:
		return true
	}
	return false
}

func (f *fitbitProvider) FetchRequest(ev Event) (APIRequest, error) {
	var path string
	switch ev.DataType {
	case FitbitActivities:
		path = fmt.Sprintf("/1/user/-/activities/date/%s.json", ev.ObjectID)
	case FitbitSleep:
		path = fmt.Sprintf("/1.2/user/-/sleep/date/%s.json", ev.ObjectID)
	case FitbitBody:
		path = fmt.Sprintf("/1/user/-/body/log/weight/date/%s.json", ev.ObjectID)
	default:
		return APIRequest{}, fmt.Errorf("fitbit: no fetch route for data type %q", ev.DataType)
	}
	return APIRequest{Method: http.MethodGet, URL: f.cfg.APIBase + path, Auth: AuthBearer}, nil
}

func (f *fitbitProvider) ParseFetch(ev Event, body []byte) ([]Document, error) {
	start, end, err := dayBounds(ev.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("fitbit: document day %q: %w", ev.ObjectID, err)
	}
	doc := &Document{
		DataType:   ev.DataType,
		DocumentID: ev.ObjectID,
		Day:        ev.ObjectID,
		Start:      start,
		End:        end,
		Raw:        body,
	}
	switch ev.DataType {
	case FitbitActivities:
		var p fitbitDailyActivity
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("fitbit: daily activity: %w", err)
		}
		if p.Summary != nil {
			doc.Summary = floatPtr(float64(p.Summary.Steps))
		}
	case FitbitSleep:
		var p fitbitSleepLogs
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("fitbit: sleep logs: %w", err)
		}
		if p.Summary != nil {
			doc.Summary = floatPtr(float64(p.Summary.TotalMinutesAsleep) * 60)
		}
	case FitbitBody:
		var p fitbitWeightLogs
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("fitbit: weight logs: %w", err)
		}
		if len(p.Weight) > 0 {
			doc.Summary = floatPtr(p.Weight[len(p.Weight)-1].Weight)
		}
	default:
		return nil, fmt.Errorf("fitbit: no parser for data type %q", ev.DataType)
	}
	return []Document{*doc}, nil
}

func (f *fitbitProvider) BackfillRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error) {
	from, to, err := fitbitChunk(dataType, start, end, cursor)
	if err != nil {
		return APIRequest{}, err
	}
	var path string
	switch dataType {
	case FitbitActivities:
		path = fmt.Sprintf("/1/user/-/activities/steps/date/%s/%s.json", from.Format(dayLayout), to.Format(dayLayout))
	case FitbitSleep:
		path = fmt.Sprintf("/1.2/user/-/sleep/date/%s/%s.json", from.Format(dayLayout), to.Format(dayLayout))
	case FitbitBody:
		path = fmt.Sprintf("/1/user/-/body/log/weight/date/%s/%s.json", from.Format(dayLayout), to.Format(dayLayout))
	default:
		return APIRequest{}, fmt.Errorf("fitbit: no backfill route for data type %q", dataType)
	}
	return APIRequest{Method: http.MethodGet, URL: f.cfg.APIBase + path, Auth: AuthBearer}, nil
}

func (f *fitbitProvider) ParseBackfill(dataType string, start, end time.Time, cursor string, body []byte) ([]Document, string, error) {
	_, to, err := fitbitChunk(dataType, start, end, cursor)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if n := to.AddDate(0, 0, 1); !n.After(end) {
		next = n.Format(dayLayout)
	}

	var docs []Document
	switch dataType {
	case FitbitActivities:
		docs, err = fitbitStepDocs(body)
	case FitbitSleep:
		docs, err = fitbitSleepDocs(body)
	case FitbitBody:
		docs, err = fitbitWeightDocs(body)
	default:
		return nil, "", fmt.Errorf("fitbit: no backfill parser for data type %q", dataType)
	}
	if err != nil {
		return nil, "", err
	}
	return docs, next, nil
}

// fitbitStepDocs turns the steps time series into one document per day. The
// range endpoints don't serve the full daily summary, so backfilled activity
// days carry steps only; a later webhook fetch enriches them.
func fitbitStepDocs(body []byte) ([]Document, error) {
	var series fitbitStepSeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("fitbit: steps series: %w", err)
	}
	docs := make([]Document, 0, len(series.Steps))
	for _, p := range series.Steps {
		start, end, err := dayBounds(p.DateTime)
		if err != nil {
			return nil, fmt.Errorf("fitbit: series day %q: %w", p.DateTime, err)
		}
		raw, err := json.Marshal(fitbitStepSeries{Steps: []fitbitSeriesPoint{p}})
		if err != nil {
			return nil, err
		}
		doc := Document{
			DataType:   FitbitActivities,
			DocumentID: p.DateTime,
			Day:        p.DateTime,
			Start:      start,
			End:        end,
			Raw:        raw,
		}
		if v, err := strconv.ParseFloat(p.Value, 64); err == nil {
			doc.Summary = floatPtr(v)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func fitbitSleepDocs(body []byte) ([]Document, error) {
	var p fitbitSleepLogs
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("fitbit: sleep range: %w", err)
	}
	byDay := map[string][]fitbitSleepLog{}
	for _, s := range p.Sleep {
		byDay[s.DateOfSleep] = append(byDay[s.DateOfSleep], s)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	docs := make([]Document, 0, len(days))
	for _, day := range days {
		logs := byDay[day]
		start, end, err := dayBounds(day)
		if err != nil {
			return nil, fmt.Errorf("fitbit: sleep day %q: %w", day, err)
		}
		raw, err := json.Marshal(fitbitSleepLogs{Sleep: logs})
		if err != nil {
			return nil, err
		}
		total := 0
		for _, l := range logs {
			total += l.MinutesAsleep
		}
		docs = append(docs, Document{
			DataType:   FitbitSleep,
			DocumentID: day,
			Day:        day,
			Start:      start,
			End:        end,
			Summary:    floatPtr(float64(total) * 60),
			Raw:        raw,
		})
	}
	return docs, nil
}

func fitbitWeightDocs(body []byte) ([]Document, error) {
	var p fitbitWeightLogs
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("fitbit: weight range: %w", err)
	}
	byDay := map[string][]fitbitWeightLog{}
	for _, w := range p.Weight {
		byDay[w.Date] = append(byDay[w.Date], w)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	docs := make([]Document, 0, len(days))
	for _, day := range days {
		logs := byDay[day]
		start, end, err := dayBounds(day)
		if err != nil {
			return nil, fmt.Errorf("fitbit: weight day %q: %w", day, err)
		}
		raw, err := json.Marshal(fitbitWeightLogs{Weight: logs})
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{
			DataType:   FitbitBody,
			DocumentID: day,
			Day:        day,
			Start:      start,
			End:        end,
			Summary:    floatPtr(logs[len(logs)-1].Weight),
			Raw:        raw,
		})
	}
	return docs, nil
}

func (f *fitbitProvider) Extract(doc Document) ([]Metric, error) {
	switch doc.DataType {
	case FitbitActivities:
		return extractFitbitActivity(doc)
	case FitbitSleep:
		return extractFitbitSleep(doc)
	case FitbitBody:
		return extractFitbitBody(doc)
	}
	return nil, fmt.Errorf("fitbit: no extractor for data type %q", doc.DataType)
}

func extractFitbitActivity(doc Document) ([]Metric, error) {
	var day fitbitDailyActivity
	if err := json.Unmarshal(doc.Raw, &day); err != nil {
		return nil, fmt.Errorf("fitbit: daily activity: %w", err)
	}
	if s := day.Summary; s != nil {
		out := []Metric{
			{Type: MetricSteps, Value: float64(s.Steps), Unit: "count", Start: doc.Start, End: doc.End},
			{Type: MetricCalories, Value: s.CaloriesOut, Unit: "kcal", Start: doc.Start, End: doc.End},
			{Type: MetricActiveMinutes, Value: float64(s.VeryActiveMinutes + s.FairlyActiveMinutes), Unit: "min", Start: doc.Start, End: doc.End},
		}
		if s.RestingHeartRate != nil {
			out = append(out, Metric{Type: MetricRestingHeartRate, Value: float64(*s.RestingHeartRate), Unit: "bpm", Start: doc.Start, End: doc.End})
		}
		for _, d := range s.Distances {
			if d.Activity == "total" {
				out = append(out, Metric{Type: MetricDistance, Value: d.Distance * 1000, Unit: "m", Start: doc.Start, End: doc.End})
			}
		}
		return out, nil
	}

	// Backfilled days carry the steps series shape instead.
	var series fitbitStepSeries
	if err := json.Unmarshal(doc.Raw, &series); err != nil {
		return nil, fmt.Errorf("fitbit: steps series: %w", err)
	}
	var out []Metric
	for _, p := range series.Steps {
		v, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			continue
		}
		out = append(out, Metric{Type: MetricSteps, Value: v, Unit: "count", Start: doc.Start, End: doc.End})
	}
	return out, nil
}

func extractFitbitSleep(doc Document) ([]Metric, error) {
	var p fitbitSleepLogs
	if err := json.Unmarshal(doc.Raw, &p); err != nil {
		return nil, fmt.Errorf("fitbit: sleep logs: %w", err)
	}
	total := 0
	if p.Summary != nil {
		total = p.Summary.TotalMinutesAsleep
	} else {
		for _, l := range p.Sleep {
			total += l.MinutesAsleep
		}
	}
	if total == 0 && len(p.Sleep) == 0 {
		return nil, nil
	}
	out := []Metric{
		{Type: MetricSleepDuration, Value: float64(total) * 60, Unit: "s", Start: doc.Start, End: doc.End},
	}
	for _, l := range p.Sleep {
		if !l.IsMainSleep || l.Efficiency == nil {
			continue
		}
		start, end := doc.Start, doc.End
		if s, err := time.Parse(fitbitTimeLayout, l.StartTime); err == nil {
			start = s.UTC()
		}
		if e, err := time.Parse(fitbitTimeLayout, l.EndTime); err == nil {
			end = e.UTC()
		}
		out = append(out, Metric{Type: MetricSleepEfficiency, Value: float64(*l.Efficiency), Unit: "pct", Start: start, End: end})
	}
	return out, nil
}

func extractFitbitBody(doc Document) ([]Metric, error) {
	var p fitbitWeightLogs
	if err := json.Unmarshal(doc.Raw, &p); err != nil {
		return nil, fmt.Errorf("fitbit: weight logs: %w", err)
	}
	var out []Metric
	for _, w := range p.Weight {
		ts := doc.Start
		if t, err := time.Parse(dayLayout+" 15:04:05", w.Date+" "+w.Time); err == nil {
			ts = t.UTC()
		}
		out = append(out, Metric{Type: MetricWeight, Value: w.Weight, Unit: "kg", Start: ts, End: ts})
		if w.Fat != nil {
			out = append(out, Metric{Type: MetricBodyFat, Value: *w.Fat, Unit: "pct", Start: ts, End: ts})
		}
	}
	return out, nil
}

func fitbitChunk(dataType string, start, end time.Time, cursor string) (time.Time, time.Time, error) {
	from := start
	if cursor != "" {
		parsed, err := parseDay(cursor)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("fitbit: backfill cursor %q: %w", cursor, err)
		}
		from = parsed
	}
	days := fitbitRangeDays
	if dataType == FitbitBody {
		days = fitbitBodyRangeDays
	}
	to := from.AddDate(0, 0, days-1)
	if to.After(end) {
		to = end
	}
	return from, to, nil
}

const fitbitTimeLayout = "2006-01-02T15:04:05.000"

type fitbitDailyActivity struct {
	Summary *struct {
		Steps               int     `json:"steps"`
		CaloriesOut         float64 `json:"caloriesOut"`
		VeryActiveMinutes   int     `json:"veryActiveMinutes"`
		FairlyActiveMinutes int     `json:"fairlyActiveMinutes"`
		RestingHeartRate    *int    `json:"restingHeartRate"`
		Distances           []struct {
			Activity string  `json:"activity"`
			Distance float64 `json:"distance"`
		} `json:"distances"`
	} `json:"summary"`
}

type fitbitSleepLog struct {
	DateOfSleep   string `json:"dateOfSleep"`
	Efficiency    *int   `json:"efficiency,omitempty"`
	MinutesAsleep int    `json:"minutesAsleep"`
	IsMainSleep   bool   `json:"isMainSleep"`
	StartTime     string `json:"startTime,omitempty"`
	EndTime       string `json:"endTime,omitempty"`
}

type fitbitSleepLogs struct {
	Sleep   []fitbitSleepLog `json:"sleep"`
	Summary *struct {
		TotalMinutesAsleep int `json:"totalMinutesAsleep"`
		TotalTimeInBed     int `json:"totalTimeInBed"`
	} `json:"summary,omitempty"`
}

type fitbitWeightLog struct {
	Date   string   `json:"date"`
	Time   string   `json:"time"`
	Weight float64  `json:"weight"`
	Fat    *float64 `json:"fat,omitempty"`
	LogID  int64    `json:"logId"`
}

type fitbitWeightLogs struct {
	Weight []fitbitWeightLog `json:"weight"`
}

type fitbitSeriesPoint struct {
	DateTime string `json:"dateTime"`
	Value    string `json:"value"`
}

type fitbitStepSeries struct {
	Steps []fitbitSeriesPoint `json:"activities-steps"`
}
