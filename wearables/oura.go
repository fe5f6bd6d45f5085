package wearables

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigorhq/vigor/apperr"
)

// Oura v2 usercollection data types.
const (
	OuraDailySleep     = "daily_sleep"
	OuraDailyActivity  = "daily_activity"
	OuraDailyReadiness = "daily_readiness"
	OuraWorkout        = "workout"
)

const ouraScopes = "personal daily heartrate workout session"

type ouraProvider struct {
	cfg ProviderConfig
}

// NewOura builds the oura adapter. Oura is the one vendor whose webhook
// deliveries may embed the changed document, saving the follow-up fetch.
func NewOura(cfg ProviderConfig) Provider {
	return &ouraProvider{cfg: cfg}
}

func (o *ouraProvider) Name() string { return Oura }

func (o *ouraProvider) DataTypes() []string {
	return []string{OuraDailySleep, OuraDailyActivity, OuraDailyReadiness, OuraWorkout}
}

func (o *ouraProvider) AuthCodeURL(state string, _ PKCE) (string, error) {
	q := url.Values{}
	q.Set("client_id", o.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", ouraScopes)
	q.Set("redirect_uri", o.cfg.RedirectURI)
	q.Set("state", state)
	return o.cfg.AuthURL + "?" + q.Encode(), nil
}

func (o *ouraProvider) ExchangeRequest(code string, _ PKCE) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", o.cfg.RedirectURI)
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)
	return formRequest(o.cfg.TokenURL, form, AuthNone), nil
}

func (o *ouraProvider) RefreshRequest(refreshToken string) (APIRequest, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)
	return formRequest(o.cfg.TokenURL, form, AuthNone), nil
}

func (o *ouraProvider) ParseToken(body []byte) (*TokenSet, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("oura: token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("oura: token response carries no access_token")
	}
	return &TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
	}, nil
}

func (o *ouraProvider) IdentityRequest() (APIRequest, bool) {
	return APIRequest{
		Method: http.MethodGet,
		URL:    o.cfg.APIBase + "/v2/usercollection/personal_info",
		Auth:   AuthBearer,
	}, true
}

func (o *ouraProvider) ParseIdentity(body []byte) (string, error) {
	var info struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("oura: personal_info: %w", err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("oura: personal_info carries no id")
	}
	return info.ID, nil
}

func (o *ouraProvider) RevokeRequest(accessToken string) (APIRequest, bool) {
	form := url.Values{}
	form.Set("access_token", accessToken)
	return formRequest(o.cfg.APIBase+"/oauth/revoke", form, AuthNone), true
}

// Challenge answers the subscription verification probe: oura sends a
// verification_token plus a challenge and expects the challenge echoed back
// as JSON when the token matches.
func (o *ouraProvider) Challenge(query func(string) string) (int, []byte) {
	token := query("verification_token")
	challenge := query("challenge")
	if token == "" || o.cfg.VerificationCode == "" || !secureEqual(token, o.cfg.VerificationCode) {
		return http.StatusUnauthorized, nil
	}
	body, err := json.Marshal(map[string]string{"challenge": challenge})
	if err != nil {
		return http.StatusInternalServerError, nil
	}
	return http.StatusOK, body
}

func (o *ouraProvider) VerifySignature(header func(string) string, body []byte, _ time.Time) error {
	got := header("X-Oura-Signature")
	want := hmacSHA256Hex(o.cfg.WebhookSecret, body)
	if got == "" || !secureEqual(got, want) {
		return apperr.WithFields(apperr.ErrInvalidSignature, map[string]any{"provider": Oura})
	}
	return nil
}

func (o *ouraProvider) RejectStatus() int { return http.StatusUnauthorized }

func (o *ouraProvider) NormalizeResponse(*APIResponse) {}

func (o *ouraProvider) ParseEvents(body []byte, _ string) ([]Event, error) {
	var note struct {
		EventType string          `json:"event_type"`
		DataType  string          `json:"data_type"`
		ObjectID  string          `json:"object_id"`
		EventTime string          `json:"event_time"`
		UserID    string          `json:"user_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("oura: event body: %w", err)
	}
	if note.DataType == "" || note.ObjectID == "" {
		return nil, fmt.Errorf("oura: event is missing data_type or object_id")
	}
	ev := Event{
		Provider:       Oura,
		ProviderUserID: note.UserID,
		DataType:       note.DataType,
		ObjectID:       note.ObjectID,
	}
	switch note.EventType {
	case "create":
		ev.EventType = EventCreated
	case "update":
		ev.EventType = EventUpdated
	case "delete":
		ev.EventType = EventDeleted
	default:
		return nil, fmt.Errorf("oura: unknown event_type %q", note.EventType)
	}
	if note.EventTime != "" {
		t, err := time.Parse(time.RFC3339, note.EventTime)
		if err != nil {
			return nil, fmt.Errorf("oura: event_time %q: %w", note.EventTime, err)
		}
		ev.EventTime = t.UTC()
	}
	if len(note.Data) > 0 && ev.EventType != EventDeleted {
		doc, err := ouraDocument(note.DataType, note.ObjectID, note.Data)
		if err != nil {
			return nil, err
		}
		ev.Embedded = doc
	}
	return []Event{ev}, nil
}

func (o *ouraProvider) FetchRequest(ev Event) (APIRequest, error) {
	if !ouraDataType(ev.DataType) {
		return APIRequest{}, fmt.Errorf("oura: no fetch route for data type %q", ev.DataType)
	}
	return APIRequest{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v2/usercollection/%s/%s", o.cfg.APIBase, ev.DataType, ev.ObjectID),
		Auth:   AuthBearer,
	}, nil
}

func (o *ouraProvider) ParseFetch(ev Event, body []byte) ([]Document, error) {
	doc, err := ouraDocument(ev.DataType, ev.ObjectID, body)
	if err != nil {
		return nil, err
	}
	return []Document{*doc}, nil
}

func (o *ouraProvider) BackfillRequest(dataType string, start, end time.Time, cursor string) (APIRequest, error) {
	if !ouraDataType(dataType) {
		return APIRequest{}, fmt.Errorf("oura: no backfill route for data type %q", dataType)
	}
	q := url.Values{}
	q.Set("start_date", start.Format(dayLayout))
	q.Set("end_date", end.Format(dayLayout))
	if cursor != "" {
		q.Set("next_token", cursor)
	}
	return APIRequest{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v2/usercollection/%s?%s", o.cfg.APIBase, dataType, q.Encode()),
		Auth:   AuthBearer,
	}, nil
}

func (o *ouraProvider) ParseBackfill(dataType string, _, _ time.Time, _ string, body []byte) ([]Document, string, error) {
	var page struct {
		Data      []json.RawMessage `json:"data"`
		NextToken *string           `json:"next_token"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("oura: %s page: %w", dataType, err)
	}
	docs := make([]Document, 0, len(page.Data))
	for _, raw := range page.Data {
		doc, err := ouraDocument(dataType, "", raw)
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

// ouraDocument normalizes one usercollection object. objectID overrides the
// payload id when the caller already knows it (webhook pointers).
func ouraDocument(dataType, objectID string, raw []byte) (*Document, error) {
	var head struct {
		ID            string   `json:"id"`
		Day           string   `json:"day"`
		Score         *float64 `json:"score"`
		Calories      *float64 `json:"calories"`
		StartDatetime string   `json:"start_datetime"`
		EndDatetime   string   `json:"end_datetime"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("oura: %s document: %w", dataType, err)
	}
	id := head.ID
	if objectID != "" {
		id = objectID
	}
	if id == "" {
		return nil, fmt.Errorf("oura: %s document carries no id", dataType)
	}
	doc := &Document{
		DataType:   dataType,
		DocumentID: id,
		Day:        head.Day,
		Raw:        raw,
	}
	if head.Day != "" {
		start, end, err := dayBounds(head.Day)
		if err != nil {
			return nil, fmt.Errorf("oura: %s day %q: %w", dataType, head.Day, err)
		}
		doc.Start, doc.End = start, end
	}
	if head.StartDatetime != "" {
		if t, err := time.Parse(time.RFC3339, head.StartDatetime); err == nil {
			doc.Start = t.UTC()
		}
	}
	if head.EndDatetime != "" {
		if t, err := time.Parse(time.RFC3339, head.EndDatetime); err == nil {
			doc.End = t.UTC()
		}
	}
	switch {
	case head.Score != nil:
		doc.Summary = head.Score
	case dataType == OuraWorkout && head.Calories != nil:
		doc.Summary = head.Calories
	}
	return doc, nil
}

func ouraDataType(name string) bool {
	switch name {
	case OuraDailySleep, OuraDailyActivity, OuraDailyReadiness, OuraWorkout:
		return true
	}
	return false
}

func (o *ouraProvider) Extract(doc Document) ([]Metric, error) {
	switch doc.DataType {
	case OuraDailySleep:
		var p struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("oura: daily_sleep: %w", err)
		}
		if p.Score == nil {
			return nil, nil
		}
		return []Metric{{Type: MetricSleepScore, Value: *p.Score, Unit: "score", Start: doc.Start, End: doc.End}}, nil

	case OuraDailyActivity:
		var p struct {
			Score                     *float64 `json:"score"`
			Steps                     *float64 `json:"steps"`
			TotalCalories             *float64 `json:"total_calories"`
			EquivalentWalkingDistance *float64 `json:"equivalent_walking_distance"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("oura: daily_activity: %w", err)
		}
		var out []Metric
		if p.Score != nil {
			out = append(out, Metric{Type: MetricActivityScore, Value: *p.Score, Unit: "score", Start: doc.Start, End: doc.End})
		}
		if p.Steps != nil {
			out = append(out, Metric{Type: MetricSteps, Value: *p.Steps, Unit: "count", Start: doc.Start, End: doc.End})
		}
		if p.TotalCalories != nil {
			out = append(out, Metric{Type: MetricCalories, Value: *p.TotalCalories, Unit: "kcal", Start: doc.Start, End: doc.End})
		}
		if p.EquivalentWalkingDistance != nil {
			out = append(out, Metric{Type: MetricDistance, Value: *p.EquivalentWalkingDistance, Unit: "m", Start: doc.Start, End: doc.End})
		}
		return out, nil

	case OuraDailyReadiness:
		var p struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("oura: daily_readiness: %w", err)
		}
		if p.Score == nil {
			return nil, nil
		}
		return []Metric{{Type: MetricReadinessScore, Value: *p.Score, Unit: "score", Start: doc.Start, End: doc.End}}, nil

	case OuraWorkout:
		var p struct {
			Calories      *float64 `json:"calories"`
			Distance      *float64 `json:"distance"`
			StartDatetime string   `json:"start_datetime"`
			EndDatetime   string   `json:"end_datetime"`
		}
		if err := json.Unmarshal(doc.Raw, &p); err != nil {
			return nil, fmt.Errorf("oura: workout: %w", err)
		}
		var out []Metric
		start, serr := time.Parse(time.RFC3339, p.StartDatetime)
		end, eerr := time.Parse(time.RFC3339, p.EndDatetime)
		if serr == nil && eerr == nil && end.After(start) {
			out = append(out, Metric{Type: MetricWorkoutDuration, Value: end.Sub(start).Seconds(), Unit: "s", Start: start.UTC(), End: end.UTC()})
		}
		if p.Calories != nil {
			out = append(out, Metric{Type: MetricWorkoutCalories, Value: *p.Calories, Unit: "kcal", Start: doc.Start, End: doc.End})
		}
		if p.Distance != nil {
			out = append(out, Metric{Type: MetricDistance, Value: *p.Distance, Unit: "m", Start: doc.Start, End: doc.End})
		}
		return out, nil
	}
	return nil, fmt.Errorf("oura: no extractor for data type %q", doc.DataType)
}
