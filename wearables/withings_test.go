package wearables

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vigorhq/vigor/apperr"
)

func withingsForTest() Provider {
	return NewWithings(ProviderConfig{
		ClientID:      "withings-client",
		ClientSecret:  "withings-secret",
		WebhookSecret: "withings-hook-secret",
		APIBase:       "https://wbsapi.example",
	})
}

func TestWithingsNormalizeResponseTunnelsEnvelopeStatus(t *testing.T) {
	w := withingsForTest()
	cases := []struct {
		name   string
		status int
		body   string
		want   int
	}{
		{"envelope ok", http.StatusOK, `{"status":0,"body":{}}`, http.StatusOK},
		{"stale token", http.StatusOK, `{"status":401,"error":"invalid token"}`, http.StatusUnauthorized},
		{"rate limited", http.StatusOK, `{"status":601}`, http.StatusTooManyRequests},
		{"other envelope status left to the parser", http.StatusOK, `{"status":503}`, http.StatusOK},
		{"transport error untouched", http.StatusBadGateway, `{"status":401}`, http.StatusBadGateway},
		{"unparseable body untouched", http.StatusOK, `<html>`, http.StatusOK},
	}
	for _, tc := range cases {
		resp := &APIResponse{Status: tc.status, Body: []byte(tc.body)}
		w.NormalizeResponse(resp)
		if resp.Status != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.Status, tc.want)
		}
	}
	w.NormalizeResponse(nil)
}

func TestWithingsValueFixedPoint(t *testing.T) {
	cases := []struct {
		value int64
		unit  int
		want  float64
	}{
		{80500, -3, 80.5},
		{2350, -2, 23.5},
		{72, 0, 72},
		{5, 2, 500},
		{-1200, -2, -12},
	}
	for _, tc := range cases {
		if got := withingsValue(tc.value, tc.unit); got != tc.want {
			t.Errorf("withingsValue(%d, %d) = %v, want %v", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestWithingsMeasureDocsAndExtract(t *testing.T) {
	w := withingsForTest()
	body := []byte(`{"status":0,"body":{"measuregrps":[{"grpid":368,"date":1786665600,"category":1,"measures":[{"value":80500,"type":1,"unit":-3},{"value":2210,"type":6,"unit":-2}]}],"more":1,"offset":368}}`)
	docs, next, err := withingsMeasureDocs(body)
	if err != nil {
		t.Fatalf("measure docs: %v", err)
	}
	if next != "368" {
		t.Fatalf("continuation offset = %q, want 368", next)
	}
	if len(docs) != 1 || docs[0].DocumentID != "368" || docs[0].Day != "2026-08-14" {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[0].Summary == nil || *docs[0].Summary != 80.5 {
		t.Fatalf("summary = %v, want the decoded weight", docs[0].Summary)
	}

	metrics, err := w.Extract(docs[0])
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	assertMetricValues(t, metrics, map[string]float64{
		MetricWeight:  80.5,
		MetricBodyFat: 22.1,
	})

	// Failures ride inside the envelope.
	if _, _, err := withingsMeasureDocs([]byte(`{"status":2555,"error":"unknown"}`)); err == nil {
		t.Fatal("errored envelope accepted")
	}

	// The last page reports more=0 and ends the walk.
	_, next, err = withingsMeasureDocs([]byte(`{"status":0,"body":{"measuregrps":[],"more":0}}`))
	if err != nil {
		t.Fatalf("final page: %v", err)
	}
	if next != "" {
		t.Fatalf("final page cursor = %q, want none", next)
	}
}

func TestWithingsParseEvents(t *testing.T) {
	w := withingsForTest()
	const form = "application/x-www-form-urlencoded; charset=utf-8"

	cases := []struct {
		name     string
		appli    string
		dataType string
	}{
		{"measures", "1", WithingsMeasures},
		{"activities", "16", WithingsActivities},
		{"sleep", "44", WithingsSleep},
	}
	for _, tc := range cases {
		body := []byte("userid=133337&appli=" + tc.appli + "&startdate=1786665600&enddate=1786669200")
		events, err := w.ParseEvents(body, form)
		if err != nil {
			t.Fatalf("%s: parse events: %v", tc.name, err)
		}
		if len(events) != 1 {
			t.Fatalf("%s: got %d events, want 1", tc.name, len(events))
		}
		ev := events[0]
		if ev.DataType != tc.dataType || ev.ProviderUserID != "133337" {
			t.Errorf("%s: event = %+v", tc.name, ev)
		}
		if ev.ObjectID != "1786665600-1786669200" {
			t.Errorf("%s: object id = %q", tc.name, ev.ObjectID)
		}
		if !ev.EventTime.Equal(time.Unix(1786665600, 0).UTC()) {
			t.Errorf("%s: event time = %v", tc.name, ev.EventTime)
		}
	}

	bad := []struct {
		name        string
		body        string
		contentType string
	}{
		{"json content type", `{"appli":1}`, "application/json"},
		{"unhandled appli", "userid=1&appli=50&startdate=1&enddate=2", form},
		{"missing user", "appli=1&startdate=1&enddate=2", form},
		{"missing range", "userid=1&appli=1", form},
	}
	for _, tc := range bad {
		if _, err := w.ParseEvents([]byte(tc.body), tc.contentType); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestWithingsFetchRequestCoversNotifiedRange(t *testing.T) {
	w := withingsForTest()
	req, err := w.FetchRequest(Event{
		Provider: Withings,
		DataType: WithingsMeasures,
		ObjectID: "1786665600-1786669200",
	})
	if err != nil {
		t.Fatalf("fetch request: %v", err)
	}
	if req.Method != http.MethodPost || !strings.HasSuffix(req.URL, "/measure") {
		t.Fatalf("request = %s %s", req.Method, req.URL)
	}
	if req.Auth != AuthBearer {
		t.Fatalf("auth = %v, want bearer", req.Auth)
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		t.Fatalf("request form: %v", err)
	}
	if form.Get("action") != "getmeas" || form.Get("meastypes") != "1,6" {
		t.Fatalf("form = %v", form)
	}
	if form.Get("startdate") != "1786665600" || form.Get("enddate") != "1786669200" {
		t.Fatalf("range = %s..%s", form.Get("startdate"), form.Get("enddate"))
	}

	if _, err := w.FetchRequest(Event{DataType: WithingsMeasures, ObjectID: "not-a-range"}); err == nil {
		t.Fatal("malformed event range accepted")
	}
}

func TestWithingsParseTokenEnvelope(t *testing.T) {
	w := withingsForTest()
	tok, err := w.ParseToken([]byte(`{"status":0,"body":{"userid":133337,"access_token":"at","refresh_token":"rt","expires_in":10800,"scope":"user.metrics"}}`))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if tok.AccessToken != "at" || tok.ProviderUserID != "133337" {
		t.Fatalf("token = %+v", tok)
	}

	// Token failures also ride the envelope, under HTTP 200.
	if _, err := w.ParseToken([]byte(`{"status":503,"error":"Invalid params"}`)); err == nil {
		t.Fatal("errored token envelope accepted")
	}
}

func TestWithingsVerifySignature(t *testing.T) {
	w := withingsForTest()
	body := []byte("userid=133337&appli=1&startdate=1786665600&enddate=1786669200")
	good := hmacSHA256Hex("withings-hook-secret", body)
	if err := w.VerifySignature(headerMap(map[string]string{"X-Withings-Signature": good}), body, time.Now()); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := w.VerifySignature(headerMap(map[string]string{}), body, time.Now()); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("missing signature accepted: %v", err)
	}
}
