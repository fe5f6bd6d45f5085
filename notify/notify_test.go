package notify

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

func newTestDrainer(t *testing.T) (*Drainer, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "notify.db")
	db, err := store.OpenFromConfig("", dbPath, "sqlite3")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db)

	testLogger := logrus.New()
	testLogger.Out = io.Discard

	return &Drainer{Store: st, Logger: testLogger}, st
}

func seedFeedItem(t *testing.T, st *store.Store, userID int64, metricType string, value float64) {
	t.Helper()
	err := st.AppendFeedItem(context.Background(), &store.FeedItem{
		UserID:     userID,
		Provider:   wearables.Oura,
		MetricType: metricType,
		Value:      value,
		Unit:       "score",
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append feed item: %v", err)
	}
}

// Without a firebase app the queue still drains, so a deployment that
// never configures push doesn't accumulate unprocessed rows.
func TestDrainOnceWithoutFirebase(t *testing.T) {
	d, st := newTestDrainer(t)
	ctx := context.Background()

	seedFeedItem(t, st, 42, wearables.MetricSleepScore, 82)
	seedFeedItem(t, st, 42, wearables.MetricReadinessScore, 71)

	n, err := d.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("drained %d items, want 2", n)
	}

	left, err := st.NextFeedItems(ctx, 10)
	if err != nil {
		t.Fatalf("next feed items: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d items left unprocessed", len(left))
	}

	n, err = d.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("second drain moved %d items, want 0", n)
	}
}

func TestDrainOnceBatchLimit(t *testing.T) {
	d, st := newTestDrainer(t)
	d.Batch = 2
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedFeedItem(t, st, int64(10+i), wearables.MetricSteps, float64(1000*i))
	}

	if n, _ := d.DrainOnce(ctx); n != 2 {
		t.Fatalf("first drain = %d, want 2", n)
	}
	if n, _ := d.DrainOnce(ctx); n != 1 {
		t.Fatalf("second drain = %d, want 1", n)
	}
}

func TestNotificationText(t *testing.T) {
	tests := []struct {
		name      string
		item      store.FeedItem
		wantTitle string
		wantBody  string
	}{
		{
			name:      "sleep score",
			item:      store.FeedItem{Provider: "oura", MetricType: wearables.MetricSleepScore, Value: 82, Unit: "score"},
			wantTitle: "Sleep synced",
			wantBody:  "oura reported sleep score 82",
		},
		{
			name:      "workout calories",
			item:      store.FeedItem{Provider: "whoop", MetricType: wearables.MetricWorkoutCalories, Value: 310, Unit: "kcal"},
			wantTitle: "Workout synced",
			wantBody:  "whoop reported workout calories 310 kcal",
		},
		{
			name:      "steps",
			item:      store.FeedItem{Provider: "fitbit", MetricType: wearables.MetricSteps, Value: 10500, Unit: "count"},
			wantTitle: "Activity synced",
			wantBody:  "fitbit reported steps 10500",
		},
		{
			name:      "weight",
			item:      store.FeedItem{Provider: "withings", MetricType: wearables.MetricWeight, Value: 72.5, Unit: "kg"},
			wantTitle: "Body measurement synced",
			wantBody:  "withings reported weight 72.5 kg",
		},
		{
			name:      "readiness",
			item:      store.FeedItem{Provider: "oura", MetricType: wearables.MetricReadinessScore, Value: 71, Unit: "score"},
			wantTitle: "Recovery synced",
			wantBody:  "oura reported readiness score 71",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body := notificationText(tt.item)
			if title != tt.wantTitle {
				t.Fatalf("title = %q, want %q", title, tt.wantTitle)
			}
			if body != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestRunExitsOnCancel(t *testing.T) {
	d, _ := newTestDrainer(t)
	d.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
