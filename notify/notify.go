// Package notify drains the feed queue into FCM push notifications.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

const (
	defaultInterval = 30 * time.Second
	defaultBatch    = 100
)

// TokenSource resolves a user's FCM registration token.
type TokenSource interface {
	DeviceToken(ctx context.Context, userID int64) (string, error)
}

// Drainer ships queued feed entries as pushes. Without a firebase app
// it still marks the queue processed so rows don't pile up.
type Drainer struct {
	Store    *store.Store
	Tokens   TokenSource
	Firebase *firebase.App
	Logger   *logrus.Logger

	Interval time.Duration
	Batch    int
}

// NewFirebaseApp builds the FCM client from a service-account file.
// An empty path disables push delivery.
func NewFirebaseApp(ctx context.Context, credentialsFile string) (*firebase.App, error) {
	if credentialsFile == "" {
		return nil, nil
	}
	return firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
}

// Run drains the feed queue until ctx is canceled.
func (d *Drainer) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Logger.WithFields(logrus.Fields{"interval": interval.String()}).Info("feed drainer started")

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("feed drainer stopped")
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.Logger.WithError(err).Error("feed drain failed")
			}
		}
	}
}

// DrainOnce pushes one batch of feed entries and marks them processed.
// Returns how many entries were drained.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	items, err := d.Store.NextFeedItems(ctx, batch)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		d.push(ctx, item)
		ids = append(ids, item.ID)
	}
	if err := d.Store.MarkFeedProcessed(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// push is best effort. A user without a device token, a stale token or
// an FCM outage never blocks the queue.
func (d *Drainer) push(ctx context.Context, item store.FeedItem) {
	if d.Firebase == nil || d.Tokens == nil {
		return
	}
	token, err := d.Tokens.DeviceToken(ctx, item.UserID)
	if err != nil || token == "" {
		return
	}
	client, err := d.Firebase.Messaging(ctx)
	if err != nil {
		d.Logger.WithError(err).Warn("messaging client unavailable")
		return
	}
	title, body := notificationText(item)
	message := &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data: map[string]string{
			"provider":    item.Provider,
			"metric_type": item.MetricType,
			"value":       strconv.FormatFloat(item.Value, 'f', -1, 64),
			"recorded_at": item.RecordedAt.UTC().Format(time.RFC3339),
		},
	}
	if _, err := client.Send(ctx, message); err != nil {
		d.Logger.WithFields(logrus.Fields{
			"user_id":  item.UserID,
			"provider": item.Provider,
		}).WithError(err).Warn("push failed")
	}
}

// notificationText renders the user-facing copy for one feed entry.
func notificationText(item store.FeedItem) (string, string) {
	var title string
	switch item.MetricType {
	case wearables.MetricSleepScore, wearables.MetricSleepDuration, wearables.MetricSleepEfficiency:
		title = "Sleep synced"
	case wearables.MetricWorkoutDuration, wearables.MetricWorkoutCalories, wearables.MetricStrain:
		title = "Workout synced"
	case wearables.MetricReadinessScore, wearables.MetricRecoveryScore, wearables.MetricHRV,
		wearables.MetricRestingHeartRate, wearables.MetricHeartRateAvg:
		title = "Recovery synced"
	case wearables.MetricWeight, wearables.MetricBodyFat:
		title = "Body measurement synced"
	default:
		title = "Activity synced"
	}
	// "score" and "count" units only repeat the metric name.
	showUnit := item.Unit != "" && item.Unit != "score" && item.Unit != "count"
	name := item.MetricType
	if showUnit {
		name = strings.TrimSuffix(name, "_"+item.Unit)
	}
	name = strings.ReplaceAll(name, "_", " ")
	value := strconv.FormatFloat(item.Value, 'f', -1, 64)
	body := fmt.Sprintf("%s reported %s %s", item.Provider, name, value)
	if showUnit {
		body += " " + item.Unit
	}
	return title, body
}
