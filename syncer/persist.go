package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

// persistDocuments upserts each document and inserts its extracted
// metrics. Only metrics that were genuinely new emit feed entries, so
// webhook/backfill overlap never double-notifies. An extraction
// failure on one document is logged and skipped; the raw document is
// already stored, so a later sync can recover the readings.
func (s *Service) persistDocuments(ctx context.Context, userID int64, provider wearables.Provider, docs []wearables.Document) (int, int, error) {
	name := provider.Name()
	storedDocs := 0
	newMetrics := 0

	for _, doc := range docs {
		if doc.DocumentID == "" {
			doc.DocumentID = uuid.NewString()
		}
		row := &store.Document{
			UserID:     userID,
			Provider:   name,
			DataType:   doc.DataType,
			DocumentID: doc.DocumentID,
			Day:        doc.Day,
			StartTime:  timePtr(doc.Start),
			EndTime:    timePtr(doc.End),
			Summary:    doc.Summary,
			Raw:        string(doc.Raw),
		}
		if err := s.Store.UpsertDocument(ctx, row); err != nil {
			return storedDocs, newMetrics, err
		}
		storedDocs++
		documentsStored.WithLabelValues(name).Inc()
		_ = s.Store.AppendAudit(ctx, userID, name, store.AuditDocumentStored, doc.DataType+" "+doc.DocumentID)

		metrics, err := provider.Extract(doc)
		if err != nil {
			s.Logger.WithFields(logrus.Fields{
				"provider":    name,
				"data_type":   doc.DataType,
				"document_id": doc.DocumentID,
			}).WithError(err).Warn("metric extraction failed, raw document kept")
			continue
		}
		for _, m := range metrics {
			inserted, err := s.Store.InsertMetricIfNew(ctx, &store.Metric{
				UserID:     userID,
				Provider:   name,
				MetricType: m.Type,
				Value:      m.Value,
				Unit:       m.Unit,
				StartTime:  m.Start,
				EndTime:    m.End,
				DocumentID: doc.DocumentID,
			})
			if err != nil {
				return storedDocs, newMetrics, err
			}
			if !inserted {
				continue
			}
			newMetrics++
			metricsInserted.WithLabelValues(name).Inc()
			if err := s.Store.AppendFeedItem(ctx, &store.FeedItem{
				UserID:     userID,
				Provider:   name,
				MetricType: m.Type,
				Value:      m.Value,
				Unit:       m.Unit,
				RecordedAt: m.Start,
			}); err != nil {
				return storedDocs, newMetrics, err
			}
		}
	}
	return storedDocs, newMetrics, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
