// Package store implements manual-SQL persistence for connections,
// webhook events, documents, metrics and the fan-out queues. It runs
// on sqlite for development and postgres in production; queries are
// written once and rebound per driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store provides manual-SQL data access.
type Store struct {
	DB     *DB
	crypto *dataCrypto
}

func New(db *DB, opts ...Option) *Store {
	var settings storeSettings
	for _, opt := range opts {
		opt(&settings)
	}
	crypto, err := newDataCrypto(settings.dataKey)
	if err != nil {
		crypto = nil
	}
	return &Store{DB: db, crypto: crypto}
}

func (s *Store) ensureDB() (*sqlx.DB, error) {
	if s == nil || s.DB == nil || s.DB.DB == nil {
		return nil, fmt.Errorf("nil db")
	}
	return s.DB.DB, nil
}

// ErrNotFound is returned, wrapped, by every lookup that matches no
// row. Callers test for it with errors.Is.
var ErrNotFound = errors.New("not found")

// Connection is a user's authorization against one provider. Token
// columns are stored encrypted when the store has a data key.
type Connection struct {
	ID             int64
	UserID         int64
	Provider       string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	Scopes         string
	ExpiresAt      time.Time
	ConnectedAt    time.Time
	UpdatedAt      time.Time
}

// WebhookEvent is one received provider notification. EventKey is the
// provider-derived dedupe key; replays collide on it and are dropped.
type WebhookEvent struct {
	ID          int64
	Provider    string
	UserID      int64
	DataType    string
	EventKey    string
	Payload     string
	Processed   bool
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Document is a normalized provider record (one sleep session, one
// daily activity summary, one weigh-in group).
type Document struct {
	ID         int64
	UserID     int64
	Provider   string
	DataType   string
	DocumentID string
	Day        string
	StartTime  *time.Time
	EndTime    *time.Time
	Summary    *float64
	Raw        string
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Metric is a single extracted measurement.
type Metric struct {
	ID         int64
	UserID     int64
	Provider   string
	MetricType string
	Value      float64
	Unit       string
	StartTime  time.Time
	EndTime    time.Time
	DocumentID string
	CreatedAt  time.Time
}

// FeedItem is a pending feed/notification entry, written once per
// newly inserted metric and drained by the notifier.
type FeedItem struct {
	ID         int64
	UserID     int64
	Provider   string
	MetricType string
	Value      float64
	Unit       string
	RecordedAt time.Time
	Processed  bool
	CreatedAt  time.Time
}

// AuditEntry records a sync-lifecycle action on a user's data.
type AuditEntry struct {
	ID        int64
	UserID    int64
	Provider  string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Audit kinds.
const (
	AuditConnected       = "connected"
	AuditDisconnected    = "disconnected"
	AuditTokenRefreshed  = "token_refreshed"
	AuditDocumentStored  = "document_stored"
	AuditDocumentDeleted = "document_deleted"
	AuditSyncCompleted   = "sync_completed"
)

// SaveConnection inserts or replaces the user's connection to a
// provider. Tokens are encrypted before they hit the row.
func (s *Store) SaveConnection(ctx context.Context, conn *Connection) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	access, refresh, err := s.encryptConnectionSecrets(conn)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.UpdatedAt = now
	stmt := s.DB.Rebind(`INSERT INTO connections
		(user_id, provider, provider_user_id, access_token, refresh_token, scopes, expires_at, connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			provider_user_id = excluded.provider_user_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`)
	_, err = db.ExecContext(ctx, stmt,
		conn.UserID, conn.Provider, conn.ProviderUserID,
		access, refresh, conn.Scopes,
		conn.ExpiresAt.UTC(), conn.ConnectedAt, conn.UpdatedAt)
	return err
}

// GetConnection returns the user's connection to provider with
// decrypted tokens.
func (s *Store) GetConnection(ctx context.Context, userID int64, provider string) (*Connection, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var conn Connection
	stmt := s.DB.Rebind(`SELECT * FROM connections WHERE user_id = ? AND provider = ?`)
	if err := db.GetContext(ctx, &conn, stmt, userID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection %s for user %d: %w", provider, userID, ErrNotFound)
		}
		return nil, err
	}
	if err := s.hydrateConnectionSecrets(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// ConnectionByProviderUser resolves a webhook's provider-side user id
// to the local connection.
func (s *Store) ConnectionByProviderUser(ctx context.Context, provider, providerUserID string) (*Connection, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	if providerUserID == "" {
		return nil, fmt.Errorf("empty provider user id: %w", ErrNotFound)
	}
	var conn Connection
	stmt := s.DB.Rebind(`SELECT * FROM connections WHERE provider = ? AND provider_user_id = ?`)
	if err := db.GetContext(ctx, &conn, stmt, provider, providerUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection %s for provider user %s: %w", provider, providerUserID, ErrNotFound)
		}
		return nil, err
	}
	if err := s.hydrateConnectionSecrets(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// UserConnections lists all of a user's provider connections.
func (s *Store) UserConnections(ctx context.Context, userID int64) ([]Connection, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var conns []Connection
	stmt := s.DB.Rebind(`SELECT * FROM connections WHERE user_id = ? ORDER BY provider`)
	if err := db.SelectContext(ctx, &conns, stmt, userID); err != nil {
		return nil, err
	}
	for i := range conns {
		if err := s.hydrateConnectionSecrets(&conns[i]); err != nil {
			return nil, err
		}
	}
	return conns, nil
}

// AllConnections lists every connection; the reconciler walks this.
func (s *Store) AllConnections(ctx context.Context) ([]Connection, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var conns []Connection
	if err := db.SelectContext(ctx, &conns, `SELECT * FROM connections ORDER BY id`); err != nil {
		return nil, err
	}
	for i := range conns {
		if err := s.hydrateConnectionSecrets(&conns[i]); err != nil {
			return nil, err
		}
	}
	return conns, nil
}

// UpdateConnectionTokens persists a refreshed token pair.
func (s *Store) UpdateConnectionTokens(ctx context.Context, userID int64, provider, accessToken, refreshToken string, expiresAt time.Time) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	access, refresh, err := s.encryptConnectionSecrets(&Connection{AccessToken: accessToken, RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`UPDATE connections SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ? WHERE user_id = ? AND provider = ?`)
	res, err := db.ExecContext(ctx, stmt, access, refresh, expiresAt.UTC(), time.Now().UTC(), userID, provider)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("connection %s for user %d: %w", provider, userID, ErrNotFound)
	}
	return nil
}

// DeleteConnection removes the user's connection to provider.
func (s *Store) DeleteConnection(ctx context.Context, userID int64, provider string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`DELETE FROM connections WHERE user_id = ? AND provider = ?`)
	res, err := db.ExecContext(ctx, stmt, userID, provider)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("connection %s for user %d: %w", provider, userID, ErrNotFound)
	}
	return nil
}

// InsertEvent records a webhook delivery. It reports false when the
// event key was already seen, which is how replays are dropped.
func (s *Store) InsertEvent(ctx context.Context, event *WebhookEvent) (bool, error) {
	db, err := s.ensureDB()
	if err != nil {
		return false, err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	stmt := s.DB.Rebind(`INSERT INTO webhook_events
		(provider, user_id, data_type, event_key, payload, processed, last_error, received_at)
		VALUES (?, ?, ?, ?, ?, FALSE, '', ?)
		ON CONFLICT(event_key) DO NOTHING`)
	res, err := db.ExecContext(ctx, stmt,
		event.Provider, event.UserID, event.DataType, event.EventKey, event.Payload, event.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	// Read the id back; LastInsertId is sqlite-only.
	idStmt := s.DB.Rebind(`SELECT id FROM webhook_events WHERE event_key = ?`)
	if err := db.GetContext(ctx, &event.ID, idStmt, event.EventKey); err != nil {
		return true, err
	}
	return true, nil
}

// EventByKey returns a stored webhook event.
func (s *Store) EventByKey(ctx context.Context, eventKey string) (*WebhookEvent, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var event WebhookEvent
	stmt := s.DB.Rebind(`SELECT * FROM webhook_events WHERE event_key = ?`)
	if err := db.GetContext(ctx, &event, stmt, eventKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", eventKey, ErrNotFound)
		}
		return nil, err
	}
	return &event, nil
}

// MarkEventProcessed flags an event as fully handled.
func (s *Store) MarkEventProcessed(ctx context.Context, id int64) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`UPDATE webhook_events SET processed = TRUE, processed_at = ?, last_error = '' WHERE id = ?`)
	_, err = db.ExecContext(ctx, stmt, time.Now().UTC(), id)
	return err
}

// MarkEventError records a processing failure; the event stays
// unprocessed so a later sync covers the gap.
func (s *Store) MarkEventError(ctx context.Context, id int64, message string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`UPDATE webhook_events SET last_error = ? WHERE id = ?`)
	_, err = db.ExecContext(ctx, stmt, message, id)
	return err
}

// UpsertDocument writes a normalized document, replacing any previous
// version of the same (user, provider, data_type, document_id). An
// update after a deletion revives the row.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	stmt := s.DB.Rebind(`INSERT INTO documents
		(user_id, provider, data_type, document_id, day, start_time, end_time, summary, raw, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?)
		ON CONFLICT(user_id, provider, data_type, document_id) DO UPDATE SET
			day = excluded.day,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			summary = excluded.summary,
			raw = excluded.raw,
			deleted = FALSE,
			updated_at = excluded.updated_at`)
	_, err = db.ExecContext(ctx, stmt,
		doc.UserID, doc.Provider, doc.DataType, doc.DocumentID, doc.Day,
		utcOrNil(doc.StartTime), utcOrNil(doc.EndTime), doc.Summary, doc.Raw,
		doc.CreatedAt, doc.UpdatedAt)
	return err
}

// MarkDocumentDeleted tombstones a document. Unknown documents get a
// bare tombstone row so the retraction is recorded even when the
// document was never synced; a later upsert revives the row.
func (s *Store) MarkDocumentDeleted(ctx context.Context, userID int64, provider, dataType, documentID string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stmt := s.DB.Rebind(`INSERT INTO documents
		(user_id, provider, data_type, document_id, day, raw, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', '', TRUE, ?, ?)
		ON CONFLICT(user_id, provider, data_type, document_id) DO UPDATE SET
			deleted = TRUE,
			updated_at = excluded.updated_at`)
	_, err = db.ExecContext(ctx, stmt, userID, provider, dataType, documentID, now, now)
	return err
}

// GetDocument returns one stored document.
func (s *Store) GetDocument(ctx context.Context, userID int64, provider, dataType, documentID string) (*Document, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var doc Document
	stmt := s.DB.Rebind(`SELECT * FROM documents WHERE user_id = ? AND provider = ? AND data_type = ? AND document_id = ?`)
	if err := db.GetContext(ctx, &doc, stmt, userID, provider, dataType, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s/%s/%s: %w", provider, dataType, documentID, ErrNotFound)
		}
		return nil, err
	}
	return &doc, nil
}

// CountDocuments counts live documents of one data type for a user.
func (s *Store) CountDocuments(ctx context.Context, userID int64, provider, dataType string) (int, error) {
	db, err := s.ensureDB()
	if err != nil {
		return 0, err
	}
	var count int
	stmt := s.DB.Rebind(`SELECT COUNT(*) FROM documents WHERE user_id = ? AND provider = ? AND data_type = ? AND deleted = FALSE`)
	if err := db.GetContext(ctx, &count, stmt, userID, provider, dataType); err != nil {
		return 0, err
	}
	return count, nil
}

// InsertMetricIfNew inserts a metric unless the same measurement was
// already extracted. Times are normalized to UTC so the uniqueness key
// is byte-stable on sqlite.
func (s *Store) InsertMetricIfNew(ctx context.Context, metric *Metric) (bool, error) {
	db, err := s.ensureDB()
	if err != nil {
		return false, err
	}
	metric.StartTime = metric.StartTime.UTC()
	metric.EndTime = metric.EndTime.UTC()
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	stmt := s.DB.Rebind(`INSERT INTO metrics
		(user_id, provider, metric_type, value, unit, start_time, end_time, document_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider, metric_type, start_time, end_time, document_id) DO NOTHING`)
	res, err := db.ExecContext(ctx, stmt,
		metric.UserID, metric.Provider, metric.MetricType, metric.Value, metric.Unit,
		metric.StartTime, metric.EndTime, metric.DocumentID, metric.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMetricsForDocument removes the measurements extracted from a
// document, used when the provider retracts it.
func (s *Store) DeleteMetricsForDocument(ctx context.Context, userID int64, provider, documentID string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`DELETE FROM metrics WHERE user_id = ? AND provider = ? AND document_id = ?`)
	_, err = db.ExecContext(ctx, stmt, userID, provider, documentID)
	return err
}

// CountMetrics counts stored measurements of one type for a user.
func (s *Store) CountMetrics(ctx context.Context, userID int64, provider, metricType string) (int, error) {
	db, err := s.ensureDB()
	if err != nil {
		return 0, err
	}
	var count int
	stmt := s.DB.Rebind(`SELECT COUNT(*) FROM metrics WHERE user_id = ? AND provider = ? AND metric_type = ?`)
	if err := db.GetContext(ctx, &count, stmt, userID, provider, metricType); err != nil {
		return 0, err
	}
	return count, nil
}

// MetricsInRange returns a user's measurements of one type whose start
// falls inside [from, to), newest first.
func (s *Store) MetricsInRange(ctx context.Context, userID int64, metricType string, from, to time.Time) ([]Metric, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	var metrics []Metric
	stmt := s.DB.Rebind(`SELECT * FROM metrics WHERE user_id = ? AND metric_type = ? AND start_time >= ? AND start_time < ? ORDER BY start_time DESC`)
	if err := db.SelectContext(ctx, &metrics, stmt, userID, metricType, from.UTC(), to.UTC()); err != nil {
		return nil, err
	}
	return metrics, nil
}

// AppendFeedItem queues a feed entry for the notifier.
func (s *Store) AppendFeedItem(ctx context.Context, item *FeedItem) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	stmt := s.DB.Rebind(`INSERT INTO feed_queue
		(user_id, provider, metric_type, value, unit, recorded_at, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)`)
	_, err = db.ExecContext(ctx, stmt,
		item.UserID, item.Provider, item.MetricType, item.Value, item.Unit,
		item.RecordedAt.UTC(), item.CreatedAt)
	return err
}

// NextFeedItems returns up to limit unprocessed feed entries, oldest
// first.
func (s *Store) NextFeedItems(ctx context.Context, limit int) ([]FeedItem, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var items []FeedItem
	stmt := s.DB.Rebind(`SELECT * FROM feed_queue WHERE processed = FALSE ORDER BY id LIMIT ?`)
	if err := db.SelectContext(ctx, &items, stmt, limit); err != nil {
		return nil, err
	}
	return items, nil
}

// MarkFeedProcessed flags drained feed entries.
func (s *Store) MarkFeedProcessed(ctx context.Context, ids []int64) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	stmt, args, err := sqlx.In(`UPDATE feed_queue SET processed = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.DB.Rebind(stmt), args...)
	return err
}

// AppendAudit records a lifecycle action on a user's data.
func (s *Store) AppendAudit(ctx context.Context, userID int64, provider, kind, detail string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`INSERT INTO audit_log (user_id, provider, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err = db.ExecContext(ctx, stmt, userID, provider, kind, detail, time.Now().UTC())
	return err
}

// RecentAudit returns a user's newest audit entries.
func (s *Store) RecentAudit(ctx context.Context, userID int64, limit int) ([]AuditEntry, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditEntry
	stmt := s.DB.Rebind(`SELECT * FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`)
	if err := db.SelectContext(ctx, &entries, stmt, userID, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
