package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RunReconciler periodically re-pulls a recent window for every
// connection: it heals webhook gaps and is the only coverage for
// pull-only data types. Blocks until ctx is canceled.
func (s *Service) RunReconciler(ctx context.Context) {
	interval := time.Duration(s.Config.ReconcileMinutes) * time.Minute
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.WithFields(logrus.Fields{
		"interval":    interval.String(),
		"window_days": s.Config.ReconcileWindowDays,
	}).Info("reconciler started")

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			s.reconcileOnce(ctx, interval)
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context, lockTTL time.Duration) {
	conns, err := s.Store.AllConnections(ctx)
	if err != nil {
		s.Logger.WithError(err).Error("reconciler could not list connections")
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -s.Config.ReconcileWindowDays)

	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if !s.acquireSyncLock(ctx, conn.Provider, conn.UserID, lockTTL) {
			continue
		}
		cfg, _ := s.Config.Provider(conn.Provider)
		if _, err := s.SyncRange(ctx, conn.UserID, conn.Provider, start, end, cfg.PullDataTypes); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"provider": conn.Provider,
				"user_id":  conn.UserID,
			}).WithError(err).Warn("reconcile sync failed")
		}
	}
}

// acquireSyncLock takes the per-connection redis lock so concurrent
// engine instances don't double-sync. Without redis the single
// instance simply proceeds.
func (s *Service) acquireSyncLock(ctx context.Context, provider string, userID int64, ttl time.Duration) bool {
	if s.Redis == nil {
		return true
	}
	key := fmt.Sprintf("vigor:reconcile:%s:%d", provider, userID)
	ok, err := s.Redis.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		// Redis being down should degrade to syncing, not to silence.
		return true
	}
	return ok
}
