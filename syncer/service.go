// Package syncer is the synchronization engine: OAuth credential
// management, rate-limited provider clients, webhook ingestion with a
// bounded worker pool, and historical backfill.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

// Service wires the engine together. One instance serves all providers.
type Service struct {
	Store    *store.Store
	Registry *wearables.Registry
	Config   wearables.Config
	Logger   *logrus.Logger
	Redis    *redis.Client
	Pool     *Pool
	HTTP     *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

func New(st *store.Store, cfg wearables.Config, logger *logrus.Logger, rdb *redis.Client) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		Store:    st,
		Registry: wearables.NewRegistry(cfg),
		Config:   cfg,
		Logger:   logger,
		Redis:    rdb,
		HTTP:     &http.Client{Timeout: requestTimeout},
		clients:  make(map[string]*Client),
	}
	s.Pool = NewPool(s, cfg.WebhookWorkers, cfg.WebhookQueue)
	return s
}

// Client returns the provider's request client, building it on first
// use so every caller shares one rate window and one refresh mutex.
func (s *Service) Client(name string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[name]; ok {
		return c, nil
	}
	provider, err := s.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	cfg, _ := s.Config.Provider(name)
	c := newClient(s, provider, cfg)
	s.clients[name] = c
	return c, nil
}

const userCacheTTL = time.Hour

func userCacheKey(provider, providerUserID string) string {
	return fmt.Sprintf("vigor:uid:%s:%s", provider, providerUserID)
}

// resolveUserID maps a provider-side user id to the local account. The
// lookup is redis-cached; the store is the source of truth.
func (s *Service) resolveUserID(ctx context.Context, provider, providerUserID string) (int64, error) {
	if providerUserID == "" {
		return 0, apperr.WithFields(apperr.ErrUnmappableUser, map[string]any{"provider": provider})
	}
	key := userCacheKey(provider, providerUserID)
	if s.Redis != nil {
		if cached, err := s.Redis.Get(ctx, key).Result(); err == nil {
			if id, err := strconv.ParseInt(cached, 10, 64); err == nil && id > 0 {
				return id, nil
			}
		}
	}
	conn, err := s.Store.ConnectionByProviderUser(ctx, provider, providerUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.WithFields(apperr.ErrUnmappableUser, map[string]any{
				"provider":         provider,
				"provider_user_id": providerUserID,
			})
		}
		return 0, err
	}
	if s.Redis != nil {
		s.Redis.Set(ctx, key, strconv.FormatInt(conn.UserID, 10), userCacheTTL)
	}
	return conn.UserID, nil
}

func (s *Service) dropUserCache(ctx context.Context, provider, providerUserID string) {
	if s.Redis == nil || providerUserID == "" {
		return
	}
	s.Redis.Del(ctx, userCacheKey(provider, providerUserID))
}
