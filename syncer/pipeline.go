package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

const eventTimeout = 90 * time.Second

type task struct {
	provider string
	event    wearables.Event
	payload  []byte
}

// Pool bounds concurrent webhook processing. Submissions never block
// the webhook handler: when the queue is full the delivery is dropped
// and counted; the reconciler window covers the gap.
type Pool struct {
	service *Service
	tasks   chan task
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	started bool
}

func NewPool(s *Service, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 64
	}
	return &Pool{service: s, tasks: make(chan task, queue), workers: workers}
}

// Start launches the workers. Safe to call once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		if err := p.service.ProcessEvent(ctx, t.provider, t.event, t.payload); err != nil {
			p.service.Logger.WithFields(logrus.Fields{
				"provider":  t.provider,
				"event_key": t.event.Key(),
			}).WithError(err).Warn("webhook event processing failed")
		}
		cancel()
	}
}

// Submit enqueues a verified event. It reports false when the pool is
// stopped or the queue is full.
func (p *Pool) Submit(provider string, ev wearables.Event, payload []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped || !p.started {
		return false
	}
	select {
	case p.tasks <- task{provider: provider, event: ev, payload: payload}:
		return true
	default:
		webhooksDropped.WithLabelValues(provider, "queue_full").Inc()
		return false
	}
}

// Stop drains queued tasks and waits for the workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.tasks)
	p.mu.Unlock()
	if started {
		p.wg.Wait()
	}
}

// ProcessEvent runs the full ingestion path for one verified webhook
// event: map the device user, dedupe on the event key, then persist
// the document and its metrics.
func (s *Service) ProcessEvent(ctx context.Context, providerName string, ev wearables.Event, payload []byte) error {
	provider, err := s.Registry.Get(providerName)
	if err != nil {
		return err
	}

	userID, err := s.resolveUserID(ctx, providerName, ev.ProviderUserID)
	if err != nil {
		if errors.Is(err, apperr.ErrUnmappableUser) {
			webhooksDropped.WithLabelValues(providerName, "unmappable_user").Inc()
			s.Logger.WithFields(logrus.Fields{
				"provider":         providerName,
				"provider_user_id": ev.ProviderUserID,
			}).Warn("webhook for unknown device user dropped")
			return nil
		}
		return err
	}

	event := &store.WebhookEvent{
		Provider: providerName,
		UserID:   userID,
		DataType: ev.DataType,
		EventKey: ev.Key(),
		Payload:  string(payload),
	}
	inserted, err := s.Store.InsertEvent(ctx, event)
	if err != nil {
		return err
	}
	if !inserted {
		webhooksDuplicate.WithLabelValues(providerName).Inc()
		return nil
	}

	if err := s.handleEvent(ctx, userID, provider, ev); err != nil {
		_ = s.Store.MarkEventError(ctx, event.ID, err.Error())
		return err
	}
	return s.Store.MarkEventProcessed(ctx, event.ID)
}

func (s *Service) handleEvent(ctx context.Context, userID int64, provider wearables.Provider, ev wearables.Event) error {
	name := provider.Name()

	if ev.EventType == wearables.EventDeleted {
		if err := s.Store.MarkDocumentDeleted(ctx, userID, name, ev.DataType, ev.ObjectID); err != nil {
			return err
		}
		if err := s.Store.DeleteMetricsForDocument(ctx, userID, name, ev.ObjectID); err != nil {
			return err
		}
		_ = s.Store.AppendAudit(ctx, userID, name, store.AuditDocumentDeleted, ev.DataType+" "+ev.ObjectID)
		return nil
	}

	var docs []wearables.Document
	if ev.Embedded != nil {
		docs = []wearables.Document{*ev.Embedded}
	} else {
		conn, err := s.Store.GetConnection(ctx, userID, name)
		if err != nil {
			return err
		}
		client, err := s.Client(name)
		if err != nil {
			return err
		}
		docs, err = client.Fetch(ctx, conn, ev)
		if err != nil {
			return err
		}
	}
	_, _, err := s.persistDocuments(ctx, userID, provider, docs)
	return err
}
