package syncer

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// VerifyWebhook answers a provider's GET verification probe.
func (s *Service) VerifyWebhook(c *fiber.Ctx) error {
	name := c.Params("provider")
	p, err := s.Registry.Get(name)
	if err != nil {
		return c.SendStatus(fiber.StatusNotFound)
	}
	status, body := p.Challenge(func(key string) string { return c.Query(key) })
	if len(body) > 0 {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(status).Send(body)
	}
	return c.SendStatus(status)
}

// ReceiveWebhook verifies a delivery's signature over the raw body,
// acks fast, then hands the events to the worker pool. Nothing is
// persisted for an unverifiable delivery.
func (s *Service) ReceiveWebhook(c *fiber.Ctx) error {
	name := c.Params("provider")
	p, err := s.Registry.Get(name)
	if err != nil {
		return c.SendStatus(fiber.StatusNotFound)
	}

	// fiber reuses its buffers after the handler returns; the pool
	// outlives it, so the body is copied once here.
	payload := append([]byte(nil), c.Body()...)

	if err := p.VerifySignature(func(key string) string { return c.Get(key) }, payload, time.Now().UTC()); err != nil {
		webhooksRejected.WithLabelValues(name).Inc()
		s.Logger.WithFields(logrus.Fields{"provider": name}).
			WithError(err).Warn("webhook signature rejected")
		return c.SendStatus(p.RejectStatus())
	}

	// A verified delivery is always acked, parseable or not. An error
	// reply makes the provider retry and eventually disable the
	// subscription, which loses data silently.
	events, err := p.ParseEvents(payload, c.Get(fiber.HeaderContentType))
	if err != nil {
		webhooksDropped.WithLabelValues(name, "unparseable").Inc()
		s.Logger.WithFields(logrus.Fields{"provider": name}).
			WithError(err).Warn("verified webhook body unparseable, dropped")
		return c.SendStatus(fiber.StatusNoContent)
	}

	for _, ev := range events {
		webhooksReceived.WithLabelValues(name).Inc()
		s.Pool.Submit(name, ev, payload)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
