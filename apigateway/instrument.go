package gateway

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

func registerOrReuse(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Instrumentation counts and times every request by route.
func Instrumentation() fiber.Handler {
	counterVec := registerOrReuse(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "request",
		Name:      "requests_count",
		Help:      "Number of requests per each endpoint",
	}, []string{"code", "method", "url"})).(*prometheus.CounterVec)

	resTime := registerOrReuse(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigor",
		Subsystem: "response",
		Name:      "response_time_hist",
		Help:      "vigor response duration in milliseconds",
	})).(prometheus.Histogram)

	resSize := registerOrReuse(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigor",
		Subsystem: "response",
		Name:      "size_histogram",
		Help:      "vigor response size",
	})).(prometheus.Histogram)

	reqSize := registerOrReuse(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigor",
		Subsystem: "request",
		Name:      "size_hist",
		Help:      "Request size instrumenter",
	})).(prometheus.Histogram)

	return func(c *fiber.Ctx) error {
		if c.Path() == "/metrics" {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		duration := float64(time.Since(start)) * 1e-6 // to millisecond

		url := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			url = r.Path
		}
		status := strconv.Itoa(c.Response().StatusCode())

		counterVec.WithLabelValues(status, c.Method(), url).Inc()
		resTime.Observe(duration)
		resSize.Observe(float64(len(c.Response().Body())))
		reqSize.Observe(float64(len(c.Body())))
		return err
	}
}
