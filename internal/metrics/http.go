package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP holds the relay's request collectors.
type HTTP struct {
	active   prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	queued   prometheus.Gauge
}

// NewHTTP creates the relay collectors and registers them with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active_requests",
			Help:      "Number of in-flight relay requests",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "The total number of processed relay requests",
		}, []string{"method", "endpoint", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_response_time_milliseconds",
			Help:      "Relay response time distributions",
			Buckets:   []float64{1, 10, 50, 100, 200, 300, 400, 500},
		}, []string{"method", "endpoint"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_queued_envelopes",
			Help:      "Number of envelopes waiting for delivery",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.requests, m.latency, m.queued)
	}
	return m
}

// Middleware records request counts and latency per route.
func (m *HTTP) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.active.Inc()
		defer m.active.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(c.Request.Method, endpoint).Observe(float64(time.Since(start).Milliseconds()))
	}
}

// AddQueued adjusts the queued envelope gauge by delta.
func (m *HTTP) AddQueued(delta int) { m.queued.Add(float64(delta)) }
