package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"parley/internal/errs"
)

const namespace = "parley"

// Engine holds the collectors the services update. A nil *Engine is valid
// and records nothing.
type Engine struct {
	encrypted        *prometheus.CounterVec
	decrypted        *prometheus.CounterVec
	decryptFailures  *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	groupRotations   prometheus.Counter
	oneTimePreKeys   prometheus.Gauge
	resetRecommended prometheus.Counter
	activeSessions   prometheus.Gauge
}

// NewEngine creates the engine collectors and registers them with reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		encrypted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_encrypted_total",
			Help:      "The total number of messages encrypted, by kind",
		}, []string{"kind"}),
		decrypted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decrypted_total",
			Help:      "The total number of messages decrypted, by kind",
		}, []string{"kind"}),
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "The total number of rejected inbound messages, by reason",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "The total number of completed X3DH handshakes, by role",
		}, []string{"role"}),
		groupRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_key_rotations_total",
			Help:      "The total number of committed sender-key rotations",
		}),
		oneTimePreKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "one_time_prekeys_available",
			Help:      "Number of unissued one-time prekeys in the local pool",
		}),
		resetRecommended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reset_recommended_total",
			Help:      "The total number of times a peer crossed the failure threshold",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of pairwise sessions held",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.encrypted,
			m.decrypted,
			m.decryptFailures,
			m.handshakes,
			m.groupRotations,
			m.oneTimePreKeys,
			m.resetRecommended,
			m.activeSessions,
		)
	}
	return m
}

func (m *Engine) Encrypted(kind string) {
	if m != nil {
		m.encrypted.WithLabelValues(kind).Inc()
	}
}

func (m *Engine) Decrypted(kind string) {
	if m != nil {
		m.decrypted.WithLabelValues(kind).Inc()
	}
}

// DecryptFailed counts a rejected message under errs.Reason(err).
func (m *Engine) DecryptFailed(err error) {
	if m != nil {
		m.decryptFailures.WithLabelValues(errs.Reason(err)).Inc()
	}
}

func (m *Engine) Handshake(role string) {
	if m != nil {
		m.handshakes.WithLabelValues(role).Inc()
	}
}

func (m *Engine) GroupRotated() {
	if m != nil {
		m.groupRotations.Inc()
	}
}

func (m *Engine) ResetRecommended() {
	if m != nil {
		m.resetRecommended.Inc()
	}
}

func (m *Engine) SetOneTimePreKeys(n int) {
	if m != nil {
		m.oneTimePreKeys.Set(float64(n))
	}
}

func (m *Engine) SetSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

