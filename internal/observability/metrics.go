package observability

import (
	"errors"
	"sync"

	"github.com/danmuck/abxfeed/internal/protocol"
	"github.com/danmuck/abxfeed/internal/protocol/session"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "abx"

// SessionMetrics records session progress into a Prometheus registry and
// satisfies session.Observer.
type SessionMetrics struct {
	phases       *prometheus.CounterVec
	connects     *prometheus.CounterVec
	records      *prometheus.CounterVec
	discards     *prometheus.CounterVec
	resends      prometheus.Counter
	currentPhase prometheus.Gauge
	lastSequence prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *SessionMetrics
)

// DefaultSessionMetrics registers with prometheus.DefaultRegisterer once.
func DefaultSessionMetrics() *SessionMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewSessionMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions.",
		}, []string{"phase"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "dial_attempts_total",
			Help:      "Feed dial attempts by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "records_total",
			Help:      "Decoded packets by side.",
		}, []string{"side"}),
		discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "discarded_records_total",
			Help:      "Records dropped for framing or decode errors.",
		}, []string{"reason"}),
		resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "resend_requests_total",
			Help:      "Missing sequences requested by resend.",
		}),
		currentPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase",
			Help:      "Current session phase (0 idle .. 6 aborted).",
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_sequence",
			Help:      "Sequence of the most recently received packet.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.phases, m.connects, m.records, m.discards, m.resends, m.currentPhase, m.lastSequence)
	}
	return m
}

var _ session.Observer = (*SessionMetrics)(nil)

func (m *SessionMetrics) OnPhase(p session.Phase) {
	m.phases.WithLabelValues(p.String()).Inc()
	m.currentPhase.Set(float64(p))
}

func (m *SessionMetrics) OnConnectAttempt(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.connects.WithLabelValues(outcome).Inc()
}

func (m *SessionMetrics) OnRecord(p wire.Packet) {
	side := "other"
	if p.Side.Known() {
		side = p.Side.String()
	}
	m.records.WithLabelValues(side).Inc()
	m.lastSequence.Set(float64(p.Sequence))
}

func (m *SessionMetrics) OnDiscard(err error) {
	reason := "decode"
	if errors.Is(err, protocol.ErrShortRecord) {
		reason = "short"
	}
	m.discards.WithLabelValues(reason).Inc()
}

func (m *SessionMetrics) OnResend(int32) {
	m.resends.Inc()
}
