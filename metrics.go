package gatekeeper

import (
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultSubsystem = "gatekeeper"

// MetricsConfig configures Prometheus metrics.
// If Registry is nil, metrics collection is disabled.
type MetricsConfig struct {
	Registry  *prometheus.Registry
	Namespace string
	Subsystem string
}

// metrics holds counters for the verification flow. The registry state is the
// source of truth; these are pure observability with no invariants of their own.
type metrics struct {
	MetricsConfig

	joinsTotal          prometheus.Counter
	passedTotal         prometheus.Counter
	failedTotal         prometheus.Counter
	wrongAnswersTotal   prometheus.Counter
	suppressedTotal     prometheus.Counter
	ignoredEventsTotal  *prometheus.CounterVec
	platformErrorsTotal *prometheus.CounterVec
	pendingUsers        prometheus.Gauge

	chatActivity *abstract.SafeMap[int64, time.Time]

	disabled bool
}

func newMetrics(config MetricsConfig) *metrics {
	if config.Registry == nil {
		return &metrics{disabled: true}
	}

	m := &metrics{
		MetricsConfig: config,
		chatActivity:  abstract.NewSafeMap[int64, time.Time](),
	}

	m.joinsTotal = m.newSimpleCounter("joins_total", "Total number of challenged join events")
	m.passedTotal = m.newSimpleCounter("passed_total", "Total number of passed verifications")
	m.failedTotal = m.newSimpleCounter("failed_total", "Total number of failed verifications (kicks)")
	m.wrongAnswersTotal = m.newSimpleCounter("wrong_answers_total", "Total number of wrong answer presses")
	m.suppressedTotal = m.newSimpleCounter("suppressed_messages_total", "Total number of deleted messages from pending users")
	m.ignoredEventsTotal = m.newCounter("ignored_events_total", "Total number of ignored events by reason", "reason")
	m.platformErrorsTotal = m.newCounter("platform_errors_total", "Total number of failed platform calls by operation", "op")
	m.pendingUsers = m.newSimpleGauge("pending_users", "Number of users currently under challenge")

	return m
}

func (m *metrics) newSimpleCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.Namespace,
		Subsystem: m.subsystem(),
		Name:      name,
		Help:      help,
	})
	m.Registry.MustRegister(c)
	return c
}

func (m *metrics) newCounter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.Namespace,
		Subsystem: m.subsystem(),
		Name:      name,
		Help:      help,
	}, labels)
	m.Registry.MustRegister(c)
	return c
}

func (m *metrics) newSimpleGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.Namespace,
		Subsystem: m.subsystem(),
		Name:      name,
		Help:      help,
	})
	m.Registry.MustRegister(g)
	return g
}

func (m *metrics) subsystem() string {
	if m.Subsystem == "" {
		return defaultSubsystem
	}
	return m.Subsystem
}

func (m *metrics) Join(chatID int64) {
	if m.disabled {
		return
	}
	m.joinsTotal.Inc()
	m.pendingUsers.Inc()
	m.chatActivity.Set(chatID, time.Now())
}

func (m *metrics) Passed(chatID int64) {
	if m.disabled {
		return
	}
	m.passedTotal.Inc()
	m.pendingUsers.Dec()
	m.chatActivity.Set(chatID, time.Now())
}

func (m *metrics) Failed(chatID int64) {
	if m.disabled {
		return
	}
	m.failedTotal.Inc()
	m.pendingUsers.Dec()
	m.chatActivity.Set(chatID, time.Now())
}

func (m *metrics) WrongAnswer() {
	if m.disabled {
		return
	}
	m.wrongAnswersTotal.Inc()
}

func (m *metrics) Suppressed() {
	if m.disabled {
		return
	}
	m.suppressedTotal.Inc()
}

func (m *metrics) Ignored(reason string) {
	if m.disabled {
		return
	}
	m.ignoredEventsTotal.WithLabelValues(reason).Inc()
}

func (m *metrics) PlatformError(op string) {
	if m.disabled {
		return
	}
	m.platformErrorsTotal.WithLabelValues(op).Inc()
}

// LastActivity returns the time of the last join or resolve in the chat.
func (m *metrics) LastActivity(chatID int64) (time.Time, bool) {
	if m.disabled {
		return time.Time{}, false
	}
	return m.chatActivity.Lookup(chatID)
}
