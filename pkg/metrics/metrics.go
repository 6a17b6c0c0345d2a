package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hsu_autoupdate"

// Metrics records update-cycle activity. It satisfies the orchestrator
// recorder and the dispatcher failure recorder.
type Metrics struct {
	polls                *prometheus.CounterVec
	updatesDetected      prometheus.Counter
	warningsSent         prometheus.Counter
	notificationFailures *prometheus.CounterVec
	updatesApplied       *prometheus.CounterVec
	state                *prometheus.GaugeVec

	mutex        sync.Mutex
	currentState string
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		polls: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of version checks labelled by result",
			},
			[]string{"result"},
		),
		updatesDetected: promFactory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_detected_total",
			Help:      "Total number of detected version changes",
		}),
		warningsSent: promFactory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_sent_total",
			Help:      "Total number of countdown warnings broadcast",
		}),
		notificationFailures: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Total number of failed notification deliveries labelled by channel",
			},
			[]string{"channel"},
		),
		updatesApplied: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_applied_total",
				Help:      "Total number of update command runs labelled by result",
			},
			[]string{"result"},
		),
		state: promFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current orchestrator state, 1 for the active state",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) PollCompleted(result string) {
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) UpdateDetected() {
	m.updatesDetected.Inc()
}

func (m *Metrics) WarningSent() {
	m.warningsSent.Inc()
}

func (m *Metrics) NotificationFailed(channel string) {
	m.notificationFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) UpdateApplied(result string) {
	m.updatesApplied.WithLabelValues(result).Inc()
}

// StateChanged moves the active marker to state.
func (m *Metrics) StateChanged(state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.currentState != "" {
		m.state.WithLabelValues(m.currentState).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
	m.currentState = state
}
