// Package metrics exposes Prometheus collectors for the scheduler, hub and
// hardware adapter. A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	taskExecutions  *prometheus.CounterVec
	stateChanges    *prometheus.CounterVec
	fanoutFailures  *prometheus.CounterVec
	eventDrops      *prometheus.CounterVec
	espSessions     prometheus.Gauge
	armedTimers     prometheus.Gauge
	notificationJob *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		taskExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homehub_task_executions_total",
				Help: "Task executions by outcome.",
			},
			[]string{"outcome"}),
		stateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homehub_state_changes_total",
				Help: "Accepted device state changes by origin.",
			},
			[]string{"origin"}),
		fanoutFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homehub_fanout_failures_total",
				Help: "State update deliveries that failed, by destination.",
			},
			[]string{"destination"}),
		eventDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homehub_event_bus_dropped_total",
				Help: "Task events dropped because a subscriber was full.",
			},
			[]string{"subscriber"}),
		espSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "homehub_esp_sessions",
				Help: "Authenticated hardware bridge sessions.",
			}),
		armedTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "homehub_armed_timers",
				Help: "Task execution timers currently armed.",
			}),
		notificationJob: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homehub_notifications_total",
				Help: "Notification jobs processed, by kind and result.",
			},
			[]string{"kind", "result"}),
	}
	reg.MustRegister(m.taskExecutions)
	reg.MustRegister(m.stateChanges)
	reg.MustRegister(m.fanoutFailures)
	reg.MustRegister(m.eventDrops)
	reg.MustRegister(m.espSessions)
	reg.MustRegister(m.armedTimers)
	reg.MustRegister(m.notificationJob)
	return m
}

func (m *Metrics) TaskExecuted(outcome string) {
	if m == nil {
		return
	}
	m.taskExecutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StateChanged(origin string) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(origin).Inc()
}

func (m *Metrics) FanoutFailed(destination string) {
	if m == nil {
		return
	}
	m.fanoutFailures.WithLabelValues(destination).Inc()
}

func (m *Metrics) EventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.eventDrops.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) SetESPSessions(n int) {
	if m == nil {
		return
	}
	m.espSessions.Set(float64(n))
}

func (m *Metrics) SetArmedTimers(n int) {
	if m == nil {
		return
	}
	m.armedTimers.Set(float64(n))
}

func (m *Metrics) NotificationProcessed(kind, result string) {
	if m == nil {
		return
	}
	m.notificationJob.WithLabelValues(kind, result).Inc()
}
