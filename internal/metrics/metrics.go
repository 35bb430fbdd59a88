package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
)

const namespace = "signals"

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Inbound events handled by the incident engine, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	incidentsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents created, partitioned by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	incidentsUpdated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_updated_total",
			Help:      "Triggers folded into an already open incident.",
		},
		[]string{"escalated"},
	)

	incidentsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_resolved_total",
			Help:      "Incidents moved to resolved.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_jobs_total",
			Help:      "AI job transitions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	inferenceSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Inference provider latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		},
		[]string{"outcome"},
	)
)

// Register attaches the collectors to reg. Already registered collectors are skipped.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		incidentsOpened,
		incidentsUpdated,
		incidentsResolved,
		jobsTotal,
		inferenceSeconds,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func EventProcessed(outcome string) {
	eventsTotal.WithLabelValues(outcome).Inc()
}

func IncidentOpened(rule, severity string) {
	incidentsOpened.WithLabelValues(rule, severity).Inc()
}

func IncidentUpdated(escalated bool) {
	label := "false"
	if escalated {
		label = "true"
	}
	incidentsUpdated.WithLabelValues(label).Inc()
}

func IncidentResolved() {
	incidentsResolved.Inc()
}

func JobTransition(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

func ObserveInference(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	if duration < 0 {
		duration = 0
	}
	inferenceSeconds.WithLabelValues(label).Observe(duration.Seconds())
}
