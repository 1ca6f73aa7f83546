package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement holds the counters the settlement API exposes. Outcome labels
// match the error taxonomy so dashboards can split validation noise from the
// conditions that need a human.
type Settlement struct {
	Completions     *prometheus.CounterVec
	CompleteSeconds prometheus.Histogram
	Compensations   *prometheus.CounterVec
}

func NewSettlement(service string) *Settlement {
	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: service,
		Name:      "completions_total",
		Help:      "Complete calls by outcome.",
	}, []string{"outcome"})
	seconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: service,
		Name:      "complete_duration_seconds",
		Help:      "Wall time of the Complete flow including compensation.",
		Buckets:   prometheus.DefBuckets,
	})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: service,
		Name:      "compensations_total",
		Help:      "Compensating cancellations by result.",
	}, []string{"result"})

	prometheus.MustRegister(completions, seconds, compensations)
	return &Settlement{Completions: completions, CompleteSeconds: seconds, Compensations: compensations}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
