package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shrinkd",
		Subsystem: "stage",
		Name:      "processed_total",
		Help:      "Videos successfully processed per stage.",
	}, []string{"stage"})

	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shrinkd",
		Subsystem: "stage",
		Name:      "failed_total",
		Help:      "Per-video failures per stage.",
	}, []string{"stage"})

	pausedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shrinkd",
		Subsystem: "stage",
		Name:      "paused",
		Help:      "1 while the stage's producer is paused.",
	}, []string{"stage"})

	inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shrinkd",
		Subsystem: "stage",
		Name:      "in_flight",
		Help:      "1 while the stage's processor is busy.",
	}, []string{"stage"})
)
