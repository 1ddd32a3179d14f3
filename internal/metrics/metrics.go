// Package metrics holds the Prometheus collectors of a matching run.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var PairsSelected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "pairs",
	Name:      "selected",
}, []string{"strategy"})

var PairsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "pairs",
	Name:      "completed",
}, []string{"result"})

var TilePairs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "tiles",
	Name:      "pairs",
}, []string{"result"})

var CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "tiles",
	Name:      "cache_lookups",
}, []string{"result"})

var ExtractionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "tiles",
	Name:      "extraction_failures",
}, []string{"extractor"})

var StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "dimatch",
	Subsystem: "run",
	Name:      "stage_duration_seconds",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
}, []string{"stage"})

var Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dimatch",
	Subsystem: "run",
	Name:      "total",
}, []string{"status"})

// Collectors lists every collector of this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PairsSelected,
		PairsCompleted,
		TilePairs,
		CacheLookups,
		ExtractionFailures,
		StageDuration,
		Runs,
	}
}

// Register adds the collectors to reg. Already registered collectors are
// skipped so that tests can register more than once.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
