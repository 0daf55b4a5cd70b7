// Package metrics holds the prometheus collectors of a survey run.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream labels.
const (
	Navigation = "navigation"
	Ranging    = "ranging"
)

var (
	SentencesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "survey_sentences_received_total",
			Help: "Raw sentences received per stream.",
		},
		[]string{"stream"},
	)
	SentencesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "survey_sentences_discarded_total",
			Help: "Raw sentences discarded per stream and reason.",
		},
		[]string{"stream", "reason"},
	)
	FixesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "survey_fixes_total",
		Help: "Navigation fixes completed by the aggregator.",
	})
	Observations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "survey_observations_total",
		Help: "Observations emitted by the synchronizer.",
	})
	Outliers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "survey_outliers",
		Help: "Observations flagged as outliers by the latest solve.",
	})
	StdErr = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "survey_std_error_metres",
		Help: "Standard error of the latest solve.",
	})
	SlantRange = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "survey_slant_range_metres",
		Help:    "Slant ranges of emitted observations.",
		Buckets: prometheus.LinearBuckets(0, 500, 16),
	})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. It may be called more than
// once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SentencesReceived)
		prometheus.MustRegister(SentencesDiscarded)
		prometheus.MustRegister(FixesCompleted)
		prometheus.MustRegister(Observations)
		prometheus.MustRegister(Outliers)
		prometheus.MustRegister(StdErr)
		prometheus.MustRegister(SlantRange)
	})
}
