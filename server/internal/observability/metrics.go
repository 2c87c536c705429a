// Package observability exposes the service's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshCycles counts completed refresh cycles by outcome
	// (ok, unavailable).
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kwranking_refresh_cycles_total",
		Help: "Total number of refresh cycles by result",
	}, []string{"result"})

	// ProviderFetches counts per-host telemetry calls by outcome
	// (ok, empty, error, rejected).
	ProviderFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kwranking_provider_fetches_total",
		Help: "Total number of telemetry fetches by result",
	}, []string{"result"})

	// RefreshCycleDuration tracks the wall time of one refresh cycle.
	RefreshCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kwranking_refresh_cycle_duration_seconds",
		Help:    "Duration of one refresh cycle",
		Buckets: prometheus.DefBuckets,
	})

	// Sorts counts ranking computations by method and outcome.
	Sorts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kwranking_sorts_total",
		Help: "Total number of ranking sorts by method and result",
	}, []string{"method", "result"})
)

// Sizer is the part of the ranking database the size gauges read.
type Sizer interface {
	Len() int
	Waiting() []string
}

// RegisterDatabase registers gauges that read the host and waitlist sizes
// from db at scrape time.
func RegisterDatabase(reg prometheus.Registerer, db Sizer) error {
	hosts := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kwranking_hosts",
		Help: "Number of host records in the ranking database",
	}, func() float64 { return float64(db.Len()) })

	waiting := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kwranking_waitlist",
		Help: "Number of hosts waiting for their first sample",
	}, func() float64 { return float64(len(db.Waiting())) })

	if err := reg.Register(hosts); err != nil {
		return err
	}
	return reg.Register(waiting)
}
