package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for tip settlement and approvals
var (
	TipsRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tributum_tips_recorded_total",
			Help: "Total number of tips settled on-chain and recorded",
		},
	)

	TipsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributum_tips_rejected_total",
			Help: "Total number of tip requests that did not record a tip, by reason code",
		},
		[]string{"code"},
	)

	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tributum_settlement_duration_seconds",
			Help:    "Duration from transaction submission to finality",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"variant"},
	)

	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributum_approvals_total",
			Help: "Total number of approval flows, by outcome",
		},
		[]string{"outcome"},
	)

	SettlementsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tributum_settlements_in_flight",
			Help: "Number of settlements currently waiting for finality",
		},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics. It is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TipsRecordedTotal)
		prometheus.MustRegister(TipsRejectedTotal)
		prometheus.MustRegister(SettlementDuration)
		prometheus.MustRegister(ApprovalsTotal)
		prometheus.MustRegister(SettlementsInFlight)
	})
}
