package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WithdrawalMetrics records outcomes of on-chain withdrawal attempts.
type WithdrawalMetrics struct {
	settlementDuration *prometheus.HistogramVec
	outcomes           *prometheus.CounterVec
}

// NewWithdrawalMetrics registers the withdrawal metrics on the provided registerer.
func NewWithdrawalMetrics(reg prometheus.Registerer) *WithdrawalMetrics {
	if reg == nil {
		return &WithdrawalMetrics{}
	}
	settlementDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_transfer_duration_seconds",
		Help:    "Duration of settlement gateway transfer calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawal_attempt_outcomes",
		Help: "Terminal and parked withdrawal attempt outcomes by status.",
	}, []string{"status"})
	reg.MustRegister(settlementDuration, outcomes)
	return &WithdrawalMetrics{
		settlementDuration: settlementDuration,
		outcomes:           outcomes,
	}
}

// ObserveSettlementDuration records the duration of a gateway transfer call.
func (m *WithdrawalMetrics) ObserveSettlementDuration(gateway string, duration time.Duration) {
	if m == nil || m.settlementDuration == nil {
		return
	}
	m.settlementDuration.WithLabelValues(normalizeLabel(gateway)).Observe(duration.Seconds())
}

// IncOutcome increments the outcome counter for the given attempt status.
func (m *WithdrawalMetrics) IncOutcome(status string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
