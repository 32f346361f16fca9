package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_cycles_total",
			Help: "Completed analysis cycles by resulting direction",
		},
		[]string{"instrument", "direction"},
	)
	cycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_cycle_errors_total",
			Help: "Analysis cycles that failed or were skipped",
		},
		[]string{"instrument", "reason"},
	)
	signalConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentry_signal_confidence",
			Help:    "Confidence of produced signals",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"instrument"},
	)
	timeframesUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentry_timeframes_used",
			Help: "Timeframes with sufficient data in the last cycle",
		},
		[]string{"instrument"},
	)
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_admissions_total",
			Help: "Admission decisions by reason code",
		},
		[]string{"code"},
	)
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_executions_total",
			Help: "Execution runs by terminal state and reason code",
		},
		[]string{"state", "code"},
	)
	venueAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_venue_attempts_total",
			Help: "Venue interaction attempts",
		},
		[]string{"step", "strategy", "result"},
	)
	placementLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentry_placement_duration_seconds",
			Help:    "Time spent in the placing state",
			Buckets: prometheus.DefBuckets,
		},
	)
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_outcomes_total",
			Help: "Closed trades by result",
		},
		[]string{"result"},
	)
	netPayout = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_net_payout",
			Help: "Cumulative net payout of closed trades since start",
		},
	)
	emergencyStop = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_emergency_stop",
			Help: "1 when the emergency stop is active",
		},
	)
	consecutiveLosses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_consecutive_losses",
			Help: "Current consecutive loss count",
		},
	)
	pendingEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_journal_pending_evicted_total",
			Help: "Pending trades dropped from a full journal before their outcome arrived",
		},
	)
	venueBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_venue_balance",
			Help: "Last observed venue balance",
		},
	)
)

// Handler Prometheus 抓取接口
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordCycle(instrument, direction string, confidence float64, timeframes int) {
	cyclesTotal.WithLabelValues(instrument, direction).Inc()
	signalConfidence.WithLabelValues(instrument).Observe(confidence)
	timeframesUsed.WithLabelValues(instrument).Set(float64(timeframes))
}

func RecordCycleError(instrument, reason string) {
	cycleErrors.WithLabelValues(instrument, reason).Inc()
}

func RecordAdmission(code string) {
	admissionsTotal.WithLabelValues(code).Inc()
}

func RecordExecution(state, code string) {
	executionsTotal.WithLabelValues(state, code).Inc()
}

func RecordVenueAttempt(step, strategy string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	venueAttempts.WithLabelValues(step, strategy, result).Inc()
}

func RecordPlacementLatency(d time.Duration) {
	placementLatency.Observe(d.Seconds())
}

// RecordOutcome 记录结算结果，pnl 为净盈亏
func RecordOutcome(result string, pnl float64) {
	outcomesTotal.WithLabelValues(result).Inc()
	netPayout.Add(pnl)
}

func SetEmergencyStop(active bool) {
	if active {
		emergencyStop.Set(1)
		return
	}
	emergencyStop.Set(0)
}

func SetConsecutiveLosses(n int) {
	consecutiveLosses.Set(float64(n))
}

func RecordPendingEvicted() {
	pendingEvicted.Inc()
}

func SetVenueBalance(balance float64) {
	venueBalance.Set(balance)
}
