// Package metrics exposes vault and keeper Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

const namespace = "loopvault"

// OperationDuration is the wall time of mutating vault calls, including pool round trips.
var OperationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "operation_duration_seconds",
		Help:      "Duration of vault operations in seconds",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
	},
	[]string{"operation"},
)

// Operations counts vault calls by outcome; result is "ok" or the error kind.
var Operations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "operations_total",
		Help:      "Total number of vault operations by result",
	},
	[]string{"operation", "result"},
)

var LoopIterations = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "loop_iterations",
		Help:      "Borrow/supply pairs executed per deposit",
		Buckets:   prometheus.LinearBuckets(0, 1, domain.MaxLoopIterationsLimit+1),
	},
)

var RebalanceActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "rebalance_actions_total",
		Help:      "Rebalance outcomes by action",
	},
	[]string{"action"},
)

// ============ position gauges ============

var HealthFactor = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "health_factor",
		Help:      "Current health factor (1.0 = liquidation threshold)",
	},
)

var TotalCollateral = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "total_collateral",
		Help:      "Collateral value in base currency units",
	},
)

var TotalDebt = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "total_debt",
		Help:      "Debt value in base currency units",
	},
)

var TotalAssets = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "total_assets",
		Help:      "Net assets owned by depositors",
	},
)

var TotalShares = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "total_shares",
		Help:      "Outstanding vault shares",
	},
)

var Paused = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "paused",
		Help:      "1 when deposits are paused",
	},
)

// ============ keeper ============

var KeeperRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "runs_total",
		Help:      "Keeper rebalance attempts by result",
	},
	[]string{"result"},
)

var KeeperRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "retries_total",
		Help:      "Rebalance retries after a pool failure",
	},
)

// ObserveOperation records one vault call.
func ObserveOperation(op domain.Operation, err error, elapsed time.Duration) {
	OperationDuration.WithLabelValues(op.String()).Observe(elapsed.Seconds())
	Operations.WithLabelValues(op.String(), resultLabel(err)).Inc()
}

// ObservePosition refreshes the position gauges. Token amounts are reported in whole tokens.
func ObservePosition(s domain.PositionSnapshot) {
	setFromUnits(TotalCollateral, s.TotalCollateral)
	setFromUnits(TotalDebt, s.TotalDebt)
	setFromUnits(TotalAssets, s.TotalAssets)
	setFromUnits(TotalShares, s.TotalShares)
	setFromUnits(HealthFactor, s.HealthFactor)
	if s.Paused {
		Paused.Set(1)
	} else {
		Paused.Set(0)
	}
}

// ObserveKeeperRun counts one keeper tick.
func ObserveKeeperRun(err error) {
	KeeperRuns.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.KindOf(err).String()
}

// setFromUnits sets g from an 18-decimal fixed point string; WAD health factors use the same scale.
func setFromUnits(g prometheus.Gauge, units string) {
	v, err := decimal.NewFromString(units)
	if err != nil {
		return
	}
	g.Set(v.Shift(-domain.TokenDecimals).InexactFloat64())
}
