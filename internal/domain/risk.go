package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MaxLoopIterationsLimit bounds the loop so a deposit stays a handful of pool calls.
	MaxLoopIterationsLimit = 16

	// DeleverStepBps is the share of outstanding debt repaid by one delever step.
	DeleverStepBps = 1_000
	// ReleverStepBps is the share of available borrowing power used by one relever step.
	ReleverStepBps = 2_500
)

// RiskParameters bound the leverage the vault runs with. Health factors are WAD-scaled.
type RiskParameters struct {
	TargetHealthFactor decimal.Decimal `json:"target_health_factor"`
	MinHealthFactor    decimal.Decimal `json:"min_health_factor"`
	MaxHealthFactor    decimal.Decimal `json:"max_health_factor"`
	TargetLTVBps       int64           `json:"target_ltv_bps"`
	MaxLoopIterations  int             `json:"max_loop_iterations"`
}

// NewRiskParameters creates validated risk parameters.
func NewRiskParameters(target, min, max decimal.Decimal, targetLTVBps int64, maxLoopIterations int) (RiskParameters, error) {
	if !min.IsPositive() {
		return RiskParameters{}, InvalidInput(fmt.Sprintf("min_health_factor_not_positive: %s", min.String()))
	}
	if !min.LessThan(target) {
		return RiskParameters{}, InvalidInput("min_health_factor_not_below_target")
	}
	if !target.LessThan(max) {
		return RiskParameters{}, InvalidInput("target_health_factor_not_below_max")
	}
	if targetLTVBps <= 0 || targetLTVBps >= BPS.IntPart() {
		return RiskParameters{}, InvalidInput(fmt.Sprintf("target_ltv_out_of_range: %d", targetLTVBps))
	}
	if maxLoopIterations < 1 || maxLoopIterations > MaxLoopIterationsLimit {
		return RiskParameters{}, InvalidInput(fmt.Sprintf("max_loop_iterations_out_of_range: %d", maxLoopIterations))
	}

	return RiskParameters{
		TargetHealthFactor: target,
		MinHealthFactor:    min,
		MaxHealthFactor:    max,
		TargetLTVBps:       targetLTVBps,
		MaxLoopIterations:  maxLoopIterations,
	}, nil
}

// Validate re-checks the invariants, e.g. after decoding from WAL.
func (p RiskParameters) Validate() error {
	_, err := NewRiskParameters(p.TargetHealthFactor, p.MinHealthFactor, p.MaxHealthFactor, p.TargetLTVBps, p.MaxLoopIterations)
	return err
}

// RiskState is the band a health factor falls into.
type RiskState int

const (
	RiskStateInBand RiskState = iota
	RiskStateBelowMin
	RiskStateAboveMax
)

func (s RiskState) String() string {
	switch s {
	case RiskStateBelowMin:
		return "below_min"
	case RiskStateAboveMax:
		return "above_max"
	default:
		return "in_band"
	}
}

// Classify places a health factor relative to [min, max].
func (p RiskParameters) Classify(healthFactor decimal.Decimal) RiskState {
	if healthFactor.LessThan(p.MinHealthFactor) {
		return RiskStateBelowMin
	}
	if healthFactor.GreaterThan(p.MaxHealthFactor) {
		return RiskStateAboveMax
	}
	return RiskStateInBand
}
