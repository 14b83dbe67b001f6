package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the pool's view of the vault account. Values are in the pool's base
// currency; HealthFactor is WAD-scaled.
type AccountSnapshot struct {
	TotalCollateral         decimal.Decimal
	TotalDebt               decimal.Decimal
	AvailableBorrows        decimal.Decimal
	LiquidationThresholdBps int64
	LTVBps                  int64
	HealthFactor            decimal.Decimal
}

// NetValue is max(0, collateral - debt).
func (s AccountSnapshot) NetValue() decimal.Decimal {
	net := s.TotalCollateral.Sub(s.TotalDebt)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// HasDebt reports whether any debt is outstanding.
func (s AccountSnapshot) HasDebt() bool {
	return s.TotalDebt.IsPositive()
}

// Withdrawable returns how much collateral value can leave the account while the health
// factor stays at or above 1.0.
func (s AccountSnapshot) Withdrawable() decimal.Decimal {
	if !s.HasDebt() {
		return s.TotalCollateral
	}
	if s.LiquidationThresholdBps <= 0 {
		return decimal.Zero
	}
	// collateral needed so that collateral*lt == debt, rounded up by one unit
	required := MulDiv(s.TotalDebt, BPS, decimal.NewFromInt(s.LiquidationThresholdBps)).Add(decimal.NewFromInt(1))
	free := s.TotalCollateral.Sub(required)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// PositionSnapshot is the read model of the vault served to API clients, the snapshot store
// and metrics. Amounts are strings to keep full precision in JSON.
type PositionSnapshot struct {
	Timestamp               time.Time      `json:"ts"`
	TotalCollateral         string         `json:"total_collateral"`
	TotalDebt               string         `json:"total_debt"`
	AvailableBorrows        string         `json:"available_borrows"`
	HealthFactor            string         `json:"health_factor"`
	LiquidationThresholdBps int64          `json:"liquidation_threshold_bps"`
	LTVBps                  int64          `json:"ltv_bps"`
	IdleBalance             string         `json:"idle_balance"`
	TotalAssets             string         `json:"total_assets"`
	TotalShares             string         `json:"total_shares"`
	Depositors              int            `json:"depositors"`
	Paused                  bool           `json:"paused"`
	RiskState               string         `json:"risk_state"`
	Params                  RiskParameters `json:"params"`
}

// NewPositionSnapshot assembles the read model from live values. totalAssets is in base
// asset units.
func NewPositionSnapshot(ts time.Time, account AccountSnapshot, idle, totalAssets, totalShares decimal.Decimal,
	depositors int, paused bool, params RiskParameters) PositionSnapshot {
	return PositionSnapshot{
		Timestamp:               ts,
		TotalCollateral:         account.TotalCollateral.String(),
		TotalDebt:               account.TotalDebt.String(),
		AvailableBorrows:        account.AvailableBorrows.String(),
		HealthFactor:            account.HealthFactor.String(),
		LiquidationThresholdBps: account.LiquidationThresholdBps,
		LTVBps:                  account.LTVBps,
		IdleBalance:             idle.String(),
		TotalAssets:             totalAssets.String(),
		TotalShares:             totalShares.String(),
		Depositors:              depositors,
		Paused:                  paused,
		RiskState:               params.Classify(account.HealthFactor).String(),
		Params:                  params,
	}
}

// PositionSnapshotRecord bundles a snapshot with its store index.
type PositionSnapshotRecord struct {
	Index    uint64
	Snapshot PositionSnapshot
}
