package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/metrics"
	"github.com/vadiminshakov/loopvault/internal/pool"
)

const (
	// bounds the health-safe withdraw/repay rounds of one delever or unwind
	deleverMaxSteps = 16
	// emergency exits from a barely healthy position need many small rounds
	emergencyMaxSteps = 128
)

// RebalanceResult describes what one Rebalance or Delever call did.
type RebalanceResult struct {
	Action             domain.RebalanceAction `json:"action"`
	HealthFactorBefore decimal.Decimal        `json:"health_factor_before"`
	// Amount is the debt repaid (delever) or the amount borrowed and re-supplied (relever).
	Amount decimal.Decimal `json:"amount"`
}

// Rebalance reads the live health factor and takes one step back toward the band: a delever
// step below min, a relever step above max, nothing inside [min, max]. Anyone may call it;
// reaching the band may take several calls. A call that leaves the position untouched is not
// journaled.
func (v *Vault) Rebalance(ctx context.Context, caller common.Address) (RebalanceResult, error) {
	var (
		result RebalanceResult
		snap   domain.AccountSnapshot
		state  domain.RiskState
	)

	needed := func(ctx context.Context) (bool, error) {
		result = RebalanceResult{Action: domain.RebalanceNoOp, Amount: decimal.Zero}

		var err error
		if snap, err = v.accountSnapshot(ctx); err != nil {
			return false, err
		}
		result.HealthFactorBefore = snap.HealthFactor

		switch state = v.params.Classify(snap.HealthFactor); state {
		case domain.RiskStateBelowMin:
			return snap.HasDebt(), nil
		case domain.RiskStateAboveMax:
			if v.paused {
				v.l.Info("relever skipped while paused")
				return false, nil
			}
			return snap.AvailableBorrows.IsPositive(), nil
		default:
			return false, nil
		}
	}

	err := v.executeIf(ctx, domain.OperationRebalance, caller, decimal.Zero, needed, func(ctx context.Context) error {
		if state == domain.RiskStateBelowMin {
			repaid, err := v.deleverStep(ctx, snap)
			if err != nil {
				return err
			}
			if repaid.IsPositive() {
				result.Action, result.Amount = domain.RebalanceDelever, repaid
			}
			return nil
		}

		borrowed, err := v.releverStep(ctx, snap)
		if err != nil {
			return err
		}
		if borrowed.IsPositive() {
			result.Action, result.Amount = domain.RebalanceRelever, borrowed
		}
		return nil
	})
	if err != nil {
		return RebalanceResult{}, err
	}

	metrics.RebalanceActions.WithLabelValues(result.Action.String()).Inc()
	if result.Action != domain.RebalanceNoOp {
		v.l.Info("rebalanced",
			zap.String("action", result.Action.String()),
			zap.String("health_factor_before", domain.FromWad(result.HealthFactorBefore).String()),
			zap.String("amount", domain.Human(result.Amount)),
			zap.Stringer("caller", caller))
	}
	return result, nil
}

// Delever runs one delever step regardless of the band. Operator only.
func (v *Vault) Delever(ctx context.Context, caller common.Address) (RebalanceResult, error) {
	var result RebalanceResult

	err := v.execute(ctx, domain.OperationDelever, caller, decimal.Zero, func(ctx context.Context) error {
		result = RebalanceResult{Action: domain.RebalanceNoOp, Amount: decimal.Zero}

		snap, err := v.accountSnapshot(ctx)
		if err != nil {
			return err
		}
		result.HealthFactorBefore = snap.HealthFactor

		repaid, err := v.deleverStep(ctx, snap)
		if err != nil {
			return err
		}
		if repaid.IsPositive() {
			result.Action, result.Amount = domain.RebalanceDelever, repaid
		}
		return nil
	})
	if err != nil {
		return RebalanceResult{}, err
	}

	v.l.Info("delever executed",
		zap.String("health_factor_before", domain.FromWad(result.HealthFactorBefore).String()),
		zap.String("repaid", domain.Human(result.Amount)))
	return result, nil
}

// deleverStep repays 10% of the outstanding debt with borrow-asset collateral. It does nothing
// when the health factor is already at or above target. The result is in borrow asset units.
func (v *Vault) deleverStep(ctx context.Context, snap domain.AccountSnapshot) (decimal.Decimal, error) {
	if snap.HealthFactor.GreaterThanOrEqual(v.params.TargetHealthFactor) {
		return decimal.Zero, nil
	}

	price, err := v.assetPrice(ctx, v.borrow.Address())
	if err != nil {
		return decimal.Zero, err
	}
	amount := domain.ValueToUnits(domain.ApplyBps(snap.TotalDebt, domain.DeleverStepBps), price)
	if amount.IsZero() {
		return decimal.Zero, nil
	}

	return v.repayWithCollateral(ctx, snap, price, amount, deleverMaxSteps)
}

// releverStep borrows 25% of the available borrowing power and supplies it back. The result is
// in borrow asset units.
func (v *Vault) releverStep(ctx context.Context, snap domain.AccountSnapshot) (decimal.Decimal, error) {
	if !snap.AvailableBorrows.IsPositive() {
		return decimal.Zero, nil
	}

	price, err := v.assetPrice(ctx, v.borrow.Address())
	if err != nil {
		return decimal.Zero, err
	}
	amount := domain.ValueToUnits(domain.ApplyBps(snap.AvailableBorrows, domain.ReleverStepBps), price)
	if amount.IsZero() {
		return decimal.Zero, nil
	}

	if err := v.pool.Borrow(ctx, v.borrow.Address(), amount, pool.InterestRateModeVariable, pool.ReferralCode, v.address); err != nil {
		return decimal.Zero, domain.PoolFailure("pool_borrow_failed", err)
	}
	if err := v.pool.Supply(ctx, v.borrow.Address(), amount, v.address, pool.ReferralCode); err != nil {
		return decimal.Zero, domain.PoolFailure("pool_supply_failed", err)
	}
	return amount, nil
}

// repayWithCollateral withdraws borrow-asset collateral and repays the same amount of debt until
// amount (borrow asset units) is repaid or no debt is left. Snapshot values are converted at
// price. Each round is capped by the collateral that can leave while the health factor stays at
// or above 1, so deep positions unwind over several rounds. snap is the snapshot the caller
// decided on and is used for the first round.
func (v *Vault) repayWithCollateral(ctx context.Context, snap domain.AccountSnapshot, price, amount decimal.Decimal, maxSteps int) (decimal.Decimal, error) {
	repaid := decimal.Zero

	for step := 0; repaid.LessThan(amount); step++ {
		if step == maxSteps {
			return repaid, domain.OperationalState("repay_rounds_exhausted", nil)
		}
		if step > 0 {
			var err error
			if snap, err = v.accountSnapshot(ctx); err != nil {
				return repaid, err
			}
			if !snap.HasDebt() {
				break
			}
		}

		chunk := domain.MinDecimal(amount.Sub(repaid), domain.ValueToUnits(snap.Withdrawable(), price))
		chunk = domain.MinDecimal(chunk, domain.ValueToUnitsUp(snap.TotalDebt, price))
		if !chunk.IsPositive() {
			return repaid, domain.OperationalState("no_withdrawable_collateral", nil)
		}

		withdrawn, err := v.pool.Withdraw(ctx, v.borrow.Address(), chunk, v.address)
		if err != nil {
			return repaid, domain.PoolFailure("pool_withdraw_failed", err)
		}
		got, err := v.pool.Repay(ctx, v.borrow.Address(), withdrawn, pool.InterestRateModeVariable, v.address)
		if err != nil {
			return repaid, domain.PoolFailure("pool_repay_failed", err)
		}
		if !got.IsPositive() {
			return repaid, domain.PoolFailure("pool_repay_failed", nil)
		}
		repaid = repaid.Add(got)
	}

	return repaid, nil
}
