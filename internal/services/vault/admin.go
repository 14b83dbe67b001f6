package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/pool"
)

// EmergencyResult reports what EmergencyWithdrawAll moved.
type EmergencyResult struct {
	DebtRepaid         decimal.Decimal `json:"debt_repaid"`
	CollateralReleased decimal.Decimal `json:"collateral_released"`
}

// EmergencyWithdrawAll repays all debt in health-safe rounds, withdraws every asset from the
// pool into the vault and pauses deposits. Holders can still withdraw their share of the idle
// funds afterwards. Operator only.
func (v *Vault) EmergencyWithdrawAll(ctx context.Context, caller common.Address) (EmergencyResult, error) {
	var result EmergencyResult

	err := v.execute(ctx, domain.OperationEmergencyWithdraw, caller, decimal.Zero, func(ctx context.Context) error {
		result = EmergencyResult{DebtRepaid: decimal.Zero, CollateralReleased: decimal.Zero}

		snap, err := v.accountSnapshot(ctx)
		if err != nil {
			return err
		}

		if snap.HasDebt() {
			price, err := v.assetPrice(ctx, v.borrow.Address())
			if err != nil {
				return err
			}
			debt := domain.ValueToUnitsUp(snap.TotalDebt, price)
			if result.DebtRepaid, err = v.repayWithCollateral(ctx, snap, price, debt, emergencyMaxSteps); err != nil {
				return err
			}
			if snap, err = v.accountSnapshot(ctx); err != nil {
				return err
			}
			if snap.HasDebt() {
				return domain.OperationalState("debt_outstanding_after_repay", nil)
			}
		}

		if snap.TotalCollateral.IsPositive() {
			released, err := v.withdrawBase(ctx, snap.TotalCollateral, true)
			if err != nil {
				return err
			}
			result.CollateralReleased = result.CollateralReleased.Add(released)

			// whatever is left is borrow-asset collateral
			if snap, err = v.accountSnapshot(ctx); err != nil {
				return err
			}
			if snap.TotalCollateral.IsPositive() {
				withdrawn, err := v.pool.Withdraw(ctx, v.borrow.Address(), pool.MaxAmount, v.address)
				if err != nil {
					return domain.PoolFailure("pool_withdraw_failed", err)
				}
				result.CollateralReleased = result.CollateralReleased.Add(withdrawn)
			}
		}

		v.paused = true
		return nil
	})
	if err != nil {
		return EmergencyResult{}, err
	}

	v.l.Warn("emergency withdraw executed, deposits paused",
		zap.String("debt_repaid", domain.Human(result.DebtRepaid)),
		zap.String("collateral_released", domain.Human(result.CollateralReleased)))
	return result, nil
}

// Unpause re-enables deposits. Operator only.
func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	err := v.execute(ctx, domain.OperationUnpause, caller, decimal.Zero, func(ctx context.Context) error {
		v.paused = false
		return nil
	})
	if err != nil {
		return err
	}
	v.l.Info("deposits unpaused", zap.Stringer("caller", caller))
	return nil
}

// UpdateRiskParameters replaces the health factor band and target LTV; the loop iteration limit
// is kept. Invalid updates leave the current parameters in place. Operator only.
func (v *Vault) UpdateRiskParameters(ctx context.Context, caller common.Address, target, min, max decimal.Decimal, targetLTVBps int64) (domain.RiskParameters, error) {
	var updated domain.RiskParameters

	err := v.execute(ctx, domain.OperationUpdateParams, caller, decimal.Zero, func(ctx context.Context) error {
		params, err := domain.NewRiskParameters(target, min, max, targetLTVBps, v.params.MaxLoopIterations)
		if err != nil {
			return err
		}
		v.params = params
		updated = params
		return nil
	})
	if err != nil {
		return domain.RiskParameters{}, err
	}

	v.l.Info("risk parameters updated",
		zap.String("target_health_factor", domain.FromWad(updated.TargetHealthFactor).String()),
		zap.String("min_health_factor", domain.FromWad(updated.MinHealthFactor).String()),
		zap.String("max_health_factor", domain.FromWad(updated.MaxHealthFactor).String()),
		zap.Int64("target_ltv_bps", updated.TargetLTVBps))
	return updated, nil
}
