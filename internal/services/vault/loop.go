package vault

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/metrics"
	"github.com/vadiminshakov/loopvault/internal/pool"
)

// openLoop supplies initialAmount of the base asset and then repeatedly borrows targetLTV of
// the previous supply and supplies it back. Each round is based on the previous borrow, so the
// exposure converges toward 1/(1-targetLTV). Rounds are sized by value and converted into
// borrow asset units at the oracle price. The loop stops early when the borrow rounds to zero
// or the live health factor drops below target. It returns the borrow/supply pairs executed.
func (v *Vault) openLoop(ctx context.Context, initialAmount decimal.Decimal) (int, error) {
	basePrice, err := v.assetPrice(ctx, v.base.Address())
	if err != nil {
		return 0, err
	}
	borrowPrice, err := v.assetPrice(ctx, v.borrow.Address())
	if err != nil {
		return 0, err
	}

	if err := v.pool.Supply(ctx, v.base.Address(), initialAmount, v.address, pool.ReferralCode); err != nil {
		return 0, domain.PoolFailure("pool_supply_failed", err)
	}

	currentSupply := domain.UnitsToValue(initialAmount, basePrice)
	iterations := 0

	for iterations < v.params.MaxLoopIterations {
		borrowValue := domain.ApplyBps(currentSupply, v.params.TargetLTVBps)
		borrowAmount := domain.ValueToUnits(borrowValue, borrowPrice)
		if borrowAmount.IsZero() {
			break
		}

		if err := v.pool.Borrow(ctx, v.borrow.Address(), borrowAmount, pool.InterestRateModeVariable, pool.ReferralCode, v.address); err != nil {
			return iterations, domain.PoolFailure("pool_borrow_failed", err)
		}
		if err := v.pool.Supply(ctx, v.borrow.Address(), borrowAmount, v.address, pool.ReferralCode); err != nil {
			return iterations, domain.PoolFailure("pool_supply_failed", err)
		}

		iterations++
		currentSupply = borrowValue

		snap, err := v.accountSnapshot(ctx)
		if err != nil {
			return iterations, err
		}
		if snap.HealthFactor.LessThan(v.params.TargetHealthFactor) {
			v.l.Info("loop stopped below target health factor",
				zap.Int("iteration", iterations),
				zap.String("health_factor", domain.FromWad(snap.HealthFactor).String()))
			break
		}
	}

	metrics.LoopIterations.Observe(float64(iterations))
	return iterations, nil
}
