package vault

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/pool"
)

// unwind releases the fraction sharesToBurn/totalSharesBeforeBurn of the position and returns
// the base asset released to the vault. Collateral and debt shrink by the same fraction, so the
// health factor of the remaining position is unchanged.
//
// The borrow leg (debtToRepay of borrow-asset collateral) already counts toward the released
// collateral, so only collateralToWithdraw-debtToRepay of the base asset is withdrawn after it.
// Both legs are sized by value and converted into token units at the oracle price.
func (v *Vault) unwind(ctx context.Context, sharesToBurn, totalSharesBeforeBurn decimal.Decimal) (decimal.Decimal, error) {
	snap, err := v.accountSnapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	basePrice, err := v.assetPrice(ctx, v.base.Address())
	if err != nil {
		return decimal.Zero, err
	}

	collateralToWithdraw := domain.MulDiv(snap.TotalCollateral, sharesToBurn, totalSharesBeforeBurn)
	fullExit := sharesToBurn.Equal(totalSharesBeforeBurn)

	if !snap.HasDebt() {
		return v.withdrawBase(ctx, domain.ValueToUnits(collateralToWithdraw, basePrice), fullExit)
	}

	borrowPrice, err := v.assetPrice(ctx, v.borrow.Address())
	if err != nil {
		return decimal.Zero, err
	}
	debtToRepay := domain.ValueToUnits(domain.MulDiv(snap.TotalDebt, sharesToBurn, totalSharesBeforeBurn), borrowPrice)
	if fullExit {
		debtToRepay = domain.ValueToUnitsUp(snap.TotalDebt, borrowPrice)
	}

	repaid := decimal.Zero
	if debtToRepay.IsPositive() {
		if repaid, err = v.repayWithCollateral(ctx, snap, borrowPrice, debtToRepay, deleverMaxSteps); err != nil {
			return decimal.Zero, err
		}
	}

	remaining := collateralToWithdraw.Sub(domain.UnitsToValue(repaid, borrowPrice))
	return v.withdrawBase(ctx, domain.ValueToUnits(remaining, basePrice), fullExit)
}

// withdrawBase withdraws amount of base-asset collateral to the vault. The last holder's exit
// withdraws everything left so no dust stays in the pool.
func (v *Vault) withdrawBase(ctx context.Context, amount decimal.Decimal, all bool) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if all {
		amount = pool.MaxAmount
	}

	withdrawn, err := v.pool.Withdraw(ctx, v.base.Address(), amount, v.address)
	if err != nil {
		return decimal.Zero, domain.PoolFailure("pool_withdraw_failed", err)
	}
	return withdrawn, nil
}
