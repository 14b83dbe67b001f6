package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

// Deposit pulls amount of the base asset from caller, loops it into the pool and mints shares
// against the assets held before the deposit. The caller must have approved the vault.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.InvalidInput("zero_amount")
	}
	if caller == (common.Address{}) {
		return decimal.Zero, domain.InvalidInput("zero_address: caller")
	}

	var (
		shares     decimal.Decimal
		iterations int
	)

	err := v.execute(ctx, domain.OperationDeposit, caller, amount, func(ctx context.Context) error {
		if v.paused {
			return domain.OperationalState("deposits_paused", domain.ErrPaused)
		}

		totalAssets, err := v.totalAssets(ctx)
		if err != nil {
			return err
		}

		shares = domain.SharesForAssets(amount, v.ledger.TotalShares(), totalAssets)
		if !shares.IsPositive() {
			return domain.InvalidInput("zero_shares")
		}

		if err := v.base.TransferFrom(ctx, caller, v.address, amount); err != nil {
			return domain.PoolFailure("token_transfer_from_failed", err)
		}

		if iterations, err = v.openLoop(ctx, amount); err != nil {
			return err
		}

		return v.ledger.Mint(caller, shares)
	})
	if err != nil {
		return decimal.Zero, err
	}

	v.l.Info("deposit executed",
		zap.Stringer("caller", caller),
		zap.String("amount", domain.Human(amount)),
		zap.String("shares", domain.Human(shares)),
		zap.Int("loop_iterations", iterations))
	return shares, nil
}

// Withdraw burns shares of caller, unwinds the matching fraction of the position and pays out
// the assets the shares were worth. Rounding dust left after the payout stays in the vault and
// accrues to the remaining holders.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, domain.InvalidInput("zero_shares")
	}

	var assets decimal.Decimal

	err := v.execute(ctx, domain.OperationWithdraw, caller, shares, func(ctx context.Context) error {
		balance := v.ledger.BalanceOf(caller)
		if balance.LessThan(shares) {
			return domain.InsufficientBalance(fmt.Sprintf("share_balance_too_low: have %s, want %s", balance.String(), shares.String()))
		}

		totalAssets, err := v.totalAssets(ctx)
		if err != nil {
			return err
		}
		totalShares := v.ledger.TotalShares()

		assets = domain.AssetsForShares(shares, totalShares, totalAssets)
		if !assets.IsPositive() {
			return domain.InvalidInput("zero_assets")
		}

		if err := v.ledger.Burn(caller, shares); err != nil {
			return err
		}

		if _, err := v.unwind(ctx, shares, totalShares); err != nil {
			return err
		}

		idle, err := v.idleBalance(ctx)
		if err != nil {
			return err
		}
		assets = domain.MinDecimal(assets, idle)
		if !assets.IsPositive() {
			return domain.InvalidInput("zero_assets")
		}

		if err := v.base.Transfer(ctx, caller, assets); err != nil {
			return domain.PoolFailure("token_transfer_failed", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	v.l.Info("withdraw executed",
		zap.Stringer("caller", caller),
		zap.String("shares", domain.Human(shares)),
		zap.String("assets", domain.Human(assets)))
	return assets, nil
}
