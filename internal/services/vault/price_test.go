package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

// depositAndReprice opens the 100 @ 60% x4 position and moves the borrow asset to price.
func depositAndReprice(t *testing.T, price string) *marketEnv {
	t.Helper()
	ctx := context.Background()

	e := newMarketEnv(t, defaultParams(t), "1000000")
	_, err := e.vault.Deposit(ctx, alice, domain.MustUnits("100"))
	require.NoError(t, err)
	require.NoError(t, e.market.SetPrice(ctx, borrowAddr, domain.MustWad(price)))
	e.pool.calls = nil
	return e
}

func TestDelever_SizesStepAtBorrowAssetPrice(t *testing.T) {
	tests := []struct {
		name string
		run  func(v *Vault) (RebalanceResult, error)
	}{
		{
			name: "rebalance",
			run: func(v *Vault) (RebalanceResult, error) {
				return v.Rebalance(context.Background(), bob)
			},
		},
		{
			name: "operator delever",
			run: func(v *Vault) (RebalanceResult, error) {
				return v.Delever(context.Background(), operator)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// collateral 100 + 130.56*3, debt 391.68: health factor 1.1925
			e := depositAndReprice(t, "3")
			before := e.account(t)
			require.True(t, before.HealthFactor.LessThan(domain.MustWad("1.2")))

			result, err := tt.run(e.vault)
			require.NoError(t, err)

			// 10% of 391.68 of value is 13.056 borrow tokens
			assert.Equal(t, domain.RebalanceDelever, result.Action)
			requireUnits(t, "13.056", result.Amount)
			assert.Equal(t, []string{"withdraw borrow 13.056", "repay borrow 13.056"}, e.pool.trace())

			after := e.account(t)
			requireUnits(t, "352.512", after.TotalDebt)
			assert.True(t, after.HealthFactor.GreaterThan(before.HealthFactor))
		})
	}
}

func TestRebalance_ReleverSizedAtBorrowAssetPrice(t *testing.T) {
	// collateral 100 + 65.28, debt 65.28: health factor 2.405, available borrows 83.472
	e := depositAndReprice(t, "0.5")

	result, err := e.vault.Rebalance(context.Background(), bob)
	require.NoError(t, err)

	assert.Equal(t, domain.RebalanceRelever, result.Action)
	requireUnits(t, "41.736", result.Amount)
	assert.Equal(t, []string{"borrow borrow 41.736", "supply borrow 41.736"}, e.pool.trace())
}

func TestWithdraw_FullExitAfterBorrowAssetReprices(t *testing.T) {
	e := depositAndReprice(t, "1.02")
	ctx := context.Background()

	assets, err := e.vault.Withdraw(ctx, alice, domain.MustUnits("100"))
	require.NoError(t, err)

	requireUnits(t, "100", assets)
	requireUnits(t, "1000", e.balance(t, baseAddr, alice))

	snap := e.account(t)
	assert.True(t, snap.TotalDebt.IsZero(), "debt left %s", domain.Human(snap.TotalDebt))
	assert.True(t, snap.TotalCollateral.IsZero(), "collateral left %s", domain.Human(snap.TotalCollateral))
	assert.True(t, e.vault.TotalShares(ctx).IsZero())
}
