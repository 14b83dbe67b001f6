package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func requireSupplyInvariant(t *testing.T, l *ShareLedger) {
	t.Helper()
	sum := decimal.Zero
	for _, h := range l.Holders() {
		sum = sum.Add(l.BalanceOf(h))
	}
	require.True(t, sum.Equal(l.TotalShares()), "sum %s != total %s", sum.String(), l.TotalShares().String())
}

func TestShareLedger_MintBurn(t *testing.T) {
	l := NewShareLedger()

	require.NoError(t, l.Mint(alice, MustUnits("100")))
	require.NoError(t, l.Mint(bob, MustUnits("50")))
	require.NoError(t, l.Mint(alice, MustUnits("1")))
	requireSupplyInvariant(t, l)
	assert.True(t, l.TotalShares().Equal(MustUnits("151")))

	require.NoError(t, l.Burn(alice, MustUnits("101")))
	requireSupplyInvariant(t, l)
	assert.True(t, l.BalanceOf(alice).IsZero())
	assert.Equal(t, []common.Address{bob}, l.Holders(), "zero balances are removed")

	err := l.Burn(bob, MustUnits("51"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.True(t, l.BalanceOf(bob).Equal(MustUnits("50")), "failed burn leaves balance untouched")
	requireSupplyInvariant(t, l)
}

func TestShareLedger_RejectsZeroAmounts(t *testing.T) {
	l := NewShareLedger()

	require.ErrorIs(t, l.Mint(alice, decimal.Zero), ErrInvalidInput)
	require.ErrorIs(t, l.Mint(common.Address{}, MustUnits("1")), ErrInvalidInput)
	require.ErrorIs(t, l.Burn(alice, decimal.Zero), ErrInvalidInput)
	assert.True(t, l.TotalShares().IsZero())
}

func TestShareLedger_CloneIsIndependent(t *testing.T) {
	l := NewShareLedger()
	require.NoError(t, l.Mint(alice, MustUnits("10")))

	clone := l.Clone()
	require.NoError(t, l.Mint(bob, MustUnits("5")))

	assert.True(t, clone.TotalShares().Equal(MustUnits("10")))
	assert.True(t, clone.BalanceOf(bob).IsZero())
}

func TestShareLedger_JSON(t *testing.T) {
	l := NewShareLedger()
	require.NoError(t, l.Mint(alice, MustUnits("10")))
	require.NoError(t, l.Mint(bob, MustUnits("2.5")))

	data, err := json.Marshal(l)
	require.NoError(t, err)

	restored := NewShareLedger()
	require.NoError(t, json.Unmarshal(data, restored))
	assert.True(t, restored.BalanceOf(bob).Equal(MustUnits("2.5")))
	assert.True(t, restored.TotalShares().Equal(MustUnits("12.5")))

	corrupted := []byte(`{"balances":{"0x00000000000000000000000000000000000a11ce":"5"},"total":"6"}`)
	require.Error(t, json.Unmarshal(corrupted, NewShareLedger()))
}

func TestShareConversions(t *testing.T) {
	// empty vault mints 1:1
	assert.True(t, SharesForAssets(MustUnits("100"), decimal.Zero, decimal.Zero).Equal(MustUnits("100")))
	// shares outstanding but no assets also bootstraps 1:1
	assert.True(t, SharesForAssets(MustUnits("7"), MustUnits("5"), decimal.Zero).Equal(MustUnits("7")))

	// 3 assets into a vault with 10 shares over 4 assets: 3*10/4 = 7.5
	assert.True(t, SharesForAssets(decimal.NewFromInt(3), decimal.NewFromInt(10), decimal.NewFromInt(4)).Equal(decimal.NewFromInt(7)),
		"share minting truncates toward zero")
	// 7 shares of 10 over 4 assets: 2.8 -> 2
	assert.True(t, AssetsForShares(decimal.NewFromInt(7), decimal.NewFromInt(10), decimal.NewFromInt(4)).Equal(decimal.NewFromInt(2)))
	assert.True(t, AssetsForShares(MustUnits("1"), decimal.Zero, MustUnits("1")).IsZero())
}

func TestShareConversions_RoundTrip(t *testing.T) {
	totalShares := MustUnits("1000")
	totalAssets := MustUnits("1234.567")
	deposit := MustUnits("10")

	shares := SharesForAssets(deposit, totalShares, totalAssets)
	back := AssetsForShares(shares, totalShares.Add(shares), totalAssets.Add(deposit))

	assert.True(t, back.LessThanOrEqual(deposit), "round trip never returns more than deposited")
	assert.True(t, deposit.Sub(back).LessThanOrEqual(decimal.NewFromInt(2)), "round trip loses at most rounding dust, lost %s", deposit.Sub(back).String())
}
