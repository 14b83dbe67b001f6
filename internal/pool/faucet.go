package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Faucet hands out simulated base tokens and moves prices on a Market.
type Faucet struct {
	market  *Market
	base    common.Address
	spender common.Address
}

// NewFaucet creates a faucet for base; funded accounts approve spender (the vault) for the
// full amount so they can deposit right away.
func NewFaucet(market *Market, base, spender common.Address) *Faucet {
	return &Faucet{market: market, base: base, spender: spender}
}

// Fund mints amount of the base token to to.
func (f *Faucet) Fund(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	if err := f.market.Mint(ctx, f.base, to, amount); err != nil {
		return err
	}
	if err := f.market.TokenFor(f.base, to).Approve(ctx, f.spender, MaxAmount); err != nil {
		return errors.Wrapf(err, "approve %s for %s", f.spender, to)
	}
	return nil
}

// SetPrice sets the WAD-scaled oracle price of asset.
func (f *Faucet) SetPrice(ctx context.Context, asset common.Address, price decimal.Decimal) error {
	return f.market.SetPrice(ctx, asset, price)
}
