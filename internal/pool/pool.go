// Package pool defines the lending pool boundary the vault runs against, with an in-memory
// market for simulation and tests and an Aave-v3-compatible adapter for EVM chains.
package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

const (
	// InterestRateModeVariable is the only rate mode the vault borrows with.
	InterestRateModeVariable = 2
	// ReferralCode is passed through to the pool; the vault does not use referrals.
	ReferralCode uint16 = 0
)

// MaxAmount is the uint256 max sentinel meaning "everything" for Repay and Withdraw.
var MaxAmount = decimal.NewFromBigInt(new(uint256.Int).SetAllOne().ToBig(), 0)

// IsMax reports whether amount is the MaxAmount sentinel.
func IsMax(amount decimal.Decimal) bool {
	return amount.Equal(MaxAmount)
}

// Pool is the lending pool the vault supplies to and borrows from.
// Amounts are token base units.
type Pool interface {
	Supply(ctx context.Context, asset common.Address, amount decimal.Decimal, onBehalfOf common.Address, referral uint16) error
	Borrow(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, referral uint16, onBehalfOf common.Address) error
	// Repay accepts MaxAmount and returns the amount actually repaid.
	Repay(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, onBehalfOf common.Address) (decimal.Decimal, error)
	// Withdraw accepts MaxAmount and returns the amount actually withdrawn.
	Withdraw(ctx context.Context, asset common.Address, amount decimal.Decimal, to common.Address) (decimal.Decimal, error)
	AccountSnapshot(ctx context.Context, user common.Address) (domain.AccountSnapshot, error)
}

// Token is a fungible token as seen by the vault. The owner of Transfer and Approve is the
// account the implementation is bound to.
type Token interface {
	Address() common.Address
	BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error)
	Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	Approve(ctx context.Context, spender common.Address, amount decimal.Decimal) error
	Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error)
}

// Pricer is implemented by pools that expose their price oracle. Prices are WAD-scaled values
// of one whole token in the pool's base currency, the currency of AccountSnapshot values.
type Pricer interface {
	AssetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error)
}

// Atomic is implemented by pools that can roll back every state change made inside fn
// when fn returns an error.
type Atomic interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}
