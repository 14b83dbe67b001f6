package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

func decimalMatcher(expected decimal.Decimal) interface{} {
	return mock.MatchedBy(func(actual decimal.Decimal) bool {
		return expected.Equal(actual)
	})
}

// mockPool is a pool.Pool double without Atomic support.
type mockPool struct {
	mock.Mock
}

func (m *mockPool) Supply(ctx context.Context, asset common.Address, amount decimal.Decimal, onBehalfOf common.Address, referral uint16) error {
	args := m.Called(ctx, asset, amount, onBehalfOf, referral)
	return args.Error(0)
}

func (m *mockPool) Borrow(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, referral uint16, onBehalfOf common.Address) error {
	args := m.Called(ctx, asset, amount, rateMode, referral, onBehalfOf)
	return args.Error(0)
}

func (m *mockPool) Repay(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, onBehalfOf common.Address) (decimal.Decimal, error) {
	args := m.Called(ctx, asset, amount, rateMode, onBehalfOf)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockPool) Withdraw(ctx context.Context, asset common.Address, amount decimal.Decimal, to common.Address) (decimal.Decimal, error) {
	args := m.Called(ctx, asset, amount, to)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// AccountSnapshot accepts either a fixed snapshot or a func returning the current one.
func (m *mockPool) AccountSnapshot(ctx context.Context, user common.Address) (domain.AccountSnapshot, error) {
	args := m.Called(ctx, user)
	if fn, ok := args.Get(0).(func() domain.AccountSnapshot); ok {
		return fn(), args.Error(1)
	}
	return args.Get(0).(domain.AccountSnapshot), args.Error(1)
}

type mockToken struct {
	mock.Mock
	address common.Address
}

func (m *mockToken) Address() common.Address { return m.address }

func (m *mockToken) BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockToken) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	args := m.Called(ctx, to, amount)
	return args.Error(0)
}

func (m *mockToken) TransferFrom(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	args := m.Called(ctx, from, to, amount)
	return args.Error(0)
}

func (m *mockToken) Approve(ctx context.Context, spender common.Address, amount decimal.Decimal) error {
	args := m.Called(ctx, spender, amount)
	return args.Error(0)
}

func (m *mockToken) Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	args := m.Called(ctx, owner, spender)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}
