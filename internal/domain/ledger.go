package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ShareLedger tracks each depositor's proportional ownership of the shared position.
// The sum of all balances always equals TotalShares; zero balances are dropped.
type ShareLedger struct {
	balances map[common.Address]decimal.Decimal
	total    decimal.Decimal
}

// NewShareLedger creates an empty ledger.
func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		balances: make(map[common.Address]decimal.Decimal),
		total:    decimal.Zero,
	}
}

// Mint credits shares to holder.
func (l *ShareLedger) Mint(holder common.Address, shares decimal.Decimal) error {
	if holder == (common.Address{}) {
		return InvalidInput("zero_holder_address")
	}
	if !shares.IsPositive() {
		return InvalidInput("zero_shares")
	}

	l.balances[holder] = l.BalanceOf(holder).Add(shares)
	l.total = l.total.Add(shares)
	return nil
}

// Burn debits shares from holder.
func (l *ShareLedger) Burn(holder common.Address, shares decimal.Decimal) error {
	if !shares.IsPositive() {
		return InvalidInput("zero_shares")
	}
	balance := l.BalanceOf(holder)
	if balance.LessThan(shares) {
		return InsufficientBalance(fmt.Sprintf("share_balance_too_low: have %s, need %s", balance.String(), shares.String()))
	}

	remaining := balance.Sub(shares)
	if remaining.IsZero() {
		delete(l.balances, holder)
	} else {
		l.balances[holder] = remaining
	}
	l.total = l.total.Sub(shares)
	return nil
}

// BalanceOf returns holder's shares.
func (l *ShareLedger) BalanceOf(holder common.Address) decimal.Decimal {
	if b, ok := l.balances[holder]; ok {
		return b
	}
	return decimal.Zero
}

// TotalShares returns the outstanding share supply.
func (l *ShareLedger) TotalShares() decimal.Decimal {
	return l.total
}

// Holders returns the depositors with a non-zero balance in a stable order.
func (l *ShareLedger) Holders() []common.Address {
	holders := make([]common.Address, 0, len(l.balances))
	for h := range l.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Cmp(holders[j]) < 0
	})
	return holders
}

// Clone returns an independent copy, used to roll back a failed operation.
func (l *ShareLedger) Clone() *ShareLedger {
	clone := &ShareLedger{
		balances: make(map[common.Address]decimal.Decimal, len(l.balances)),
		total:    l.total,
	}
	for h, b := range l.balances {
		clone.balances[h] = b
	}
	return clone
}

type ledgerJSON struct {
	Balances map[string]decimal.Decimal `json:"balances"`
	Total    decimal.Decimal            `json:"total"`
}

func (l *ShareLedger) MarshalJSON() ([]byte, error) {
	out := ledgerJSON{Balances: make(map[string]decimal.Decimal, len(l.balances)), Total: l.total}
	for h, b := range l.balances {
		out.Balances[h.Hex()] = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a ledger and rejects records that break the supply invariant.
func (l *ShareLedger) UnmarshalJSON(data []byte) error {
	var in ledgerJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	balances := make(map[common.Address]decimal.Decimal, len(in.Balances))
	sum := decimal.Zero
	for h, b := range in.Balances {
		if !common.IsHexAddress(h) {
			return fmt.Errorf("invalid holder address %q", h)
		}
		if !b.IsPositive() {
			continue
		}
		balances[common.HexToAddress(h)] = b
		sum = sum.Add(b)
	}
	if !sum.Equal(in.Total) {
		return fmt.Errorf("share ledger corrupted: balances sum to %s, total is %s", sum.String(), in.Total.String())
	}

	l.balances = balances
	l.total = in.Total
	return nil
}

// SharesForAssets converts a deposit into shares: 1:1 for an empty vault, otherwise
// assets*totalShares/totalAssets truncated toward zero.
func SharesForAssets(assets, totalShares, totalAssets decimal.Decimal) decimal.Decimal {
	if totalShares.IsZero() || totalAssets.IsZero() {
		return assets
	}
	return MulDiv(assets, totalShares, totalAssets)
}

// AssetsForShares converts shares into assets: shares*totalAssets/totalShares truncated toward zero.
func AssetsForShares(shares, totalShares, totalAssets decimal.Decimal) decimal.Decimal {
	if totalShares.IsZero() {
		return decimal.Zero
	}
	return MulDiv(shares, totalAssets, totalShares)
}
