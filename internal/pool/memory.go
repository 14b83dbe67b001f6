package pool

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

var (
	ErrUnknownAsset          = errors.New("asset not listed")
	ErrInsufficientFunds     = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrLTVExceeded           = errors.New("borrow exceeds loan-to-value")
	ErrHealthFactorTooLow    = errors.New("health factor would fall below 1")
	ErrNoDebt                = errors.New("no debt to repay")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrUnsupportedRateMode   = errors.New("unsupported interest rate mode")
	ErrDelegationUnsupported = errors.New("borrowing on behalf of another account is not supported")
)

// AssetConfig lists an asset on the market. Price is the WAD-scaled value of one token
// unit in the market's base currency.
type AssetConfig struct {
	Price                   decimal.Decimal `json:"price"`
	LTVBps                  int64           `json:"ltv_bps"`
	LiquidationThresholdBps int64           `json:"liquidation_threshold_bps"`
}

type accountState struct {
	Supplied map[common.Address]decimal.Decimal `json:"supplied"`
	Debt     map[common.Address]decimal.Decimal `json:"debt"`
}

// marketState is everything that Atomic rolls back and the state store persists.
type marketState struct {
	Assets     map[common.Address]AssetConfig                                    `json:"assets"`
	Balances   map[common.Address]map[common.Address]decimal.Decimal             `json:"balances"`
	Allowances map[common.Address]map[common.Address]map[common.Address]decimal.Decimal `json:"allowances"`
	Accounts   map[common.Address]*accountState                                  `json:"accounts"`
}

func newMarketState() *marketState {
	return &marketState{
		Assets:     make(map[common.Address]AssetConfig),
		Balances:   make(map[common.Address]map[common.Address]decimal.Decimal),
		Allowances: make(map[common.Address]map[common.Address]map[common.Address]decimal.Decimal),
		Accounts:   make(map[common.Address]*accountState),
	}
}

func (s *marketState) clone() *marketState {
	c := newMarketState()
	for a, cfg := range s.Assets {
		c.Assets[a] = cfg
	}
	for asset, holders := range s.Balances {
		c.Balances[asset] = make(map[common.Address]decimal.Decimal, len(holders))
		for h, b := range holders {
			c.Balances[asset][h] = b
		}
	}
	for asset, owners := range s.Allowances {
		c.Allowances[asset] = make(map[common.Address]map[common.Address]decimal.Decimal, len(owners))
		for o, spenders := range owners {
			c.Allowances[asset][o] = make(map[common.Address]decimal.Decimal, len(spenders))
			for sp, v := range spenders {
				c.Allowances[asset][o][sp] = v
			}
		}
	}
	for u, acc := range s.Accounts {
		ca := &accountState{
			Supplied: make(map[common.Address]decimal.Decimal, len(acc.Supplied)),
			Debt:     make(map[common.Address]decimal.Decimal, len(acc.Debt)),
		}
		for a, v := range acc.Supplied {
			ca.Supplied[a] = v
		}
		for a, v := range acc.Debt {
			ca.Debt[a] = v
		}
		c.Accounts[u] = ca
	}
	return c
}

type stateStore interface {
	Load(v any) (bool, error)
	Save(v any) error
}

// Market is an in-memory stablecoin lending market with ERC20-like tokens. It enforces the
// same guards a real pool does: LTV on borrow, health factor on withdraw, liquidity, balances
// and allowances.
type Market struct {
	// txMu serialises top-level mutations; an Atomic block holds it for its whole duration.
	txMu    sync.Mutex
	mu      sync.RWMutex
	address common.Address
	state   *marketState
	logger  *zap.Logger
	store   stateStore
}

type txKey struct{}

// NewMarket creates a market whose liquidity is held at address. When store is non-nil the
// market restores its state from it and saves after every committed mutation.
func NewMarket(address common.Address, logger *zap.Logger, store stateStore) (*Market, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if address == (common.Address{}) {
		return nil, errors.New("market address is required")
	}

	m := &Market{
		address: address,
		state:   newMarketState(),
		logger:  logger,
		store:   store,
	}

	if store != nil {
		restored := newMarketState()
		ok, err := store.Load(restored)
		if err != nil {
			logger.Warn("failed to restore market state", zap.Error(err))
		} else if ok {
			m.state = restored
			logger.Info("market state restored", zap.Int("accounts", len(restored.Accounts)))
		}
	}

	return m, nil
}

// Address is the account holding the market's liquidity; it is the spender the vault approves.
func (m *Market) Address() common.Address { return m.address }

// ListAsset adds or updates an asset listing.
func (m *Market) ListAsset(ctx context.Context, asset common.Address, cfg AssetConfig) error {
	if cfg.Price.LessThanOrEqual(decimal.Zero) {
		return errors.New("asset price must be positive")
	}
	if cfg.LTVBps < 0 || cfg.LiquidationThresholdBps < cfg.LTVBps || cfg.LiquidationThresholdBps > domain.BPS.IntPart() {
		return errors.Errorf("invalid risk config: ltv %d, liquidation threshold %d", cfg.LTVBps, cfg.LiquidationThresholdBps)
	}

	defer m.enter(ctx)()
	m.mu.Lock()
	m.state.Assets[asset] = cfg
	m.mu.Unlock()
	return m.commit(ctx)
}

// Listed reports whether asset is listed, e.g. after state was restored from disk.
func (m *Market) Listed(asset common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.listed(asset)
	return err == nil
}

// SetPrice moves an asset's price, e.g. to simulate a depeg.
func (m *Market) SetPrice(ctx context.Context, asset common.Address, price decimal.Decimal) error {
	if price.LessThanOrEqual(decimal.Zero) {
		return errors.New("asset price must be positive")
	}

	defer m.enter(ctx)()
	m.mu.Lock()
	cfg, ok := m.state.Assets[asset]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrUnknownAsset, "asset %s", asset.Hex())
	}
	cfg.Price = price
	m.state.Assets[asset] = cfg
	m.mu.Unlock()

	m.logger.Info("market price updated", zap.Stringer("asset", asset), zap.String("price", price.String()))
	return m.commit(ctx)
}

// Mint credits tokens to an account out of thin air (faucet / liquidity seeding).
func (m *Market) Mint(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	defer m.enter(ctx)()
	m.mu.Lock()
	m.credit(asset, to, amount)
	m.mu.Unlock()
	return m.commit(ctx)
}

// PoolFor returns the Pool view of the market for calls made by caller.
func (m *Market) PoolFor(caller common.Address) *MarketPool {
	return &MarketPool{market: m, caller: caller}
}

// TokenFor returns the Token view of asset for calls made by owner.
func (m *Market) TokenFor(asset, owner common.Address) *MarketToken {
	return &MarketToken{market: m, asset: asset, owner: owner}
}

// Atomic runs fn and restores the whole market when fn fails. Other top-level mutations
// wait until fn returns.
func (m *Market) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == m {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	checkpoint := m.state.clone()
	m.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, m)); err != nil {
		m.mu.Lock()
		m.state = checkpoint
		m.mu.Unlock()
		m.logger.Debug("market transaction rolled back", zap.Error(err))
		return err
	}

	return m.save()
}

// enter takes the transaction lock unless ctx already runs inside an Atomic block of m.
func (m *Market) enter(ctx context.Context) func() {
	if ctx.Value(txKey{}) == m {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

// commit saves state for mutations made outside an Atomic block.
func (m *Market) commit(ctx context.Context) error {
	if ctx.Value(txKey{}) == m {
		return nil
	}
	return m.save()
}

func (m *Market) save() error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.store.Save(m.state); err != nil {
		return errors.Wrap(err, "persist market state")
	}
	return nil
}

// MarshalJSON exposes the market state, mostly for debugging endpoints.
func (m *Market) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.state)
}

func (m *Market) balance(asset, holder common.Address) decimal.Decimal {
	if holders, ok := m.state.Balances[asset]; ok {
		if b, ok := holders[holder]; ok {
			return b
		}
	}
	return decimal.Zero
}

func (m *Market) credit(asset, holder common.Address, amount decimal.Decimal) {
	if _, ok := m.state.Balances[asset]; !ok {
		m.state.Balances[asset] = make(map[common.Address]decimal.Decimal)
	}
	m.state.Balances[asset][holder] = m.balance(asset, holder).Add(amount)
}

func (m *Market) move(asset, from, to common.Address, amount decimal.Decimal) error {
	have := m.balance(asset, from)
	if have.LessThan(amount) {
		return errors.Wrapf(ErrInsufficientFunds, "%s holds %s of %s, needs %s", from.Hex(), have.String(), asset.Hex(), amount.String())
	}
	m.state.Balances[asset][from] = have.Sub(amount)
	m.credit(asset, to, amount)
	return nil
}

func (m *Market) allowance(asset, owner, spender common.Address) decimal.Decimal {
	if owners, ok := m.state.Allowances[asset]; ok {
		if spenders, ok := owners[owner]; ok {
			if v, ok := spenders[spender]; ok {
				return v
			}
		}
	}
	return decimal.Zero
}

func (m *Market) setAllowance(asset, owner, spender common.Address, amount decimal.Decimal) {
	if _, ok := m.state.Allowances[asset]; !ok {
		m.state.Allowances[asset] = make(map[common.Address]map[common.Address]decimal.Decimal)
	}
	if _, ok := m.state.Allowances[asset][owner]; !ok {
		m.state.Allowances[asset][owner] = make(map[common.Address]decimal.Decimal)
	}
	m.state.Allowances[asset][owner][spender] = amount
}

// spend moves amount from owner to to on behalf of spender, consuming allowance.
// A MaxAmount allowance is never decreased.
func (m *Market) spend(asset, spender, owner, to common.Address, amount decimal.Decimal) error {
	allowed := m.allowance(asset, owner, spender)
	if allowed.LessThan(amount) {
		return errors.Wrapf(ErrInsufficientAllowance, "%s may spend %s of %s's %s, needs %s",
			spender.Hex(), allowed.String(), owner.Hex(), asset.Hex(), amount.String())
	}
	if err := m.move(asset, owner, to, amount); err != nil {
		return err
	}
	if !IsMax(allowed) {
		m.setAllowance(asset, owner, spender, allowed.Sub(amount))
	}
	return nil
}

func (m *Market) account(user common.Address) *accountState {
	acc, ok := m.state.Accounts[user]
	if !ok {
		acc = &accountState{
			Supplied: make(map[common.Address]decimal.Decimal),
			Debt:     make(map[common.Address]decimal.Decimal),
		}
		m.state.Accounts[user] = acc
	}
	return acc
}

func (m *Market) listed(asset common.Address) (AssetConfig, error) {
	cfg, ok := m.state.Assets[asset]
	if !ok {
		return AssetConfig{}, errors.Wrapf(ErrUnknownAsset, "asset %s", asset.Hex())
	}
	return cfg, nil
}

// snapshot computes the account view in base currency. Caller holds mu.
func (m *Market) snapshot(user common.Address) domain.AccountSnapshot {
	acc, ok := m.state.Accounts[user]
	if !ok {
		return domain.AccountSnapshot{HealthFactor: MaxAmount, TotalCollateral: decimal.Zero, TotalDebt: decimal.Zero, AvailableBorrows: decimal.Zero}
	}

	collateral := decimal.Zero
	weightedLT := decimal.Zero
	weightedLTV := decimal.Zero
	for asset, amount := range acc.Supplied {
		cfg := m.state.Assets[asset]
		value := domain.MulDiv(amount, cfg.Price, domain.WAD)
		collateral = collateral.Add(value)
		weightedLT = weightedLT.Add(value.Mul(decimal.NewFromInt(cfg.LiquidationThresholdBps)))
		weightedLTV = weightedLTV.Add(value.Mul(decimal.NewFromInt(cfg.LTVBps)))
	}

	debt := decimal.Zero
	for asset, amount := range acc.Debt {
		cfg := m.state.Assets[asset]
		debt = debt.Add(domain.MulDiv(amount, cfg.Price, domain.WAD))
	}

	s := domain.AccountSnapshot{
		TotalCollateral:  collateral,
		TotalDebt:        debt,
		AvailableBorrows: decimal.Zero,
		HealthFactor:     MaxAmount,
	}
	if collateral.IsPositive() {
		s.LiquidationThresholdBps = domain.MulDiv(weightedLT, decimal.NewFromInt(1), collateral).IntPart()
		s.LTVBps = domain.MulDiv(weightedLTV, decimal.NewFromInt(1), collateral).IntPart()
	}

	borrowLimit := domain.MulDiv(weightedLTV, decimal.NewFromInt(1), domain.BPS)
	if borrowLimit.GreaterThan(debt) {
		s.AvailableBorrows = borrowLimit.Sub(debt)
	}
	if debt.IsPositive() {
		adjusted := domain.MulDiv(weightedLT, decimal.NewFromInt(1), domain.BPS)
		s.HealthFactor = domain.MulDiv(adjusted, domain.WAD, debt)
	}
	return s
}

// MarketPool is the Pool view of a Market bound to the calling account.
type MarketPool struct {
	market *Market
	caller common.Address
}

// Address is the spender to approve for Supply and Repay.
func (p *MarketPool) Address() common.Address { return p.market.address }

// Atomic delegates to the market.
func (p *MarketPool) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.market.Atomic(ctx, fn)
}

func (p *MarketPool) Supply(ctx context.Context, asset common.Address, amount decimal.Decimal, onBehalfOf common.Address, _ uint16) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m := p.market
	defer m.enter(ctx)()
	m.mu.Lock()
	if _, err := m.listed(asset); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.spend(asset, m.address, p.caller, m.address, amount); err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "supply")
	}
	acc := m.account(onBehalfOf)
	acc.Supplied[asset] = acc.Supplied[asset].Add(amount)
	m.mu.Unlock()

	m.logger.Debug("market supply", zap.Stringer("asset", asset), zap.String("amount", amount.String()), zap.Stringer("on_behalf_of", onBehalfOf))
	return m.commit(ctx)
}

func (p *MarketPool) Borrow(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, _ uint16, onBehalfOf common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if rateMode != InterestRateModeVariable {
		return errors.Wrapf(ErrUnsupportedRateMode, "mode %d", rateMode)
	}
	if onBehalfOf != p.caller {
		return ErrDelegationUnsupported
	}

	m := p.market
	defer m.enter(ctx)()
	m.mu.Lock()
	cfg, err := m.listed(asset)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	liquidity := m.balance(asset, m.address)
	if liquidity.LessThan(amount) {
		m.mu.Unlock()
		return errors.Wrapf(ErrInsufficientLiquidity, "available %s, requested %s", liquidity.String(), amount.String())
	}
	before := m.snapshot(onBehalfOf)
	value := domain.MulDiv(amount, cfg.Price, domain.WAD)
	if value.GreaterThan(before.AvailableBorrows) {
		m.mu.Unlock()
		return errors.Wrapf(ErrLTVExceeded, "available %s, requested %s", before.AvailableBorrows.String(), value.String())
	}
	if err := m.move(asset, m.address, p.caller, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	acc := m.account(onBehalfOf)
	acc.Debt[asset] = acc.Debt[asset].Add(amount)
	m.mu.Unlock()

	m.logger.Debug("market borrow", zap.Stringer("asset", asset), zap.String("amount", amount.String()), zap.Stringer("on_behalf_of", onBehalfOf))
	return m.commit(ctx)
}

func (p *MarketPool) Repay(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, onBehalfOf common.Address) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if rateMode != InterestRateModeVariable {
		return decimal.Zero, errors.Wrapf(ErrUnsupportedRateMode, "mode %d", rateMode)
	}

	m := p.market
	defer m.enter(ctx)()
	m.mu.Lock()
	acc := m.account(onBehalfOf)
	debt := acc.Debt[asset]
	if !debt.IsPositive() {
		m.mu.Unlock()
		return decimal.Zero, errors.Wrapf(ErrNoDebt, "asset %s", asset.Hex())
	}
	pay := domain.MinDecimal(amount, debt)
	if err := m.spend(asset, m.address, p.caller, m.address, pay); err != nil {
		m.mu.Unlock()
		return decimal.Zero, errors.Wrap(err, "repay")
	}
	remaining := debt.Sub(pay)
	if remaining.IsZero() {
		delete(acc.Debt, asset)
	} else {
		acc.Debt[asset] = remaining
	}
	m.mu.Unlock()

	m.logger.Debug("market repay", zap.Stringer("asset", asset), zap.String("amount", pay.String()), zap.Stringer("on_behalf_of", onBehalfOf))
	return pay, m.commit(ctx)
}

func (p *MarketPool) Withdraw(ctx context.Context, asset common.Address, amount decimal.Decimal, to common.Address) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	m := p.market
	defer m.enter(ctx)()
	m.mu.Lock()
	acc := m.account(p.caller)
	supplied := acc.Supplied[asset]
	take := amount
	if IsMax(amount) {
		take = supplied
	}
	if !take.IsPositive() || supplied.LessThan(take) {
		m.mu.Unlock()
		return decimal.Zero, errors.Wrapf(ErrInsufficientFunds, "supplied %s of %s, requested %s", supplied.String(), asset.Hex(), take.String())
	}

	remaining := supplied.Sub(take)
	if remaining.IsZero() {
		delete(acc.Supplied, asset)
	} else {
		acc.Supplied[asset] = remaining
	}
	after := m.snapshot(p.caller)
	if after.TotalDebt.IsPositive() && after.HealthFactor.LessThan(domain.WAD) {
		acc.Supplied[asset] = supplied
		m.mu.Unlock()
		return decimal.Zero, errors.Wrapf(ErrHealthFactorTooLow, "health factor after withdraw %s", after.HealthFactor.String())
	}
	if err := m.move(asset, m.address, to, take); err != nil {
		acc.Supplied[asset] = supplied
		m.mu.Unlock()
		return decimal.Zero, err
	}
	m.mu.Unlock()

	m.logger.Debug("market withdraw", zap.Stringer("asset", asset), zap.String("amount", take.String()), zap.Stringer("to", to))
	return take, m.commit(ctx)
}

func (p *MarketPool) AccountSnapshot(_ context.Context, user common.Address) (domain.AccountSnapshot, error) {
	p.market.mu.RLock()
	defer p.market.mu.RUnlock()
	return p.market.snapshot(user), nil
}

// AssetPrice returns the listed price of asset.
func (p *MarketPool) AssetPrice(_ context.Context, asset common.Address) (decimal.Decimal, error) {
	p.market.mu.RLock()
	defer p.market.mu.RUnlock()
	cfg, err := p.market.listed(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return cfg.Price, nil
}

// MarketToken is the Token view of one market asset bound to an owner account.
type MarketToken struct {
	market *Market
	asset  common.Address
	owner  common.Address
}

func (t *MarketToken) Address() common.Address { return t.asset }

func (t *MarketToken) BalanceOf(_ context.Context, account common.Address) (decimal.Decimal, error) {
	t.market.mu.RLock()
	defer t.market.mu.RUnlock()
	return t.market.balance(t.asset, account), nil
}

func (t *MarketToken) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	defer t.market.enter(ctx)()
	t.market.mu.Lock()
	err := t.market.move(t.asset, t.owner, to, amount)
	t.market.mu.Unlock()
	if err != nil {
		return err
	}
	return t.market.commit(ctx)
}

func (t *MarketToken) TransferFrom(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	defer t.market.enter(ctx)()
	t.market.mu.Lock()
	err := t.market.spend(t.asset, t.owner, from, to, amount)
	t.market.mu.Unlock()
	if err != nil {
		return err
	}
	return t.market.commit(ctx)
}

func (t *MarketToken) Approve(ctx context.Context, spender common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	defer t.market.enter(ctx)()
	t.market.mu.Lock()
	t.market.setAllowance(t.asset, t.owner, spender, amount)
	t.market.mu.Unlock()
	return t.market.commit(ctx)
}

func (t *MarketToken) Allowance(_ context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	t.market.mu.RLock()
	defer t.market.mu.RUnlock()
	return t.market.allowance(t.asset, owner, spender), nil
}
