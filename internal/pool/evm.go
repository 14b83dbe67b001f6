package pool

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/pkg/retrier"
)

const poolABI = `[
{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
{"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"ADDRESSES_PROVIDER","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getUserAccountData","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]}
]`

const erc20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// oracleABI covers the addresses provider lookup and the price oracle itself.
const oracleABI = `[
{"type":"function","name":"getPriceOracle","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getAssetPrice","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	defaultBaseCurrencyDecimals = 8
	defaultTxTimeout            = 2 * time.Minute
)

var (
	parsedPoolABI   = mustParseABI(poolABI)
	parsedERC20ABI  = mustParseABI(erc20ABI)
	parsedOracleABI = mustParseABI(oracleABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ErrTxReverted is returned when a mined transaction has a failed receipt.
var ErrTxReverted = errors.New("transaction reverted")

// EVMConfig configures the chain connection used by EVMPool and EVMToken.
type EVMConfig struct {
	RPCURL        string
	ChainID       int64
	PrivateKeyHex string
	// BaseCurrencyDecimals is the precision of getUserAccountData values (8 for USD on Aave v3).
	BaseCurrencyDecimals int32
	TxTimeout            time.Duration
}

// Backend is what the adapter needs from a chain client; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EVMClient signs and sends transactions for a single account. Transactions are sent one
// at a time so nonces stay ordered.
type EVMClient struct {
	backend   Backend
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	baseScale decimal.Decimal
	txTimeout time.Duration
	logger    *zap.Logger
	reads     *retrier.Retrier

	txMu sync.Mutex
}

// DialEVM connects to the RPC endpoint and loads the signing key.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.RPCURL)
	}
	return NewEVMClient(client, cfg, logger)
}

// NewEVMClient wraps an existing backend.
func NewEVMClient(backend Backend, cfg EVMConfig, logger *zap.Logger) (*EVMClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}

	baseDecimals := cfg.BaseCurrencyDecimals
	if baseDecimals == 0 {
		baseDecimals = defaultBaseCurrencyDecimals
	}
	if baseDecimals > domain.TokenDecimals {
		return nil, errors.Errorf("base currency decimals %d exceed token decimals", baseDecimals)
	}

	txTimeout := cfg.TxTimeout
	if txTimeout <= 0 {
		txTimeout = defaultTxTimeout
	}

	return &EVMClient{
		backend:   backend,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   big.NewInt(cfg.ChainID),
		baseScale: decimal.New(1, domain.TokenDecimals-baseDecimals),
		txTimeout: txTimeout,
		logger:    logger,
		reads:     retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond)),
	}, nil
}

// From is the signing account, which is also the vault's on-chain account.
func (c *EVMClient) From() common.Address { return c.from }

// Pool binds the Aave v3 compatible pool at address.
func (c *EVMClient) Pool(address common.Address) *EVMPool {
	return &EVMPool{client: c, address: address, contract: c.bind(address, parsedPoolABI)}
}

// Token binds the ERC20 token at address.
func (c *EVMClient) Token(address common.Address) *EVMToken {
	return &EVMToken{client: c, address: address, contract: c.bind(address, parsedERC20ABI)}
}

func (c *EVMClient) bind(address common.Address, parsed abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(address, parsed, c.backend, c.backend, c.backend)
}

func (c *EVMClient) call(ctx context.Context, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	return retrier.DoWithData(c.reads, ctx, func(ctx context.Context) ([]any, error) {
		var out []any
		if err := contract.Call(&bind.CallOpts{Context: ctx, From: c.from}, &out, method, args...); err != nil {
			return nil, errors.Wrapf(err, "call %s", method)
		}
		return out, nil
	})
}

// transact sends the call and waits for a successful receipt.
func (c *EVMClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*types.Receipt, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "create transactor")
	}
	opts.Context = ctx

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", method)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "wait %s tx %s", method, tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.Wrapf(ErrTxReverted, "%s tx %s", method, tx.Hash().Hex())
	}

	c.logger.Debug("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

func (c *EVMClient) balanceOf(ctx context.Context, token, account common.Address) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.Token(token).contract, "balanceOf", account)
	if err != nil {
		return decimal.Zero, err
	}
	return firstUint(out)
}

// toUint256 converts a non-negative integral amount to the ABI integer type.
func toUint256(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, errors.Errorf("negative amount %s", amount.String())
	}
	if !amount.Equal(amount.Truncate(0)) {
		return nil, errors.Errorf("fractional amount %s", amount.String())
	}
	v, overflow := uint256.FromBig(amount.BigInt())
	if overflow {
		return nil, errors.Errorf("amount %s overflows uint256", amount.String())
	}
	return v.ToBig(), nil
}

func fromUint(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func firstAddress(out []any) (common.Address, error) {
	if len(out) == 0 {
		return common.Address{}, errors.New("empty call result")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("unexpected result type %T", out[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return addr, nil
}

func firstUint(out []any) (decimal.Decimal, error) {
	if len(out) == 0 {
		return decimal.Zero, errors.New("empty call result")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.Errorf("unexpected result type %T", out[0])
	}
	return fromUint(v), nil
}

// EVMPool is the Pool implementation for Aave v3 compatible lending pools. Amounts returned
// by Repay and Withdraw are measured from token balance changes of the signing account, since
// transaction return values are not observable off-chain.
type EVMPool struct {
	client   *EVMClient
	address  common.Address
	contract *bind.BoundContract

	oracleMu sync.Mutex
	oracle   *bind.BoundContract
}

// Address is the pool contract, the spender the vault approves.
func (p *EVMPool) Address() common.Address { return p.address }

func (p *EVMPool) Supply(ctx context.Context, asset common.Address, amount decimal.Decimal, onBehalfOf common.Address, referral uint16) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	_, err = p.client.transact(ctx, p.contract, "supply", asset, amt, onBehalfOf, referral)
	return err
}

func (p *EVMPool) Borrow(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, referral uint16, onBehalfOf common.Address) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	_, err = p.client.transact(ctx, p.contract, "borrow", asset, amt, big.NewInt(rateMode), referral, onBehalfOf)
	return err
}

func (p *EVMPool) Repay(ctx context.Context, asset common.Address, amount decimal.Decimal, rateMode int64, onBehalfOf common.Address) (decimal.Decimal, error) {
	amt, err := toUint256(amount)
	if err != nil {
		return decimal.Zero, err
	}

	before, err := p.client.balanceOf(ctx, asset, p.client.from)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := p.client.transact(ctx, p.contract, "repay", asset, amt, big.NewInt(rateMode), onBehalfOf); err != nil {
		return decimal.Zero, err
	}
	after, err := p.client.balanceOf(ctx, asset, p.client.from)
	if err != nil {
		return decimal.Zero, err
	}

	return before.Sub(after), nil
}

func (p *EVMPool) Withdraw(ctx context.Context, asset common.Address, amount decimal.Decimal, to common.Address) (decimal.Decimal, error) {
	amt, err := toUint256(amount)
	if err != nil {
		return decimal.Zero, err
	}

	before, err := p.client.balanceOf(ctx, asset, to)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := p.client.transact(ctx, p.contract, "withdraw", asset, amt, to); err != nil {
		return decimal.Zero, err
	}
	after, err := p.client.balanceOf(ctx, asset, to)
	if err != nil {
		return decimal.Zero, err
	}

	return after.Sub(before), nil
}

// AccountSnapshot reads getUserAccountData and rescales base-currency values to token units.
func (p *EVMPool) AccountSnapshot(ctx context.Context, user common.Address) (domain.AccountSnapshot, error) {
	out, err := p.client.call(ctx, p.contract, "getUserAccountData", user)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return p.client.decodeAccountData(out)
}

// AssetPrice reads the pool's price oracle, resolved once through the addresses provider.
func (p *EVMPool) AssetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	oracle, err := p.priceOracle(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := p.client.call(ctx, oracle, "getAssetPrice", asset)
	if err != nil {
		return decimal.Zero, err
	}
	return p.client.decodePrice(out)
}

func (p *EVMPool) priceOracle(ctx context.Context) (*bind.BoundContract, error) {
	p.oracleMu.Lock()
	defer p.oracleMu.Unlock()
	if p.oracle != nil {
		return p.oracle, nil
	}

	out, err := p.client.call(ctx, p.contract, "ADDRESSES_PROVIDER")
	if err != nil {
		return nil, err
	}
	provider, err := firstAddress(out)
	if err != nil {
		return nil, errors.Wrap(err, "addresses provider")
	}
	out, err = p.client.call(ctx, p.client.bind(provider, parsedOracleABI), "getPriceOracle")
	if err != nil {
		return nil, err
	}
	oracle, err := firstAddress(out)
	if err != nil {
		return nil, errors.Wrap(err, "price oracle")
	}

	p.oracle = p.client.bind(oracle, parsedOracleABI)
	return p.oracle, nil
}

// decodePrice rescales an oracle price from base-currency decimals to WAD.
func (c *EVMClient) decodePrice(out []any) (decimal.Decimal, error) {
	price, err := firstUint(out)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.New("oracle returned zero price")
	}
	return price.Mul(c.baseScale), nil
}

func (c *EVMClient) decodeAccountData(out []any) (domain.AccountSnapshot, error) {
	if len(out) != 6 {
		return domain.AccountSnapshot{}, errors.Errorf("getUserAccountData returned %d values", len(out))
	}
	values := make([]decimal.Decimal, len(out))
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok {
			return domain.AccountSnapshot{}, errors.Errorf("getUserAccountData value %d has type %T", i, v)
		}
		values[i] = fromUint(n)
	}

	return domain.AccountSnapshot{
		TotalCollateral:         values[0].Mul(c.baseScale),
		TotalDebt:               values[1].Mul(c.baseScale),
		AvailableBorrows:        values[2].Mul(c.baseScale),
		LiquidationThresholdBps: values[3].IntPart(),
		LTVBps:                  values[4].IntPart(),
		HealthFactor:            values[5],
	}, nil
}

// EVMToken is an ERC20 token operated by the signing account.
type EVMToken struct {
	client   *EVMClient
	address  common.Address
	contract *bind.BoundContract
}

func (t *EVMToken) Address() common.Address { return t.address }

func (t *EVMToken) BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	return t.client.balanceOf(ctx, t.address, account)
}

func (t *EVMToken) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	_, err = t.client.transact(ctx, t.contract, "transfer", to, amt)
	return err
}

func (t *EVMToken) TransferFrom(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	_, err = t.client.transact(ctx, t.contract, "transferFrom", from, to, amt)
	return err
}

func (t *EVMToken) Approve(ctx context.Context, spender common.Address, amount decimal.Decimal) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	_, err = t.client.transact(ctx, t.contract, "approve", spender, amt)
	return err
}

func (t *EVMToken) Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	out, err := t.client.call(ctx, t.contract, "allowance", owner, spender)
	if err != nil {
		return decimal.Zero, err
	}
	return firstUint(out)
}
