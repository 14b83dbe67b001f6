// Package vault implements the leveraged stablecoin loop: share accounting, the deposit loop,
// rebalancing and proportional unwinding against a lending pool.
package vault

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/metrics"
	"github.com/vadiminshakov/loopvault/internal/pool"
)

const (
	vaultStateKey       = "vault_state"
	defaultWALDir       = "./wal/vault"
	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

var errInterrupted = errors.New("interrupted before completion")

type snapshotRecorder interface {
	Save(snapshot domain.PositionSnapshot) error
}

// Config wires a vault to its pool, tokens and storage.
type Config struct {
	Pool pool.Pool
	// PoolAddress is the spender approved on both tokens.
	PoolAddress common.Address
	BaseToken   pool.Token
	BorrowToken pool.Token
	// Address is the account holding the pool position and idle funds.
	Address  common.Address
	Operator common.Address
	Risk     domain.RiskParameters
	WALDir   string
	// Snapshots receives a position snapshot after every successful operation. Optional.
	Snapshots snapshotRecorder
}

// Vault is the shared leveraged position. One mutating call runs at a time, as one
// all-or-nothing operation; a call arriving while another is in flight is rejected.
type Vault struct {
	mu sync.Mutex
	// view is published at the end of every operation
	view atomic.Pointer[committedState]

	l           *zap.Logger
	pool        pool.Pool
	poolAddress common.Address
	base        pool.Token
	borrow      pool.Token
	address     common.Address
	operator    common.Address
	wal         *gowal.Wal
	journal     *intentJournal
	snapshots   snapshotRecorder
	now         func() time.Time

	ledger *domain.ShareLedger
	params domain.RiskParameters
	paused bool
	closed bool
}

// vaultState is the durable part of the vault; the position itself lives in the pool.
type vaultState struct {
	Ledger *domain.ShareLedger   `json:"ledger"`
	Params domain.RiskParameters `json:"params"`
	Paused bool                  `json:"paused"`
}

// createWAL initializes the vault WAL under dir.
func createWAL(dir string) (*gowal.Wal, error) {
	if dir == "" {
		dir = defaultWALDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	walCfg := gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	}

	return gowal.NewWAL(walCfg)
}

// NewVault validates cfg, restores persisted state, approves the pool on both tokens and
// closes out intents left pending by a previous run.
func NewVault(ctx context.Context, l *zap.Logger, cfg Config) (*Vault, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.Pool == nil || cfg.BaseToken == nil || cfg.BorrowToken == nil {
		return nil, domain.InvalidInput("missing_collaborator")
	}
	for name, addr := range map[string]common.Address{
		"pool":         cfg.PoolAddress,
		"vault":        cfg.Address,
		"operator":     cfg.Operator,
		"base_token":   cfg.BaseToken.Address(),
		"borrow_token": cfg.BorrowToken.Address(),
	} {
		if addr == (common.Address{}) {
			return nil, domain.InvalidInput("zero_address: " + name)
		}
	}
	if cfg.BaseToken.Address() == cfg.BorrowToken.Address() {
		return nil, domain.InvalidInput("base_and_borrow_token_equal")
	}
	if err := cfg.Risk.Validate(); err != nil {
		return nil, err
	}

	wal, err := createWAL(cfg.WALDir)
	if err != nil {
		return nil, err
	}

	state := vaultState{Ledger: domain.NewShareLedger(), Params: cfg.Risk}
	recovered := false
	intents := make([]*Intent, 0)

	for msg := range wal.Iterator() {
		if msg.Key == vaultStateKey {
			restored := vaultState{Ledger: domain.NewShareLedger()}
			if err := json.Unmarshal(msg.Value, &restored); err != nil {
				l.Error("failed to unmarshal vault state", zap.Error(err))
				continue
			}
			if err := restored.Params.Validate(); err != nil {
				l.Error("recovered risk parameters are invalid", zap.Error(err))
				continue
			}
			state = restored
			recovered = true
			continue
		}

		if strings.HasPrefix(msg.Key, intentKeyPrefix) {
			var intent Intent
			if err := json.Unmarshal(msg.Value, &intent); err != nil {
				l.Error("failed to unmarshal vault intent", zap.Error(err), zap.String("key", msg.Key))
				continue
			}
			intentCopy := intent
			intents = append(intents, &intentCopy)
		}
	}

	v := &Vault{
		l:           l,
		pool:        cfg.Pool,
		poolAddress: cfg.PoolAddress,
		base:        cfg.BaseToken,
		borrow:      cfg.BorrowToken,
		address:     cfg.Address,
		operator:    cfg.Operator,
		wal:         wal,
		journal:     newIntentJournal(wal, intents),
		snapshots:   cfg.Snapshots,
		now:         time.Now,
		ledger:      state.Ledger,
		params:      state.Params,
		paused:      state.Paused,
	}

	if recovered {
		l.Info("vault state recovered",
			zap.String("total_shares", state.Ledger.TotalShares().String()),
			zap.Int("depositors", len(state.Ledger.Holders())),
			zap.Bool("paused", state.Paused))
	}

	for _, token := range []pool.Token{v.base, v.borrow} {
		if err := v.approvePool(ctx, token); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}

	if err := v.reconcileIntents(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	v.publish()

	return v, nil
}

// approvePool grants the pool an unlimited allowance unless it already has one.
func (v *Vault) approvePool(ctx context.Context, token pool.Token) error {
	allowance, err := token.Allowance(ctx, v.address, v.poolAddress)
	if err != nil {
		return domain.PoolFailure("token_allowance_failed", err)
	}
	if pool.IsMax(allowance) {
		return nil
	}
	if err := token.Approve(ctx, v.poolAddress, pool.MaxAmount); err != nil {
		return domain.PoolFailure("token_approve_failed", err)
	}
	v.l.Info("pool approved", zap.Stringer("token", token.Address()), zap.Stringer("spender", v.poolAddress))
	return nil
}

// reconcileIntents marks intents left pending by a crash as failed. The pool is the source of
// truth for the position; pending records are surfaced so the operator can review them.
func (v *Vault) reconcileIntents() error {
	pending := v.journal.Pending()
	if len(pending) == 0 {
		return nil
	}

	v.l.Warn("Reconciling pending vault intents", zap.Int("count", len(pending)))

	for _, intent := range pending {
		v.l.Warn("intent interrupted",
			zap.String("intent_id", intent.ID),
			zap.String("operation", intent.Operation),
			zap.Stringer("caller", intent.Caller),
			zap.String("amount", intent.Amount.String()),
			zap.Time("time", intent.Time))
		if err := v.journal.MarkFailed(intent, errInterrupted); err != nil {
			return errors.Wrapf(err, "mark intent %s failed", intent.ID)
		}
	}
	return nil
}

// Close releases the WAL. It is safe to call more than once.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.wal.Close()
}

func (v *Vault) saveState() error {
	data, err := json.Marshal(vaultState{Ledger: v.ledger, Params: v.params, Paused: v.paused})
	if err != nil {
		return errors.Wrap(err, "failed to marshal vault state")
	}

	nextIndex := v.wal.CurrentIndex() + 1
	return v.wal.Write(nextIndex, vaultStateKey, data)
}

type opKey struct{}

func (v *Vault) inOperation(ctx context.Context) bool {
	return ctx.Value(opKey{}) == v
}

type checkpoint struct {
	ledger *domain.ShareLedger
	params domain.RiskParameters
	paused bool
}

// committedState is the vault state as of the last finished operation.
type committedState struct {
	ledger  *domain.ShareLedger
	params  domain.RiskParameters
	paused  bool
	intents []Intent
}

// publish must be called with mu held.
func (v *Vault) publish() {
	intents := make([]Intent, 0, len(v.journal.Intents()))
	for _, it := range v.journal.Intents() {
		intents = append(intents, *it)
	}
	v.view.Store(&committedState{
		ledger:  v.ledger.Clone(),
		params:  v.params,
		paused:  v.paused,
		intents: intents,
	})
}

func (v *Vault) committed() *committedState {
	return v.view.Load()
}

// execute runs fn as one critical section. Failure restores vault state and, when the pool
// supports it, pool state too. The new state is persisted inside the same section.
func (v *Vault) execute(ctx context.Context, op domain.Operation, caller common.Address, amount decimal.Decimal,
	fn func(ctx context.Context) error) error {
	return v.executeIf(ctx, op, caller, amount, nil, fn)
}

// executeIf is execute with a read-only precondition evaluated inside the critical section.
// When needed reports false the call ends there: nothing is journaled, persisted or snapshotted.
func (v *Vault) executeIf(ctx context.Context, op domain.Operation, caller common.Address, amount decimal.Decimal,
	needed func(ctx context.Context) (bool, error), fn func(ctx context.Context) error) error {
	if v.inOperation(ctx) {
		return domain.OperationalState("reentrant_call", domain.ErrReentrant)
	}
	if op.Privileged() && caller != v.operator {
		v.l.Warn("unauthorized call rejected", zap.String("operation", op.String()), zap.Stringer("caller", caller))
		return domain.OperationalState("caller_not_operator", domain.ErrUnauthorized)
	}

	// a callback re-entering on a fresh context would wait on its own operation forever
	if !v.mu.TryLock() {
		v.l.Warn("call rejected, another operation is in flight",
			zap.String("operation", op.String()), zap.Stringer("caller", caller))
		return domain.OperationalState("operation_in_progress", domain.ErrReentrant)
	}
	defer v.mu.Unlock()

	start := time.Now()
	ctx = context.WithValue(ctx, opKey{}, v)

	if needed != nil {
		ok, err := needed(ctx)
		if err != nil {
			metrics.ObserveOperation(op, err, time.Since(start))
			v.logFailure(op, caller, err)
			return err
		}
		if !ok {
			metrics.ObserveOperation(op, nil, time.Since(start))
			return nil
		}
	}

	intent, err := v.journal.Prepare(op.String(), caller, amount, v.now())
	if err != nil {
		return errors.Wrap(err, "failed to journal intent")
	}

	saved := checkpoint{ledger: v.ledger.Clone(), params: v.params, paused: v.paused}

	body := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return errors.Wrap(v.saveState(), "failed to persist vault state")
	}

	if tx, ok := v.pool.(pool.Atomic); ok {
		err = tx.Atomic(ctx, body)
	} else {
		err = body(ctx)
	}

	metrics.ObserveOperation(op, err, time.Since(start))

	if err != nil {
		v.ledger, v.params, v.paused = saved.ledger, saved.params, saved.paused
		if jerr := v.journal.MarkFailed(intent, err); jerr != nil {
			v.l.Error("failed to mark intent failed", zap.Error(jerr), zap.String("intent_id", intent.ID))
		}
		v.publish()
		v.logFailure(op, caller, err)
		return err
	}

	if err := v.journal.MarkDone(intent); err != nil {
		v.l.Error("failed to mark intent done", zap.Error(err), zap.String("intent_id", intent.ID))
	}
	v.publish()
	v.recordSnapshot(ctx)
	return nil
}

func (v *Vault) logFailure(op domain.Operation, caller common.Address, err error) {
	v.l.Error("vault operation failed",
		zap.String("operation", op.String()),
		zap.Stringer("caller", caller),
		zap.String("reason", domain.ReasonOf(err)),
		zap.Error(err))
}

// recordSnapshot publishes the post-operation position. Failures are logged only.
func (v *Vault) recordSnapshot(ctx context.Context) {
	snapshot, err := v.positionSnapshot(ctx, v.committed())
	if err != nil {
		v.l.Warn("failed to read position snapshot", zap.Error(err))
		return
	}
	metrics.ObservePosition(snapshot)
	if v.snapshots == nil {
		return
	}
	if err := v.snapshots.Save(snapshot); err != nil {
		v.l.Warn("failed to save position snapshot", zap.Error(err))
	}
}

func (v *Vault) accountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	snap, err := v.pool.AccountSnapshot(ctx, v.address)
	if err != nil {
		return domain.AccountSnapshot{}, domain.PoolFailure("pool_snapshot_failed", err)
	}
	return snap, nil
}

func (v *Vault) idleBalance(ctx context.Context) (decimal.Decimal, error) {
	idle, err := v.base.BalanceOf(ctx, v.address)
	if err != nil {
		return decimal.Zero, domain.PoolFailure("token_balance_failed", err)
	}
	return idle, nil
}

// assetPrice returns the WAD-scaled price of asset in the pool's base currency. Pools
// without an oracle price every asset at 1.
func (v *Vault) assetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	pricer, ok := v.pool.(pool.Pricer)
	if !ok {
		return domain.WAD, nil
	}
	price, err := pricer.AssetPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, domain.PoolFailure("pool_price_failed", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, domain.PoolFailure("pool_price_invalid", errors.Errorf("price %s of %s", price.String(), asset.Hex()))
	}
	return price, nil
}

// totalAssets is the pool net value in base asset units plus base asset held idle by the vault.
func (v *Vault) totalAssets(ctx context.Context) (decimal.Decimal, error) {
	snap, err := v.accountSnapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return v.assetsOf(ctx, snap)
}

func (v *Vault) assetsOf(ctx context.Context, snap domain.AccountSnapshot) (decimal.Decimal, error) {
	idle, err := v.idleBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	basePrice, err := v.assetPrice(ctx, v.base.Address())
	if err != nil {
		return decimal.Zero, err
	}
	return domain.ValueToUnits(snap.NetValue(), basePrice).Add(idle), nil
}

func (v *Vault) positionSnapshot(ctx context.Context, state *committedState) (domain.PositionSnapshot, error) {
	snap, err := v.accountSnapshot(ctx)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	idle, err := v.idleBalance(ctx)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	total, err := v.assetsOf(ctx, snap)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	return domain.NewPositionSnapshot(v.now(), snap, idle, total, state.ledger.TotalShares(),
		len(state.ledger.Holders()), state.paused, state.params), nil
}

// GetHealthFactor returns the live WAD-scaled health factor; MaxAmount when there is no debt.
func (v *Vault) GetHealthFactor(ctx context.Context) (decimal.Decimal, error) {
	snap, err := v.accountSnapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.HealthFactor, nil
}

// The read accessors below never take the operation lock. Share and parameter state is the
// one committed by the last finished operation, pool state is live.

// GetPositionSnapshot returns the live position together with ledger and parameter state.
func (v *Vault) GetPositionSnapshot(ctx context.Context) (domain.PositionSnapshot, error) {
	return v.positionSnapshot(ctx, v.committed())
}

// ConvertToShares previews how many shares a deposit of assets would mint.
func (v *Vault) ConvertToShares(ctx context.Context, assets decimal.Decimal) (decimal.Decimal, error) {
	total, err := v.totalAssets(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.SharesForAssets(assets, v.committed().ledger.TotalShares(), total), nil
}

// ConvertToAssets previews how many assets burning shares would return.
func (v *Vault) ConvertToAssets(ctx context.Context, shares decimal.Decimal) (decimal.Decimal, error) {
	total, err := v.totalAssets(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.AssetsForShares(shares, v.committed().ledger.TotalShares(), total), nil
}

func (v *Vault) BalanceOf(_ context.Context, holder common.Address) decimal.Decimal {
	return v.committed().ledger.BalanceOf(holder)
}

func (v *Vault) TotalShares(_ context.Context) decimal.Decimal {
	return v.committed().ledger.TotalShares()
}

func (v *Vault) RiskParameters(_ context.Context) domain.RiskParameters {
	return v.committed().params
}

func (v *Vault) Paused(_ context.Context) bool {
	return v.committed().paused
}

// Intents returns copies of the intents retained in memory, oldest first.
func (v *Vault) Intents(_ context.Context) []Intent {
	intents := v.committed().intents
	out := make([]Intent, len(intents))
	copy(out, intents)
	return out
}

func (v *Vault) Address() common.Address  { return v.address }
func (v *Vault) Operator() common.Address { return v.operator }
