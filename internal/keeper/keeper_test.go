package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/metrics"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
	"github.com/vadiminshakov/loopvault/pkg/retrier"
)

var keeperAddr = common.HexToAddress("0x000000000000000000000000000000000000beef")

type fakeVault struct {
	mu      sync.Mutex
	calls   int
	callers []common.Address
	errs    []error
	result  vault.RebalanceResult
}

func (f *fakeVault) Rebalance(_ context.Context, caller common.Address) (vault.RebalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.callers = append(f.callers, caller)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return vault.RebalanceResult{}, err
		}
	}
	return f.result, nil
}

func (f *fakeVault) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry() retrier.Option {
	return retrier.WithInitialInterval(time.Millisecond)
}

func TestNewKeeper_Validation(t *testing.T) {
	_, err := NewKeeper(zap.NewNop(), nil, keeperAddr, time.Second)
	require.Error(t, err)

	_, err = NewKeeper(zap.NewNop(), &fakeVault{}, keeperAddr, 0)
	require.Error(t, err)

	k, err := NewKeeper(nil, &fakeVault{}, keeperAddr, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, k.l)
}

func TestRunOnce_RetriesPoolFailures(t *testing.T) {
	v := &fakeVault{
		errs: []error{
			domain.PoolFailure("pool_snapshot_failed", errors.New("timeout")),
			domain.PoolFailure("pool_snapshot_failed", errors.New("timeout")),
		},
		result: vault.RebalanceResult{Action: domain.RebalanceDelever, Amount: domain.MustUnits("13")},
	}
	k, err := NewKeeper(zap.NewNop(), v, keeperAddr, time.Minute, fastRetry())
	require.NoError(t, err)
	retriesBefore := testutil.ToFloat64(metrics.KeeperRetries)

	result, err := k.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, v.callCount())
	assert.Equal(t, retriesBefore+2, testutil.ToFloat64(metrics.KeeperRetries))
	assert.Equal(t, domain.RebalanceDelever, result.Action)
	assert.True(t, result.Amount.Equal(domain.MustUnits("13")))
	for _, caller := range v.callers {
		assert.Equal(t, keeperAddr, caller)
	}
}

func TestRunOnce_DoesNotRetryStateErrors(t *testing.T) {
	v := &fakeVault{
		errs: []error{domain.OperationalState("no_withdrawable_collateral", nil)},
	}
	k, err := NewKeeper(zap.NewNop(), v, keeperAddr, time.Minute, fastRetry())
	require.NoError(t, err)

	_, err = k.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrOperationalState)
	assert.Equal(t, 1, v.callCount())
}

func TestRunOnce_GivesUpAfterMaxRetries(t *testing.T) {
	failure := domain.PoolFailure("pool_withdraw_failed", errors.New("reverted"))
	v := &fakeVault{errs: []error{failure, failure, failure}}
	k, err := NewKeeper(zap.NewNop(), v, keeperAddr, time.Minute, fastRetry(), retrier.WithMaxRetries(2))
	require.NoError(t, err)

	_, err = k.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrPoolInteraction)
	assert.Equal(t, 3, v.callCount())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	v := &fakeVault{result: vault.RebalanceResult{Action: domain.RebalanceNoOp, Amount: decimal.Zero}}
	k, err := NewKeeper(zap.NewNop(), v, keeperAddr, 5*time.Millisecond, fastRetry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return v.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop after cancel")
	}
}
