// Package keeper triggers vault rebalancing on an interval.
package keeper

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/metrics"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
	"github.com/vadiminshakov/loopvault/pkg/retrier"
)

type rebalancer interface {
	Rebalance(ctx context.Context, caller common.Address) (vault.RebalanceResult, error)
}

// Keeper calls Rebalance once per interval. Pool failures are retried with backoff; other
// errors are logged and wait for the next tick.
type Keeper struct {
	l        *zap.Logger
	vault    rebalancer
	caller   common.Address
	interval time.Duration
	retrier  *retrier.Retrier
}

// NewKeeper creates a keeper acting as caller. opts tune the retry backoff of a single run.
func NewKeeper(l *zap.Logger, v rebalancer, caller common.Address, interval time.Duration, opts ...retrier.Option) (*Keeper, error) {
	if v == nil {
		return nil, errors.New("keeper requires a vault")
	}
	if interval <= 0 {
		return nil, errors.Errorf("keeper interval must be positive, got %s", interval)
	}
	if l == nil {
		l = zap.NewNop()
	}

	opts = append([]retrier.Option{
		retrier.WithInitialInterval(2 * time.Second),
		retrier.WithMaxRetries(3),
	}, opts...)
	opts = append(opts,
		retrier.WithRetryIf(retryable),
		retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			metrics.KeeperRetries.Inc()
			l.Warn("Rebalance failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.String("reason", domain.ReasonOf(err)),
				zap.Error(err))
		}),
	)

	return &Keeper{
		l:        l,
		vault:    v,
		caller:   caller,
		interval: interval,
		retrier:  retrier.New(opts...),
	}, nil
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrPoolInteraction)
}

// Run blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.l.Info("Starting keeper loop", zap.Duration("interval", k.interval), zap.Stringer("caller", k.caller))

	for {
		select {
		case <-ctx.Done():
			k.l.Info("Context done, stopping keeper run loop.")
			return ctx.Err()
		case <-ticker.C:
			k.l.Debug("Keeper tick")
			if _, err := k.RunOnce(ctx); err != nil && ctx.Err() == nil {
				k.l.Error("Rebalance failed",
					zap.String("kind", domain.KindOf(err).String()),
					zap.String("reason", domain.ReasonOf(err)),
					zap.Error(err))
			}
		}
	}
}

// RunOnce performs one rebalance with retries.
func (k *Keeper) RunOnce(ctx context.Context) (vault.RebalanceResult, error) {
	result, err := retrier.DoWithData(k.retrier, ctx, func(ctx context.Context) (vault.RebalanceResult, error) {
		return k.vault.Rebalance(ctx, k.caller)
	})
	metrics.ObserveKeeperRun(err)
	if err != nil {
		return vault.RebalanceResult{}, err
	}

	if result.Action != domain.RebalanceNoOp {
		k.l.Info("Keeper rebalanced vault",
			zap.String("action", result.Action.String()),
			zap.String("amount", domain.Human(result.Amount)))
	}
	return result, nil
}
