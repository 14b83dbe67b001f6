// Command loopvault runs the leveraged stablecoin loop vault: the vault itself, the keeper
// that rebalances it and the HTTP API.
//
// Usage:
//
//	loopvault --config vault.yaml
//	loopvault --setup (interactive wizard, writes vault.gen.yaml and starts with it)
//
// Environment:
//
//	LOOPVAULT_PRIVATE_KEY  signing key, required when pool_mode is evm
//	LOOPVAULT_API_TOKEN    bearer token for state-changing API routes, optional
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/loopvault/config"
	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/keeper"
	"github.com/vadiminshakov/loopvault/internal/pool"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
	"github.com/vadiminshakov/loopvault/internal/setup"
	"github.com/vadiminshakov/loopvault/internal/storage/marketstate"
	"github.com/vadiminshakov/loopvault/internal/storage/positions"
	"github.com/vadiminshakov/loopvault/internal/web"
)

// backend is the pool and token bindings the vault runs against.
type backend struct {
	pool   pool.Pool
	base   pool.Token
	borrow pool.Token
	// faucet is set only for the in-memory market.
	faucet *pool.Faucet
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	flags := config.ParseFlags()
	path := flags.ConfigPath
	if flags.Setup {
		if err := setup.RunTUI(); err != nil {
			logger.Fatal("setup failed", zap.Error(err))
		}
		path = setup.OutputFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err), zap.String("path", path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("loopvault stopped", zap.Error(err))
	}
	logger.Info("loopvault stopped")
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	var (
		b   backend
		err error
	)
	switch cfg.PoolMode {
	case config.PoolModeMemory:
		b, err = memoryBackend(ctx, logger, cfg)
	case config.PoolModeEVM:
		b, err = evmBackend(ctx, logger, cfg)
	default:
		err = errors.Errorf("unsupported pool mode %q", cfg.PoolMode)
	}
	if err != nil {
		return err
	}

	store, err := positions.NewWALStore(cfg.SnapshotWALDir())
	if err != nil {
		return errors.Wrap(err, "open position snapshot store")
	}
	defer store.Close()

	v, err := vault.NewVault(ctx, logger.Named("vault"), vault.Config{
		Pool:        b.pool,
		PoolAddress: cfg.PoolAddress,
		BaseToken:   b.base,
		BorrowToken: b.borrow,
		Address:     cfg.VaultAddress,
		Operator:    cfg.Operator,
		Risk:        cfg.Risk,
		WALDir:      cfg.VaultWALDir(),
		Snapshots:   store,
	})
	if err != nil {
		return errors.Wrap(err, "create vault")
	}
	defer v.Close()

	k, err := keeper.NewKeeper(logger.Named("keeper"), v, cfg.Keeper, cfg.RebalanceInterval)
	if err != nil {
		return errors.Wrap(err, "create keeper")
	}

	opts := []web.Option{web.WithSnapshotStore(store), web.WithAPIToken(cfg.APIToken)}
	if b.faucet != nil {
		opts = append(opts, web.WithSimulator(b.faucet))
	}
	server := web.NewServer(logger.Named("web"), cfg.HTTPAddr, v, opts...)

	logger.Info("loopvault started",
		zap.String("pool_mode", cfg.PoolMode),
		zap.Stringer("vault", cfg.VaultAddress),
		zap.Stringer("operator", cfg.Operator),
		zap.Stringer("keeper", cfg.Keeper),
		zap.Duration("rebalance_interval", cfg.RebalanceInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func memoryBackend(ctx context.Context, logger *zap.Logger, cfg config.Config) (backend, error) {
	state, err := marketstate.NewStore(cfg.MarketStateDir(), cfg.PoolAddress.Hex())
	if err != nil {
		return backend{}, err
	}
	market, err := pool.NewMarket(cfg.PoolAddress, logger.Named("market"), state)
	if err != nil {
		return backend{}, err
	}

	// a restored market keeps its listings, prices and liquidity
	if !market.Listed(cfg.BaseToken) || !market.Listed(cfg.BorrowToken) {
		listing := pool.AssetConfig{
			Price:                   domain.WAD,
			LTVBps:                  cfg.Sim.LTVBps,
			LiquidationThresholdBps: cfg.Sim.LiquidationThresholdBps,
		}
		for _, asset := range []common.Address{cfg.BaseToken, cfg.BorrowToken} {
			if err := market.ListAsset(ctx, asset, listing); err != nil {
				return backend{}, errors.Wrapf(err, "list asset %s", asset.Hex())
			}
		}
		if err := market.Mint(ctx, cfg.BorrowToken, cfg.PoolAddress, cfg.Sim.Liquidity); err != nil {
			return backend{}, errors.Wrap(err, "seed borrow liquidity")
		}
		logger.Info("in-memory market seeded", zap.String("liquidity", domain.Human(cfg.Sim.Liquidity)))
	}

	return backend{
		pool:   market.PoolFor(cfg.VaultAddress),
		base:   market.TokenFor(cfg.BaseToken, cfg.VaultAddress),
		borrow: market.TokenFor(cfg.BorrowToken, cfg.VaultAddress),
		faucet: pool.NewFaucet(market, cfg.BaseToken, cfg.VaultAddress),
	}, nil
}

func evmBackend(ctx context.Context, logger *zap.Logger, cfg config.Config) (backend, error) {
	client, err := pool.DialEVM(ctx, pool.EVMConfig{
		RPCURL:               cfg.RPCURL,
		ChainID:              cfg.ChainID,
		PrivateKeyHex:        cfg.PrivateKeyHex,
		BaseCurrencyDecimals: int32(cfg.BaseCurrencyDecimals),
		TxTimeout:            cfg.TxTimeout,
	}, logger.Named("evm"))
	if err != nil {
		return backend{}, err
	}
	if client.From() != cfg.VaultAddress {
		return backend{}, errors.Errorf("signing account %s does not match vault address %s", client.From().Hex(), cfg.VaultAddress.Hex())
	}

	return backend{
		pool:   client.Pool(cfg.PoolAddress),
		base:   client.Token(cfg.BaseToken),
		borrow: client.Token(cfg.BorrowToken),
	}, nil
}
