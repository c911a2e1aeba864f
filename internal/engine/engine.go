// Package engine wires the Market Data Store, Push Client, Pull
// Fallback, Market Data Facade, User Channel Client, Execution Engine,
// and Balance Cache into one process. Grounded on the teacher's
// internal/engine/engine.go New()/Start()/Stop() lifecycle shape,
// slimmed to the subsystems spec.md §1 keeps in core scope: no
// scanner, no strategy maker, no risk manager, no dashboard.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"clobmm-core/internal/balance"
	"clobmm-core/internal/clock"
	"clobmm-core/internal/config"
	"clobmm-core/internal/execution"
	"clobmm-core/internal/facade"
	"clobmm-core/internal/marketfeed"
	"clobmm-core/internal/pull"
	"clobmm-core/internal/ratelimit"
	"clobmm-core/internal/store"
	"clobmm-core/internal/userchannel"
	"clobmm-core/pkg/types"
)

// Engine owns every subsystem's handle, constructed once at startup
// per spec.md §9 ("no lazy singletons").
type Engine struct {
	cfg config.Config

	store     *store.Store
	limiter   *ratelimit.Limiter
	pull      *pull.Fallback
	facade    *facade.Facade
	mktFeed   *marketfeed.Client
	usrFeed   *userchannel.Client
	execution *execution.Engine
	balance   *balance.Cache

	logger *slog.Logger
}

// New constructs and wires every subsystem. It performs no network
// I/O; Start() does.
func New(cfg config.Config, submitter execution.Submitter, logger *slog.Logger) (*Engine, error) {
	clk := clock.NewSystem()

	st := store.New(store.Config{
		MaxTokens:      cfg.Store.MaxTokens,
		StaleThreshold: cfg.Store.StaleThreshold,
		DepthWindow:    cfg.Store.DepthWindow,
	}, clk)

	limiter := ratelimit.New(ratelimit.Config{
		GlobalMinInterval: cfg.Pull.GlobalMinInterval,
		PerKeyMinInterval: cfg.Pull.PerKeyMinInterval,
		LockTimeout:       cfg.Pull.LockTimeout,
	})

	pullFallback := pull.New(pull.Config{
		BaseURL:        cfg.API.CLOBBaseURL,
		RequestTimeout: cfg.Pull.RequestTimeout,
	}, limiter, st)

	dataFacade := facade.New(st, pullFallback)

	mktFeed := marketfeed.New(marketfeed.Config{
		URL:                     cfg.API.WSMarketURL,
		PingInterval:            cfg.Push.PingInterval,
		PongTimeout:             cfg.Push.PongTimeout,
		ReconnectBase:           cfg.Push.ReconnectBase,
		ReconnectMax:            cfg.Push.ReconnectMax,
		StableConnectionElapsed: cfg.Push.StableConnectionElapsed,
		WriteTimeout:            cfg.Push.WriteTimeout,
	}, st, clk, logger)

	usrFeed := userchannel.New(userchannel.Config{
		URL:                     cfg.API.WSUserURL,
		PingInterval:            cfg.UserFeed.PingInterval,
		PongTimeout:             cfg.UserFeed.PongTimeout,
		ReconnectBase:           cfg.UserFeed.ReconnectBase,
		ReconnectMax:            cfg.UserFeed.ReconnectMax,
		StableConnectionElapsed: cfg.UserFeed.StableConnectionElapsed,
		WriteTimeout:            cfg.UserFeed.WriteTimeout,
		PruneHorizon:            cfg.UserFeed.PruneHorizon,
	}, userchannel.Credentials{
		APIKey:     cfg.API.ApiKey,
		Secret:     cfg.API.Secret,
		Passphrase: cfg.API.Passphrase,
	}, clk, logger, nil)

	hardMin, err := decimal.NewFromString(cfg.Execution.HardMin)
	if err != nil {
		return nil, fmt.Errorf("execution.hard_min: %w", err)
	}
	hardMax, err := decimal.NewFromString(cfg.Execution.HardMax)
	if err != nil {
		return nil, fmt.Errorf("execution.hard_max: %w", err)
	}
	strategyMin, err := decimal.NewFromString(cfg.Execution.StrategyMin)
	if err != nil {
		return nil, fmt.Errorf("execution.strategy_min: %w", err)
	}
	strategyMax, err := decimal.NewFromString(cfg.Execution.StrategyMax)
	if err != nil {
		return nil, fmt.Errorf("execution.strategy_max: %w", err)
	}
	slippage, err := decimal.NewFromString(cfg.Execution.SlippageFrac)
	if err != nil {
		return nil, fmt.Errorf("execution.slippage_frac: %w", err)
	}
	maxSpread, err := decimal.NewFromString(cfg.Execution.MaxSpreadCents)
	if err != nil {
		return nil, fmt.Errorf("execution.max_spread_cents: %w", err)
	}
	defaultTick, err := decimal.NewFromString(cfg.Execution.DefaultTickSize)
	if err != nil {
		return nil, fmt.Errorf("execution.default_tick_size: %w", err)
	}

	execEngine := execution.New(execution.Config{
		Bounds: execution.Bounds{
			HardMin: hardMin, HardMax: hardMax,
			StrategyMin: strategyMin, StrategyMax: strategyMax,
		},
		SlippageFrac:         slippage,
		MaxSpreadCents:       maxSpread,
		DefaultTickSize:      defaultTick,
		BuyCooldown:          cfg.Execution.BuyCooldown,
		AllowRestingFallback: cfg.Execution.AllowRestingFallback,
	}, dataFacade, submitter, nil, clk)

	ethClient, err := ethclient.DialContext(context.Background(), cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	reader, err := balance.NewEthChainReader(
		ethClient,
		common.HexToAddress(cfg.Chain.OwnerAddress),
		common.HexToAddress(cfg.Chain.CollateralAddress),
		cfg.Chain.CollateralDecimals,
	)
	if err != nil {
		return nil, fmt.Errorf("construct chain reader: %w", err)
	}
	balanceCache := balance.New(balance.Config{RefreshInterval: cfg.Balance.RefreshInterval}, reader, clk)

	return &Engine{
		cfg:       cfg,
		store:     st,
		limiter:   limiter,
		pull:      pullFallback,
		facade:    dataFacade,
		mktFeed:   mktFeed,
		usrFeed:   usrFeed,
		execution: execEngine,
		balance:   balanceCache,
		logger:    logger.With("component", "engine"),
	}, nil
}

// Start connects the push and user-channel feeds. It does not block.
func (e *Engine) Start(ctx context.Context) {
	e.mktFeed.Connect(ctx)
	e.usrFeed.Connect(ctx)
}

// Stop disconnects both feeds. Idempotent.
func (e *Engine) Stop() {
	e.mktFeed.Disconnect()
	e.usrFeed.Disconnect()
	e.logger.Info("engine stopped")
}

// Subscribe adds tokens to the Push Client's market-data subscription
// and replaces the User Channel's market set with markets (used in its
// subscribe payload on the next connect).
func (e *Engine) Subscribe(tokens []types.TokenID, markets []string) {
	e.mktFeed.Subscribe(tokens)
	e.usrFeed.SetMarkets(markets)
}

// Facade exposes the Market Data Facade for read access.
func (e *Engine) Facade() *facade.Facade { return e.facade }

// Execution exposes the Execution Engine.
func (e *Engine) Execution() *execution.Engine { return e.execution }

// Balance exposes the Balance Cache.
func (e *Engine) Balance() *balance.Cache { return e.balance }

// UserChannel exposes the User Channel Client.
func (e *Engine) UserChannel() *userchannel.Client { return e.usrFeed }

// Cleanup runs the periodic maintenance sweep: rate-limiter GC and
// user-channel order/trade pruning. Intended to be called from a
// ticker loop in cmd/bot.
func (e *Engine) Cleanup(nowMs int64) {
	e.limiter.Cleanup()
	e.pull.Cleanup()
	e.usrFeed.Prune(nowMs)
}
