// Package balance implements the Balance Cache: a TTL, single-flight view
// of the owner's collateral and native-gas balances. The default
// ChainReader adapter is grounded on the ABI-packed common.Address /
// ethclient call style from the blackholedex reference (other
// _examples/ repo), generalized from AMM/swap reads to a plain balanceOf
// + native balance pair.
package balance

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/pkg/types"
)

// ChainReader is the external collaborator port: two independent on-chain
// reads. Implementations may fail either read independently.
type ChainReader interface {
	CollateralBalance(ctx context.Context) (decimal.Decimal, error)
	NativeBalance(ctx context.Context) (decimal.Decimal, error)
}

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// EthChainReader is the production ChainReader, backed by an
// ethclient.Client. Collateral is read via an ERC-20 balanceOf call;
// native gas via the client's plain balance-at-address RPC.
type EthChainReader struct {
	client     *ethclient.Client
	owner      common.Address
	collateral common.Address
	decimals   int32
	abi        abi.ABI
}

// NewEthChainReader constructs a ChainReader for owner's collateral
// balance at the collateral token contract, with decimals used to scale
// the raw uint256 result into a human-readable decimal.Decimal.
func NewEthChainReader(client *ethclient.Client, owner, collateral common.Address, decimals int32) (*EthChainReader, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceOfABI))
	if err != nil {
		return nil, err
	}
	return &EthChainReader{client: client, owner: owner, collateral: collateral, decimals: decimals, abi: parsed}, nil
}

func (r *EthChainReader) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := r.abi.Pack("balanceOf", r.owner)
	if err != nil {
		return decimal.Zero, err
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.collateral,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -r.decimals), nil
}

func (r *EthChainReader) NativeBalance(ctx context.Context) (decimal.Decimal, error) {
	wei, err := r.client.BalanceAt(ctx, r.owner, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// Config bundles the Balance Cache's tunables.
type Config struct {
	RefreshInterval time.Duration
}

// Cache is the Balance Cache.
type Cache struct {
	cfg    Config
	reader ChainReader
	clock  clock.Clock

	mu       sync.Mutex
	snapshot types.BalanceSnapshot
	hasValue bool
	inFlight *inFlightFetch
}

type inFlightFetch struct {
	done     chan struct{}
	result   types.BalanceSnapshot
}

// New constructs a Balance Cache.
func New(cfg Config, reader ChainReader, c clock.Clock) *Cache {
	return &Cache{cfg: cfg, reader: reader, clock: c}
}

// Get returns the cached snapshot if fresh, otherwise coalesces with any
// in-flight fetch or starts a new one. At most one outstanding RPC pair
// runs at any time.
func (c *Cache) Get(ctx context.Context) types.BalanceSnapshot {
	c.mu.Lock()
	if c.hasValue && c.clock.NowMs()-c.snapshot.FetchedAtMs < c.cfg.RefreshInterval.Milliseconds() {
		snap := c.snapshot
		c.mu.Unlock()
		return snap
	}
	if c.inFlight != nil {
		fetch := c.inFlight
		c.mu.Unlock()
		<-fetch.done
		return fetch.result
	}
	fetch := &inFlightFetch{done: make(chan struct{})}
	c.inFlight = fetch
	c.mu.Unlock()

	result := c.doFetch(ctx)

	c.mu.Lock()
	c.inFlight = nil
	c.mu.Unlock()
	fetch.result = result
	close(fetch.done)
	return result
}

// ForceRefresh waits for any in-flight fetch to complete, invalidates the
// cache, then performs a fresh fetch.
func (c *Cache) ForceRefresh(ctx context.Context) types.BalanceSnapshot {
	c.mu.Lock()
	fetch := c.inFlight
	c.mu.Unlock()
	if fetch != nil {
		<-fetch.done
	}

	c.mu.Lock()
	c.hasValue = false
	if c.inFlight != nil {
		// Another caller raced us into starting a new fetch; join it.
		f := c.inFlight
		c.mu.Unlock()
		<-f.done
		return f.result
	}
	newFetch := &inFlightFetch{done: make(chan struct{})}
	c.inFlight = newFetch
	c.mu.Unlock()

	result := c.doFetch(ctx)

	c.mu.Lock()
	c.inFlight = nil
	c.mu.Unlock()
	newFetch.result = result
	close(newFetch.done)
	return result
}

// Last is a pure cache read: no I/O, returns the zero snapshot with
// hasValue=false semantics folded into LastFetchSucceeded if nothing has
// ever been fetched.
func (c *Cache) Last() types.BalanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// doFetch performs the two independent sub-reads and applies the
// failure-semantics rules: each sub-read is independent; on failure, keep
// the prior value if one exists (advancing the timestamp to throttle
// retries) or store zero and mark failure if there is none.
func (c *Cache) doFetch(ctx context.Context) types.BalanceSnapshot {
	collateral, collErr := c.reader.CollateralBalance(ctx)
	gas, gasErr := c.reader.NativeBalance(ctx)

	now := c.clock.NowMs()

	c.mu.Lock()
	defer c.mu.Unlock()

	prior := c.snapshot
	hadPrior := c.hasValue

	succeeded := collErr == nil && gasErr == nil
	result := types.BalanceSnapshot{
		FetchedAtMs:        now,
		LastFetchSucceeded: succeeded,
	}

	if collErr == nil {
		result.Collateral = collateral
	} else if hadPrior {
		result.Collateral = prior.Collateral
	}
	if gasErr == nil {
		result.NativeGas = gas
	} else if hadPrior {
		result.NativeGas = prior.NativeGas
	}

	if !succeeded {
		if collErr != nil {
			result.LastError = collErr.Error()
		} else if gasErr != nil {
			result.LastError = gasErr.Error()
		}
	}

	c.snapshot = result
	c.hasValue = true
	return result
}
