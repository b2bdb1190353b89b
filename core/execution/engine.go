// Package execution turns a validated round of requests into signed
// on-chain transactions: it assigns per-wallet nonces, determines the
// round's gas price, and simulates-then-submits fulfillments.
package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/core/wallet"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// ErrSubmission marks a request whose fulfillment could not reach the chain
// this round. No on-chain state changed; re-ingestion retries it.
var ErrSubmission = errors.New("transaction submission failed")

// Backend is the chain RPC surface the engine needs. *ethclient.Client
// satisfies it.
type Backend interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Adapter resolves a validated API call into an ABI-encoded response value
// ready to travel in a fulfill transaction.
type Adapter interface {
	Call(ctx context.Context, call *model.ApiCall) ([]byte, error)
}

type Config struct {
	FulfillmentGasLimit uint64
	WithdrawalGasLimit  uint64

	// FallbackGasPriceGwei is used when neither the node nor the feed can
	// price the round; MaxGasPriceGwei clamps whatever was computed.
	FallbackGasPriceGwei uint64
	MaxGasPriceGwei      uint64

	// BlockedRequestSkipAfterBlocks is the age after which a blocked request
	// stops stalling the rest of its wallet's nonce queue.
	BlockedRequestSkipAfterBlocks uint64
}

const (
	defaultFulfillmentGasLimit           = 500_000
	defaultWithdrawalGasLimit            = 70_000
	defaultFallbackGasPriceGwei          = 40
	defaultMaxGasPriceGwei               = 1000
	defaultBlockedRequestSkipAfterBlocks = 20
)

type Engine struct {
	rrp      *chainio.Rrp
	backend  Backend
	registry wallet.Registry
	adapter  Adapter
	feed     *chainio.GasPriceFeed // nil disables the feed leg

	cfg    Config
	policy retry.Policy
	logger logger.Logger
}

func New(rrp *chainio.Rrp, backend Backend, registry wallet.Registry, adapter Adapter, feed *chainio.GasPriceFeed, cfg Config, policy retry.Policy, l logger.Logger) *Engine {
	if cfg.FulfillmentGasLimit == 0 {
		cfg.FulfillmentGasLimit = defaultFulfillmentGasLimit
	}
	if cfg.WithdrawalGasLimit == 0 {
		cfg.WithdrawalGasLimit = defaultWithdrawalGasLimit
	}
	if cfg.FallbackGasPriceGwei == 0 {
		cfg.FallbackGasPriceGwei = defaultFallbackGasPriceGwei
	}
	if cfg.MaxGasPriceGwei == 0 {
		cfg.MaxGasPriceGwei = defaultMaxGasPriceGwei
	}
	if cfg.BlockedRequestSkipAfterBlocks == 0 {
		cfg.BlockedRequestSkipAfterBlocks = defaultBlockedRequestSkipAfterBlocks
	}

	return &Engine{
		rrp:      rrp,
		backend:  backend,
		registry: registry,
		adapter:  adapter,
		feed:     feed,
		cfg:      cfg,
		policy:   policy,
		logger:   logger.EnsureLogger(l),
	}
}

// RoundReport summarizes one round's submission outcomes for metrics.
// GasPrice is the price the round's transactions were submitted at; it is
// set even when submission is skipped, so the gauge tracks every round.
type RoundReport struct {
	Submitted int
	Failed    int
	GasPrice  *big.Int
}

// Execute prices, nonces, and submits the round's requests. Wallets submit
// in parallel; within a wallet, transactions go out strictly in nonce order.
// A failed round is reported, never fatal to the caller.
func (e *Engine) Execute(ctx context.Context, grouped *model.GroupedRequests, currentBlock uint64) RoundReport {
	gasPrice := e.GasPrice(ctx)
	queues := e.AssignNonces(ctx, grouped, currentBlock)

	chainID, err := retry.Do(ctx, e.policy, "chain id", func(ctx context.Context) (*big.Int, error) {
		return e.backend.ChainID(ctx)
	})
	if err != nil {
		e.logger.Errorf("cannot resolve chain id, skipping submission this round: %v", err)
		return RoundReport{GasPrice: gasPrice}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = RoundReport{GasPrice: gasPrice}
	)
	for address, queue := range queues {
		wg.Add(1)
		go func(address common.Address, queue []queueItem) {
			defer wg.Done()
			submitted, failed := e.submitWallet(ctx, address, queue, gasPrice, chainID, currentBlock)
			mu.Lock()
			report.Submitted += submitted
			report.Failed += failed
			mu.Unlock()
		}(address, queue)
	}
	wg.Wait()

	return report
}
