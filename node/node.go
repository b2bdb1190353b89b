// Package node wires configuration into a running oracle node: chain
// clients, the block cache, the round coordinator, and the metrics server.
package node

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/core/config"
	"github.com/api3dao/airnode-go/core/coordinator"
	"github.com/api3dao/airnode-go/core/execution"
	"github.com/api3dao/airnode-go/core/ingest"
	"github.com/api3dao/airnode-go/core/validation"
	"github.com/api3dao/airnode-go/metrics"
	"github.com/api3dao/airnode-go/pkg/adapter"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/storage"
)

type Node struct {
	config      *config.Config
	logger      logger.Logger
	coordinator *coordinator.Coordinator
	store       storage.Storage

	metricsReg *prometheus.Registry
}

// RunWithConfig loads the config file, builds the node, and runs it until a
// termination signal arrives.
func RunWithConfig(configPath string) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("cannot load config %s: %w", configPath, err)
	}

	n, err := NewNode(nodeConfig)
	if err != nil {
		return fmt.Errorf("cannot initialize node: %w", err)
	}
	return n.Start(context.Background())
}

func NewNode(c *config.Config) (*Node, error) {
	rrp := chainio.NewRrp(c.AirnodeRrpAddress)

	var feed *chainio.GasPriceFeed
	if c.GasPriceFeedAddress != (common.Address{}) {
		var err error
		feed, err = chainio.NewGasPriceFeed(c.GasPriceFeedAddress)
		if err != nil {
			return nil, err
		}
	}

	store, err := storage.NewWithPath(c.DbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open block cache at %s: %w", c.DbPath, err)
	}
	cache := storage.NewBlockCache(store, c.Logger)

	ingester := ingest.New(c.EthClient, rrp, ingest.Config{
		Airnode:                   c.AirnodeAddress,
		BlockHistoryLimit:         c.BlockHistoryLimit,
		MinConfirmations:          c.MinConfirmations,
		AllowConfirmationOverride: c.AllowConfirmationOverride,
	}, c.RetryPolicy, c.Logger)

	pipeline := validation.New(rrp, c.EthClient, cache, validation.Config{
		Airnode:                     c.AirnodeAddress,
		BatchSize:                   c.RequestBatchSize,
		MaxRequestsPerSponsorWallet: c.MaxRequestsPerSponsorWallet,
		BlockHistoryLimit:           c.BlockHistoryLimit,
	}, c.RetryPolicy, c.Logger)

	apiClient := adapter.NewClient(c.Endpoints, 0, c.Logger)

	engine := execution.New(rrp, c.EthClient, c.Registry, apiClient, feed, execution.Config{
		FulfillmentGasLimit:           c.FulfillmentGasLimit,
		WithdrawalGasLimit:            c.WithdrawalGasLimit,
		FallbackGasPriceGwei:          c.FallbackGasPriceGwei,
		MaxGasPriceGwei:               c.MaxGasPriceGwei,
		BlockedRequestSkipAfterBlocks: c.BlockedRequestSkipAfterBlocks,
	}, c.RetryPolicy, c.Logger)

	var (
		reg         *prometheus.Registry
		nodeMetrics *metrics.NodeMetrics
	)
	if c.EnableMetrics {
		reg = prometheus.NewRegistry()
		nodeMetrics = metrics.NewNodeMetrics(reg)
	}

	return &Node{
		config:      c,
		logger:      c.Logger,
		coordinator: coordinator.New(ingester, pipeline, engine, c.RoundInterval, nodeMetrics, c.Logger),
		store:       store,
		metricsReg:  reg,
	}, nil
}

// Start runs the round loop until ctx is done or a SIGINT/SIGTERM arrives.
func (n *Node) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := n.store.Close(); err != nil {
			n.logger.Errorf("closing block cache: %v", err)
		}
	}()

	if n.config.EnableMetrics {
		go metrics.Serve(ctx, n.config.MetricsIpPortAddress, n.metricsReg, n.logger)
	}

	n.logger.Infof("airnode %s watching rrp contract %s",
		n.config.AirnodeAddress.Hex(), n.config.AirnodeRrpAddress.Hex())
	return n.coordinator.Run(ctx)
}
