// Package coordinator drives the node's round loop: every tick it snapshots
// the chain head, ingests events, validates the grouped requests, and hands
// them to the execution engine. Rounds are stateless; a failed round is
// logged and the next one starts clean.
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/api3dao/airnode-go/core/execution"
	"github.com/api3dao/airnode-go/core/ingest"
	"github.com/api3dao/airnode-go/core/validation"
	"github.com/api3dao/airnode-go/metrics"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/logger"
)

type Coordinator struct {
	ingester *ingest.Ingester
	pipeline *validation.Pipeline
	engine   *execution.Engine

	interval    time.Duration
	nodeMetrics *metrics.NodeMetrics // nil disables instrumentation
	logger      logger.Logger

	scheduler gocron.Scheduler
}

func New(ingester *ingest.Ingester, pipeline *validation.Pipeline, engine *execution.Engine, interval time.Duration, m *metrics.NodeMetrics, l logger.Logger) *Coordinator {
	return &Coordinator{
		ingester:    ingester,
		pipeline:    pipeline,
		engine:      engine,
		interval:    interval,
		nodeMetrics: m,
		logger:      logger.EnsureLogger(l),
	}
}

// Run schedules rounds at the configured interval and blocks until ctx is
// done. Singleton mode guarantees rounds never overlap; a slow round simply
// delays the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("coordinator: initialize scheduler: %w", err)
	}
	c.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() {
			c.RunRound(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("coordinator: create round job: %w", err)
	}

	scheduler.Start()
	c.logger.Infof("coordinator started, one round every %s", c.interval)

	<-ctx.Done()
	return scheduler.Shutdown()
}

// RunRound executes a single ingest-validate-execute pass. Errors never
// propagate: the round is abandoned and re-ingestion retries its work.
func (c *Coordinator) RunRound(ctx context.Context) {
	roundID := uuid.New().String()
	started := time.Now()
	log := c.logger.With("round", roundID)

	if c.nodeMetrics != nil {
		c.nodeMetrics.IncRounds()
	}

	currentBlock, err := c.ingester.CurrentBlock(ctx)
	if err != nil {
		log.Errorf("cannot resolve chain head, abandoning round: %v", err)
		c.failRound()
		return
	}

	grouped, err := c.ingester.FetchRound(ctx, currentBlock)
	if err != nil {
		log.Errorf("ingestion failed, abandoning round: %v", err)
		c.failRound()
		return
	}
	if len(grouped.ApiCalls) == 0 && len(grouped.Withdrawals) == 0 {
		log.Debugf("no pending requests at block %d", currentBlock)
		return
	}
	log.Infof("ingested %d api calls and %d withdrawals at block %d",
		len(grouped.ApiCalls), len(grouped.Withdrawals), currentBlock)

	c.pipeline.Process(ctx, grouped, currentBlock)
	report := c.engine.Execute(ctx, grouped, currentBlock)

	log.Infof("round finished in %s: %d submitted, %d failed",
		time.Since(started).Round(time.Millisecond), report.Submitted, report.Failed)
	c.observeRound(grouped, report, time.Since(started))
}

func (c *Coordinator) failRound() {
	if c.nodeMetrics != nil {
		c.nodeMetrics.IncRoundFailures()
	}
}

func (c *Coordinator) observeRound(grouped *model.GroupedRequests, report execution.RoundReport, elapsed time.Duration) {
	if c.nodeMetrics == nil {
		return
	}
	c.nodeMetrics.AddRequestsIngested("api_call", len(grouped.ApiCalls))
	c.nodeMetrics.AddRequestsIngested("withdrawal", len(grouped.Withdrawals))
	for _, call := range grouped.ApiCalls {
		c.nodeMetrics.IncRequestStatus(call.Status.String())
	}
	c.nodeMetrics.AddTransactionsSubmitted(report.Submitted)
	c.nodeMetrics.AddSubmissionFailures(report.Failed)
	if report.GasPrice != nil {
		c.nodeMetrics.SetGasPriceGwei(weiToGwei(report.GasPrice))
	}
	c.nodeMetrics.ObserveRoundDuration(elapsed)
}

func weiToGwei(wei *big.Int) float64 {
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return gwei
}
