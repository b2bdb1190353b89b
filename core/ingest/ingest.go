// Package ingest produces a consistent, typed snapshot of all relevant
// pending on-chain events for one round: it pulls raw logs for a bounded
// block range, parses them against the AirnodeRrp ABI, separates API call
// requests from withdrawal requests, and drops anything already fulfilled.
package ingest

import (
	"context"
	"errors"
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/abicodec"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// ErrFetchFailed means the primary log fetch exhausted its retries. There is
// nothing useful to do without fresh data; the round is aborted, the next one
// starts clean.
var ErrFetchFailed = errors.New("ingest: log fetch failed")

// LogClient is the slice of the RPC node this package consumes.
// *ethclient.Client satisfies it.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Config struct {
	Airnode           common.Address
	BlockHistoryLimit uint64
	MinConfirmations  uint64
	// AllowConfirmationOverride lets requests lower the confirmation window
	// via the _minConfirmations reserved parameter. When set, logs are
	// fetched up to the current block and filtered per request.
	AllowConfirmationOverride bool
}

type Ingester struct {
	client LogClient
	rrp    *chainio.Rrp
	cfg    Config
	policy retry.Policy
	logger logger.Logger
}

func New(client LogClient, rrp *chainio.Rrp, cfg Config, policy retry.Policy, l logger.Logger) *Ingester {
	return &Ingester{
		client: client,
		rrp:    rrp,
		cfg:    cfg,
		policy: policy,
		logger: logger.EnsureLogger(l),
	}
}

// CurrentBlock resolves the chain head the round is pinned to.
func (i *Ingester) CurrentBlock(ctx context.Context) (uint64, error) {
	block, err := retry.Do(ctx, i.policy, "block number", func(ctx context.Context) (uint64, error) {
		return i.client.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return block, nil
}

// BlockRange computes the round's block window. The clamps guard against a
// negative lower bound and a toBlock below fromBlock on young chains.
func BlockRange(currentBlock, historyLimit, minConfirmations uint64) (uint64, uint64) {
	var from uint64
	if currentBlock > historyLimit {
		from = currentBlock - historyLimit
	}

	to := from
	if currentBlock >= minConfirmations {
		if candidate := currentBlock - minConfirmations; candidate > from {
			to = candidate
		}
	}
	return from, to
}

// FetchRound fetches and groups one round's events. A fetch failure or a
// single unparseable log aborts the round; a partial snapshot with silently
// dropped events is worse than skipping the round.
func (i *Ingester) FetchRound(ctx context.Context, currentBlock uint64) (*model.GroupedRequests, error) {
	minConfirmations := i.cfg.MinConfirmations
	if i.cfg.AllowConfirmationOverride {
		minConfirmations = 0
	}
	from, to := BlockRange(currentBlock, i.cfg.BlockHistoryLimit, minConfirmations)

	query := i.rrp.FilterQuery(i.cfg.Airnode, from, to)
	logs, err := retry.Do(ctx, i.policy, "fetch logs", func(ctx context.Context) ([]types.Log, error) {
		return i.client.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	i.logger.Info("fetched round logs",
		"fromBlock", from, "toBlock", to, "count", len(logs))

	var (
		requests             []*chainio.MadeRequestEvent
		withdrawals          []*chainio.RequestedWithdrawalEvent
		fulfilledRequests    = map[common.Hash]struct{}{}
		fulfilledWithdrawals = map[common.Hash]struct{}{}
	)
	for _, log := range logs {
		parsed, err := i.rrp.ParseLog(log)
		if err != nil {
			// Same severity as a fetch failure: the snapshot is not trustworthy.
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		switch ev := parsed.(type) {
		case *chainio.MadeRequestEvent:
			requests = append(requests, ev)
		case *chainio.FulfilledRequestEvent:
			fulfilledRequests[ev.RequestID] = struct{}{}
		case *chainio.FailedRequestEvent:
			fulfilledRequests[ev.RequestID] = struct{}{}
		case *chainio.RequestedWithdrawalEvent:
			withdrawals = append(withdrawals, ev)
		case *chainio.FulfilledWithdrawalEvent:
			fulfilledWithdrawals[ev.WithdrawalID] = struct{}{}
		case nil:
			// Event from a newer contract version; not ours to act on.
		}
	}

	grouped := &model.GroupedRequests{}
	for _, ev := range requests {
		if _, done := fulfilledRequests[ev.RequestID]; done {
			i.logger.Debug("request already fulfilled, dropping", "requestId", ev.RequestID.Hex())
			continue
		}

		call, err := i.buildApiCall(ev, currentBlock)
		if err != nil {
			// Its intent is unknown; it cannot be safely actioned.
			i.logger.Error("dropping request with undecodable parameters",
				"requestId", ev.RequestID.Hex(), "err", err)
			continue
		}

		if !i.confirmed(call, currentBlock) {
			i.logger.Debug("request below confirmation window, deferring",
				"requestId", ev.RequestID.Hex(), "blockNumber", call.Metadata.BlockNumber)
			continue
		}
		grouped.ApiCalls = append(grouped.ApiCalls, call)
	}

	for _, ev := range withdrawals {
		if _, done := fulfilledWithdrawals[ev.WithdrawalID]; done {
			i.logger.Debug("withdrawal already fulfilled, dropping", "withdrawalRequestId", ev.WithdrawalID.Hex())
			continue
		}
		grouped.Withdrawals = append(grouped.Withdrawals, &model.Withdrawal{
			ID:            ev.WithdrawalID,
			Airnode:       ev.Airnode,
			Sponsor:       ev.Sponsor,
			SponsorWallet: ev.SponsorWallet,
			Status:        model.StatusPending,
			Metadata: model.Metadata{
				BlockNumber:     ev.Raw.BlockNumber,
				TransactionHash: ev.Raw.TxHash,
				LogIndex:        ev.Raw.Index,
				CurrentBlock:    currentBlock,
			},
		})
	}

	model.SortApiCalls(grouped.ApiCalls)
	model.SortWithdrawals(grouped.Withdrawals)
	return grouped, nil
}

func (i *Ingester) buildApiCall(ev *chainio.MadeRequestEvent, currentBlock uint64) (*model.ApiCall, error) {
	decoded, err := abicodec.Decode(ev.Parameters)
	if err != nil {
		return nil, err
	}

	reserved, cleaned, err := model.SplitReservedParameters(decoded)
	if err != nil {
		return nil, err
	}

	return &model.ApiCall{
		ID:                ev.RequestID,
		Airnode:           ev.Airnode,
		Requester:         ev.Requester,
		Sponsor:           ev.Sponsor,
		SponsorWallet:     ev.SponsorWallet,
		TemplateID:        ev.TemplateID,
		EndpointID:        ev.EndpointID,
		EncodedParameters: ev.Parameters,
		Parameters:        cleaned,
		Reserved:          reserved,
		FulfillAddress:    ev.FulfillAddress,
		FulfillFunctionID: ev.FulfillFunctionID,
		RequestCount:      ev.RequesterRequestCount,
		Status:            model.StatusPending,
		Metadata: model.Metadata{
			BlockNumber:     ev.Raw.BlockNumber,
			TransactionHash: ev.Raw.TxHash,
			LogIndex:        ev.Raw.Index,
			CurrentBlock:    currentBlock,
		},
	}, nil
}

// confirmed checks the request against its effective confirmation window:
// the per-request override when allowed and present, the node default
// otherwise.
func (i *Ingester) confirmed(call *model.ApiCall, currentBlock uint64) bool {
	minConfirmations := i.cfg.MinConfirmations
	if i.cfg.AllowConfirmationOverride && call.Reserved.MinConfirmations != nil {
		minConfirmations = *call.Reserved.MinConfirmations
	}
	return currentBlock-call.Metadata.BlockNumber >= minConfirmations
}
