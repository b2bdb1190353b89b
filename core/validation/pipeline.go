// Package validation takes one round's grouped requests and decides, per
// request, whether it may proceed to execution: templates are resolved and
// integrity-checked, authorization decisions fetched, and transiently unsafe
// requests blocked. Single bad requests never abort their siblings; only a
// round-wide fetch failure is fatal, and none of the fetches here are.
package validation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/pkg/retry"
	"github.com/api3dao/airnode-go/storage"
)

type Config struct {
	// Airnode is the node's own identity; authorization checks are scoped to it.
	Airnode common.Address
	// BatchSize caps template and authorization reads per contract call.
	BatchSize int
	// MaxRequestsPerSponsorWallet caps requests processed per
	// (sponsor, sponsor wallet) pair per round; the excess is retried next round.
	MaxRequestsPerSponsorWallet int
	// BlockHistoryLimit sets the expiry window for block cache entries.
	BlockHistoryLimit uint64
}

type Pipeline struct {
	rrp    *chainio.Rrp
	caller chainio.ContractCaller
	cache  *storage.BlockCache
	cfg    Config
	policy retry.Policy
	logger logger.Logger
}

func New(rrp *chainio.Rrp, caller chainio.ContractCaller, cache *storage.BlockCache, cfg Config, policy retry.Policy, l logger.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRequestsPerSponsorWallet <= 0 {
		cfg.MaxRequestsPerSponsorWallet = 10
	}
	return &Pipeline{
		rrp:    rrp,
		caller: caller,
		cache:  cache,
		cfg:    cfg,
		policy: policy,
		logger: logger.EnsureLogger(l),
	}
}

// Process runs every validation stage in order. Each stage is a no-op for
// requests that already left Pending.
func (p *Pipeline) Process(ctx context.Context, grouped *model.GroupedRequests, currentBlock uint64) {
	p.applyBlockCache(grouped, currentBlock)
	p.resolveTemplates(ctx, grouped)
	p.applyAuthorizations(ctx, grouped)
	p.blockRequestsWithWithdrawals(grouped, currentBlock)
	p.applyRateLimit(grouped)
}
