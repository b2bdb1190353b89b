package validation

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/api3dao/airnode-go/model"
)

// applyBlockCache sweeps expired cache entries and ignores any request the
// cache remembers from a previous round, before any fetch work is spent on
// it. The cache is best effort; a failing cache degrades to redoing the
// blocking work, never to dropping a request permanently.
func (p *Pipeline) applyBlockCache(grouped *model.GroupedRequests, currentBlock uint64) {
	if p.cache == nil {
		return
	}

	if err := p.cache.Sweep(currentBlock); err != nil {
		p.logger.Error("block cache sweep failed", "err", err)
		return
	}

	for _, call := range grouped.ApiCalls {
		if !call.IsPending() {
			continue
		}
		blocked, err := p.cache.IsBlocked(call.ID)
		if err != nil {
			p.logger.Error("block cache lookup failed", "requestId", call.ID.Hex(), "err", err)
			continue
		}
		if blocked {
			call.Ignore(model.ErrorCodePendingWithdrawal)
			p.logger.Warn("request blocked by a previous round, ignoring",
				"requestId", call.ID.Hex())
		}
	}
}

// blockRequestsWithWithdrawals ignores every pending API call whose sponsor
// has a pending withdrawal this round: the sponsor wallet might be drained
// imminently and fulfillments must not race it. Ignored ids are cached so
// later rounds skip them cheaply until the withdrawal resolves or expires.
func (p *Pipeline) blockRequestsWithWithdrawals(grouped *model.GroupedRequests, currentBlock uint64) {
	withdrawing := make(map[common.Address]struct{})
	for _, w := range grouped.Withdrawals {
		if w.IsPending() {
			withdrawing[w.Sponsor] = struct{}{}
		}
	}
	if len(withdrawing) == 0 {
		return
	}

	var blockedIDs []common.Hash
	for _, call := range grouped.ApiCalls {
		if !call.IsPending() {
			continue
		}
		if _, found := withdrawing[call.Sponsor]; !found {
			continue
		}

		call.Ignore(model.ErrorCodePendingWithdrawal)
		p.logger.Warn("sponsor has a pending withdrawal, ignoring request",
			"requestId", call.ID.Hex(), "sponsor", call.Sponsor.Hex())
		blockedIDs = append(blockedIDs, call.ID)
	}

	// One batch per round keeps the cache write transactional.
	if p.cache != nil && len(blockedIDs) > 0 {
		if err := p.cache.Block(blockedIDs, currentBlock+p.cfg.BlockHistoryLimit); err != nil {
			p.logger.Error("failed to cache blocked requests", "count", len(blockedIDs), "err", err)
		}
	}
}

// applyRateLimit caps how many requests a (sponsor, sponsor wallet) pair may
// have processed per round. Requests beyond the cap, in request order, are
// blocked rather than errored; the condition is transient, not a client fault.
func (p *Pipeline) applyRateLimit(grouped *model.GroupedRequests) {
	type walletKey struct {
		sponsor common.Address
		wallet  common.Address
	}

	counts := make(map[walletKey]int)
	for _, call := range grouped.ApiCalls {
		if !call.IsPending() {
			continue
		}

		key := walletKey{sponsor: call.Sponsor, wallet: call.SponsorWallet}
		counts[key]++
		if counts[key] > p.cfg.MaxRequestsPerSponsorWallet {
			call.Block(model.ErrorCodeRequestLimitExceeded)
			p.logger.Warn("sponsor wallet request limit exceeded, blocking request",
				"requestId", call.ID.Hex(), "sponsor", call.Sponsor.Hex(),
				"sponsorWallet", call.SponsorWallet.Hex(),
				"limit", p.cfg.MaxRequestsPerSponsorWallet)
		}
	}
}
