package validation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// authorizationKey identifies a decision: the same endpoint/requester pair
// shares one decision across all of its requests.
type authorizationKey struct {
	endpointID common.Hash
	requester  common.Address
}

// applyAuthorizations fetches authorization decisions in capped concurrent
// batches and applies them. Absence of a decision is "unknown", not "denied":
// unknown requests are blocked and retried, only an explicit false errors a
// request terminally.
func (p *Pipeline) applyAuthorizations(ctx context.Context, grouped *model.GroupedRequests) {
	pending := lo.Filter(grouped.ApiCalls, func(call *model.ApiCall, _ int) bool {
		return call.IsPending()
	})
	if len(pending) == 0 {
		return
	}

	queries := make([]chainio.AuthorizationQuery, 0, len(pending))
	seen := make(map[authorizationKey]struct{}, len(pending))
	for _, call := range pending {
		key := authorizationKey{endpointID: call.EndpointID, requester: call.Requester}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, chainio.AuthorizationQuery{
			RequestID:     call.ID,
			EndpointID:    call.EndpointID,
			Sponsor:       call.Sponsor,
			SponsorWallet: call.SponsorWallet,
			Requester:     call.Requester,
		})
	}

	decisions := p.fetchAuthorizations(ctx, queries)

	for _, call := range pending {
		key := authorizationKey{endpointID: call.EndpointID, requester: call.Requester}
		decision, ok := decisions[key]
		if !ok {
			call.Block(model.ErrorCodeAuthorizationNotFound)
			p.logger.Warn("no authorization decision available, blocking request",
				"requestId", call.ID.Hex(), "endpointId", call.EndpointID.Hex(),
				"requester", call.Requester.Hex())
			continue
		}
		if !decision {
			call.Fail(model.ErrorCodeUnauthorizedClient, "requester not authorized for endpoint")
			p.logger.Error("requester not authorized, erroring request",
				"requestId", call.ID.Hex(), "endpointId", call.EndpointID.Hex(),
				"requester", call.Requester.Hex())
		}
	}
}

// fetchAuthorizations fans batches out concurrently and merges decisions by
// key. A batch that fails after its retry budget is silently omitted; its
// requests fall through to "no decision available".
func (p *Pipeline) fetchAuthorizations(ctx context.Context, queries []chainio.AuthorizationQuery) map[authorizationKey]bool {
	decisions := make(map[authorizationKey]bool, len(queries))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, batch := range lo.Chunk(queries, p.cfg.BatchSize) {
		wg.Add(1)
		go func(batch []chainio.AuthorizationQuery) {
			defer wg.Done()

			statuses, err := retry.Do(ctx, p.policy, "check authorizations", func(ctx context.Context) ([]bool, error) {
				return p.rrp.CheckAuthorizationStatuses(ctx, p.caller, p.cfg.Airnode, batch)
			})
			if err != nil {
				p.logger.Warn("authorization batch fetch failed", "count", len(batch), "err", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for i, q := range batch {
				decisions[authorizationKey{endpointID: q.EndpointID, requester: q.Requester}] = statuses[i]
			}
		}(batch)
	}
	wg.Wait()

	return decisions
}
