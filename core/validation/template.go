package validation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/abicodec"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// resolveTemplates fetches, verifies and merges the templates referenced by
// pending requests. Batches run concurrently and results are merged by id; a
// batch that fails after retries leaves its requests Blocked so they are
// retried next round, while a template the store does not know leaves them
// Ignored.
func (p *Pipeline) resolveTemplates(ctx context.Context, grouped *model.GroupedRequests) {
	referenced := lo.FilterMap(grouped.ApiCalls, func(call *model.ApiCall, _ int) (common.Hash, bool) {
		if !call.IsPending() || call.TemplateID == nil {
			return common.Hash{}, false
		}
		return *call.TemplateID, true
	})
	ids := lo.Uniq(referenced)
	if len(ids) == 0 {
		return
	}

	templates, failed := p.fetchTemplates(ctx, ids)

	for _, call := range grouped.ApiCalls {
		if !call.IsPending() || call.TemplateID == nil {
			continue
		}
		id := *call.TemplateID

		if _, bad := failed[id]; bad {
			call.Block(model.ErrorCodeTemplateNotFound)
			p.logger.Warn("template fetch failed, blocking request",
				"requestId", call.ID.Hex(), "templateId", id.Hex())
			continue
		}

		tpl, ok := templates[id]
		if !ok || tpl.Airnode == (common.Address{}) {
			call.Ignore(model.ErrorCodeTemplateNotFound)
			p.logger.Warn("template not found, ignoring request",
				"requestId", call.ID.Hex(), "templateId", id.Hex())
			continue
		}

		if err := tpl.Verify(); err != nil {
			call.Ignore(model.ErrorCodeInvalidTemplate)
			p.logger.Error("template id mismatch, ignoring request",
				"requestId", call.ID.Hex(), "templateId", id.Hex(),
				"recomputedId", tpl.ExpectedID().Hex())
			continue
		}

		if err := p.mergeTemplate(call, tpl); err != nil {
			call.Ignore(model.ErrorCodeInvalidTemplate)
			p.logger.Error("template parameters failed to decode, ignoring request",
				"requestId", call.ID.Hex(), "templateId", id.Hex(), "err", err)
		}
	}
}

// fetchTemplates resolves unique ids in capped batches, fanned out
// concurrently. It returns the templates found and the set of ids whose
// batch failed entirely.
func (p *Pipeline) fetchTemplates(ctx context.Context, ids []common.Hash) (map[common.Hash]*model.Template, map[common.Hash]struct{}) {
	templates := make(map[common.Hash]*model.Template, len(ids))
	failed := make(map[common.Hash]struct{})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, batch := range lo.Chunk(ids, p.cfg.BatchSize) {
		wg.Add(1)
		go func(batch []common.Hash) {
			defer wg.Done()

			result, err := retry.Do(ctx, p.policy, "get templates", func(ctx context.Context) ([]*model.Template, error) {
				return p.rrp.GetTemplates(ctx, p.caller, batch)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("template batch fetch failed", "count", len(batch), "err", err)
				for _, id := range batch {
					failed[id] = struct{}{}
				}
				return
			}
			for _, tpl := range result {
				templates[tpl.ID] = tpl
			}
		}(batch)
	}
	wg.Wait()

	return templates, failed
}

// mergeTemplate folds the template into the request: the endpoint comes from
// the template, template parameters merge first and request-level values
// layer on top without being overridden.
func (p *Pipeline) mergeTemplate(call *model.ApiCall, tpl *model.Template) error {
	decoded, err := abicodec.Decode(tpl.EncodedParameters)
	if err != nil {
		return err
	}
	reserved, params, err := model.SplitReservedParameters(decoded)
	if err != nil {
		return err
	}

	merged := make(map[string]interface{}, len(params)+len(call.Parameters))
	for name, value := range params {
		merged[name] = value
	}
	for name, value := range call.Parameters {
		merged[name] = value
	}

	call.EndpointID = tpl.EndpointID
	call.Parameters = merged
	call.Reserved = mergeReserved(reserved, call.Reserved)
	return nil
}

// mergeReserved keeps request-level reserved parameters where set, falling
// back to the template's.
func mergeReserved(tpl, req model.ReservedParameters) model.ReservedParameters {
	merged := tpl
	if req.Type != "" {
		merged.Type = req.Type
	}
	if req.Path != "" {
		merged.Path = req.Path
	}
	if req.Times != nil {
		merged.Times = req.Times
	}
	if req.MinConfirmations != nil {
		merged.MinConfirmations = req.MinConfirmations
	}
	return merged
}
