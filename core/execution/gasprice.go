package execution

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	"github.com/api3dao/airnode-go/pkg/retry"
)

// GasPrice returns the round's gas price: the maximum of the node's
// recommendation and the configured feed's answer, whichever legs succeed.
// Both failing degrades to the fallback price rather than aborting the
// round. The result is always clamped to the configured ceiling.
func (e *Engine) GasPrice(ctx context.Context) *big.Int {
	var candidates []*big.Int

	nodePrice, err := retry.Do(ctx, e.policy, "suggest gas price", func(ctx context.Context) (*big.Int, error) {
		return e.backend.SuggestGasPrice(ctx)
	})
	if err != nil {
		e.logger.Warnf("node gas price unavailable: %v", err)
	} else {
		candidates = append(candidates, nodePrice)
	}

	if e.feed != nil {
		feedPrice, err := retry.Do(ctx, e.policy, "gas price feed", func(ctx context.Context) (*big.Int, error) {
			return e.feed.LatestAnswer(ctx, e.backend)
		})
		if err != nil {
			e.logger.Warnf("gas price feed unavailable: %v", err)
		} else {
			candidates = append(candidates, feedPrice)
		}
	}

	price := maxPrice(candidates)
	if price == nil {
		price = gweiToWei(e.cfg.FallbackGasPriceGwei)
		e.logger.Errorf("all gas price sources failed, falling back to %d gwei", e.cfg.FallbackGasPriceGwei)
	}

	if ceiling := gweiToWei(e.cfg.MaxGasPriceGwei); price.Cmp(ceiling) > 0 {
		e.logger.Warnf("gas price %s wei exceeds ceiling, clamping to %d gwei", price.String(), e.cfg.MaxGasPriceGwei)
		price = ceiling
	}
	return price
}

func maxPrice(candidates []*big.Int) *big.Int {
	var max *big.Int
	for _, candidate := range candidates {
		if max == nil || candidate.Cmp(max) > 0 {
			max = candidate
		}
	}
	return max
}

func gweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(params.GWei))
}
