package execution

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// queueItem is one slot in a sponsor wallet's submission queue; exactly one
// of apiCall or withdrawal is set. Both kinds spend the same nonce sequence.
type queueItem struct {
	apiCall    *model.ApiCall
	withdrawal *model.Withdrawal
}

func (q queueItem) metadata() model.Metadata {
	if q.apiCall != nil {
		return q.apiCall.Metadata
	}
	return q.withdrawal.Metadata
}

func (q queueItem) setNonce(nonce uint64) {
	if q.apiCall != nil {
		q.apiCall.Nonce = &nonce
		return
	}
	q.withdrawal.Nonce = &nonce
}

// buildQueues groups submittable requests by sponsor wallet in deterministic
// log order. Blocked API calls stay in the queue: they stall nonce
// assignment for the slots behind them.
func buildQueues(grouped *model.GroupedRequests) map[common.Address][]queueItem {
	queues := map[common.Address][]queueItem{}

	for _, call := range grouped.ApiCalls {
		switch call.Status {
		case model.StatusPending, model.StatusErrored, model.StatusBlocked:
			queues[call.SponsorWallet] = append(queues[call.SponsorWallet], queueItem{apiCall: call})
		}
	}
	for _, withdrawal := range grouped.Withdrawals {
		if withdrawal.IsPending() {
			queues[withdrawal.SponsorWallet] = append(queues[withdrawal.SponsorWallet], queueItem{withdrawal: withdrawal})
		}
	}

	for _, queue := range queues {
		sort.Slice(queue, func(i, j int) bool {
			return queue[i].metadata().Before(queue[j].metadata())
		})
	}
	return queues
}

// AssignNonces fetches each wallet's transaction count concurrently and
// walks its queue assigning consecutive nonces. A blocked request halts the
// walk for its wallet until it has been blocked longer than the skip
// threshold, after which it is passed over without a nonce. Wallets whose
// transaction count cannot be fetched are dropped from the round.
func (e *Engine) AssignNonces(ctx context.Context, grouped *model.GroupedRequests, currentBlock uint64) map[common.Address][]queueItem {
	queues := buildQueues(grouped)
	if len(queues) == 0 {
		return queues
	}

	block := new(big.Int).SetUint64(currentBlock)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		floors = map[common.Address]uint64{}
	)
	for address := range queues {
		wg.Add(1)
		go func(address common.Address) {
			defer wg.Done()
			count, err := retry.Do(ctx, e.policy, "transaction count", func(ctx context.Context) (uint64, error) {
				return e.backend.NonceAt(ctx, address, block)
			})
			if err != nil {
				e.logger.Errorf("cannot fetch transaction count for wallet %s, skipping its queue this round: %v", address.Hex(), err)
				return
			}
			mu.Lock()
			floors[address] = count
			mu.Unlock()
		}(address)
	}
	wg.Wait()

	assigned := map[common.Address][]queueItem{}
	for address, queue := range queues {
		floor, ok := floors[address]
		if !ok {
			continue
		}

		nonce := floor
		var out []queueItem
		for _, item := range queue {
			if item.apiCall != nil && item.apiCall.Status == model.StatusBlocked {
				age := currentBlock - item.apiCall.Metadata.BlockNumber
				if age <= e.cfg.BlockedRequestSkipAfterBlocks {
					// Assigning past it would leave a nonce gap when it
					// unblocks; the rest of this wallet waits.
					e.logger.Infof("request %s is blocked, stalling wallet %s queue", item.apiCall.ID.Hex(), address.Hex())
					break
				}
				e.logger.Warnf("request %s blocked for %d blocks, skipping over it", item.apiCall.ID.Hex(), age)
				continue
			}

			item.setNonce(nonce)
			nonce++
			out = append(out, item)
		}
		if len(out) > 0 {
			assigned[address] = out
		}
	}
	return assigned
}
