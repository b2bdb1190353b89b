package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/api3dao/airnode-go/pkg/logger"
)

const blockedRequestPrefix = "blockedWithdrawalRequest-"

// BlockCache remembers request ids that were blocked in a previous round so
// they can be skipped cheaply before any validation work. Entries expire by
// block height, not wall clock; the cache is swept once per round by a single
// actor, so last-write-wins per key is all the discipline needed.
type BlockCache struct {
	store  Storage
	logger logger.Logger
}

func NewBlockCache(store Storage, l logger.Logger) *BlockCache {
	return &BlockCache{store: store, logger: logger.EnsureLogger(l)}
}

func blockedRequestKey(id common.Hash) []byte {
	return []byte(blockedRequestPrefix + id.Hex())
}

// Block records request ids with a shared expiry block, committed in one
// batch so a round's blocked ids land together.
func (c *BlockCache) Block(ids []common.Hash, expiryBlock uint64) error {
	if len(ids) == 0 {
		return nil
	}
	value := []byte(strconv.FormatUint(expiryBlock, 10))
	updates := make(map[string][]byte, len(ids))
	for _, id := range ids {
		updates[string(blockedRequestKey(id))] = value
	}
	return c.store.BatchWrite(updates)
}

// IsBlocked reports whether the id has an entry. Expiry is not checked here;
// Sweep runs first each round and removes stale entries.
func (c *BlockCache) IsBlocked(id common.Hash) (bool, error) {
	return c.store.Exist(blockedRequestKey(id))
}

// Sweep removes every entry whose expiry block has passed. Unparseable
// entries are removed too; a corrupt entry is worth less than redoing the
// blocking work.
func (c *BlockCache) Sweep(currentBlock uint64) error {
	items, err := c.store.GetByPrefix([]byte(blockedRequestPrefix))
	if err != nil {
		return fmt.Errorf("storage: sweep block cache: %w", err)
	}

	for _, item := range items {
		expiry, err := strconv.ParseUint(string(item.Value), 10, 64)
		if err != nil {
			c.logger.Warn("removing corrupt block cache entry", "key", string(item.Key))
			if err := c.store.Delete(item.Key); err != nil {
				return err
			}
			continue
		}

		if expiry <= currentBlock {
			if err := c.store.Delete(item.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Size returns the number of live entries, for metrics.
func (c *BlockCache) Size() (int64, error) {
	return c.store.CountKeysByPrefix([]byte(blockedRequestPrefix))
}
