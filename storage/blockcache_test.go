package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/api3dao/airnode-go/pkg/logger"
)

func newTestCache(t *testing.T) *BlockCache {
	t.Helper()

	store, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewBlockCache(store, logger.NewNoOpLogger())
}

func TestBlockCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	id := crypto.Keccak256Hash([]byte("request-1"))

	blocked, err := cache.IsBlocked(id)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, cache.Block([]common.Hash{id}, 500))

	blocked, err = cache.IsBlocked(id)
	require.NoError(t, err)
	assert.True(t, blocked)

	size, err := cache.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestBlockCacheBlocksManyIdsInOneBatch(t *testing.T) {
	cache := newTestCache(t)

	ids := []common.Hash{
		crypto.Keccak256Hash([]byte("request-1")),
		crypto.Keccak256Hash([]byte("request-2")),
		crypto.Keccak256Hash([]byte("request-3")),
	}
	require.NoError(t, cache.Block(ids, 500))

	size, err := cache.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	for _, id := range ids {
		blocked, err := cache.IsBlocked(id)
		require.NoError(t, err)
		assert.True(t, blocked)
	}

	require.NoError(t, cache.Block(nil, 500))
}

func TestBlockCacheSweepRemovesExpired(t *testing.T) {
	cache := newTestCache(t)

	expired := crypto.Keccak256Hash([]byte("expired"))
	live := crypto.Keccak256Hash([]byte("live"))

	require.NoError(t, cache.Block([]common.Hash{expired}, 100))
	require.NoError(t, cache.Block([]common.Hash{live}, 400))

	require.NoError(t, cache.Sweep(250))

	blocked, err := cache.IsBlocked(expired)
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = cache.IsBlocked(live)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestBlockCacheSweepRemovesCorruptEntries(t *testing.T) {
	store, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := NewBlockCache(store, logger.NewNoOpLogger())

	id := crypto.Keccak256Hash([]byte("corrupt"))
	require.NoError(t, store.BatchWrite(map[string][]byte{
		string(blockedRequestKey(id)): []byte("not-a-number"),
	}))

	require.NoError(t, cache.Sweep(1))

	blocked, err := cache.IsBlocked(id)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBlockCacheKeysAreNamespaced(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Block([]common.Hash{common.HexToHash("0x01")}, 10))

	items, err := cache.store.GetByPrefix([]byte(blockedRequestPrefix))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, string(items[0].Key), blockedRequestPrefix)
}
