package ingest

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/api3dao/airnode-go/core/chainio"
	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/abicodec"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/pkg/retry"
)

var (
	testRrpAddress = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testAirnode    = common.HexToAddress("0x4128922394C63A204Dd98ea6fbd887780b78bb7d")
	testSponsor    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testWallet     = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

type fakeLogClient struct {
	block uint64
	logs  []types.Log
	err   error
	query ethereum.FilterQuery
}

func (c *fakeLogClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.block, nil
}

func (c *fakeLogClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.query = q
	return c.logs, c.err
}

func newTestIngester(client *fakeLogClient, cfg Config) (*Ingester, *chainio.Rrp) {
	rrp := chainio.NewRrp(testRrpAddress)
	if cfg.Airnode == (common.Address{}) {
		cfg.Airnode = testAirnode
	}
	policy := retry.Policy{Attempts: 1}
	return New(client, rrp, cfg, policy, logger.NewNoOpLogger()), rrp
}

func fullRequestLog(t *testing.T, rrp *chainio.Rrp, seed string, parameters []byte, block uint64) (types.Log, common.Hash) {
	t.Helper()

	requestID := crypto.Keccak256Hash([]byte(seed))
	endpointID := crypto.Keccak256Hash([]byte("endpoint"))

	data, err := rrp.ABI().Events["MadeFullRequest"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(31337), testSponsor, [32]byte(endpointID),
		testSponsor, testWallet, testSponsor, [4]byte{1, 2, 3, 4}, parameters,
	)
	require.NoError(t, err)

	return types.Log{
		Address: testRrpAddress,
		Topics: []common.Hash{
			rrp.ABI().Events["MadeFullRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			requestID,
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash([]byte("tx-" + seed)),
	}, requestID
}

func fulfilledRequestLog(t *testing.T, rrp *chainio.Rrp, requestID common.Hash) types.Log {
	t.Helper()

	data, err := rrp.ABI().Events["FulfilledRequest"].Inputs.NonIndexed().Pack([]byte{0x01})
	require.NoError(t, err)

	return types.Log{
		Address: testRrpAddress,
		Topics: []common.Hash{
			rrp.ABI().Events["FulfilledRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			requestID,
		},
		Data: data,
	}
}

func withdrawalLog(t *testing.T, rrp *chainio.Rrp, seed string, block uint64) (types.Log, common.Hash) {
	t.Helper()

	withdrawalID := crypto.Keccak256Hash([]byte(seed))
	data, err := rrp.ABI().Events["RequestedWithdrawal"].Inputs.NonIndexed().Pack(testWallet)
	require.NoError(t, err)

	return types.Log{
		Address: testRrpAddress,
		Topics: []common.Hash{
			rrp.ABI().Events["RequestedWithdrawal"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			common.BytesToHash(testSponsor.Bytes()),
			withdrawalID,
		},
		Data:        data,
		BlockNumber: block,
	}, withdrawalID
}

func encodedParams(t *testing.T, params ...abicodec.Parameter) []byte {
	t.Helper()
	encoded, err := abicodec.Encode(params)
	require.NoError(t, err)
	return encoded
}

func TestBlockRange(t *testing.T) {
	tests := []struct {
		name                      string
		current, history, minConf uint64
		wantFrom, wantTo          uint64
	}{
		{"young chain clamps from to zero", 100, 300, 0, 0, 100},
		{"steady state", 1000, 300, 25, 700, 975},
		{"confirmations below from clamp to from", 1000, 300, 400, 700, 700},
		{"confirmations exceed chain height", 10, 300, 50, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := BlockRange(tt.current, tt.history, tt.minConf)
			assert.Equal(t, tt.wantFrom, from)
			assert.Equal(t, tt.wantTo, to)
		})
	}
}

func TestFetchRoundGroupsAndDropsFulfilled(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, rrp := newTestIngester(client, Config{BlockHistoryLimit: 300})

	params := encodedParams(t,
		abicodec.Parameter{Name: "from", Type: abicodec.TypeString, Value: "ETH"},
		abicodec.Parameter{Name: "to", Type: abicodec.TypeString, Value: "USD"},
	)

	log1, id1 := fullRequestLog(t, rrp, "r1", params, 900)
	log2, id2 := fullRequestLog(t, rrp, "r2", params, 901)
	wlog, wid := withdrawalLog(t, rrp, "w1", 902)

	client.logs = []types.Log{log1, log2, fulfilledRequestLog(t, rrp, id2), wlog}

	grouped, err := ingester.FetchRound(context.Background(), 1000)
	require.NoError(t, err)

	require.Len(t, grouped.ApiCalls, 1)
	assert.Equal(t, id1, grouped.ApiCalls[0].ID)
	assert.Equal(t, model.StatusPending, grouped.ApiCalls[0].Status)
	assert.Equal(t, map[string]interface{}{"from": "ETH", "to": "USD"}, grouped.ApiCalls[0].Parameters)
	assert.Equal(t, uint64(1000), grouped.ApiCalls[0].Metadata.CurrentBlock)

	require.Len(t, grouped.Withdrawals, 1)
	assert.Equal(t, wid, grouped.Withdrawals[0].ID)
	assert.Equal(t, testSponsor, grouped.Withdrawals[0].Sponsor)
	assert.Equal(t, testWallet, grouped.Withdrawals[0].SponsorWallet)
}

func TestFetchRoundDropsUndecodableParameters(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, rrp := newTestIngester(client, Config{BlockHistoryLimit: 300})

	good := encodedParams(t, abicodec.Parameter{Name: "x", Type: abicodec.TypeBool, Value: true})
	log1, id1 := fullRequestLog(t, rrp, "good", good, 900)
	log2, _ := fullRequestLog(t, rrp, "bad", []byte{0xde, 0xad}, 901)
	client.logs = []types.Log{log1, log2}

	grouped, err := ingester.FetchRound(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, grouped.ApiCalls, 1)
	assert.Equal(t, id1, grouped.ApiCalls[0].ID)
}

func TestFetchRoundFailsOnFetchError(t *testing.T) {
	client := &fakeLogClient{block: 1000, err: errors.New("rpc down")}
	ingester, _ := newTestIngester(client, Config{BlockHistoryLimit: 300})

	_, err := ingester.FetchRound(context.Background(), 1000)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetchRoundFailsOnUnparseableLog(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, rrp := newTestIngester(client, Config{BlockHistoryLimit: 300})

	client.logs = []types.Log{{
		Topics: []common.Hash{
			rrp.ABI().Events["MadeFullRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			crypto.Keccak256Hash([]byte("r1")),
		},
		Data: []byte{0x01},
	}}

	_, err := ingester.FetchRound(context.Background(), 1000)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetchRoundSkipsUnknownEvents(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, _ := newTestIngester(client, Config{BlockHistoryLimit: 300})

	client.logs = []types.Log{{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("NewEventFromV2(bytes32)"))},
	}}

	grouped, err := ingester.FetchRound(context.Background(), 1000)
	require.NoError(t, err)
	assert.Empty(t, grouped.ApiCalls)
	assert.Empty(t, grouped.Withdrawals)
}

func TestFetchRoundAppliesConfirmationWindow(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, rrp := newTestIngester(client, Config{
		BlockHistoryLimit:         300,
		MinConfirmations:          10,
		AllowConfirmationOverride: true,
	})

	// Confirmed at the default window.
	params := encodedParams(t, abicodec.Parameter{Name: "x", Type: abicodec.TypeBool, Value: true})
	confirmedLog, confirmedID := fullRequestLog(t, rrp, "confirmed", params, 990)

	// Too fresh for the default window, no override.
	freshLog, _ := fullRequestLog(t, rrp, "fresh", params, 995)

	// Too fresh for the default window but overrides it down to 2.
	overrideParams := encodedParams(t,
		abicodec.Parameter{Name: "_minConfirmations", Type: abicodec.TypeString, Value: "2"},
	)
	overrideLog, overrideID := fullRequestLog(t, rrp, "override", overrideParams, 995)

	client.logs = []types.Log{confirmedLog, freshLog, overrideLog}

	grouped, err := ingester.FetchRound(context.Background(), 1000)
	require.NoError(t, err)

	// With overrides allowed, the filter upper bound is the current block.
	assert.Equal(t, uint64(1000), client.query.ToBlock.Uint64())

	require.Len(t, grouped.ApiCalls, 2)
	ids := []common.Hash{grouped.ApiCalls[0].ID, grouped.ApiCalls[1].ID}
	assert.Contains(t, ids, confirmedID)
	assert.Contains(t, ids, overrideID)
}

func TestFetchRoundOrdersApiCallsDeterministically(t *testing.T) {
	client := &fakeLogClient{block: 1000}
	ingester, rrp := newTestIngester(client, Config{BlockHistoryLimit: 300})

	params := encodedParams(t, abicodec.Parameter{Name: "x", Type: abicodec.TypeBool, Value: true})
	logA, idA := fullRequestLog(t, rrp, "a", params, 950)
	logB, idB := fullRequestLog(t, rrp, "b", params, 940)

	client.logs = []types.Log{logA, logB}

	grouped, err := ingester.FetchRound(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, grouped.ApiCalls, 2)
	assert.Equal(t, idB, grouped.ApiCalls[0].ID)
	assert.Equal(t, idA, grouped.ApiCalls[1].ID)
}
