package chainio

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRrpAddress = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testAirnode    = common.HexToAddress("0x4128922394C63A204Dd98ea6fbd887780b78bb7d")
)

type stubCaller struct {
	out  []byte
	err  error
	last ethereum.CallMsg
}

func (c *stubCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.last = msg
	return c.out, c.err
}

func TestFilterQuery(t *testing.T) {
	rrp := NewRrp(testRrpAddress)
	q := rrp.FilterQuery(testAirnode, 100, 200)

	assert.Equal(t, []common.Address{testRrpAddress}, q.Addresses)
	assert.Equal(t, uint64(100), q.FromBlock.Uint64())
	assert.Equal(t, uint64(200), q.ToBlock.Uint64())
	require.Len(t, q.Topics, 2)
	assert.Nil(t, q.Topics[0])
	assert.Equal(t, common.BytesToHash(testAirnode.Bytes()), q.Topics[1][0])
}

func TestParseMadeFullRequestLog(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	endpointID := crypto.Keccak256Hash([]byte("convertToUSD"))
	requestID := crypto.Keccak256Hash([]byte("request-1"))
	requester := common.HexToAddress("0x2000000000000000000000000000000000000002")
	sponsor := common.HexToAddress("0x3000000000000000000000000000000000000003")
	sponsorWallet := common.HexToAddress("0x4000000000000000000000000000000000000004")
	fulfillFunctionID := [4]byte{0x12, 0x34, 0x56, 0x78}
	parameters := []byte{0x31, 0x53}

	data, err := rrp.abi.Events["MadeFullRequest"].Inputs.NonIndexed().Pack(
		big.NewInt(7), big.NewInt(31337), requester, [32]byte(endpointID),
		sponsor, sponsorWallet, requester, fulfillFunctionID, parameters,
	)
	require.NoError(t, err)

	log := types.Log{
		Address: testRrpAddress,
		Topics: []common.Hash{
			rrp.abi.Events["MadeFullRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			requestID,
		},
		Data:        data,
		BlockNumber: 123,
		TxHash:      common.HexToHash("0xaa"),
		Index:       4,
	}

	parsed, err := rrp.ParseLog(log)
	require.NoError(t, err)

	ev, ok := parsed.(*MadeRequestEvent)
	require.True(t, ok)
	assert.Equal(t, testAirnode, ev.Airnode)
	assert.Equal(t, requestID, ev.RequestID)
	assert.Nil(t, ev.TemplateID)
	assert.Equal(t, endpointID, ev.EndpointID)
	assert.Equal(t, sponsor, ev.Sponsor)
	assert.Equal(t, sponsorWallet, ev.SponsorWallet)
	assert.Equal(t, fulfillFunctionID, ev.FulfillFunctionID)
	assert.Equal(t, parameters, ev.Parameters)
	assert.Equal(t, 0, ev.RequesterRequestCount.Cmp(big.NewInt(7)))
}

func TestParseTemplateRequestSetsTemplateID(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	templateID := crypto.Keccak256Hash([]byte("template-1"))
	requester := common.HexToAddress("0x2000000000000000000000000000000000000002")

	data, err := rrp.abi.Events["MadeTemplateRequest"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(31337), requester, [32]byte(templateID),
		requester, requester, requester, [4]byte{}, []byte{},
	)
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			rrp.abi.Events["MadeTemplateRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			crypto.Keccak256Hash([]byte("request-2")),
		},
		Data: data,
	}

	parsed, err := rrp.ParseLog(log)
	require.NoError(t, err)

	ev := parsed.(*MadeRequestEvent)
	require.NotNil(t, ev.TemplateID)
	assert.Equal(t, templateID, *ev.TemplateID)
	assert.Equal(t, common.Hash{}, ev.EndpointID)
}

func TestParseLogSkipsUnknownTopics(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	parsed, err := rrp.ParseLog(types.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("SomeFutureEvent(bytes32)"))},
	})
	require.NoError(t, err)
	assert.Nil(t, parsed)

	parsed, err = rrp.ParseLog(types.Log{})
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestParseLogRejectsMalformedData(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	_, err := rrp.ParseLog(types.Log{
		Topics: []common.Hash{
			rrp.abi.Events["MadeFullRequest"].ID,
			common.BytesToHash(testAirnode.Bytes()),
			crypto.Keccak256Hash([]byte("request-3")),
		},
		Data: []byte{0x01, 0x02},
	})
	require.Error(t, err)
}

func TestGetTemplates(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	ids := []common.Hash{
		crypto.Keccak256Hash([]byte("t1")),
		crypto.Keccak256Hash([]byte("t2")),
	}
	endpointIDs := [][32]byte{
		crypto.Keccak256Hash([]byte("e1")),
		crypto.Keccak256Hash([]byte("e2")),
	}
	parameters := [][]byte{{0x31}, {}}

	out, err := rrp.abi.Methods["getTemplates"].Outputs.Pack(
		[]common.Address{testAirnode, testAirnode}, endpointIDs, parameters,
	)
	require.NoError(t, err)

	caller := &stubCaller{out: out}
	templates, err := rrp.GetTemplates(context.Background(), caller, ids)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	assert.Equal(t, ids[0], templates[0].ID)
	assert.Equal(t, common.Hash(endpointIDs[0]), templates[0].EndpointID)
	assert.Equal(t, []byte{0x31}, templates[0].EncodedParameters)
	assert.Equal(t, testRrpAddress, *caller.last.To)
}

func TestCheckAuthorizationStatuses(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	out, err := rrp.abi.Methods["checkAuthorizationStatuses"].Outputs.Pack([]bool{true, false})
	require.NoError(t, err)

	queries := []AuthorizationQuery{
		{RequestID: crypto.Keccak256Hash([]byte("r1"))},
		{RequestID: crypto.Keccak256Hash([]byte("r2"))},
	}

	caller := &stubCaller{out: out}
	statuses, err := rrp.CheckAuthorizationStatuses(context.Background(), caller, testAirnode, queries)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, statuses)
}

func TestCheckAuthorizationStatusesRejectsLengthMismatch(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	out, err := rrp.abi.Methods["checkAuthorizationStatuses"].Outputs.Pack([]bool{true})
	require.NoError(t, err)

	_, err = rrp.CheckAuthorizationStatuses(context.Background(), &stubCaller{out: out}, testAirnode,
		make([]AuthorizationQuery, 2))
	require.Error(t, err)
}

func TestPackFulfillCarriesSelector(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	requestID := crypto.Keccak256Hash([]byte("r1"))
	packed, err := rrp.PackFulfill(requestID, testAirnode, testAirnode, [4]byte{1, 2, 3, 4}, []byte{0xff})
	require.NoError(t, err)
	assert.Equal(t, rrp.abi.Methods["fulfill"].ID, packed[:4])

	failPacked, err := rrp.PackFail(requestID, testAirnode, testAirnode, [4]byte{1, 2, 3, 4}, "api call failed")
	require.NoError(t, err)
	assert.Equal(t, rrp.abi.Methods["fail"].ID, failPacked[:4])
	assert.NotEqual(t, packed[:4], failPacked[:4])
}

func TestUnpackFulfillResult(t *testing.T) {
	rrp := NewRrp(testRrpAddress)

	out, err := rrp.abi.Methods["fulfill"].Outputs.Pack(false, []byte("reverted in callback"))
	require.NoError(t, err)

	success, callData, err := rrp.UnpackFulfillResult(out)
	require.NoError(t, err)
	assert.False(t, success)
	assert.Equal(t, []byte("reverted in callback"), callData)
}

func TestGasPriceFeed(t *testing.T) {
	feed, err := NewGasPriceFeed(common.HexToAddress("0x5000000000000000000000000000000000000005"))
	require.NoError(t, err)

	out, err := feed.abi.Methods["latestAnswer"].Outputs.Pack(big.NewInt(25_000_000_000))
	require.NoError(t, err)

	price, err := feed.LatestAnswer(context.Background(), &stubCaller{out: out})
	require.NoError(t, err)
	assert.Equal(t, 0, price.Cmp(big.NewInt(25_000_000_000)))

	// Zero address means the feed is disabled.
	_, err = NewGasPriceFeed(common.Address{})
	require.Error(t, err)

	// A non-positive answer is a misbehaving feed, not a price.
	out, err = feed.abi.Methods["latestAnswer"].Outputs.Pack(big.NewInt(0))
	require.NoError(t, err)
	_, err = feed.LatestAnswer(context.Background(), &stubCaller{out: out})
	require.Error(t, err)
}
