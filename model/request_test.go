package model

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataOrdering(t *testing.T) {
	a := Metadata{BlockNumber: 10, TransactionHash: common.HexToHash("0x01"), LogIndex: 0}
	b := Metadata{BlockNumber: 10, TransactionHash: common.HexToHash("0x02"), LogIndex: 0}
	c := Metadata{BlockNumber: 11, TransactionHash: common.HexToHash("0x01"), LogIndex: 0}
	d := Metadata{BlockNumber: 10, TransactionHash: common.HexToHash("0x01"), LogIndex: 3}

	assert.True(t, a.Before(b), "lower tx hash first within a block")
	assert.True(t, a.Before(c), "lower block first")
	assert.True(t, a.Before(d), "lower log index first within a tx")
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))
}

func TestSortApiCalls(t *testing.T) {
	calls := []*ApiCall{
		{ID: common.HexToHash("0x03"), Metadata: Metadata{BlockNumber: 12}},
		{ID: common.HexToHash("0x01"), Metadata: Metadata{BlockNumber: 10}},
		{ID: common.HexToHash("0x02"), Metadata: Metadata{BlockNumber: 11}},
	}

	SortApiCalls(calls)

	assert.Equal(t, common.HexToHash("0x01"), calls[0].ID)
	assert.Equal(t, common.HexToHash("0x02"), calls[1].ID)
	assert.Equal(t, common.HexToHash("0x03"), calls[2].ID)
}

func TestStatusTransitions(t *testing.T) {
	call := &ApiCall{}
	require.True(t, call.IsPending())

	call.Block(ErrorCodeRequestLimitExceeded)
	assert.Equal(t, StatusBlocked, call.Status)
	assert.Equal(t, ErrorCodeRequestLimitExceeded, call.ErrorCode)
	assert.False(t, call.IsPending())

	call = &ApiCall{}
	call.Fail(ErrorCodeUnauthorizedClient, "requester not authorized")
	assert.Equal(t, StatusErrored, call.Status)
	assert.Equal(t, "requester not authorized", call.ErrorMessage)
}

func TestSplitReservedParameters(t *testing.T) {
	params := map[string]interface{}{
		"from":              "ETH",
		"_type":             "int256",
		"_path":             "data.price",
		"_times":            big.NewInt(100),
		"_minConfirmations": "3",
	}

	reserved, cleaned, err := SplitReservedParameters(params)
	require.NoError(t, err)

	assert.Equal(t, "int256", reserved.Type)
	assert.Equal(t, "data.price", reserved.Path)
	assert.Equal(t, 0, reserved.Times.Cmp(big.NewInt(100)))
	require.NotNil(t, reserved.MinConfirmations)
	assert.Equal(t, uint64(3), *reserved.MinConfirmations)

	assert.Equal(t, map[string]interface{}{"from": "ETH"}, cleaned)
	// The input map is left untouched.
	assert.Len(t, params, 5)
}

func TestSplitReservedParametersRejectsBadValues(t *testing.T) {
	_, _, err := SplitReservedParameters(map[string]interface{}{"_type": big.NewInt(1)})
	require.Error(t, err)

	_, _, err = SplitReservedParameters(map[string]interface{}{"_minConfirmations": "not-a-number"})
	require.Error(t, err)
}

func TestTemplateVerify(t *testing.T) {
	airnode := common.HexToAddress("0x4128922394C63A204Dd98ea6fbd887780b78bb7d")
	endpointID := crypto.Keccak256Hash([]byte("convertToUSD"))
	params := []byte{0x31, 0x00, 0x01}

	tpl := &Template{
		Airnode:           airnode,
		EndpointID:        endpointID,
		EncodedParameters: params,
	}
	tpl.ID = tpl.ExpectedID()
	require.NoError(t, tpl.Verify())

	tpl.EncodedParameters = append(tpl.EncodedParameters, 0xff)
	assert.ErrorIs(t, tpl.Verify(), ErrTemplateIntegrity)
}
