package chainio

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const gasPriceFeedABI = `[
  {"type":"function","name":"latestAnswer","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"int256"}]}
]`

// GasPriceFeed reads a gas price from an aggregator-style on-chain feed.
// The zero address means "feed disabled" and is rejected at construction.
type GasPriceFeed struct {
	Address common.Address

	abi abi.ABI
}

func NewGasPriceFeed(address common.Address) (*GasPriceFeed, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("chainio: gas price feed address is zero")
	}
	parsed, err := abi.JSON(strings.NewReader(gasPriceFeedABI))
	if err != nil {
		panic(fmt.Sprintf("chainio: parse gas price feed ABI: %v", err))
	}
	return &GasPriceFeed{Address: address, abi: parsed}, nil
}

// LatestAnswer returns the feed's current price in wei.
func (f *GasPriceFeed) LatestAnswer(ctx context.Context, caller ContractCaller) (*big.Int, error) {
	data, err := f.abi.Pack("latestAnswer")
	if err != nil {
		return nil, fmt.Errorf("chainio: pack latestAnswer: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &f.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainio: latestAnswer call: %w", err)
	}

	values, err := f.abi.Unpack("latestAnswer", out)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack latestAnswer: %w", err)
	}

	price := values[0].(*big.Int)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("chainio: feed returned non-positive price %s", price)
	}
	return price, nil
}
