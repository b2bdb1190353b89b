package abicodec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EncodeValue serializes a single typed value into its standalone ABI
// encoding, the form a fulfillment transaction carries on-chain. The type
// names are the same ones the parameter blob uses.
func EncodeValue(typ string, value interface{}) ([]byte, error) {
	wire, ok := wireTypes[typ]
	if !ok {
		return nil, fmt.Errorf("abicodec: unsupported value type %q", typ)
	}

	converted, err := convertValue(typ, value)
	if err != nil {
		return nil, fmt.Errorf("abicodec: %w", err)
	}

	encoded, err := abi.Arguments{{Type: wire}}.Pack(converted)
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack value: %w", err)
	}
	return encoded, nil
}
