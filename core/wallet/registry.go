// Package wallet maps sponsor wallet addresses to their signing keys. Keys
// are supplied through configuration as hex strings; derivation from a
// master seed happens outside the node.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Registry resolves the private key for a sponsor wallet address.
type Registry interface {
	Key(address common.Address) (*ecdsa.PrivateKey, error)
	Addresses() []common.Address
}

type registry struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewRegistry parses the given hex-encoded private keys and indexes them by
// their derived address. A 0x prefix is accepted.
func NewRegistry(privateKeyHexes []string) (Registry, error) {
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(privateKeyHexes))
	for i, raw := range privateKeyHexes {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse sponsor wallet key %d: %w", i, err)
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return &registry{keys: keys}, nil
}

func (r *registry) Key(address common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := r.keys[address]
	if !ok {
		return nil, fmt.Errorf("no key for sponsor wallet %s", address.Hex())
	}
	return key, nil
}

func (r *registry) Addresses() []common.Address {
	addresses := make([]common.Address, 0, len(r.keys))
	for address := range r.keys {
		addresses = append(addresses, address)
	}
	return addresses
}
