package model

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrTemplateIntegrity means a fetched template's recomputed id does not match
// the id the request referenced. The template was mutated or forged; requests
// referencing it must never be processed.
var ErrTemplateIntegrity = errors.New("model: template id mismatch")

// Template is an on-chain-stored, content-addressed bundle of endpoint and
// parameters referenced by id instead of repeated inline per request.
type Template struct {
	ID                common.Hash
	Airnode           common.Address
	EndpointID        common.Hash
	EncodedParameters []byte
}

// ExpectedID recomputes the content address from the template's fields,
// mirroring the contract's packed keccak256 derivation.
func (t *Template) ExpectedID() common.Hash {
	return crypto.Keccak256Hash(t.Airnode.Bytes(), t.EndpointID[:], t.EncodedParameters)
}

// Verify checks the stored id against the recomputed one.
func (t *Template) Verify() error {
	if t.ExpectedID() != t.ID {
		return ErrTemplateIntegrity
	}
	return nil
}
