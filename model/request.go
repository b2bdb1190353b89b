// Package model holds the request data model shared by the ingestion,
// validation and execution stages. Identifying fields are set once at
// ingestion and never mutated; pipeline stages only move status, error code
// and error message.
package model

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the per-request state machine position. A request leaves Pending
// at most once; every stage is a no-op for requests that already left it.
type Status int

const (
	StatusPending Status = iota
	StatusBlocked
	StatusIgnored
	StatusErrored
	StatusFulfilled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusBlocked:
		return "Blocked"
	case StatusIgnored:
		return "Ignored"
	case StatusErrored:
		return "Errored"
	case StatusFulfilled:
		return "Fulfilled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrorCode identifies why a request left Pending. The numeric value is what
// a fail transaction carries on-chain, so codes are explicit and stable.
type ErrorCode int

const (
	ErrorCodeNone                  ErrorCode = 0
	ErrorCodeTemplateNotFound      ErrorCode = 1
	ErrorCodeInvalidTemplate       ErrorCode = 2
	ErrorCodeAuthorizationNotFound ErrorCode = 3
	ErrorCodeUnauthorizedClient    ErrorCode = 4
	ErrorCodePendingWithdrawal     ErrorCode = 5
	ErrorCodeRequestLimitExceeded  ErrorCode = 6
	ErrorCodeParameterDecoding     ErrorCode = 7
	ErrorCodeApiCallFailed         ErrorCode = 8
	ErrorCodeFulfillFailed         ErrorCode = 9
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "NoError"
	case ErrorCodeTemplateNotFound:
		return "TemplateNotFound"
	case ErrorCodeInvalidTemplate:
		return "InvalidTemplate"
	case ErrorCodeAuthorizationNotFound:
		return "AuthorizationNotFound"
	case ErrorCodeUnauthorizedClient:
		return "UnauthorizedClient"
	case ErrorCodePendingWithdrawal:
		return "PendingWithdrawal"
	case ErrorCodeRequestLimitExceeded:
		return "RequestLimitExceeded"
	case ErrorCodeParameterDecoding:
		return "ParameterDecodingFailed"
	case ErrorCodeApiCallFailed:
		return "ApiCallFailed"
	case ErrorCodeFulfillFailed:
		return "FulfillTransactionFailed"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Metadata pins a request to the log it was ingested from. It drives the
// deterministic per-wallet ordering and the confirmation-window checks.
type Metadata struct {
	BlockNumber     uint64
	TransactionHash common.Hash
	LogIndex        uint
	CurrentBlock    uint64
}

// Before orders requests by (block number, transaction hash, log index).
func (m Metadata) Before(o Metadata) bool {
	if m.BlockNumber != o.BlockNumber {
		return m.BlockNumber < o.BlockNumber
	}
	if cmp := bytes.Compare(m.TransactionHash[:], o.TransactionHash[:]); cmp != 0 {
		return cmp < 0
	}
	return m.LogIndex < o.LogIndex
}

// ReservedParameters are request parameters with special meaning to the node
// itself. They are parsed once at ingestion and stripped from the parameter
// map handed to the API adapter.
type ReservedParameters struct {
	// Type is the on-chain type the API response is encoded to, e.g. "int256".
	Type string
	// Path selects the response value inside the API's JSON body, dot-separated.
	Path string
	// Times multiplies a numeric response before encoding, for fixed-point use.
	Times *big.Int
	// MinConfirmations overrides the node-level confirmation window.
	MinConfirmations *uint64
}

const (
	ReservedParameterType             = "_type"
	ReservedParameterPath             = "_path"
	ReservedParameterTimes            = "_times"
	ReservedParameterMinConfirmations = "_minConfirmations"
)

// SplitReservedParameters extracts reserved keys from a decoded parameter map
// and returns them alongside a copy of the map with those keys removed.
func SplitReservedParameters(params map[string]interface{}) (ReservedParameters, map[string]interface{}, error) {
	var reserved ReservedParameters
	cleaned := make(map[string]interface{}, len(params))

	for name, value := range params {
		switch name {
		case ReservedParameterType:
			s, ok := value.(string)
			if !ok {
				return reserved, nil, fmt.Errorf("reserved parameter %s must be a string", name)
			}
			reserved.Type = s
		case ReservedParameterPath:
			s, ok := value.(string)
			if !ok {
				return reserved, nil, fmt.Errorf("reserved parameter %s must be a string", name)
			}
			reserved.Path = s
		case ReservedParameterTimes:
			n, err := reservedNumber(name, value)
			if err != nil {
				return reserved, nil, err
			}
			reserved.Times = n
		case ReservedParameterMinConfirmations:
			n, err := reservedNumber(name, value)
			if err != nil {
				return reserved, nil, err
			}
			if !n.IsUint64() {
				return reserved, nil, fmt.Errorf("reserved parameter %s out of range", name)
			}
			v := n.Uint64()
			reserved.MinConfirmations = &v
		default:
			cleaned[name] = value
		}
	}

	return reserved, cleaned, nil
}

func reservedNumber(name string, value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return v, nil
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("reserved parameter %s is not numeric: %q", name, v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("reserved parameter %s must be numeric", name)
}

// ApiCall is an on-chain API call request. TemplateID is nil for full
// requests that inline the endpoint and parameters.
type ApiCall struct {
	ID                common.Hash
	Airnode           common.Address
	Requester         common.Address
	Sponsor           common.Address
	SponsorWallet     common.Address
	TemplateID        *common.Hash
	EndpointID        common.Hash
	EncodedParameters []byte
	Parameters        map[string]interface{}
	Reserved          ReservedParameters
	FulfillAddress    common.Address
	FulfillFunctionID [4]byte
	RequestCount      *big.Int

	Status       Status
	ErrorCode    ErrorCode
	ErrorMessage string

	// Nonce is assigned by the execution engine; nil means "not this round".
	Nonce *uint64

	Metadata Metadata
}

func (a *ApiCall) IsPending() bool { return a.Status == StatusPending }

func (a *ApiCall) Block(code ErrorCode) {
	a.Status = StatusBlocked
	a.ErrorCode = code
}

func (a *ApiCall) Ignore(code ErrorCode) {
	a.Status = StatusIgnored
	a.ErrorCode = code
}

func (a *ApiCall) Fail(code ErrorCode, message string) {
	a.Status = StatusErrored
	a.ErrorCode = code
	a.ErrorMessage = message
}

// Withdrawal expresses "sponsor wants sponsor-wallet funds released". It
// carries no parameters and spends the sponsor wallet's nonces like any
// other transaction.
type Withdrawal struct {
	ID            common.Hash
	Airnode       common.Address
	Sponsor       common.Address
	SponsorWallet common.Address

	Status    Status
	ErrorCode ErrorCode

	Nonce *uint64

	Metadata Metadata
}

func (w *Withdrawal) IsPending() bool { return w.Status == StatusPending }

// GroupedRequests is the typed snapshot of one round's pending on-chain
// events, handed forward stage by stage.
type GroupedRequests struct {
	ApiCalls    []*ApiCall
	Withdrawals []*Withdrawal
}

// SortApiCalls orders api calls deterministically by their log position.
func SortApiCalls(calls []*ApiCall) {
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].Metadata.Before(calls[j].Metadata)
	})
}

// SortWithdrawals orders withdrawals deterministically by their log position.
func SortWithdrawals(withdrawals []*Withdrawal) {
	sort.Slice(withdrawals, func(i, j int) bool {
		return withdrawals[i].Metadata.Before(withdrawals[j].Metadata)
	})
}
