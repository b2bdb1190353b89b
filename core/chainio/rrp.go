// Package chainio wraps the AirnodeRrp contract: event topics and parsing,
// batched read calls, and calldata packing for the fulfillment entry points.
// The chain itself is consumed through narrow caller interfaces so tests can
// substitute fakes for an RPC node.
package chainio

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/api3dao/airnode-go/model"
)

const airnodeRrpABI = `[
  {"type":"event","name":"MadeTemplateRequest","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"requesterRequestCount","type":"uint256","indexed":false},
    {"name":"chainId","type":"uint256","indexed":false},
    {"name":"requester","type":"address","indexed":false},
    {"name":"templateId","type":"bytes32","indexed":false},
    {"name":"sponsor","type":"address","indexed":false},
    {"name":"sponsorWallet","type":"address","indexed":false},
    {"name":"fulfillAddress","type":"address","indexed":false},
    {"name":"fulfillFunctionId","type":"bytes4","indexed":false},
    {"name":"parameters","type":"bytes","indexed":false}]},
  {"type":"event","name":"MadeFullRequest","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"requesterRequestCount","type":"uint256","indexed":false},
    {"name":"chainId","type":"uint256","indexed":false},
    {"name":"requester","type":"address","indexed":false},
    {"name":"endpointId","type":"bytes32","indexed":false},
    {"name":"sponsor","type":"address","indexed":false},
    {"name":"sponsorWallet","type":"address","indexed":false},
    {"name":"fulfillAddress","type":"address","indexed":false},
    {"name":"fulfillFunctionId","type":"bytes4","indexed":false},
    {"name":"parameters","type":"bytes","indexed":false}]},
  {"type":"event","name":"FulfilledRequest","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"data","type":"bytes","indexed":false}]},
  {"type":"event","name":"FailedRequest","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"errorMessage","type":"string","indexed":false}]},
  {"type":"event","name":"RequestedWithdrawal","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"sponsor","type":"address","indexed":true},
    {"name":"withdrawalRequestId","type":"bytes32","indexed":true},
    {"name":"sponsorWallet","type":"address","indexed":false}]},
  {"type":"event","name":"FulfilledWithdrawal","inputs":[
    {"name":"airnode","type":"address","indexed":true},
    {"name":"sponsor","type":"address","indexed":true},
    {"name":"withdrawalRequestId","type":"bytes32","indexed":true},
    {"name":"sponsorWallet","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"getTemplates","stateMutability":"view","inputs":[
    {"name":"templateIds","type":"bytes32[]"}],
   "outputs":[
    {"name":"airnodes","type":"address[]"},
    {"name":"endpointIds","type":"bytes32[]"},
    {"name":"parameters","type":"bytes[]"}]},
  {"type":"function","name":"checkAuthorizationStatuses","stateMutability":"view","inputs":[
    {"name":"airnode","type":"address"},
    {"name":"requestIds","type":"bytes32[]"},
    {"name":"endpointIds","type":"bytes32[]"},
    {"name":"sponsors","type":"address[]"},
    {"name":"requesters","type":"address[]"}],
   "outputs":[{"name":"statuses","type":"bool[]"}]},
  {"type":"function","name":"fulfill","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"airnode","type":"address"},
    {"name":"fulfillAddress","type":"address"},
    {"name":"fulfillFunctionId","type":"bytes4"},
    {"name":"data","type":"bytes"}],
   "outputs":[
    {"name":"callSuccess","type":"bool"},
    {"name":"callData","type":"bytes"}]},
  {"type":"function","name":"fail","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"airnode","type":"address"},
    {"name":"fulfillAddress","type":"address"},
    {"name":"fulfillFunctionId","type":"bytes4"},
    {"name":"errorMessage","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"fulfillWithdrawal","stateMutability":"payable","inputs":[
    {"name":"withdrawalRequestId","type":"bytes32"},
    {"name":"airnode","type":"address"},
    {"name":"sponsor","type":"address"}],
   "outputs":[]}
]`

// ContractCaller is the read-only calling primitive consumed here; it is the
// simulate-call primitive of the RPC node. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Rrp binds the AirnodeRrp ABI to a deployed contract address.
type Rrp struct {
	Address common.Address

	abi abi.ABI
}

func NewRrp(address common.Address) *Rrp {
	parsed, err := abi.JSON(strings.NewReader(airnodeRrpABI))
	if err != nil {
		// The ABI is a compile-time constant; failing to parse it is a bug.
		panic(fmt.Sprintf("chainio: parse AirnodeRrp ABI: %v", err))
	}
	return &Rrp{Address: address, abi: parsed}
}

// ABI exposes the parsed contract ABI, mainly for building fixtures.
func (r *Rrp) ABI() abi.ABI {
	return r.abi
}

// FilterQuery returns the log filter for one round: the contract address plus
// the indexed airnode topic shared by every request/fulfillment event.
func (r *Rrp) FilterQuery(airnode common.Address, fromBlock, toBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{r.Address},
		Topics: [][]common.Hash{
			nil, // any event signature; unknown topics are skipped at parse time
			{common.BytesToHash(airnode.Bytes())},
		},
	}
}

// MadeRequestEvent covers both request flavors: template requests carry
// TemplateID, full requests carry EndpointID.
type MadeRequestEvent struct {
	Airnode               common.Address
	RequestID             common.Hash
	RequesterRequestCount *big.Int
	ChainID               *big.Int
	Requester             common.Address
	TemplateID            *common.Hash
	EndpointID            common.Hash
	Sponsor               common.Address
	SponsorWallet         common.Address
	FulfillAddress        common.Address
	FulfillFunctionID     [4]byte
	Parameters            []byte
	Raw                   types.Log
}

type FulfilledRequestEvent struct {
	Airnode   common.Address
	RequestID common.Hash
	Data      []byte
	Raw       types.Log
}

type FailedRequestEvent struct {
	Airnode      common.Address
	RequestID    common.Hash
	ErrorMessage string
	Raw          types.Log
}

type RequestedWithdrawalEvent struct {
	Airnode       common.Address
	Sponsor       common.Address
	WithdrawalID  common.Hash
	SponsorWallet common.Address
	Raw           types.Log
}

type FulfilledWithdrawalEvent struct {
	Airnode       common.Address
	Sponsor       common.Address
	WithdrawalID  common.Hash
	SponsorWallet common.Address
	Amount        *big.Int
	Raw           types.Log
}

// ParseLog maps a raw log to one of the typed event structs above. Logs whose
// topic the node does not understand return (nil, nil) so contract upgrades
// that add events do not break older nodes.
func (r *Rrp) ParseLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	switch log.Topics[0] {
	case r.abi.Events["MadeTemplateRequest"].ID:
		return r.parseMadeRequest(log, "MadeTemplateRequest")
	case r.abi.Events["MadeFullRequest"].ID:
		return r.parseMadeRequest(log, "MadeFullRequest")
	case r.abi.Events["FulfilledRequest"].ID:
		return r.parseFulfilledRequest(log)
	case r.abi.Events["FailedRequest"].ID:
		return r.parseFailedRequest(log)
	case r.abi.Events["RequestedWithdrawal"].ID:
		return r.parseRequestedWithdrawal(log)
	case r.abi.Events["FulfilledWithdrawal"].ID:
		return r.parseFulfilledWithdrawal(log)
	}
	return nil, nil
}

func (r *Rrp) parseMadeRequest(log types.Log, name string) (*MadeRequestEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("chainio: %s log %s: expected 3 topics, got %d", name, log.TxHash, len(log.Topics))
	}

	values, err := r.abi.Events[name].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack %s log %s: %w", name, log.TxHash, err)
	}
	if len(values) != 9 {
		return nil, fmt.Errorf("chainio: %s log %s: expected 9 data fields, got %d", name, log.TxHash, len(values))
	}

	ev := &MadeRequestEvent{
		Airnode:               common.BytesToAddress(log.Topics[1].Bytes()),
		RequestID:             log.Topics[2],
		RequesterRequestCount: values[0].(*big.Int),
		ChainID:               values[1].(*big.Int),
		Requester:             values[2].(common.Address),
		Sponsor:               values[4].(common.Address),
		SponsorWallet:         values[5].(common.Address),
		FulfillAddress:        values[6].(common.Address),
		FulfillFunctionID:     values[7].([4]byte),
		Parameters:            values[8].([]byte),
		Raw:                   log,
	}

	id := common.Hash(values[3].([32]byte))
	if name == "MadeTemplateRequest" {
		ev.TemplateID = &id
	} else {
		ev.EndpointID = id
	}
	return ev, nil
}

func (r *Rrp) parseFulfilledRequest(log types.Log) (*FulfilledRequestEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("chainio: FulfilledRequest log %s: expected 3 topics, got %d", log.TxHash, len(log.Topics))
	}
	values, err := r.abi.Events["FulfilledRequest"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack FulfilledRequest log %s: %w", log.TxHash, err)
	}
	return &FulfilledRequestEvent{
		Airnode:   common.BytesToAddress(log.Topics[1].Bytes()),
		RequestID: log.Topics[2],
		Data:      values[0].([]byte),
		Raw:       log,
	}, nil
}

func (r *Rrp) parseFailedRequest(log types.Log) (*FailedRequestEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("chainio: FailedRequest log %s: expected 3 topics, got %d", log.TxHash, len(log.Topics))
	}
	values, err := r.abi.Events["FailedRequest"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack FailedRequest log %s: %w", log.TxHash, err)
	}
	return &FailedRequestEvent{
		Airnode:      common.BytesToAddress(log.Topics[1].Bytes()),
		RequestID:    log.Topics[2],
		ErrorMessage: values[0].(string),
		Raw:          log,
	}, nil
}

func (r *Rrp) parseRequestedWithdrawal(log types.Log) (*RequestedWithdrawalEvent, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("chainio: RequestedWithdrawal log %s: expected 4 topics, got %d", log.TxHash, len(log.Topics))
	}
	values, err := r.abi.Events["RequestedWithdrawal"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack RequestedWithdrawal log %s: %w", log.TxHash, err)
	}
	return &RequestedWithdrawalEvent{
		Airnode:       common.BytesToAddress(log.Topics[1].Bytes()),
		Sponsor:       common.BytesToAddress(log.Topics[2].Bytes()),
		WithdrawalID:  log.Topics[3],
		SponsorWallet: values[0].(common.Address),
		Raw:           log,
	}, nil
}

func (r *Rrp) parseFulfilledWithdrawal(log types.Log) (*FulfilledWithdrawalEvent, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("chainio: FulfilledWithdrawal log %s: expected 4 topics, got %d", log.TxHash, len(log.Topics))
	}
	values, err := r.abi.Events["FulfilledWithdrawal"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack FulfilledWithdrawal log %s: %w", log.TxHash, err)
	}
	return &FulfilledWithdrawalEvent{
		Airnode:       common.BytesToAddress(log.Topics[1].Bytes()),
		Sponsor:       common.BytesToAddress(log.Topics[2].Bytes()),
		WithdrawalID:  log.Topics[3],
		SponsorWallet: values[0].(common.Address),
		Amount:        values[1].(*big.Int),
		Raw:           log,
	}, nil
}

// GetTemplates reads one batch of templates from the template store. The
// returned slice is keyed by position against ids; templates the store does
// not know come back zero-valued.
func (r *Rrp) GetTemplates(ctx context.Context, caller ContractCaller, ids []common.Hash) ([]*model.Template, error) {
	words := make([][32]byte, len(ids))
	for i, id := range ids {
		words[i] = id
	}

	data, err := r.abi.Pack("getTemplates", words)
	if err != nil {
		return nil, fmt.Errorf("chainio: pack getTemplates: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &r.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainio: getTemplates call: %w", err)
	}

	values, err := r.abi.Unpack("getTemplates", out)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack getTemplates: %w", err)
	}

	airnodes := values[0].([]common.Address)
	endpointIDs := values[1].([][32]byte)
	parameters := values[2].([][]byte)
	if len(airnodes) != len(ids) || len(endpointIDs) != len(ids) || len(parameters) != len(ids) {
		return nil, fmt.Errorf("chainio: getTemplates returned %d/%d/%d entries for %d ids",
			len(airnodes), len(endpointIDs), len(parameters), len(ids))
	}

	templates := make([]*model.Template, len(ids))
	for i := range ids {
		templates[i] = &model.Template{
			ID:                ids[i],
			Airnode:           airnodes[i],
			EndpointID:        common.Hash(endpointIDs[i]),
			EncodedParameters: parameters[i],
		}
	}
	return templates, nil
}

// AuthorizationQuery is one entry of a batched authorization lookup.
type AuthorizationQuery struct {
	RequestID     common.Hash
	EndpointID    common.Hash
	Sponsor       common.Address
	SponsorWallet common.Address
	Requester     common.Address
}

// CheckAuthorizationStatuses resolves one batch of authorization decisions,
// positionally aligned with queries.
func (r *Rrp) CheckAuthorizationStatuses(ctx context.Context, caller ContractCaller, airnode common.Address, queries []AuthorizationQuery) ([]bool, error) {
	requestIDs := make([][32]byte, len(queries))
	endpointIDs := make([][32]byte, len(queries))
	sponsors := make([]common.Address, len(queries))
	requesters := make([]common.Address, len(queries))
	for i, q := range queries {
		requestIDs[i] = q.RequestID
		endpointIDs[i] = q.EndpointID
		sponsors[i] = q.Sponsor
		requesters[i] = q.Requester
	}

	data, err := r.abi.Pack("checkAuthorizationStatuses", airnode, requestIDs, endpointIDs, sponsors, requesters)
	if err != nil {
		return nil, fmt.Errorf("chainio: pack checkAuthorizationStatuses: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &r.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainio: checkAuthorizationStatuses call: %w", err)
	}

	values, err := r.abi.Unpack("checkAuthorizationStatuses", out)
	if err != nil {
		return nil, fmt.Errorf("chainio: unpack checkAuthorizationStatuses: %w", err)
	}

	statuses := values[0].([]bool)
	if len(statuses) != len(queries) {
		return nil, fmt.Errorf("chainio: checkAuthorizationStatuses returned %d statuses for %d queries", len(statuses), len(queries))
	}
	return statuses, nil
}

// PackFulfill builds the fulfill calldata carrying the API response value.
func (r *Rrp) PackFulfill(requestID common.Hash, airnode, fulfillAddress common.Address, fulfillFunctionID [4]byte, data []byte) ([]byte, error) {
	packed, err := r.abi.Pack("fulfill", [32]byte(requestID), airnode, fulfillAddress, fulfillFunctionID, data)
	if err != nil {
		return nil, fmt.Errorf("chainio: pack fulfill: %w", err)
	}
	return packed, nil
}

// UnpackFulfillResult decodes the (callSuccess, callData) pair a fulfill
// simulation returns.
func (r *Rrp) UnpackFulfillResult(out []byte) (bool, []byte, error) {
	values, err := r.abi.Unpack("fulfill", out)
	if err != nil {
		return false, nil, fmt.Errorf("chainio: unpack fulfill result: %w", err)
	}
	return values[0].(bool), values[1].([]byte), nil
}

// PackFail builds the fail calldata that marks a request terminally failed
// on-chain.
func (r *Rrp) PackFail(requestID common.Hash, airnode, fulfillAddress common.Address, fulfillFunctionID [4]byte, errorMessage string) ([]byte, error) {
	packed, err := r.abi.Pack("fail", [32]byte(requestID), airnode, fulfillAddress, fulfillFunctionID, errorMessage)
	if err != nil {
		return nil, fmt.Errorf("chainio: pack fail: %w", err)
	}
	return packed, nil
}

// PackFulfillWithdrawal builds the fulfillWithdrawal calldata; the released
// funds travel as transaction value.
func (r *Rrp) PackFulfillWithdrawal(withdrawalID common.Hash, airnode, sponsor common.Address) ([]byte, error) {
	packed, err := r.abi.Pack("fulfillWithdrawal", [32]byte(withdrawalID), airnode, sponsor)
	if err != nil {
		return nil, fmt.Errorf("chainio: pack fulfillWithdrawal: %w", err)
	}
	return packed, nil
}
