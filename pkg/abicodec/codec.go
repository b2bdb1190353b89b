// Package abicodec packs and unpacks named, typed request parameters into the
// single byte blob carried by on-chain requests. The wire format is a header
// word (version character plus one short-type character per parameter) followed
// by (name, value) word pairs, all serialized with standard ABI encoding.
package abicodec

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidEncoding is returned for any blob that fails to decode exactly:
// unknown type characters, wrong header version, truncated words, or a blob
// whose canonical re-encoding differs from the input.
var ErrInvalidEncoding = errors.New("abicodec: invalid encoding")

const encodingVersion = '1'

// Short-type alphabet, case-sensitive. The names are deliberately disjoint
// from contract ABI type names so "string32" cannot be confused with a native
// chain type; it travels as bytes32 but carries UTF-8 text.
const (
	TypeBytes    = "bytes"
	TypeBytes32  = "bytes32"
	TypeString   = "string"
	TypeString32 = "string32"
	TypeAddress  = "address"
	TypeInt256   = "int256"
	TypeUint256  = "uint256"
	TypeBool     = "bool"
)

var shortTypeToType = map[byte]string{
	'B': TypeBytes,
	'b': TypeBytes32,
	'S': TypeString,
	's': TypeString32,
	'a': TypeAddress,
	'i': TypeInt256,
	'u': TypeUint256,
	'f': TypeBool,
}

var typeToShortType = func() map[string]byte {
	m := make(map[string]byte, len(shortTypeToType))
	for c, t := range shortTypeToType {
		m[t] = c
	}
	return m
}()

var (
	bytes32Type = mustNewType("bytes32")
	wireTypes   = map[string]abi.Type{
		TypeBytes:    mustNewType("bytes"),
		TypeBytes32:  bytes32Type,
		TypeString:   mustNewType("string"),
		TypeString32: bytes32Type,
		TypeAddress:  mustNewType("address"),
		TypeInt256:   mustNewType("int256"),
		TypeUint256:  mustNewType("uint256"),
		TypeBool:     mustNewType("bool"),
	}
)

func mustNewType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// Parameter is a single named, typed value to encode.
type Parameter struct {
	Name  string
	Type  string
	Value interface{}
}

// Encode serializes the parameters into one opaque byte blob. Parameter names
// are truncated to 31 bytes; at most 30 parameters fit in the header word.
func Encode(params []Parameter) ([]byte, error) {
	if len(params) > 30 {
		return nil, fmt.Errorf("abicodec: too many parameters: %d (max 30)", len(params))
	}

	header := make([]byte, 0, len(params)+1)
	header = append(header, encodingVersion)

	args := abi.Arguments{{Type: bytes32Type}}
	values := make([]interface{}, 0, 1+2*len(params))
	values = append(values, stringToWord(string(rune(encodingVersion))))

	for _, p := range params {
		short, ok := typeToShortType[p.Type]
		if !ok {
			return nil, fmt.Errorf("abicodec: unsupported parameter type %q", p.Type)
		}
		header = append(header, short)

		converted, err := convertValue(p.Type, p.Value)
		if err != nil {
			return nil, fmt.Errorf("abicodec: parameter %q: %w", p.Name, err)
		}

		args = append(args,
			abi.Argument{Type: bytes32Type},
			abi.Argument{Type: wireTypes[p.Type]},
		)
		values = append(values, stringToWord(p.Name), converted)
	}

	// Patch the header word now that all type characters are known.
	values[0] = stringToWord(string(header))

	encoded, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack: %w", err)
	}
	return encoded, nil
}

// Decode parses an encoded blob back into a name-keyed value map. An empty
// blob decodes to an empty map. Decoding re-encodes the recovered values and
// byte-compares against the input, so a non-canonical blob never round-trips
// into a silently different meaning.
func Decode(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	if len(data) < 32 || len(data)%32 != 0 {
		return nil, ErrInvalidEncoding
	}

	header := wordToString(data[:32])
	if len(header) == 0 || header[0] != encodingVersion {
		return nil, ErrInvalidEncoding
	}

	paramTypes := make([]string, 0, len(header)-1)
	for i := 1; i < len(header); i++ {
		t, ok := shortTypeToType[header[i]]
		if !ok {
			return nil, ErrInvalidEncoding
		}
		paramTypes = append(paramTypes, t)
	}

	args := abi.Arguments{{Type: bytes32Type}}
	for _, t := range paramTypes {
		args = append(args,
			abi.Argument{Type: bytes32Type},
			abi.Argument{Type: wireTypes[t]},
		)
	}

	unpacked, err := args.Unpack(data)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(unpacked) != 1+2*len(paramTypes) {
		return nil, ErrInvalidEncoding
	}

	decoded := make(map[string]interface{}, len(paramTypes))
	params := make([]Parameter, 0, len(paramTypes))
	for i, t := range paramTypes {
		nameWord, ok := unpacked[1+2*i].([32]byte)
		if !ok {
			return nil, ErrInvalidEncoding
		}
		name := wordToString(nameWord[:])

		value := unpacked[2+2*i]
		if t == TypeString32 {
			word, ok := value.([32]byte)
			if !ok {
				return nil, ErrInvalidEncoding
			}
			value = wordToString(word[:])
		}

		decoded[name] = value
		params = append(params, Parameter{Name: name, Type: t, Value: value})
	}

	// Canonicality check: only blobs that are byte-identical to the encoding
	// of their own decoded form are accepted.
	reencoded, err := Encode(params)
	if err != nil || !bytes.Equal(reencoded, data) {
		return nil, ErrInvalidEncoding
	}

	return decoded, nil
}

// stringToWord packs a short string into a 32-byte word, truncating to 31
// bytes the way short on-chain text literals are stored.
func stringToWord(s string) [32]byte {
	var word [32]byte
	b := []byte(s)
	if len(b) > 31 {
		b = b[:31]
	}
	copy(word[:], b)
	return word
}

// wordToString trims the zero padding from a 32-byte word.
func wordToString(word []byte) string {
	return string(bytes.TrimRight(word, "\x00"))
}

func convertValue(typ string, value interface{}) (interface{}, error) {
	switch typ {
	case TypeBytes:
		return toBytes(value)
	case TypeBytes32:
		return toBytes32(value)
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", value)
		}
		return s, nil
	case TypeString32:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", value)
		}
		return stringToWord(s), nil
	case TypeAddress:
		return toAddress(value)
	case TypeInt256:
		return toBigInt(value, true)
	case TypeUint256:
		return toBigInt(value, false)
	case TypeBool:
		return toBool(value)
	}
	return nil, fmt.Errorf("unsupported type %q", typ)
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("value %q is not valid hex bytes", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("value %v cannot be converted to bytes", value)
}

func toBytes32(value interface{}) ([32]byte, error) {
	switch v := value.(type) {
	case [32]byte:
		return v, nil
	case common.Hash:
		return v, nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil || len(b) != 32 {
			return [32]byte{}, fmt.Errorf("value %q is not a 32-byte hex string", v)
		}
		var word [32]byte
		copy(word[:], b)
		return word, nil
	}
	return [32]byte{}, fmt.Errorf("value %v cannot be converted to bytes32", value)
}

func toAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case string:
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("value %q is not a valid address", v)
		}
		return common.HexToAddress(v), nil
	}
	return common.Address{}, fmt.Errorf("value %v cannot be converted to address", value)
}

func toBigInt(value interface{}, signed bool) (*big.Int, error) {
	var n *big.Int
	switch v := value.(type) {
	case *big.Int:
		n = new(big.Int).Set(v)
	case int:
		n = big.NewInt(int64(v))
	case int64:
		n = big.NewInt(v)
	case uint64:
		n = new(big.Int).SetUint64(v)
	case string:
		var ok bool
		n, ok = new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, fmt.Errorf("value %q is not a decimal integer", v)
		}
	default:
		return nil, fmt.Errorf("value %v cannot be converted to an integer", value)
	}

	if !signed && n.Sign() < 0 {
		return nil, fmt.Errorf("value %s is negative but declared uint256", n)
	}
	return n, nil
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("value %v cannot be converted to bool", value)
}
