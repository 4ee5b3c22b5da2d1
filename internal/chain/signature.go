package chain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParsedSignature is a hand-parsed `name(t1,t2,...)` scheduled-task
// signature. Contract ABI knowledge otherwise lives entirely in Gateway;
// this mini-grammar exists only because scheduled-task signatures are
// user-supplied strings in config, not compiled-in calldata shapes.
type ParsedSignature struct {
	Name  string
	Types []abi.Type
}

// abiTypeFor maps the enumerated solidity types Omikuji accepts for
// scheduled-task parameters. Any other name is rejected at config
// validation time already; ParseSignature re-validates defensively.
func abiTypeFor(name string) (abi.Type, error) {
	switch name {
	case "uint256":
		return uint256Type, nil
	case "address":
		return addressType, nil
	case "bool":
		return boolType, nil
	case "address[]":
		return addressArrType, nil
	default:
		return abi.Type{}, fmt.Errorf("chain: unsupported solidity type %q", name)
	}
}

// ParseSignature parses a `name(t1,t2,...)` signature string. A bare
// `name()` is valid and denotes a zero-argument view function or public
// boolean property read.
func ParseSignature(signature string) (*ParsedSignature, error) {
	open := strings.IndexByte(signature, '(')
	if open < 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("chain: malformed signature %q: expected name(t1,t2,...)", signature)
	}
	name := signature[:open]
	if name == "" {
		return nil, fmt.Errorf("chain: malformed signature %q: missing function name", signature)
	}

	inner := signature[open+1 : len(signature)-1]
	var types []abi.Type
	if strings.TrimSpace(inner) != "" {
		parts := strings.Split(inner, ",")
		types = make([]abi.Type, 0, len(parts))
		for _, p := range parts {
			t, err := abiTypeFor(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("chain: signature %q: %w", signature, err)
			}
			types = append(types, t)
		}
	}

	return &ParsedSignature{Name: name, Types: types}, nil
}

// Canonical reconstructs the `name(t1,t2,...)` string used to derive the
// function selector, independent of the whitespace in the original
// config value.
func (p *ParsedSignature) Canonical() string {
	names := make([]string, len(p.Types))
	for i, t := range p.Types {
		names[i] = t.String()
	}
	return fmt.Sprintf("%s(%s)", p.Name, strings.Join(names, ","))
}

// EncodedParameter is one scheduled-task parameter value as read from
// config, tagged with its declared solidity type.
type EncodedParameter struct {
	Value        string
	SolidityType string
}

// EncodeCall builds calldata for a parsed signature given its
// already-validated parameter values. Values are parsed from their
// string config representation into the Go type abi.Arguments.Pack
// expects for each solidity type.
func EncodeCall(sig *ParsedSignature, params []EncodedParameter) ([]byte, error) {
	if len(params) != len(sig.Types) {
		return nil, fmt.Errorf("chain: %s: expected %d parameters, got %d", sig.Canonical(), len(sig.Types), len(params))
	}

	args := make(abi.Arguments, len(sig.Types))
	values := make([]interface{}, len(sig.Types))
	for i, t := range sig.Types {
		args[i] = abi.Argument{Type: t}
		v, err := convertParam(t, params[i].Value)
		if err != nil {
			return nil, fmt.Errorf("chain: %s: parameter %d: %w", sig.Canonical(), i, err)
		}
		values[i] = v
	}

	packed, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: encode: %w", sig.Canonical(), err)
	}
	return append(selector(sig.Canonical()), packed...), nil
}

func convertParam(t abi.Type, raw string) (interface{}, error) {
	switch t.String() {
	case "uint256":
		v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, fmt.Errorf("not a base-10 integer: %q", raw)
		}
		return v, nil
	case "address":
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("not a valid address: %q", raw)
		}
		return common.HexToAddress(raw), nil
	case "bool":
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("not a bool: %q", raw)
		}
		return b, nil
	case "address[]":
		parts := strings.Split(raw, ",")
		addrs := make([]common.Address, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if !common.IsHexAddress(p) {
				return nil, fmt.Errorf("not a valid address in list: %q", p)
			}
			addrs = append(addrs, common.HexToAddress(p))
		}
		return addrs, nil
	default:
		return nil, fmt.Errorf("unsupported solidity type %q", t.String())
	}
}

// DecodeBoolProperty decodes the single 32-byte word returned by a
// zero-argument boolean property or view function, as used by
// check_condition comparisons.
func DecodeBoolProperty(data []byte) (bool, error) {
	args := abi.Arguments{{Type: boolType}}
	values, err := args.Unpack(data)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("chain: decode bool property: %w", err)
	}
	return values[0].(bool), nil
}
