package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Gateway encodes and decodes the FluxAggregator subset Omikuji uses:
// decimals, minSubmissionValue, maxSubmissionValue, latestRoundData,
// oracleRoundState, and submit. Contract ABI knowledge lives only here;
// runtime signature parsing for scheduled tasks is a separate, narrowly
// scoped mini-grammar in signature.go.
type Gateway struct {
	rpc *RPCClient
}

// NewGateway wraps an RPC client with FluxAggregator-aware calls.
func NewGateway(rpc *RPCClient) *Gateway {
	return &Gateway{rpc: rpc}
}

var (
	uint256Type, _    = abi.NewType("uint256", "", nil)
	uint80Type, _     = abi.NewType("uint80", "", nil)
	uint32Type, _     = abi.NewType("uint32", "", nil)
	uint8Type, _      = abi.NewType("uint8", "", nil)
	int256Type, _     = abi.NewType("int256", "", nil)
	boolType, _       = abi.NewType("bool", "", nil)
	addressType, _    = abi.NewType("address", "", nil)
	addressArrType, _ = abi.NewType("address[]", "", nil)
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// RoundData is the decoded result of latestRoundData().
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       *big.Int
	UpdatedAt       *big.Int
	AnsweredInRound *big.Int
}

// RoundState is the decoded result of oracleRoundState().
type RoundState struct {
	EligibleToSubmit bool
	RoundID          uint32
	LatestSubmission *big.Int
	StartedAt        uint64
	Timeout          uint32
	AvailableFunds   *big.Int
	OracleCount      uint8
	PaymentAmount    *big.Int
}

// Decimals calls decimals() on contractAddress.
func (g *Gateway) Decimals(ctx context.Context, contractAddress common.Address) (uint8, error) {
	out, err := g.rpc.CallContract(ctx, contractAddress, selector("decimals()"))
	if err != nil {
		return 0, fmt.Errorf("chain: decimals: %w", err)
	}
	args := abi.Arguments{{Type: uint8Type}}
	values, err := args.Unpack(out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("chain: decimals: decode: %w", err)
	}
	return values[0].(uint8), nil
}

// MinSubmissionValue calls minSubmissionValue().
func (g *Gateway) MinSubmissionValue(ctx context.Context, contractAddress common.Address) (*big.Int, error) {
	return g.callInt256(ctx, contractAddress, "minSubmissionValue()")
}

// MaxSubmissionValue calls maxSubmissionValue().
func (g *Gateway) MaxSubmissionValue(ctx context.Context, contractAddress common.Address) (*big.Int, error) {
	return g.callInt256(ctx, contractAddress, "maxSubmissionValue()")
}

func (g *Gateway) callInt256(ctx context.Context, contractAddress common.Address, signature string) (*big.Int, error) {
	out, err := g.rpc.CallContract(ctx, contractAddress, selector(signature))
	if err != nil {
		return nil, fmt.Errorf("chain: %s: %w", signature, err)
	}
	args := abi.Arguments{{Type: int256Type}}
	values, err := args.Unpack(out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("chain: %s: decode: %w", signature, err)
	}
	return values[0].(*big.Int), nil
}

// LatestRoundData calls latestRoundData() for deviation comparison and
// display.
func (g *Gateway) LatestRoundData(ctx context.Context, contractAddress common.Address) (*RoundData, error) {
	out, err := g.rpc.CallContract(ctx, contractAddress, selector("latestRoundData()"))
	if err != nil {
		return nil, fmt.Errorf("chain: latestRoundData: %w", err)
	}
	args := abi.Arguments{
		{Type: uint80Type}, {Type: int256Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint80Type},
	}
	values, err := args.Unpack(out)
	if err != nil || len(values) != 5 {
		return nil, fmt.Errorf("chain: latestRoundData: decode: %w", err)
	}
	return &RoundData{
		RoundID:         values[0].(*big.Int),
		Answer:          values[1].(*big.Int),
		StartedAt:       values[2].(*big.Int),
		UpdatedAt:       values[3].(*big.Int),
		AnsweredInRound: values[4].(*big.Int),
	}, nil
}

// OracleRoundState calls oracleRoundState(oracle, queriedRoundId) to find
// the roundId to submit into and whether the signer is eligible.
func (g *Gateway) OracleRoundState(ctx context.Context, contractAddress, oracle common.Address, queriedRoundID uint32) (*RoundState, error) {
	args := abi.Arguments{{Type: addressType}, {Type: uint32Type}}
	packed, err := args.Pack(oracle, queriedRoundID)
	if err != nil {
		return nil, fmt.Errorf("chain: oracleRoundState: encode args: %w", err)
	}
	calldata := append(selector("oracleRoundState(address,uint32)"), packed...)

	out, err := g.rpc.CallContract(ctx, contractAddress, calldata)
	if err != nil {
		return nil, fmt.Errorf("chain: oracleRoundState: %w", err)
	}

	outArgs := abi.Arguments{
		{Type: boolType}, {Type: uint32Type}, {Type: int256Type}, {Type: uint256Type},
		{Type: uint32Type}, {Type: uint256Type}, {Type: uint8Type}, {Type: uint256Type},
	}
	values, err := outArgs.Unpack(out)
	if err != nil || len(values) != 8 {
		return nil, fmt.Errorf("chain: oracleRoundState: decode: %w", err)
	}
	return &RoundState{
		EligibleToSubmit: values[0].(bool),
		RoundID:          values[1].(uint32),
		LatestSubmission: values[2].(*big.Int),
		StartedAt:        values[3].(*big.Int).Uint64(),
		Timeout:          values[4].(uint32),
		AvailableFunds:   values[5].(*big.Int),
		OracleCount:      values[6].(uint8),
		PaymentAmount:    values[7].(*big.Int),
	}, nil
}

// EncodeSubmit builds calldata for submit(roundId, submission), the only
// write path for datafeeds.
func EncodeSubmit(roundID *big.Int, submission *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}, {Type: int256Type}}
	packed, err := args.Pack(roundID, submission)
	if err != nil {
		return nil, fmt.Errorf("chain: encode submit: %w", err)
	}
	return append(selector("submit(uint256,int256)"), packed...), nil
}
