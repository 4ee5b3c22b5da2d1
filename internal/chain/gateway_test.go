package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func newTestGateway(t *testing.T, fn roundTripperFunc) *Gateway {
	t.Helper()
	return NewGateway(newTestClient(t, fn))
}

func respondWithPacked(t *testing.T, args abi.Arguments, values ...interface{}) roundTripperFunc {
	t.Helper()
	packed, err := args.Pack(values...)
	if err != nil {
		t.Fatalf("pack fixture: %v", err)
	}
	return func(r *http.Request) (*http.Response, error) {
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"` + hexutil.Encode(packed) + `"`)}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	}
}

func TestGateway_Decimals(t *testing.T) {
	g := newTestGateway(t, respondWithPacked(t, abi.Arguments{{Type: uint8Type}}, uint8(8)))
	got, err := g.Decimals(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("Decimals() error = %v", err)
	}
	if got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
}

func TestGateway_MinSubmissionValue(t *testing.T) {
	g := newTestGateway(t, respondWithPacked(t, abi.Arguments{{Type: int256Type}}, big.NewInt(100)))
	got, err := g.MinSubmissionValue(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("MinSubmissionValue() error = %v", err)
	}
	if got.Int64() != 100 {
		t.Fatalf("expected 100, got %s", got.String())
	}
}

func TestGateway_LatestRoundData(t *testing.T) {
	args := abi.Arguments{{Type: uint80Type}, {Type: int256Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint80Type}}
	g := newTestGateway(t, respondWithPacked(t, args,
		big.NewInt(1), big.NewInt(205000000), big.NewInt(1_700_000_000), big.NewInt(1_700_000_001), big.NewInt(1)))

	round, err := g.LatestRoundData(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("LatestRoundData() error = %v", err)
	}
	if round.Answer.Int64() != 205000000 {
		t.Fatalf("unexpected answer %s", round.Answer.String())
	}
}

func TestGateway_OracleRoundState(t *testing.T) {
	args := abi.Arguments{
		{Type: boolType}, {Type: uint32Type}, {Type: int256Type}, {Type: uint256Type},
		{Type: uint32Type}, {Type: uint256Type}, {Type: uint8Type}, {Type: uint256Type},
	}
	g := newTestGateway(t, respondWithPacked(t, args,
		true, uint32(42), big.NewInt(0), big.NewInt(1_700_000_000),
		uint32(1800), big.NewInt(5_000_000_000_000_000_000), uint8(12), big.NewInt(1_000_000_000_000_000_000)))

	state, err := g.OracleRoundState(context.Background(), common.Address{}, common.Address{}, 0)
	if err != nil {
		t.Fatalf("OracleRoundState() error = %v", err)
	}
	if !state.EligibleToSubmit || state.RoundID != 42 || state.OracleCount != 12 {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestEncodeSubmit(t *testing.T) {
	calldata, err := EncodeSubmit(big.NewInt(7), big.NewInt(205000000))
	if err != nil {
		t.Fatalf("EncodeSubmit() error = %v", err)
	}
	if len(calldata) < 4 {
		t.Fatal("expected calldata to include a 4-byte selector")
	}
	wantSelector := selector("submit(uint256,int256)")
	for i := 0; i < 4; i++ {
		if calldata[i] != wantSelector[i] {
			t.Fatalf("selector mismatch: got %x want %x", calldata[:4], wantSelector)
		}
	}
}
