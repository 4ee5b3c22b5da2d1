package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newResponse(payload []byte) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
}

func newTestClient(t *testing.T, fn roundTripperFunc) *RPCClient {
	t.Helper()
	client, err := NewRPCClient("http://example.invalid", &http.Client{Transport: fn})
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	return client
}

func TestNewRPCClient_RejectsInvalidURL(t *testing.T) {
	if _, err := NewRPCClient("not-a-url", nil); err == nil {
		t.Fatal("expected error for invalid rpc url")
	}
}

func TestRPCClient_Call_PropagatesRPCError(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Error: &rpcError{Code: -32000, Message: "boom"}}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	_, err := client.Call(context.Background(), "eth_blockNumber")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRPCClient_ChainID(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "eth_chainId" {
			t.Fatalf("unexpected method %q", req.Method)
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"0x89"`)}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	id, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID() error = %v", err)
	}
	if id.Int64() != 137 {
		t.Fatalf("expected chain id 137, got %s", id.String())
	}
}

func TestRPCClient_PendingNonceAt_UsesPendingTag(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "eth_getTransactionCount" {
			t.Fatalf("unexpected method %q", req.Method)
		}
		if len(req.Params) != 2 || req.Params[1] != "pending" {
			t.Fatalf("expected pending tag, got params %#v", req.Params)
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"0x5"`)}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	nonce, err := client.PendingNonceAt(context.Background(), common.HexToAddress("0x0000000000000000000000000000000000000001"))
	if err != nil {
		t.Fatalf("PendingNonceAt() error = %v", err)
	}
	if nonce != 5 {
		t.Fatalf("expected nonce 5, got %d", nonce)
	}
}

func TestRPCClient_LatestBaseFee_TakesLastEntry(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		resp := rpcResponse{
			JSONRPC: "2.0", ID: 1,
			Result: json.RawMessage(`{"baseFeePerGas":["0x1","0x2","0x3"]}`),
		}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	fee, err := client.LatestBaseFee(context.Background())
	if err != nil {
		t.Fatalf("LatestBaseFee() error = %v", err)
	}
	if fee.Int64() != 3 {
		t.Fatalf("expected 3, got %s", fee.String())
	}
}

func TestRPCClient_TransactionReceipt_NilWhenPending(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`null`)}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	receipt, err := client.TransactionReceipt(context.Background(), common.Hash{})
	if err != nil {
		t.Fatalf("TransactionReceipt() error = %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected nil receipt for pending transaction, got %#v", receipt)
	}
}

func TestRPCClient_TransactionReceipt_DecodesFields(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		resp := rpcResponse{
			JSONRPC: "2.0", ID: 1,
			Result: json.RawMessage(`{
				"transactionHash": "0x0000000000000000000000000000000000000000000000000000000000000001",
				"status": "0x1",
				"blockNumber": "0x10",
				"gasUsed": "0x5208",
				"effectiveGasPrice": "0x3b9aca00"
			}`),
		}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	receipt, err := client.TransactionReceipt(context.Background(), common.Hash{})
	if err != nil {
		t.Fatalf("TransactionReceipt() error = %v", err)
	}
	if receipt.Status != 1 || receipt.BlockNumber != 16 || receipt.GasUsed != 21000 {
		t.Fatalf("unexpected receipt %#v", receipt)
	}
}

func TestIsNonceTooLow(t *testing.T) {
	if !IsNonceTooLow(errNonceTooLowForTest{}) {
		t.Fatal("expected nonce-too-low error to match")
	}
	if IsNonceTooLow(nil) {
		t.Fatal("nil error must not match")
	}
}

type errNonceTooLowForTest struct{}

func (errNonceTooLowForTest) Error() string { return "nonce too low: next nonce 5, tx nonce 3" }
