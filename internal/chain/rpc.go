// Package chain provides EVM JSON-RPC client, signer, and FluxAggregator
// contract encoding for Omikuji.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/omikuji-oracle/omikuji/internal/httputil"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient is a minimal EVM JSON-RPC transport. A read-only RPCClient is
// safe for concurrent use and is shared across all feeds on one network;
// a signer-bound one is minted fresh per submission by the Provider
// Registry.
type RPCClient struct {
	url  string
	http *http.Client
}

// NewRPCClient builds a client against rpcURL with the shared HTTP client
// hygiene (bounded body reads, TLS floor, per-call timeout).
func NewRPCClient(rpcURL string, client *http.Client) (*RPCClient, error) {
	normalized, _, err := httputil.NormalizeBaseURL(rpcURL, httputil.BaseURLOptions{})
	if err != nil {
		return nil, fmt.Errorf("chain: invalid rpc url: %w", err)
	}
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &RPCClient{url: normalized, http: client}, nil
}

// Call performs a raw JSON-RPC call and returns the undecoded result.
func (c *RPCClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chain: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _, readErr := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		if readErr != nil {
			return nil, fmt.Errorf("chain: %s: http %d", method, resp.StatusCode)
		}
		return nil, fmt.Errorf("chain: %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	respBody, err := httputil.ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("chain: %s: unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chain: %s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *RPCClient) callHexBigInt(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("chain: %s: unmarshal hex: %w", method, err)
	}
	value, err := hexutil.DecodeBig(hexStr)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: decode hex %q: %w", method, hexStr, err)
	}
	return value, nil
}

// ChainID returns the network's EIP-155 chain ID.
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.callHexBigInt(ctx, "eth_chainId")
}

// BlockNumber returns the latest block height.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.callHexBigInt(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// BalanceAt returns the wei balance of address at the latest block.
func (c *RPCClient) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.callHexBigInt(ctx, "eth_getBalance", address.Hex(), "latest")
}

// PendingNonceAt returns the next nonce to use for address, from the
// pending transaction count so that submissions are not blocked by the
// signer's own unconfirmed transactions.
func (c *RPCClient) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	n, err := c.callHexBigInt(ctx, "eth_getTransactionCount", address.Hex(), "pending")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// GasPrice returns the network's suggested legacy gas price.
func (c *RPCClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.callHexBigInt(ctx, "eth_gasPrice")
}

// MaxPriorityFeePerGas returns the network's suggested EIP-1559 tip.
func (c *RPCClient) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	return c.callHexBigInt(ctx, "eth_maxPriorityFeePerGas")
}

// feeHistoryResponse mirrors the subset of eth_feeHistory used to recover
// the latest base fee.
type feeHistoryResponse struct {
	BaseFeePerGas []string `json:"baseFeePerGas"`
}

// LatestBaseFee returns the projected base fee of the next block, the
// trailing entry of eth_feeHistory over a window of one block.
func (c *RPCClient) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_feeHistory", "0x1", "latest", []interface{}{})
	if err != nil {
		return nil, err
	}
	var hist feeHistoryResponse
	if err := json.Unmarshal(raw, &hist); err != nil {
		return nil, fmt.Errorf("chain: eth_feeHistory: unmarshal: %w", err)
	}
	if len(hist.BaseFeePerGas) == 0 {
		return nil, fmt.Errorf("chain: eth_feeHistory: empty baseFeePerGas")
	}
	// baseFeePerGas includes one extra trailing entry (the next block's
	// projected base fee); the last element is the freshest estimate.
	latest := hist.BaseFeePerGas[len(hist.BaseFeePerGas)-1]
	return hexutil.DecodeBig(latest)
}

// EstimateGas asks the node to estimate gas for a call.
func (c *RPCClient) EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, error) {
	callObj := map[string]interface{}{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		callObj["value"] = hexutil.EncodeBig(value)
	}
	n, err := c.callHexBigInt(ctx, "eth_estimateGas", callObj)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// CallContract performs an eth_call against the latest block.
func (c *RPCClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	callObj := map[string]interface{}{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	raw, err := c.Call(ctx, "eth_call", callObj, "latest")
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("chain: eth_call: unmarshal: %w", err)
	}
	return hexutil.Decode(hexStr)
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction and
// returns its hash.
func (c *RPCClient) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	raw, err := c.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(rawTx))
	if err != nil {
		return common.Hash{}, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return common.Hash{}, fmt.Errorf("chain: eth_sendRawTransaction: unmarshal: %w", err)
	}
	return common.HexToHash(hexStr), nil
}

// Receipt is the subset of an eth_getTransactionReceipt response the
// Transaction Executor needs.
type Receipt struct {
	TransactionHash   common.Hash
	Status            uint64 // 1 success, 0 reverted
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

type rawReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	Status            string `json:"status"`
	BlockNumber       string `json:"blockNumber"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// TransactionReceipt fetches the receipt for txHash. A nil Receipt and
// nil error means the transaction is not yet mined.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	raw, err := c.Call(ctx, "eth_getTransactionReceipt", txHash.Hex())
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rr rawReceipt
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("chain: eth_getTransactionReceipt: unmarshal: %w", err)
	}

	status, err := hexutil.DecodeUint64(rr.Status)
	if err != nil {
		return nil, fmt.Errorf("chain: decode receipt status: %w", err)
	}
	blockNumber, err := hexutil.DecodeUint64(rr.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("chain: decode receipt block number: %w", err)
	}
	gasUsed, err := hexutil.DecodeUint64(rr.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("chain: decode receipt gas used: %w", err)
	}
	effectiveGasPrice, err := hexutil.DecodeBig(rr.EffectiveGasPrice)
	if err != nil {
		return nil, fmt.Errorf("chain: decode receipt effective gas price: %w", err)
	}

	return &Receipt{
		TransactionHash:   common.HexToHash(rr.TransactionHash),
		Status:            status,
		BlockNumber:       blockNumber,
		GasUsed:           gasUsed,
		EffectiveGasPrice: effectiveGasPrice,
	}, nil
}

// IsNonceTooLow reports whether err is the node's "nonce too low"
// rejection, which the Transaction Executor treats as a forced nonce
// refresh with a single retry rather than a fatal submission error.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
