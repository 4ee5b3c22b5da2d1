package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/executor"
	"github.com/omikuji-oracle/omikuji/internal/gas"
	"github.com/omikuji-oracle/omikuji/internal/keyprovider"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
)

func sel(sig string) string { return common.Bytes2Hex(crypto.Keccak256([]byte(sig))[:4]) }

type rpcReq struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

// newFakeTaskChain answers paused() with pausedValue and every
// Transaction Executor call needed for a successful submission.
func newFakeTaskChain(t *testing.T, pausedValue bool) *httptest.Server {
	t.Helper()
	boolT, _ := abi.NewType("bool", "", nil)
	pausedSel := sel("paused()")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		respond := func(result interface{}) {
			payload, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(payload)
		}

		switch req.Method {
		case "eth_call":
			var callObj map[string]string
			require.NoError(t, json.Unmarshal(req.Params[0], &callObj))
			data := strings.TrimPrefix(callObj["data"], "0x")
			require.True(t, strings.HasPrefix(data, pausedSel))
			packed, err := abi.Arguments{{Type: boolT}}.Pack(pausedValue)
			require.NoError(t, err)
			respond("0x" + common.Bytes2Hex(packed))
		case "eth_getTransactionCount":
			respond("0x0")
		case "eth_chainId":
			respond("0x89")
		case "eth_estimateGas":
			respond("0x5208")
		case "eth_gasPrice", "eth_maxPriorityFeePerGas":
			respond("0x3b9aca00")
		case "eth_feeHistory":
			respond(map[string]interface{}{"baseFeePerGas": []string{"0x3b9aca00"}})
		case "eth_sendRawTransaction":
			respond("0x0000000000000000000000000000000000000000000000000000000000000001")
		case "eth_getTransactionReceipt":
			respond(map[string]interface{}{
				"transactionHash":   "0x0000000000000000000000000000000000000000000000000000000000000001",
				"status":            "0x1",
				"blockNumber":       "0x10",
				"gasUsed":           "0x5208",
				"effectiveGasPrice": "0x3b9aca00",
			})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
}

type fixedBackend struct{ key string }

func (b fixedBackend) Name() string                                           { return "fixed" }
func (b fixedBackend) Get(ctx context.Context, network string) (string, error) { return b.key, nil }
func (b fixedBackend) Store(ctx context.Context, network, key string) error    { return nil }
func (b fixedBackend) Remove(ctx context.Context, network string) error        { return nil }
func (b fixedBackend) List(ctx context.Context) ([]string, error)             { return nil, nil }

func newTestRunner(t *testing.T, nodeURL string, task config.ScheduledTask) *Runner {
	t.Helper()
	network := config.Network{Name: "polygon", RPCURL: nodeURL, TransactionType: config.Legacy}
	task.Network = network.Name

	registry := chain.NewRegistry(nil)
	require.NoError(t, registry.Add(chain.NetworkConfig{Name: network.Name, RPCURL: nodeURL}))
	rpc, err := registry.Get(network.Name)
	require.NoError(t, err)

	backend := fixedBackend{key: "0000000000000000000000000000000000000000000000000000000000000001"}
	keys := keyprovider.New(backend, time.Minute, nil, nil)
	log := logging.New("test", "error", "text")
	// Unregistered collectors: every test builds its own Metrics, and the
	// default registerer rejects re-registering the same collector names.
	exec := executor.New(registry, keys, gas.NewEstimator(), metrics.NewWithRegistry(nil), log, nil)

	runner, err := New(task, network, rpc, exec, log)
	require.NoError(t, err)
	return runner
}

func TestRunner_Fire_SkipsWhenConditionFails(t *testing.T) {
	node := newFakeTaskChain(t, false)
	defer node.Close()

	task := config.ScheduledTask{
		Name:     "unpause-check",
		Schedule: "@every 1h",
		CheckCondition: &config.ContractCall{
			ContractAddress: "0x3333333333333333333333333333333333333333",
			Function:        "paused()",
			ExpectedValue:   "true",
		},
		TargetFunction: config.ContractCall{
			ContractAddress: "0x3333333333333333333333333333333333333333",
			Signature:       "unpause()",
		},
	}
	runner := newTestRunner(t, node.URL, task)
	runner.fire(context.Background())
}

func TestRunner_Fire_SubmitsWhenConditionHolds(t *testing.T) {
	node := newFakeTaskChain(t, true)
	defer node.Close()

	task := config.ScheduledTask{
		Name:     "unpause",
		Schedule: "@every 1h",
		CheckCondition: &config.ContractCall{
			ContractAddress: "0x3333333333333333333333333333333333333333",
			Function:        "paused()",
			ExpectedValue:   "true",
		},
		TargetFunction: config.ContractCall{
			ContractAddress: "0x3333333333333333333333333333333333333333",
			Signature:       "unpause()",
		},
	}
	runner := newTestRunner(t, node.URL, task)
	runner.fire(context.Background())
}

func TestRunner_Fire_NoConditionAlwaysSubmits(t *testing.T) {
	node := newFakeTaskChain(t, false)
	defer node.Close()

	task := config.ScheduledTask{
		Name:     "sweep",
		Schedule: "@every 1h",
		TargetFunction: config.ContractCall{
			ContractAddress: "0x3333333333333333333333333333333333333333",
			Signature:       "sweep()",
		},
	}
	runner := newTestRunner(t, node.URL, task)
	runner.fire(context.Background())
}

func TestNew_RejectsMalformedSchedule(t *testing.T) {
	_, err := New(config.ScheduledTask{Name: "bad", Schedule: "not a cron"}, config.Network{}, nil, nil, logging.New("test", "error", "text"))
	require.Error(t, err)
}
