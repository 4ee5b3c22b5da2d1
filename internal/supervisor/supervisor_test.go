package supervisor

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/logging"
)

func selector(sig string) string { return common.Bytes2Hex(crypto.Keccak256([]byte(sig))[:4]) }

func pack(t *testing.T, args abi.Arguments, values ...interface{}) string {
	t.Helper()
	packed, err := args.Pack(values...)
	require.NoError(t, err)
	return common.Bytes2Hex(packed)
}

// newFakeNetwork answers every FluxAggregator read with a static round,
// never eligible to submit, so a short-lived Run never attempts a send.
func newFakeNetwork(t *testing.T) *httptest.Server {
	t.Helper()
	t8, _ := abi.NewType("uint8", "", nil)
	t256, _ := abi.NewType("int256", "", nil)
	t80, _ := abi.NewType("uint80", "", nil)
	t256u, _ := abi.NewType("uint256", "", nil)
	tbool, _ := abi.NewType("bool", "", nil)
	t32, _ := abi.NewType("uint32", "", nil)

	decimalsSel := selector("decimals()")
	minSel := selector("minSubmissionValue()")
	maxSel := selector("maxSubmissionValue()")
	latestSel := selector("latestRoundData()")
	roundStateSel := selector("oracleRoundState(address,uint32)")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		respond := func(result interface{}) {
			payload, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(payload)
		}
		if req.Method != "eth_call" {
			respond("0x0")
			return
		}
		var callObj map[string]string
		_ = json.Unmarshal(req.Params[0], &callObj)
		data := strings.TrimPrefix(callObj["data"], "0x")
		switch {
		case strings.HasPrefix(data, decimalsSel):
			respond("0x" + pack(t, abi.Arguments{{Type: t8}}, uint8(8)))
		case strings.HasPrefix(data, minSel):
			respond("0x" + pack(t, abi.Arguments{{Type: t256}}, big.NewInt(0)))
		case strings.HasPrefix(data, maxSel):
			respond("0x" + pack(t, abi.Arguments{{Type: t256}}, big.NewInt(1_000_000_000_000)))
		case strings.HasPrefix(data, latestSel):
			respond("0x" + pack(t, abi.Arguments{{Type: t80}, {Type: t256}, {Type: t256u}, {Type: t256u}, {Type: t80}},
				big.NewInt(1), big.NewInt(10_000_000_000), big.NewInt(0), big.NewInt(0), big.NewInt(1)))
		case strings.HasPrefix(data, roundStateSel):
			respond("0x" + pack(t, abi.Arguments{
				{Type: tbool}, {Type: t32}, {Type: t256}, {Type: t256u}, {Type: t32}, {Type: t256u}, {Type: t8}, {Type: t256u},
			}, false, uint32(1), big.NewInt(0), big.NewInt(0), uint32(1800), big.NewInt(0), uint8(1), big.NewInt(0)))
		default:
			respond("0x0")
		}
	}))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_StartsAndShutsDownCleanly(t *testing.T) {
	chainServer := newFakeNetwork(t)
	defer chainServer.Close()
	feedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": 100.0})
	}))
	defer feedServer.Close()

	t.Setenv("OMIKUJI_TEST_POLYGON", "0000000000000000000000000000000000000000000000000000000000000001")

	deviationThreshold := 0.5
	cfg := &config.Config{
		Networks: []config.Network{{Name: "polygon", RPCURL: chainServer.URL, TransactionType: config.Legacy}},
		Datafeeds: []config.Datafeed{{
			Name: "eth-usd", Network: "polygon",
			ContractAddress: "0x2222222222222222222222222222222222222222",
			FeedURL:         feedServer.URL, FeedJSONPath: "price",
			CheckFrequency: 3600, ReadContractConfig: true, DeviationThresholdPct: &deviationThreshold,
		}},
		KeyStorage: config.KeyStorage{Backend: "env", Prefix: "OMIKUJI_TEST", TTLSeconds: 60},
		Metrics:    config.Metrics{Port: freePort(t)},
	}

	log := logging.New("test", "error", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, cfg, log)
	require.NoError(t, err)
}
