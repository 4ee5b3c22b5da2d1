package feed

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/executor"
	"github.com/omikuji-oracle/omikuji/internal/gas"
	"github.com/omikuji-oracle/omikuji/internal/keyprovider"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
)

var (
	abiUint8, _    = abi.NewType("uint8", "", nil)
	abiInt256, _   = abi.NewType("int256", "", nil)
	abiUint80, _   = abi.NewType("uint80", "", nil)
	abiUint256, _  = abi.NewType("uint256", "", nil)
	abiBool, _     = abi.NewType("bool", "", nil)
	abiUint32, _   = abi.NewType("uint32", "", nil)
)

// sendTxCount counts eth_sendRawTransaction calls across newFakeChain
// servers in the current test; callers that care reset it to 0 first.
var sendTxCount int32

func selector(sig string) string { return common.Bytes2Hex(crypto.Keccak256([]byte(sig))[:4]) }

func packHex(t *testing.T, args abi.Arguments, values ...interface{}) string {
	t.Helper()
	packed, err := args.Pack(values...)
	require.NoError(t, err)
	return common.Bytes2Hex(packed)
}

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

// newFakeChain serves every JSON-RPC call a Monitor cycle can issue: the
// FluxAggregator reads (dispatched by calldata selector) and, when a
// cycle submits, the Transaction Executor's send/receipt path.
func newFakeChain(t *testing.T, answer *big.Int, updatedAtUnix int64, eligible bool) *httptest.Server {
	t.Helper()
	decimalsSel := selector("decimals()")
	minSel := selector("minSubmissionValue()")
	maxSel := selector("maxSubmissionValue()")
	latestSel := selector("latestRoundData()")
	roundStateSel := selector("oracleRoundState(address,uint32)")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
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
			switch {
			case strings.HasPrefix(data, decimalsSel):
				respond("0x" + packHex(t, abi.Arguments{{Type: abiUint8}}, uint8(8)))
			case strings.HasPrefix(data, minSel):
				respond("0x" + packHex(t, abi.Arguments{{Type: abiInt256}}, big.NewInt(0)))
			case strings.HasPrefix(data, maxSel):
				respond("0x" + packHex(t, abi.Arguments{{Type: abiInt256}}, big.NewInt(1_000_000_000_000)))
			case strings.HasPrefix(data, latestSel):
				respond("0x" + packHex(t, abi.Arguments{{Type: abiUint80}, {Type: abiInt256}, {Type: abiUint256}, {Type: abiUint256}, {Type: abiUint80}},
					big.NewInt(1), answer, big.NewInt(updatedAtUnix), big.NewInt(updatedAtUnix), big.NewInt(1)))
			case strings.HasPrefix(data, roundStateSel):
				respond("0x" + packHex(t, abi.Arguments{
					{Type: abiBool}, {Type: abiUint32}, {Type: abiInt256}, {Type: abiUint256}, {Type: abiUint32}, {Type: abiUint256}, {Type: abiUint8}, {Type: abiUint256},
				}, eligible, uint32(2), big.NewInt(0), big.NewInt(updatedAtUnix), uint32(1800), big.NewInt(0), uint8(1), big.NewInt(0)))
			default:
				t.Fatalf("unexpected eth_call data %q", data)
			}
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
			atomic.AddInt32(&sendTxCount, 1)
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

func newFeedServer(t *testing.T, price float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": price})
	}))
}

type fixedKeyBackend struct{ key string }

func (b fixedKeyBackend) Name() string                                       { return "fixed" }
func (b fixedKeyBackend) Get(ctx context.Context, network string) (string, error) { return b.key, nil }
func (b fixedKeyBackend) Store(ctx context.Context, network, key string) error    { return nil }
func (b fixedKeyBackend) Remove(ctx context.Context, network string) error        { return nil }
func (b fixedKeyBackend) List(ctx context.Context) ([]string, error)             { return nil, nil }

func newTestMonitor(t *testing.T, feedURL, chainURL string, feed config.Datafeed) *Monitor {
	t.Helper()
	network := config.Network{Name: "polygon", RPCURL: chainURL, TransactionType: config.Legacy}
	feed.Network = network.Name
	feed.FeedURL = feedURL

	registry := chain.NewRegistry(nil)
	require.NoError(t, registry.Add(chain.NetworkConfig{Name: network.Name, RPCURL: chainURL}))
	rpc, err := registry.Get(network.Name)
	require.NoError(t, err)
	gateway := chain.NewGateway(rpc)

	backend := fixedKeyBackend{key: "0000000000000000000000000000000000000000000000000000000000000001"}
	keys := keyprovider.New(backend, time.Minute, nil, nil)

	// A fresh registry per monitor, not the process-wide default one, since
	// every test in this file builds its own Metrics instance and the
	// default registerer rejects re-registering the same collector names.
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	log := logging.New("test", "error", "text")
	exec := executor.New(registry, keys, gas.NewEstimator(), m, log, nil)
	fetcher := NewFetcher(time.Second)
	signerAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	return NewMonitor(feed, network, signerAddr, fetcher, gateway, exec, nil, m, log)
}

func floatPtr(v float64) *float64 { return &v }

func baseFeed() config.Datafeed {
	return config.Datafeed{
		Name:                  "eth-usd",
		ContractAddress:       "0x2222222222222222222222222222222222222222",
		FeedJSONPath:          "price",
		CheckFrequency:        30,
		DeviationThresholdPct: floatPtr(0.5),
		ReadContractConfig:    true,
	}
}

func TestMonitor_Tick_HappyUpdate(t *testing.T) {
	feedServer := newFeedServer(t, 101.0)
	defer feedServer.Close()
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), true)
	defer chainServer.Close()

	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, baseFeed())
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())
}

func TestMonitor_Tick_SkipsOnLowDeviation(t *testing.T) {
	feedServer := newFeedServer(t, 100.1)
	defer feedServer.Close()
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), true)
	defer chainServer.Close()

	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, baseFeed())
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())
}

func TestMonitor_Tick_TimeForcedUpdate(t *testing.T) {
	feedServer := newFeedServer(t, 100.0)
	defer feedServer.Close()
	feed := baseFeed()
	feed.MinimumUpdateFrequency = 3600
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-4000*time.Second).Unix(), true)
	defer chainServer.Close()

	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, feed)
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())
}

func TestMonitor_Tick_SkipsWhenNotEligible(t *testing.T) {
	feedServer := newFeedServer(t, 110.0)
	defer feedServer.Close()
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), false)
	defer chainServer.Close()

	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, baseFeed())
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())
}

func TestMonitor_Tick_FetchErrorSetsAvailabilityDown(t *testing.T) {
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), true)
	defer chainServer.Close()

	mo := newTestMonitor(t, "http://127.0.0.1:1", chainServer.URL, baseFeed())
	mo.tick(context.Background())
	require.EqualValues(t, 1, mo.consecutiveErrors)
}

func TestDeviationPercent_ZeroContractValueIsZero(t *testing.T) {
	require.Equal(t, 0.0, deviationPercent(101, 0))
}

func TestMonitor_Tick_ZeroDeviationThresholdFiresOnAnyChange(t *testing.T) {
	atomic.StoreInt32(&sendTxCount, 0)
	feedServer := newFeedServer(t, 100.0001)
	defer feedServer.Close()
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), true)
	defer chainServer.Close()

	feed := baseFeed()
	feed.DeviationThresholdPct = floatPtr(0)
	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, feed)
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())

	require.Greater(t, atomic.LoadInt32(&sendTxCount), int32(0), "a zero threshold must fire on any nonzero deviation")
}

func TestMonitor_Tick_OutOfBoundsSubmissionLowersDataConsistencyScore(t *testing.T) {
	feedServer := newFeedServer(t, 101.0)
	defer feedServer.Close()
	chainServer := newFakeChain(t, big.NewInt(100_00000000), time.Now().Add(-10*time.Second).Unix(), true)
	defer chainServer.Close()

	feed := baseFeed()
	feed.ReadContractConfig = false
	decimals := uint8(8)
	feed.Decimals = &decimals
	maxValue := 50.0 // below the fetched 101.0, so the submission is rejected as out of bounds
	feed.MaxValue = &maxValue

	mo := newTestMonitor(t, feedServer.URL, chainServer.URL, feed)
	require.NoError(t, mo.resolveContractConfig(context.Background()))
	mo.tick(context.Background())

	score := testutil.ToFloat64(mo.metrics.DataConsistencyScore.WithLabelValues(mo.feed.Name, mo.network.Name))
	require.Equal(t, 0.0, score, "the only sample so far was rejected as out of bounds")

	feed2 := feed
	feed2.MaxValue = nil
	mo2 := newTestMonitor(t, feedServer.URL, chainServer.URL, feed2)
	require.NoError(t, mo2.resolveContractConfig(context.Background()))
	mo2.tick(context.Background())
	score2 := testutil.ToFloat64(mo2.metrics.DataConsistencyScore.WithLabelValues(mo2.feed.Name, mo2.network.Name))
	require.Equal(t, 1.0, score2, "an in-bounds submission counts as a valid sample")
}

func TestFloatToScaled_RoundsInsteadOfTruncating(t *testing.T) {
	require.Equal(t, big.NewInt(10001), floatToScaled(100.005, 2))
	require.Equal(t, big.NewInt(1), floatToScaled(0.5, 0))
	require.Equal(t, big.NewInt(0), floatToScaled(0.49, 0))
}

func TestFloatToScaledAndBack_RoundTrip(t *testing.T) {
	scaled := floatToScaled(101.5, 8)
	require.Equal(t, big.NewInt(10150000000), scaled)
	require.InDelta(t, 101.5, scaledToFloat(scaled, 8), 0.0001)
}
