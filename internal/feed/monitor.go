package feed

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/errs"
	"github.com/omikuji-oracle/omikuji/internal/executor"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
	"github.com/omikuji-oracle/omikuji/internal/persistence"
)

// decision labels reported on omikuji_decisions_total.
const (
	decisionUpdate = "update"
	decisionSkip   = "skip"

	reasonDeviationThreshold = "deviation_threshold"
	reasonMinFrequency       = "min_frequency_elapsed"
	reasonBelowThreshold     = "below_threshold"
	reasonNotEligible        = "not_eligible"
	reasonOutOfBounds        = "out_of_bounds"
	reasonFetchError         = "fetch_error"
)

// contractConfig is the decimals/min/max triple a Monitor resolves once
// at startup, either from YAML or by reading the contract.
type contractConfig struct {
	decimals uint8
	min      *big.Int
	max      *big.Int
}

// Monitor drives one datafeed's poll-compare-submit cycle for the
// lifetime of the process. It owns all of its runtime state; no other
// task touches it.
type Monitor struct {
	feed          config.Datafeed
	network       config.Network
	contractAddr  common.Address
	signerAddress common.Address

	fetcher  *Fetcher
	gateway  *chain.Gateway
	executor *executor.Executor
	writer   *persistence.Writer
	metrics  *metrics.Metrics
	log      *logrus.Entry

	contract          contractConfig
	consecutiveErrors uint32

	validSamples uint64
	totalSamples uint64
}

// NewMonitor builds a Monitor for one datafeed. gateway must be built
// over the network's cached read client (never a signer client).
func NewMonitor(feed config.Datafeed, network config.Network, signerAddress common.Address, fetcher *Fetcher, gateway *chain.Gateway, exec *executor.Executor, writer *persistence.Writer, m *metrics.Metrics, log *logging.Logger) *Monitor {
	return &Monitor{
		feed:          feed,
		network:       network,
		contractAddr:  common.HexToAddress(feed.ContractAddress),
		signerAddress: signerAddress,
		fetcher:       fetcher,
		gateway:       gateway,
		executor:      exec,
		writer:        writer,
		metrics:       m,
		log:           log.WithFeed(network.Name, feed.Name),
	}
}

// Run blocks, ticking every feed.CheckFrequency seconds from a fixed
// anchor, until ctx is cancelled. If the contract config cannot be
// resolved, Run logs the error and returns without ticking.
func (mo *Monitor) Run(ctx context.Context) {
	interval := time.Duration(mo.feed.CheckFrequency) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if err := mo.resolveContractConfig(ctx); err != nil {
		mo.log.Error("contract config resolution failed, stopping monitor: " + err.Error())
		return
	}

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		next = next.Add(interval)
		mo.tick(ctx)
	}
}

func (mo *Monitor) resolveContractConfig(ctx context.Context) error {
	if !mo.feed.ReadContractConfig {
		mo.contract = contractConfig{}
		if mo.feed.Decimals != nil {
			mo.contract.decimals = *mo.feed.Decimals
		}
		if mo.feed.MinValue != nil {
			mo.contract.min = floatToScaled(*mo.feed.MinValue, mo.contract.decimals)
		}
		if mo.feed.MaxValue != nil {
			mo.contract.max = floatToScaled(*mo.feed.MaxValue, mo.contract.decimals)
		}
		return nil
	}

	decimals, err := mo.gateway.Decimals(ctx, mo.contractAddr)
	if err != nil {
		return errs.TransientErr("feed.monitor.decimals", err)
	}
	min, err := mo.gateway.MinSubmissionValue(ctx, mo.contractAddr)
	if err != nil {
		return errs.TransientErr("feed.monitor.minSubmissionValue", err)
	}
	max, err := mo.gateway.MaxSubmissionValue(ctx, mo.contractAddr)
	if err != nil {
		return errs.TransientErr("feed.monitor.maxSubmissionValue", err)
	}
	mo.contract = contractConfig{decimals: decimals, min: min, max: max}
	return nil
}

// tick runs exactly one poll-decide-submit cycle and never returns an
// error: every failure is recorded and suppressed so one bad feed
// cannot stop the Monitor.
func (mo *Monitor) tick(ctx context.Context) {
	sample, err := mo.fetcher.Fetch(ctx, mo.feed.FeedURL, mo.feed.FeedJSONPath, mo.feed.FeedJSONPathTimestamp)
	if err != nil {
		mo.consecutiveErrors++
		mo.recordFetchFailure(ctx, err)
		if fe, ok := err.(*FetchError); ok && fe.Category == CategoryParse {
			mo.recordDataSample(false)
		}
		return
	}
	mo.consecutiveErrors = 0
	mo.setAvailability(1)

	dataValid := true
	defer func() { mo.recordDataSample(dataValid) }()

	round, err := mo.gateway.LatestRoundData(ctx, mo.contractAddr)
	if err != nil {
		mo.log.Warn("latestRoundData failed: " + err.Error())
		mo.recordSample(ctx, sample)
		return
	}

	contractValue := scaledToFloat(round.Answer, mo.contract.decimals)
	deviation := deviationPercent(sample.Value, contractValue)
	mo.metrics.FeedValue.WithLabelValues(mo.feed.Name, mo.network.Name).Set(sample.Value)
	mo.metrics.ContractValue.WithLabelValues(mo.feed.Name, mo.network.Name).Set(contractValue)
	mo.metrics.Deviation.WithLabelValues(mo.feed.Name, mo.network.Name).Set(deviation)

	updatedAt := time.Unix(round.UpdatedAt.Int64(), 0)
	timeTriggered := mo.feed.MinimumUpdateFrequency > 0 && time.Since(updatedAt) >= time.Duration(mo.feed.MinimumUpdateFrequency)*time.Second
	// An explicit 0 is a meaningful threshold (fire on any change), distinct
	// from "not configured" — only a nil pointer means the deviation path
	// is disabled.
	deviationTriggered := mo.feed.DeviationThresholdPct != nil && deviation >= *mo.feed.DeviationThresholdPct

	if !timeTriggered && !deviationTriggered {
		mo.decide(decisionSkip, reasonBelowThreshold)
		mo.recordSample(ctx, sample)
		return
	}
	reason := reasonDeviationThreshold
	if timeTriggered {
		reason = reasonMinFrequency
	}

	submission := floatToScaled(sample.Value, mo.contract.decimals)
	if (mo.contract.min != nil && submission.Cmp(mo.contract.min) < 0) || (mo.contract.max != nil && submission.Cmp(mo.contract.max) > 0) {
		dataValid = false
		mo.decide(decisionSkip, reasonOutOfBounds)
		mo.metrics.InvalidValuesTotal.WithLabelValues(mo.feed.Name, mo.network.Name, "out_of_bounds").Inc()
		mo.recordSample(ctx, sample)
		return
	}

	state, err := mo.gateway.OracleRoundState(ctx, mo.contractAddr, mo.signerAddress, 0)
	if err != nil {
		mo.log.Warn("oracleRoundState failed: " + err.Error())
		mo.recordSample(ctx, sample)
		return
	}
	if !state.EligibleToSubmit {
		mo.decide(decisionSkip, reasonNotEligible)
		mo.recordSample(ctx, sample)
		return
	}

	calldata, err := chain.EncodeSubmit(big.NewInt(int64(state.RoundID)), submission)
	if err != nil {
		mo.log.Warn("encode submit failed: " + err.Error())
		mo.recordSample(ctx, sample)
		return
	}

	mo.decide(decisionUpdate, reason)

	txCtx := executor.Context{Network: mo.network.Name, Name: mo.feed.Name, TxType: mo.network.TransactionType, Purpose: executor.PurposeFeedUpdate}
	outcome, err := mo.executor.Submit(ctx, txCtx, mo.contractAddr, calldata, mo.feed.Gas.Merge(mo.network.Gas))
	mo.recordSample(ctx, sample)

	if err != nil {
		mo.log.Warn("submit failed: " + err.Error())
		return
	}
	if outcome.Status == executor.StatusSuccess {
		mo.consecutiveErrors = 0
		mo.metrics.UpdateDeviationPercent.WithLabelValues(mo.feed.Name, mo.network.Name).Observe(deviation)
		mo.metrics.UpdateLagSeconds.WithLabelValues(mo.feed.Name, mo.network.Name).Observe(time.Since(updatedAt).Seconds())
	}
	if mo.writer != nil {
		mo.writer.RecordTransaction(ctx, toTransactionRecord(mo.feed.Name, mo.network.Name, string(mo.network.TransactionType), outcome))
	}
}

func (mo *Monitor) decide(decision, reason string) {
	mo.metrics.DecisionsTotal.WithLabelValues(mo.feed.Name, mo.network.Name, decision, reason).Inc()
}

func (mo *Monitor) setAvailability(v float64) {
	mo.metrics.DatasourceAvailability.WithLabelValues(mo.feed.Name, mo.network.Name).Set(v)
}

func (mo *Monitor) recordFetchFailure(ctx context.Context, err error) {
	mo.setAvailability(0)
	mo.decide(decisionSkip, reasonFetchError)

	var httpStatus *int
	var networkError bool
	if fe, ok := err.(*FetchError); ok {
		networkError = fe.Category == CategoryNetwork
		if fe.Category == CategoryStatus {
			status := fe.StatusCode
			httpStatus = &status
		}
	}
	if mo.writer != nil {
		mo.writer.RecordFeedSample(ctx, persistence.FeedSample{
			Feed: mo.feed.Name, Network: mo.network.Name,
			HTTPStatus: httpStatus, NetworkError: networkError,
		})
	}
}

// recordDataSample tracks the cumulative valid/total ratio behind
// omikuji_data_consistency_score (spec §7's Data category: a parse
// failure or an out-of-bounds scaled value counts as invalid; everything
// else reaching this point does not).
func (mo *Monitor) recordDataSample(valid bool) {
	mo.totalSamples++
	if valid {
		mo.validSamples++
	}
	if mo.metrics != nil {
		mo.metrics.DataConsistencyScore.WithLabelValues(mo.feed.Name, mo.network.Name).
			Set(float64(mo.validSamples) / float64(mo.totalSamples))
	}
}

func (mo *Monitor) recordSample(ctx context.Context, sample *Sample) {
	if mo.writer == nil {
		return
	}
	mo.writer.RecordFeedSample(ctx, persistence.FeedSample{
		Feed: mo.feed.Name, Network: mo.network.Name,
		Value: sample.Value, FeedTimestamp: int64(sample.SourceTimestamp),
	})
}

func toTransactionRecord(feed, network, txType string, outcome *executor.Outcome) persistence.TransactionRecord {
	if outcome == nil {
		return persistence.TransactionRecord{Feed: feed, Network: network, TxType: txType, Status: string(executor.StatusError)}
	}
	var gasPriceGwei float64
	if outcome.EffectiveGasPrice != nil {
		gasPriceGwei = weiToFloat(outcome.EffectiveGasPrice) / 1e9
	}
	return persistence.TransactionRecord{
		Feed: feed, Network: network, TxHash: outcome.TxHash.Hex(),
		GasLimit: outcome.GasLimit, GasUsed: outcome.GasUsed, GasPriceGwei: gasPriceGwei,
		TotalCostWei: outcome.TotalCostWei, EfficiencyPercent: outcome.EfficiencyPercent,
		TxType: txType, Status: string(outcome.Status), BlockNumber: outcome.BlockNumber,
		ErrorMessage: outcome.ErrorMessage,
	}
}

func weiToFloat(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}

// deviationPercent is 0 when contractValue is 0, never a divide-by-zero.
func deviationPercent(sampleValue, contractValue float64) float64 {
	if contractValue == 0 {
		return 0
	}
	return 100 * math.Abs(sampleValue-contractValue) / contractValue
}

// floatToScaled computes round(v * 10^decimals). big.Float.Int truncates
// toward zero, so the half is added (subtracted, if v is negative) before
// truncating to get round-half-away-from-zero instead.
func floatToScaled(v float64, decimals uint8) *big.Int {
	scale := new(big.Float).SetFloat64(math.Pow(10, float64(decimals)))
	scaled := new(big.Float).Mul(big.NewFloat(v), scale)
	if v >= 0 {
		scaled.Add(scaled, big.NewFloat(0.5))
	} else {
		scaled.Sub(scaled, big.NewFloat(0.5))
	}
	out, _ := scaled.Int(nil)
	return out
}

func scaledToFloat(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	scale := math.Pow(10, float64(decimals))
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out / scale
}
