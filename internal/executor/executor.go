// Package executor implements the transaction lifecycle state machine:
// build, sign, submit, await receipt, retry with fee bumping, and report
// a single terminal Outcome per submission call.
package executor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/errs"
	"github.com/omikuji-oracle/omikuji/internal/gas"
	"github.com/omikuji-oracle/omikuji/internal/keyprovider"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
	"github.com/omikuji-oracle/omikuji/internal/persistence"
	"github.com/omikuji-oracle/omikuji/internal/resilience"
)

// Purpose distinguishes feed updates from scheduled-task calls for
// metrics and log labels.
type Purpose string

const (
	PurposeFeedUpdate    Purpose = "feed_update"
	PurposeScheduledTask Purpose = "scheduled_task"
)

// Status is a TransactionRecord's terminal classification.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed" // mined but reverted
	StatusError   Status = "error"  // never landed after all retries
)

// Context carries the identifying information for one submission.
type Context struct {
	Network string
	Name    string // feed or scheduled task name
	TxType  config.TransactionType
	Purpose Purpose
}

// Outcome is the terminal result of one submit call.
type Outcome struct {
	Status            Status
	TxHash            common.Hash
	GasLimit          uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	TotalCostWei      *big.Int
	EfficiencyPercent float64
	BlockNumber       uint64
	Attempts          int
	ErrorMessage      string
}

// Executor drives the submission state machine for the transactions of
// every network in its Provider Registry. It is safe for concurrent use
// by multiple feeds and tasks; each call to Submit acquires its own
// signer client and nonce.
type Executor struct {
	registry  *chain.Registry
	keys      *keyprovider.Provider
	estimator *gas.Estimator
	metrics   *metrics.Metrics
	log       *logging.Logger
	writer    *persistence.Writer

	waitPoll time.Duration
}

// New builds an Executor over the given Provider Registry, Key Provider,
// and Gas Estimator. writer may be nil: every RecordGasPrice call is then
// a no-op, same as everywhere else persistence is optional.
func New(registry *chain.Registry, keys *keyprovider.Provider, estimator *gas.Estimator, m *metrics.Metrics, log *logging.Logger, writer *persistence.Writer) *Executor {
	return &Executor{
		registry:  registry,
		keys:      keys,
		estimator: estimator,
		metrics:   m,
		log:       log,
		writer:    writer,
		waitPoll:  2 * time.Second,
	}
}

// Submit builds, signs, sends, and awaits calldata against the network
// in ctx, retrying with fee bumps per gasCfg.FeeBumping up to its
// max_retries, and returns a single terminal Outcome.
func (e *Executor) Submit(parent context.Context, txCtx Context, to common.Address, calldata []byte, gasCfg config.GasConfig) (*Outcome, error) {
	logger := e.log.WithNetwork(txCtx.Network).WithField("name", txCtx.Name).WithField("purpose", string(txCtx.Purpose))

	privateKey, err := e.keys.GetKey(parent, txCtx.Network)
	if err != nil {
		return nil, errs.SecurityErr("executor.submit.getKey", err).WithNetwork(txCtx.Network).WithFeed(txCtx.Name)
	}

	signerClient, err := e.registry.NewSignerClient(parent, txCtx.Network, privateKey)
	if err != nil {
		return nil, errs.TransientErr("executor.submit.signerClient", err).WithNetwork(txCtx.Network)
	}

	nonce, err := signerClient.RPC.PendingNonceAt(parent, signerClient.Signer.Address())
	if err != nil {
		return nil, errs.TransientErr("executor.submit.nonce", err).WithNetwork(txCtx.Network)
	}

	chainIDBig, err := signerClient.RPC.ChainID(parent)
	if err != nil {
		return nil, errs.TransientErr("executor.submit.chainId", err).WithNetwork(txCtx.Network)
	}

	gasLimit, err := e.resolveGasLimit(parent, signerClient, to, calldata, gasCfg)
	if err != nil {
		return nil, err
	}

	quote, err := e.estimator.Quote(parent, signerClient.RPC, txCtx.TxType, gasCfg)
	if err != nil {
		return nil, err
	}
	quote.GasLimit = gasLimit
	e.logGasPrice(parent, txCtx, signerClient, quote)

	bumping := gasCfg.FeeBumping
	maxRetries := 0
	initialWait := 30 * time.Second
	feeIncreasePercent := 10.0
	if bumping != nil && bumping.Enabled {
		maxRetries = bumping.MaxRetries
		if bumping.InitialWaitSeconds > 0 {
			initialWait = time.Duration(bumping.InitialWaitSeconds) * time.Second
		}
		feeIncreasePercent = bumping.FeeIncreasePercent
	}

	attempt := 0
	var lastTxHash common.Hash

	for {
		currentQuote := quote
		if attempt > 0 {
			var baseFee *big.Int
			if txCtx.TxType == config.EIP1559 {
				baseFee, _ = signerClient.RPC.LatestBaseFee(parent)
			}
			currentQuote = gas.Bump(quote, attempt, feeIncreasePercent, baseFee)
			currentQuote.GasLimit = gasLimit
		}

		txHash, sendErr := e.sendOnce(parent, signerClient, chainIDBig, to, calldata, &nonce, currentQuote, txCtx, logger)
		if sendErr != nil {
			return nil, sendErr
		}
		lastTxHash = txHash

		receipt, waitErr := e.awaitReceipt(parent, signerClient.RPC, lastTxHash, initialWait)
		if waitErr == nil {
			return e.finalize(txCtx, receipt, lastTxHash, gasLimit, attempt+1), nil
		}

		attempt++
		if !(bumping != nil && bumping.Enabled) || attempt > maxRetries {
			return &Outcome{
				Status:       StatusError,
				TxHash:       lastTxHash,
				GasLimit:     gasLimit,
				Attempts:     attempt,
				ErrorMessage: "transaction did not land after all retries",
			}, nil
		}
		logger.WithField("attempt", attempt).Info("bumping fee and resubmitting with same nonce")
	}
}

// sendOnce signs and sends calldata at quote's fee, retrying a bounded
// budget of recoverable send errors (transport glitches) with backoff
// before giving up. A nonce-too-low rejection refreshes the nonce and is
// retried once; a second one aborts. Sign/encode failures and
// unrecoverable send errors abort on the first attempt.
func (e *Executor) sendOnce(parent context.Context, signerClient *chain.SignerClient, chainID *big.Int, to common.Address, calldata []byte, nonce *uint64, quote *gas.FeeQuote, txCtx Context, logger *logrus.Entry) (common.Hash, error) {
	cfg := resilience.RetryConfig{MaxAttempts: 4, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, Jitter: 0.2}
	var txHash common.Hash
	nonceRefreshed := false

	err := resilience.Retry(parent, cfg, func() error {
		signed, err := e.signTransaction(signerClient, chainID, to, calldata, *nonce, quote)
		if err != nil {
			return resilience.Permanent(errs.FatalErr("executor.submit.sign", err).WithNetwork(txCtx.Network))
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return resilience.Permanent(errs.FatalErr("executor.submit.encode", err).WithNetwork(txCtx.Network))
		}

		if e.metrics != nil {
			e.metrics.SubmissionAttemptsTotal.WithLabelValues(txCtx.Name, txCtx.Network, string(txCtx.Purpose)).Inc()
		}

		h, sendErr := signerClient.RPC.SendRawTransaction(parent, raw)
		if sendErr == nil {
			txHash = h
			return nil
		}
		if chain.IsNonceTooLow(sendErr) {
			if nonceRefreshed {
				return resilience.Permanent(errs.TransientErr("executor.submit.send", sendErr).WithNetwork(txCtx.Network))
			}
			refreshed, refreshErr := signerClient.RPC.PendingNonceAt(parent, signerClient.Signer.Address())
			if refreshErr != nil {
				return resilience.Permanent(errs.TransientErr("executor.submit.nonceRefresh", refreshErr).WithNetwork(txCtx.Network))
			}
			*nonce = refreshed
			nonceRefreshed = true
			return sendErr
		}
		if isRecoverable(sendErr) {
			logger.Warn("recoverable send error, retrying at same fee: " + sendErr.Error())
			return sendErr
		}
		return resilience.Permanent(errs.TransientErr("executor.submit.send", sendErr).WithNetwork(txCtx.Network))
	})
	if err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// logGasPrice appends the quoted fee to the diagnostic gas_prices log.
// Gas decisions never read this log back; it exists for operators.
func (e *Executor) logGasPrice(ctx context.Context, txCtx Context, signerClient *chain.SignerClient, quote *gas.FeeQuote) {
	if e.writer == nil {
		return
	}
	entry := persistence.GasPriceLog{Network: txCtx.Network, TxType: string(txCtx.TxType), Source: "estimator"}
	switch txCtx.TxType {
	case config.Legacy:
		if quote.GasPriceWei != nil {
			gwei := weiToFloat(quote.GasPriceWei) / 1e9
			entry.LegacyGasPriceGwei = &gwei
		}
	case config.EIP1559:
		if quote.MaxPriorityFeePerGasWei != nil {
			gwei := weiToFloat(quote.MaxPriorityFeePerGasWei) / 1e9
			entry.PriorityFeeGwei = &gwei
		}
		if baseFee, err := signerClient.RPC.LatestBaseFee(ctx); err == nil && baseFee != nil {
			gwei := weiToFloat(baseFee) / 1e9
			entry.BaseFeeGwei = &gwei
		}
	}
	e.writer.RecordGasPrice(ctx, entry)
}

// resolveGasLimit always calls the RPC estimator, even when gas_limit is
// configured, so a configured value that can't actually cover the call is
// caught here rather than sent and left to revert out of gas.
func (e *Executor) resolveGasLimit(ctx context.Context, signerClient *chain.SignerClient, to common.Address, calldata []byte, gasCfg config.GasConfig) (uint64, error) {
	estimated, err := signerClient.RPC.EstimateGas(ctx, signerClient.Signer.Address(), to, calldata, nil)
	if err != nil {
		return 0, errs.TransientErr("executor.submit.estimateGas", err)
	}
	return gas.EstimateGasLimit(estimated, gasCfg)
}

func (e *Executor) signTransaction(signerClient *chain.SignerClient, chainID *big.Int, to common.Address, calldata []byte, nonce uint64, quote *gas.FeeQuote) (*types.Transaction, error) {
	switch quote.TxType {
	case config.Legacy:
		return signerClient.Signer.SignLegacyTx(chainID, &types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      quote.GasLimit,
			GasPrice: quote.GasPriceWei,
			Data:     calldata,
		})
	case config.EIP1559:
		return signerClient.Signer.SignDynamicFeeTx(chainID, &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			To:        &to,
			Value:     big.NewInt(0),
			Gas:       quote.GasLimit,
			GasTipCap: quote.MaxPriorityFeePerGasWei,
			GasFeeCap: quote.MaxFeePerGasWei,
			Data:      calldata,
		})
	default:
		return nil, errs.ConfigurationErr("executor.sign", errs.ErrNoActiveBackend)
	}
}

func (e *Executor) awaitReceipt(ctx context.Context, rpc *chain.RPCClient, txHash common.Hash, timeout time.Duration) (*chain.Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.waitPoll)
	defer ticker.Stop()

	for {
		receipt, err := rpc.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.Transient, "executor.awaitReceipt", errTimedOut)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) finalize(txCtx Context, receipt *chain.Receipt, txHash common.Hash, gasLimit uint64, attempts int) *Outcome {
	status := StatusSuccess
	if receipt.Status == 0 {
		status = StatusFailed
	}
	totalCost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	efficiency := 0.0
	if gasLimit > 0 {
		efficiency = 100 * float64(receipt.GasUsed) / float64(gasLimit)
	}

	outcome := &Outcome{
		Status:            status,
		TxHash:            txHash,
		GasLimit:          gasLimit,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		TotalCostWei:      totalCost,
		EfficiencyPercent: efficiency,
		BlockNumber:       receipt.BlockNumber,
		Attempts:          attempts,
	}

	if e.metrics != nil {
		e.metrics.TransactionsTotal.WithLabelValues(txCtx.Network, string(status), string(txCtx.TxType)).Inc()
		e.metrics.GasUsedTotal.WithLabelValues(txCtx.Name, txCtx.Network).Add(float64(receipt.GasUsed))
		e.metrics.TransactionCostWei.WithLabelValues(txCtx.Network, txCtx.Name).Observe(weiToFloat(totalCost))
		e.metrics.GasPriceGwei.WithLabelValues(txCtx.Network, string(txCtx.TxType)).Observe(weiToFloat(receipt.EffectiveGasPrice) / 1e9)
		if status == StatusFailed {
			e.metrics.TransactionRevertsTotal.WithLabelValues(txCtx.Network, string(txCtx.Purpose)).Inc()
		}
	}
	return outcome
}

func weiToFloat(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}

func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"connection reset", "timeout", "eof", "502", "503", "504"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

var errTimedOut = errors.New("transaction not mined before deadline")
