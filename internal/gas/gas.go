// Package gas computes legacy and EIP-1559 fee quotes from live RPC data
// and configured ceilings, and scales them across fee-bumping attempts.
package gas

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/errs"
)

// Source is the subset of chain reads an Estimator needs for fee
// quoting, satisfied by *chain.RPCClient and faked in tests.
type Source interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	LatestBaseFee(ctx context.Context) (*big.Int, error)
}

// FeeQuote is a fully-resolved fee for one submission attempt. Only the
// fields relevant to TxType are populated.
type FeeQuote struct {
	TxType                  config.TransactionType
	GasPriceWei             *big.Int // legacy
	MaxFeePerGasWei         *big.Int // EIP-1559
	MaxPriorityFeePerGasWei *big.Int // EIP-1559
	GasLimit                uint64
}

// Estimator produces and bumps FeeQuotes per network.
type Estimator struct{}

// NewEstimator builds a stateless Estimator; all data comes from the
// network's live RPC client and its GasConfig.
func NewEstimator() *Estimator { return &Estimator{} }

func gweiToWei(gwei float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := scaled.Int(nil)
	return wei
}

func mulFloat(v *big.Int, factor float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(factor))
	out, _ := scaled.Int(nil)
	return out
}

func clampCeiling(v *big.Int, ceilingWei *big.Int) *big.Int {
	if ceilingWei != nil && v.Cmp(ceilingWei) > 0 {
		return new(big.Int).Set(ceilingWei)
	}
	return v
}

// Quote computes the initial FeeQuote for a network using live RPC data
// and gasCfg, per the legacy and EIP-1559 formulas.
func (e *Estimator) Quote(ctx context.Context, rpc Source, txType config.TransactionType, gasCfg config.GasConfig) (*FeeQuote, error) {
	multiplier := gasCfg.GasMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	switch txType {
	case config.Legacy:
		suggested, err := rpc.GasPrice(ctx)
		if err != nil {
			return nil, errs.TransientErr("gas.quote.gasPrice", err)
		}
		price := mulFloat(suggested, multiplier)
		if gasCfg.GasPriceGwei != nil {
			configured := gweiToWei(*gasCfg.GasPriceGwei)
			if configured.Cmp(price) > 0 {
				price = configured
			}
		}
		var ceiling *big.Int
		if gasCfg.MaxFeePerGasGwei != nil {
			ceiling = gweiToWei(*gasCfg.MaxFeePerGasGwei)
		}
		price = clampCeiling(price, ceiling)
		return &FeeQuote{TxType: txType, GasPriceWei: price}, nil

	case config.EIP1559:
		suggestedTip, err := rpc.MaxPriorityFeePerGas(ctx)
		if err != nil {
			return nil, errs.TransientErr("gas.quote.priorityFee", err)
		}
		baseFee, err := rpc.LatestBaseFee(ctx)
		if err != nil {
			return nil, errs.TransientErr("gas.quote.baseFee", err)
		}

		tip := mulFloat(suggestedTip, multiplier)
		if gasCfg.MaxPriorityFeePerGasGwei != nil {
			tip = gweiToWei(*gasCfg.MaxPriorityFeePerGasGwei)
		}

		maxFee := mulFloat(new(big.Int).Add(baseFee, tip), multiplier)

		var tipCeiling, feeCeiling *big.Int
		if gasCfg.MaxPriorityFeePerGasGwei != nil {
			tipCeiling = gweiToWei(*gasCfg.MaxPriorityFeePerGasGwei)
		}
		if gasCfg.MaxFeePerGasGwei != nil {
			feeCeiling = gweiToWei(*gasCfg.MaxFeePerGasGwei)
		}
		tip = clampCeiling(tip, tipCeiling)
		maxFee = clampCeiling(maxFee, feeCeiling)

		if maxFee.Cmp(new(big.Int).Add(baseFee, tip)) < 0 {
			maxFee = new(big.Int).Add(baseFee, tip)
		}

		return &FeeQuote{TxType: txType, MaxFeePerGasWei: maxFee, MaxPriorityFeePerGasWei: tip}, nil
	default:
		return nil, errs.ConfigurationErr("gas.quote", fmt.Errorf("unknown transaction type %q", txType))
	}
}

// Bump scales quote's fee fields by (1+feeIncreasePercent/100)^attempt, for
// attempt >= 1. EIP-1559 bumps preserve max_fee >= base_fee + priority by
// re-deriving max_fee from the bumped priority fee and the supplied base
// fee when the scaled max_fee would otherwise fall short.
func Bump(quote *FeeQuote, attempt int, feeIncreasePercent float64, baseFeeWei *big.Int) *FeeQuote {
	factor := math.Pow(1+feeIncreasePercent/100, float64(attempt))

	bumped := &FeeQuote{TxType: quote.TxType, GasLimit: quote.GasLimit}
	switch quote.TxType {
	case config.Legacy:
		bumped.GasPriceWei = mulFloat(quote.GasPriceWei, factor)
	case config.EIP1559:
		bumped.MaxPriorityFeePerGasWei = mulFloat(quote.MaxPriorityFeePerGasWei, factor)
		bumped.MaxFeePerGasWei = mulFloat(quote.MaxFeePerGasWei, factor)
		if baseFeeWei != nil {
			floor := new(big.Int).Add(baseFeeWei, bumped.MaxPriorityFeePerGasWei)
			if bumped.MaxFeePerGasWei.Cmp(floor) < 0 {
				bumped.MaxFeePerGasWei = floor
			}
		}
	}
	return bumped
}

// EstimateGasLimit resolves the gas limit for a call from the RPC
// estimator's result scaled by gas_multiplier. If gas_limit is configured
// it is used verbatim, but only once checked against the scaled estimate:
// a configured value below what the estimator says the call actually
// needs is rejected rather than silently sent (it would just run out of
// gas on-chain), so the estimator always runs even when gas_limit is set.
func EstimateGasLimit(estimated uint64, gasCfg config.GasConfig) (uint64, error) {
	multiplier := gasCfg.GasMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	scaled := uint64(math.Ceil(float64(estimated) * multiplier))

	if gasCfg.GasLimit == nil {
		return scaled, nil
	}
	if *gasCfg.GasLimit < scaled {
		return 0, errs.FatalErr("gas.estimateLimit", fmt.Errorf(
			"configured gas_limit %d is below the estimated requirement %d", *gasCfg.GasLimit, scaled))
	}
	return *gasCfg.GasLimit, nil
}
