// Package persistence implements the append-only log writer for feed
// samples, transaction records, and gas-price observations. It is the
// only component with write access to storage; every other component
// reaches it through a Record* call.
package persistence

import (
	"context"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/omikuji-oracle/omikuji/internal/logging"
)

// FeedSample is one fetch observation, successful or not.
type FeedSample struct {
	Feed          string
	Network       string
	Value         float64
	FeedTimestamp int64
	HTTPStatus    *int
	NetworkError  bool
}

// TransactionRecord is one submission outcome, unique by TxHash.
type TransactionRecord struct {
	Feed              string
	Network           string
	TxHash            string
	GasLimit          uint64
	GasUsed           uint64
	GasPriceGwei      float64
	TotalCostWei      *big.Int
	EfficiencyPercent float64
	TxType            string
	Status            string
	BlockNumber       uint64
	MaxFeeGwei        *float64
	PriorityFeeGwei   *float64
	ErrorMessage      string
}

// GasPriceLog is one observed fee-market reading, kept for diagnostics
// only; gas decisions always read live RPC data, never this log.
type GasPriceLog struct {
	Network            string
	TxType             string
	BaseFeeGwei        *float64
	PriorityFeeGwei    *float64
	LegacyGasPriceGwei *float64
	Source             string
}

// Writer owns all writes to the log tables. A nil Writer (persistence
// disabled) makes every Record* call a silent no-op so the rest of the
// daemon never branches on whether persistence is configured.
type Writer struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Open connects to dsn using the lib/pq driver and wraps it with sqlx.
// An empty dsn disables persistence: Open returns a nil *Writer and nil
// error.
func Open(dsn string, log *logging.Logger) (*Writer, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Writer{db: db, log: log}, nil
}

func (w *Writer) DB() *sqlx.DB {
	if w == nil {
		return nil
	}
	return w.db
}

// RecordFeedSample appends s. Missing-table errors are logged and
// swallowed: writers must tolerate the schema not yet being migrated.
func (w *Writer) RecordFeedSample(ctx context.Context, s FeedSample) {
	if w == nil {
		return
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO feed_samples (feed, network, value, feed_timestamp, http_status, network_error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.Feed, s.Network, s.Value, s.FeedTimestamp, s.HTTPStatus, s.NetworkError)
	w.logIfPersistent(err, "record feed sample")
}

// RecordTransaction appends r, upserting on tx_hash so a retried send
// that eventually confirms does not create a duplicate row.
func (w *Writer) RecordTransaction(ctx context.Context, r TransactionRecord) {
	if w == nil {
		return
	}
	var totalCost *string
	if r.TotalCostWei != nil {
		s := r.TotalCostWei.String()
		totalCost = &s
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO transaction_records
			(tx_hash, feed, network, gas_limit, gas_used, gas_price_gwei, total_cost_wei,
			 efficiency_percent, tx_type, status, block_number, max_fee_gwei, priority_fee_gwei, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tx_hash) DO UPDATE SET
			gas_used = EXCLUDED.gas_used,
			status = EXCLUDED.status,
			block_number = EXCLUDED.block_number,
			error_message = EXCLUDED.error_message
	`, r.TxHash, r.Feed, r.Network, r.GasLimit, r.GasUsed, r.GasPriceGwei, totalCost,
		r.EfficiencyPercent, r.TxType, r.Status, r.BlockNumber, r.MaxFeeGwei, r.PriorityFeeGwei, r.ErrorMessage)
	w.logIfPersistent(err, "record transaction")
}

// RecordGasPrice appends g to the diagnostic fee-observation log.
func (w *Writer) RecordGasPrice(ctx context.Context, g GasPriceLog) {
	if w == nil {
		return
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO gas_prices (network, tx_type, base_fee_gwei, priority_fee_gwei, legacy_gas_price_gwei, source)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, g.Network, g.TxType, g.BaseFeeGwei, g.PriorityFeeGwei, g.LegacyGasPriceGwei, g.Source)
	w.logIfPersistent(err, "record gas price")
}

// SweepRetention deletes log rows older than retentionDays from every
// log table. Intended to run on a periodic task owned by the
// Supervisor.
func (w *Writer) SweepRetention(ctx context.Context, retentionDays int) error {
	if w == nil || retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	for _, table := range []string{"feed_samples", "transaction_records", "gas_prices"} {
		column := "recorded_at"
		if table == "transaction_records" {
			column = "created_at"
		}
		_, err := w.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+column+" < $1", cutoff)
		if isMissingTable(err) {
			w.logIfPersistent(err, "retention sweep: "+table)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) logIfPersistent(err error, op string) {
	if err == nil {
		return
	}
	if isMissingTable(err) {
		if w.log != nil {
			w.log.WithField("op", op).Warn("persistence: table absent, skipping write until migrated")
		}
		return
	}
	if w.log != nil {
		w.log.WithField("op", op).Warn("persistence: write failed: " + err.Error())
	}
}

// undefinedTable is the Postgres SQLSTATE for a missing relation.
const undefinedTable = "42P01"

func isMissingTable(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == undefinedTable
}
