package persistence

import (
	"context"
	"math/big"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func newMockWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Writer{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestWriter_RecordFeedSample_ExecutesInsert(t *testing.T) {
	w, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO feed_samples").WillReturnResult(sqlmock.NewResult(1, 1))

	w.RecordFeedSample(context.Background(), FeedSample{Feed: "eth-usd", Network: "polygon", Value: 101.5})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_RecordTransaction_UpsertsByTxHash(t *testing.T) {
	w, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO transaction_records").WillReturnResult(sqlmock.NewResult(1, 1))

	w.RecordTransaction(context.Background(), TransactionRecord{
		Feed: "eth-usd", Network: "polygon", TxHash: "0xabc",
		GasUsed: 21000, TotalCostWei: big.NewInt(42), Status: "success",
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_RecordFeedSample_SwallowsMissingTableError(t *testing.T) {
	w, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO feed_samples").WillReturnError(&pq.Error{Code: undefinedTable})

	require.NotPanics(t, func() {
		w.RecordFeedSample(context.Background(), FeedSample{Feed: "eth-usd", Network: "polygon"})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_NilWriter_RecordCallsAreNoop(t *testing.T) {
	var w *Writer
	require.NotPanics(t, func() {
		w.RecordFeedSample(context.Background(), FeedSample{})
		w.RecordTransaction(context.Background(), TransactionRecord{})
		w.RecordGasPrice(context.Background(), GasPriceLog{})
	})
	require.NoError(t, w.SweepRetention(context.Background(), 30))
	require.NoError(t, w.Close())
}

func TestWriter_SweepRetention_DeletesFromEachTable(t *testing.T) {
	w, mock := newMockWriter(t)
	mock.ExpectExec("DELETE FROM feed_samples").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM transaction_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM gas_prices").WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, w.SweepRetention(context.Background(), 30))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsMissingTable(t *testing.T) {
	require.True(t, isMissingTable(&pq.Error{Code: undefinedTable}))
	require.False(t, isMissingTable(&pq.Error{Code: "23505"}))
	require.False(t, isMissingTable(nil))
}
