// Package metrics provides the Prometheus metrics sink required by
// spec.md §6. Every metric name is prefixed omikuji_.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon emits to.
type Metrics struct {
	FeedValue     *prometheus.GaugeVec
	ContractValue *prometheus.GaugeVec
	Deviation     *prometheus.GaugeVec

	DecisionsTotal *prometheus.CounterVec

	UpdateDeviationPercent *prometheus.HistogramVec
	UpdateLagSeconds       *prometheus.HistogramVec

	SubmissionAttemptsTotal *prometheus.CounterVec
	GasUsedTotal            *prometheus.CounterVec
	GasPriceGwei            *prometheus.HistogramVec
	TransactionCostWei      *prometheus.HistogramVec
	TransactionsTotal       *prometheus.CounterVec

	RPCLatencySeconds *prometheus.HistogramVec
	RPCErrorsTotal    *prometheus.CounterVec

	WalletBalanceWei        *prometheus.GaugeVec
	DatasourceAvailability  *prometheus.GaugeVec
	InvalidValuesTotal      *prometheus.CounterVec
	TransactionRevertsTotal *prometheus.CounterVec
	CriticalErrorsTotal     *prometheus.CounterVec
	DegradedModeActive      *prometheus.GaugeVec
	DataConsistencyScore    *prometheus.GaugeVec

	KeyOperationsTotal *prometheus.CounterVec
	KeyCacheHitsTotal  *prometheus.CounterVec
	KeyCacheMissTotal  *prometheus.CounterVec

	ProcessResidentMemoryBytes prometheus.Gauge
	ProcessOpenFDs             prometheus.Gauge
	ProcessGoroutines          prometheus.Gauge
}

// New creates a Metrics instance registered against the default
// Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// allowing tests to use a throwaway registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_feed_value", Help: "Last fetched feed value.",
		}, []string{"feed", "network"}),
		ContractValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_contract_value", Help: "Last observed contract value.",
		}, []string{"feed", "network"}),
		Deviation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_deviation_percent", Help: "Percent deviation between feed and contract value.",
		}, []string{"feed", "network"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_decisions_total", Help: "Update-decision outcomes.",
		}, []string{"feed", "network", "decision", "reason"}),

		UpdateDeviationPercent: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "omikuji_update_deviation_percent", Help: "Observed deviation percent at the moment of a confirmed update.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50},
		}, []string{"feed", "network"}),
		UpdateLagSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "omikuji_update_lag_seconds", Help: "Seconds since the previous on-chain update at the moment of a confirmed update.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"feed", "network"}),

		SubmissionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_submission_attempts_total", Help: "Transaction submission attempts, including fee-bump resends.",
		}, []string{"feed", "network", "purpose"}),
		GasUsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_gas_used_total", Help: "Cumulative gas used by confirmed transactions.",
		}, []string{"feed", "network"}),
		GasPriceGwei: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "omikuji_gas_price_gwei", Help: "Effective gas price of confirmed transactions, in gwei.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50, 100, 250, 500},
		}, []string{"network", "tx_type"}),
		TransactionCostWei: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "omikuji_transaction_cost_wei", Help: "Total transaction cost in wei.",
			Buckets: prometheus.ExponentialBuckets(1e12, 4, 12),
		}, []string{"network", "feed"}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_transactions_total", Help: "Transactions by terminal status.",
		}, []string{"network", "status", "tx_type"}),

		RPCLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "omikuji_rpc_latency_seconds", Help: "RPC call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"network", "method"}),
		RPCErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_rpc_errors_total", Help: "RPC call errors.",
		}, []string{"network", "method"}),

		WalletBalanceWei: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_wallet_balance_wei", Help: "Signer wallet balance in wei.",
		}, []string{"network", "address"}),
		DatasourceAvailability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_datasource_availability", Help: "1 if the last fetch succeeded, 0 otherwise.",
		}, []string{"feed", "network"}),
		InvalidValuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_invalid_values_total", Help: "Values rejected before submission.",
		}, []string{"feed", "network", "validation_type"}),
		TransactionRevertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_transaction_reverts_total", Help: "On-chain reverted transactions.",
		}, []string{"network", "purpose"}),
		CriticalErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_critical_errors_total", Help: "Security/Fatal-category errors observed after startup.",
		}, []string{"network", "category"}),
		DegradedModeActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_degraded_mode_active", Help: "1 if a network has entered degraded mode due to repeated critical errors.",
		}, []string{"network"}),
		DataConsistencyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omikuji_data_consistency_score", Help: "Cumulative ratio of valid to total samples for a feed.",
		}, []string{"feed", "network"}),

		KeyOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_key_operations_total", Help: "Key Provider operations by backend and outcome.",
		}, []string{"operation", "backend", "status"}),
		KeyCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_key_cache_hits_total", Help: "Key cache hits.",
		}, []string{"network"}),
		KeyCacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omikuji_key_cache_misses_total", Help: "Key cache misses.",
		}, []string{"network"}),

		ProcessResidentMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omikuji_process_resident_memory_bytes", Help: "Resident memory of the daemon process.",
		}),
		ProcessOpenFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omikuji_process_open_fds", Help: "Open file descriptors held by the daemon process.",
		}),
		ProcessGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omikuji_process_goroutines", Help: "Live goroutine count.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.FeedValue, m.ContractValue, m.Deviation,
			m.DecisionsTotal, m.UpdateDeviationPercent, m.UpdateLagSeconds,
			m.SubmissionAttemptsTotal, m.GasUsedTotal, m.GasPriceGwei, m.TransactionCostWei, m.TransactionsTotal,
			m.RPCLatencySeconds, m.RPCErrorsTotal,
			m.WalletBalanceWei, m.DatasourceAvailability, m.InvalidValuesTotal, m.TransactionRevertsTotal,
			m.CriticalErrorsTotal, m.DegradedModeActive, m.DataConsistencyScore,
			m.KeyOperationsTotal, m.KeyCacheHitsTotal, m.KeyCacheMissTotal,
			m.ProcessResidentMemoryBytes, m.ProcessOpenFDs, m.ProcessGoroutines,
		)
	}

	return m
}

// Handler returns the Prometheus exposition HTTP handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
