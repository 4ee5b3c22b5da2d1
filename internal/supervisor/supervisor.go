// Package supervisor wires every other package together into the
// running daemon: config, metrics, persistence, key provider, provider
// registry, Feed Monitors, Scheduled-Task Runners, and the background
// balance-monitor and retention-sweep tasks. It owns process-wide
// startup ordering and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/executor"
	"github.com/omikuji-oracle/omikuji/internal/feed"
	"github.com/omikuji-oracle/omikuji/internal/gas"
	"github.com/omikuji-oracle/omikuji/internal/keyprovider"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
	"github.com/omikuji-oracle/omikuji/internal/persistence"
	"github.com/omikuji-oracle/omikuji/internal/scheduler"
)

// ShutdownDeadline bounds how long Run waits for in-flight tasks to
// finish after ctx is cancelled before force-returning.
const ShutdownDeadline = 30 * time.Second

// resourceSampleInterval is how often the gopsutil-backed sampler
// refreshes the omikuji_process_* gauges.
const resourceSampleInterval = 30 * time.Second

// Supervisor holds every long-lived dependency built once at startup
// and shared by every task it spawns.
type Supervisor struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	writer   *persistence.Writer
	keys     *keyprovider.Provider
	registry *chain.Registry
	executor *executor.Executor
	log      *logging.Logger

	metricsServer *http.Server
}

// Run builds every dependency in spec order and blocks, running every
// Feed Monitor, Scheduled-Task Runner, and background task, until ctx
// is cancelled. It returns once every task has exited or the shutdown
// deadline elapses, whichever comes first.
func Run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	ctx = logging.WithRunID(ctx, logging.NewRunID())

	s, err := newSupervisor(cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	log.WithContext(ctx).Info("omikuji run starting")

	var wg sync.WaitGroup
	s.startMetricsServer(&wg)
	s.startResourceSampler(ctx, &wg)
	s.startBalanceMonitor(ctx, &wg)
	s.startRetentionSweeper(ctx, &wg)

	monitors, err := s.buildMonitors(ctx)
	if err != nil {
		return err
	}
	for _, m := range monitors {
		wg.Add(1)
		go func(m *feed.Monitor) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}

	runners, err := s.buildRunners()
	if err != nil {
		return err
	}
	for _, r := range runners {
		wg.Add(1)
		go func(r *scheduler.Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	<-ctx.Done()
	s.log.Info("shutdown signal received, waiting for in-flight tasks")

	// The metrics server goroutine only exits on Shutdown, so stop it
	// before waiting on the group it belongs to.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = s.metricsServer.Shutdown(shutdownCtx)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownDeadline):
		s.log.Warn("shutdown deadline elapsed with tasks still running, force-exiting")
	}
	return nil
}

func newSupervisor(cfg *config.Config, log *logging.Logger) (*Supervisor, error) {
	m := metrics.New()

	writer, err := persistence.Open(cfg.Persistence.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open persistence: %w", err)
	}
	skipMigrations := cfg.Persistence.SkipMigrations
	if v, perr := strconv.ParseBool(os.Getenv("SKIP_MIGRATIONS")); perr == nil && v {
		skipMigrations = true
	}
	if writer != nil && !skipMigrations {
		if err := persistence.Migrate(writer.DB()); err != nil {
			return nil, fmt.Errorf("supervisor: run migrations: %w", err)
		}
	}

	backend, err := keyprovider.NewBackend(cfg.KeyStorage)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build key backend: %w", err)
	}
	keys := keyprovider.New(backend, cfg.KeyStorage.TTL(), m, log)

	registry := chain.NewRegistry(m)
	for _, n := range cfg.Networks {
		if err := registry.Add(chain.NetworkConfig{Name: n.Name, RPCURL: n.RPCURL}); err != nil {
			return nil, fmt.Errorf("supervisor: add network %s: %w", n.Name, err)
		}
	}

	exec := executor.New(registry, keys, gas.NewEstimator(), m, log, writer)

	return &Supervisor{
		cfg: cfg, metrics: m, writer: writer, keys: keys,
		registry: registry, executor: exec, log: log,
	}, nil
}

func (s *Supervisor) close() {
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsServer.Shutdown(ctx)
	}
	_ = s.writer.Close()
}

func (s *Supervisor) startMetricsServer(wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.Metrics.Port), Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithField("err", err).Warn("metrics server exited unexpectedly")
		}
	}()
}

// startResourceSampler periodically refreshes the process-level gauges
// from the OS, independent of any per-feed activity.
func (s *Supervisor) startResourceSampler(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		proc, err := process.NewProcess(int32(os.Getpid()))
		ticker := time.NewTicker(resourceSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.metrics.ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
			if err != nil || proc == nil {
				continue
			}
			if mem, merr := proc.MemoryInfo(); merr == nil && mem != nil {
				s.metrics.ProcessResidentMemoryBytes.Set(float64(mem.RSS))
			}
			if fds, ferr := proc.NumFDs(); ferr == nil {
				s.metrics.ProcessOpenFDs.Set(float64(fds))
			}
		}
	}()
}

// startBalanceMonitor samples each network's signer balance on a fixed
// interval so operators are warned before a wallet runs dry.
func (s *Supervisor) startBalanceMonitor(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.sampleBalances(ctx)
		}
	}()
}

func (s *Supervisor) sampleBalances(ctx context.Context) {
	for _, n := range s.cfg.Networks {
		keyHex, err := s.keys.GetKey(ctx, n.Name)
		if err != nil {
			continue
		}
		signer, err := chain.NewSignerFromHex(keyHex)
		if err != nil {
			continue
		}
		rpc, err := s.registry.Get(n.Name)
		if err != nil {
			continue
		}
		balance, err := rpc.BalanceAt(ctx, signer.Address())
		if err != nil {
			continue
		}
		s.metrics.WalletBalanceWei.WithLabelValues(n.Name, signer.Address().Hex()).Set(weiToFloat(balance))
	}
}

// startRetentionSweeper periodically deletes log rows older than
// database_cleanup.retention_days. The same window applies to every
// network and feed; no per-feed retention is applied.
func (s *Supervisor) startRetentionSweeper(ctx context.Context, wg *sync.WaitGroup) {
	if s.cfg.DatabaseCleanup == nil || s.writer == nil {
		return
	}
	interval := time.Duration(s.cfg.DatabaseCleanup.SweepIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.writer.SweepRetention(ctx, s.cfg.DatabaseCleanup.RetentionDays); err != nil {
				s.log.WithField("err", err).Warn("retention sweep failed")
			}
		}
	}()
}

// buildMonitors resolves signer addresses, then builds one Monitor per
// configured datafeed; each Monitor resolves its own contract config
// when it starts running.
func (s *Supervisor) buildMonitors(ctx context.Context) ([]*feed.Monitor, error) {
	fetcher := feed.NewFetcher(10 * time.Second)

	monitors := make([]*feed.Monitor, 0, len(s.cfg.Datafeeds))
	for _, df := range s.cfg.Datafeeds {
		network, ok := s.cfg.Network(df.Network)
		if !ok {
			return nil, fmt.Errorf("supervisor: datafeed %s: network %q is not configured", df.Name, df.Network)
		}

		signerAddr, err := s.resolveSignerAddress(ctx, network.Name)
		if err != nil {
			return nil, fmt.Errorf("supervisor: datafeed %s: %w", df.Name, err)
		}

		rpc, err := s.registry.Get(network.Name)
		if err != nil {
			return nil, err
		}
		gateway := chain.NewGateway(rpc)

		monitors = append(monitors, feed.NewMonitor(df, network, signerAddr, fetcher, gateway, s.executor, s.writer, s.metrics, s.log))
	}
	return monitors, nil
}

// buildRunners builds one Runner per configured scheduled task.
func (s *Supervisor) buildRunners() ([]*scheduler.Runner, error) {
	runners := make([]*scheduler.Runner, 0, len(s.cfg.ScheduledTasks))
	for _, task := range s.cfg.ScheduledTasks {
		network, ok := s.cfg.Network(task.Network)
		if !ok {
			return nil, fmt.Errorf("supervisor: task %s: network %q is not configured", task.Name, task.Network)
		}
		rpc, err := s.registry.Get(network.Name)
		if err != nil {
			return nil, err
		}
		runner, err := scheduler.New(task, network, rpc, s.executor, s.log)
		if err != nil {
			return nil, fmt.Errorf("supervisor: task %s: %w", task.Name, err)
		}
		runners = append(runners, runner)
	}
	return runners, nil
}

func (s *Supervisor) resolveSignerAddress(ctx context.Context, network string) (common.Address, error) {
	keyHex, err := s.keys.GetKey(ctx, network)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve signer address: %w", err)
	}
	signer, err := chain.NewSignerFromHex(keyHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve signer address: %w", err)
	}
	return signer.Address(), nil
}

func weiToFloat(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}
