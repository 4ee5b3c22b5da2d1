package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/omikuji-oracle/omikuji/internal/httputil"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
)

// NetworkConfig is the subset of a configured network the Provider
// Registry needs to build clients.
type NetworkConfig struct {
	Name   string
	RPCURL string
	// RateLimitPerSecond bounds outbound RPC calls for this network; zero
	// means unlimited.
	RateLimitPerSecond float64
}

// entry is one network's cached read client and its outbound rate limiter.
type entry struct {
	client  *RPCClient
	limiter *rate.Limiter
}

// Registry holds one cached read-only RPC client per network and mints
// short-lived signer-bound clients on demand. Read clients are safe for
// concurrent use by every Feed Monitor sharing a network; signer-bound
// clients are never cached, bounding key exposure to a single submission.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// NewRegistry builds an empty Registry. Call Add for each configured
// network before use.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		metrics: m,
		timeout: 10 * time.Second,
	}
}

// Add registers a network's read-only client. Calling Add twice for the
// same name replaces the prior entry.
func (r *Registry) Add(cfg NetworkConfig) error {
	client, err := NewRPCClient(cfg.RPCURL, httputil.NewClient(r.timeout))
	if err != nil {
		return fmt.Errorf("chain: registry: add %s: %w", cfg.Name, err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), int(cfg.RateLimitPerSecond)+1)
	}

	r.mu.Lock()
	r.entries[cfg.Name] = &entry{client: client, limiter: limiter}
	r.mu.Unlock()
	return nil
}

// Get returns the cached read-only client for network name.
func (r *Registry) Get(name string) (*RPCClient, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chain: registry: network %q is not configured", name)
	}
	return e.client, nil
}

// Wait blocks until the network's outbound rate limiter admits one more
// call, or ctx is cancelled. No-op for networks without a configured
// limit.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// SignerClient binds a short-lived signer to a network's read URL,
// constructed fresh for each transaction submission from a freshly
// fetched key. It is never stored on the Registry.
type SignerClient struct {
	Network string
	RPC     *RPCClient
	Signer  *Signer
}

// NewSignerClient mints a signer-bound client for network, reusing the
// network's configured RPC URL and timeout but never the cached read
// client instance, so a slow or stuck signer submission cannot starve
// concurrent reads.
func (r *Registry) NewSignerClient(ctx context.Context, name string, privateKeyHex string) (*SignerClient, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chain: registry: network %q is not configured", name)
	}

	signer, err := NewSignerFromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	client, err := NewRPCClient(e.client.url, httputil.NewClient(r.timeout))
	if err != nil {
		return nil, fmt.Errorf("chain: registry: mint signer client for %s: %w", name, err)
	}

	return &SignerClient{Network: name, RPC: client, Signer: signer}, nil
}

// GetChainID is a thin wrapper emitting RPC-latency metrics.
func (r *Registry) GetChainID(ctx context.Context, name string) (uint64, error) {
	client, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	id, err := client.ChainID(ctx)
	r.observe(name, "eth_chainId", start, err)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

// GetBlockNumber is a thin wrapper emitting RPC-latency metrics.
func (r *Registry) GetBlockNumber(ctx context.Context, name string) (uint64, error) {
	client, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := client.BlockNumber(ctx)
	r.observe(name, "eth_blockNumber", start, err)
	return n, err
}

// GetBalance is a thin wrapper emitting RPC-latency metrics.
func (r *Registry) GetBalance(ctx context.Context, name string, address string) (*big.Int, error) {
	client, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	bal, err := client.BalanceAt(ctx, common.HexToAddress(address))
	r.observe(name, "eth_getBalance", start, err)
	return bal, err
}

// EstimateGas is a thin wrapper emitting RPC-latency metrics.
func (r *Registry) EstimateGas(ctx context.Context, name string, from, to common.Address, data []byte, value *big.Int) (uint64, error) {
	client, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	gas, err := client.EstimateGas(ctx, from, to, data, value)
	r.observe(name, "eth_estimateGas", start, err)
	return gas, err
}

func (r *Registry) observe(network, method string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.RPCLatencySeconds.WithLabelValues(network, method).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.RPCErrorsTotal.WithLabelValues(network, method).Inc()
	}
}

// Close releases resources held by the Registry's cached read clients.
// The underlying RPCClient holds only an *http.Client, which has no
// explicit close; Close exists so the Supervisor has a single symmetric
// lifecycle call and so future transport changes (e.g. persistent
// websocket clients) have a home.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	return nil
}
