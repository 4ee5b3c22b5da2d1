// Package keyprovider retrieves signing keys for named networks from a
// pluggable backend with a bounded-TTL in-memory cache. Keys are never
// logged, printed, or included in error messages.
package keyprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omikuji-oracle/omikuji/internal/errs"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/metrics"
)

// Backend is the pluggable key-storage contract. Exactly one backend is
// active per process, selected by config.KeyStorage.Backend.
type Backend interface {
	Name() string
	Get(ctx context.Context, network string) (string, error)
	Store(ctx context.Context, network, key string) error
	Remove(ctx context.Context, network string) error
	List(ctx context.Context) ([]string, error)
}

type cacheEntry struct {
	key       string
	fetchedAt time.Time
}

// criticalErrorThreshold is the consecutive backend-failure count (per
// network) at which GetKey flips omikuji_degraded_mode_active on,
// matching the small retry budget used elsewhere (internal/resilience's
// DefaultRetryConfig.MaxAttempts).
const criticalErrorThreshold = 3

// Provider wraps a Backend with a TTL cache and audit events. get_key on
// a backend error returns the cached value, if one exists, rather than
// failing a submission outright.
type Provider struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *logging.Logger

	mu             sync.Mutex
	cache          map[string]cacheEntry
	failureStreaks map[string]int
}

// New builds a Provider over backend with the given cache TTL.
func New(backend Backend, ttl time.Duration, m *metrics.Metrics, log *logging.Logger) *Provider {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Provider{
		backend:        backend,
		ttl:            ttl,
		metrics:        m,
		log:            log,
		cache:          make(map[string]cacheEntry),
		failureStreaks: make(map[string]int),
	}
}

// GetKey returns the signing key for network, checking the TTL cache
// first. On a backend error, a still-present (even if expired) cached
// entry is served instead of failing the submission.
func (p *Provider) GetKey(ctx context.Context, network string) (string, error) {
	p.mu.Lock()
	entry, ok := p.cache[network]
	p.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < p.ttl {
		p.audit("get_key", network, true, nil)
		p.hit(network)
		return entry.key, nil
	}
	p.miss(network)

	key, err := p.backend.Get(ctx, network)
	if err != nil {
		p.recordSecurityFailure(network)
		if ok {
			p.logger().WithNetwork(network).WithField("backend", p.backend.Name()).
				Warn("key backend error, serving cached key: " + err.Error())
			p.audit("get_key", network, true, nil)
			return entry.key, nil
		}
		p.audit("get_key", network, false, err)
		return "", errs.SecurityErr("keyprovider.getKey", err).WithNetwork(network)
	}
	p.recordSecuritySuccess(network)

	p.mu.Lock()
	p.cache[network] = cacheEntry{key: key, fetchedAt: time.Now()}
	p.mu.Unlock()

	p.audit("get_key", network, true, nil)
	return key, nil
}

// recordSecurityFailure tracks a backend.Get failure toward
// critical_errors_total/degraded_mode_active (spec §7's Security
// category): every failure counts, and a consecutive run of
// criticalErrorThreshold or more flips degraded mode on for network.
func (p *Provider) recordSecurityFailure(network string) {
	p.mu.Lock()
	p.failureStreaks[network]++
	streak := p.failureStreaks[network]
	p.mu.Unlock()

	if p.metrics == nil {
		return
	}
	p.metrics.CriticalErrorsTotal.WithLabelValues(network, "security").Inc()
	if streak >= criticalErrorThreshold {
		p.metrics.DegradedModeActive.WithLabelValues(network).Set(1)
	}
}

// recordSecuritySuccess resets network's failure streak and clears
// degraded mode once the backend recovers.
func (p *Provider) recordSecuritySuccess(network string) {
	p.mu.Lock()
	wasFailing := p.failureStreaks[network] > 0
	p.failureStreaks[network] = 0
	p.mu.Unlock()

	if wasFailing && p.metrics != nil {
		p.metrics.DegradedModeActive.WithLabelValues(network).Set(0)
	}
}

// StoreKey writes a key for network and invalidates any cached entry.
// Never called by monitors; the key CLI writes through the backend's
// Store directly.
func (p *Provider) StoreKey(ctx context.Context, network, key string) error {
	err := p.backend.Store(ctx, network, key)
	p.audit("store_key", network, err == nil, err)
	if err != nil {
		return errs.SecurityErr("keyprovider.storeKey", err).WithNetwork(network)
	}
	p.mu.Lock()
	delete(p.cache, network)
	p.mu.Unlock()
	return nil
}

// RemoveKey deletes a key for network and invalidates any cached entry.
func (p *Provider) RemoveKey(ctx context.Context, network string) error {
	err := p.backend.Remove(ctx, network)
	p.audit("remove_key", network, err == nil, err)
	if err != nil {
		return errs.SecurityErr("keyprovider.removeKey", err).WithNetwork(network)
	}
	p.mu.Lock()
	delete(p.cache, network)
	p.mu.Unlock()
	return nil
}

// ListNetworks returns every network the backend holds a key for.
func (p *Provider) ListNetworks(ctx context.Context) ([]string, error) {
	networks, err := p.backend.List(ctx)
	p.audit("list_networks", "", err == nil, err)
	if err != nil {
		return nil, errs.SecurityErr("keyprovider.listNetworks", err)
	}
	return networks, nil
}

func (p *Provider) audit(operation, network string, success bool, err error) {
	status := "success"
	if !success {
		status = "failure"
	}
	if p.metrics != nil {
		p.metrics.KeyOperationsTotal.WithLabelValues(operation, p.backend.Name(), status).Inc()
	}
	fields := map[string]interface{}{"operation": operation, "backend": p.backend.Name(), "success": success}
	if network != "" {
		fields["network"] = network
	}
	entry := p.logger().WithFields(fields)
	if success {
		entry.Debug("key operation")
	} else {
		entry.Warn(fmt.Sprintf("key operation failed: %v", err))
	}
}

func (p *Provider) hit(network string) {
	if p.metrics != nil {
		p.metrics.KeyCacheHitsTotal.WithLabelValues(network).Inc()
	}
}

func (p *Provider) miss(network string) {
	if p.metrics != nil {
		p.metrics.KeyCacheMissTotal.WithLabelValues(network).Inc()
	}
}

func (p *Provider) logger() *logging.Logger {
	if p.log != nil {
		return p.log
	}
	return logging.New("keyprovider", "info", "text")
}
