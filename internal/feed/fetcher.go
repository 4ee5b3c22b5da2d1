// Package feed implements the Feed Fetcher and Feed Monitor: polling an
// HTTP price source, deciding whether a feed needs an on-chain update,
// and driving that update through the Transaction Executor.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/omikuji-oracle/omikuji/internal/httputil"
	"github.com/omikuji-oracle/omikuji/internal/resilience"
)

// Sample is one observation from a Feed Fetcher call.
type Sample struct {
	Value           float64
	SourceTimestamp uint64
}

// ErrorCategory distinguishes transport failures from parse failures so
// the Feed Monitor can label its availability gauge accordingly.
type ErrorCategory string

const (
	CategoryNetwork ErrorCategory = "network_error"
	CategoryStatus  ErrorCategory = "status_error"
	CategoryParse   ErrorCategory = "parse_error"
)

// FetchError reports why a fetch failed.
type FetchError struct {
	Category   ErrorCategory
	StatusCode int
	Path       string
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Category {
	case CategoryStatus:
		return fmt.Sprintf("feed fetch: unexpected status %d", e.StatusCode)
	case CategoryParse:
		return fmt.Sprintf("feed fetch: parse failed at %q: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("feed fetch: network error: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs the HTTP GET + dot-path extraction described for
// price sources. It holds no per-feed state and is safe to call
// concurrently from every Feed Monitor.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a Fetcher with a bounded per-call timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: httputil.NewClient(timeout)}
}

// fetchRetryConfig bounds retries to transient transport errors; a bad
// status or an unparseable body never benefits from retrying the same
// request and fails on the first attempt.
func fetchRetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	return cfg
}

// Fetch retrieves url, extracts the value at valuePath, and, if
// timestampPath is non-empty, the source timestamp at that path;
// otherwise the sample carries the current wall-clock time. Network
// errors are retried once with backoff; status and parse errors are
// permanent and fail on the first attempt.
func (f *Fetcher) Fetch(ctx context.Context, url, valuePath, timestampPath string) (*Sample, error) {
	var sample *Sample
	err := resilience.Retry(ctx, fetchRetryConfig(), func() error {
		s, fetchErr := f.doFetch(ctx, url, valuePath, timestampPath)
		if fetchErr == nil {
			sample = s
			return nil
		}
		if fe, ok := fetchErr.(*FetchError); ok && fe.Category != CategoryNetwork {
			return resilience.Permanent(fe)
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

func (f *Fetcher) doFetch(ctx context.Context, url, valuePath, timestampPath string) (*Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Category: CategoryNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Category: CategoryNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Category: CategoryStatus, StatusCode: resp.StatusCode}
	}

	body, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return nil, &FetchError{Category: CategoryNetwork, Err: err}
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FetchError{Category: CategoryParse, Path: valuePath, Err: err}
	}

	value, err := extractNumber(doc, valuePath)
	if err != nil {
		return nil, &FetchError{Category: CategoryParse, Path: valuePath, Err: err}
	}

	sample := &Sample{Value: value, SourceTimestamp: uint64(time.Now().Unix())}
	if timestampPath != "" {
		ts, err := extractNumber(doc, timestampPath)
		if err != nil {
			return nil, &FetchError{Category: CategoryParse, Path: timestampPath, Err: err}
		}
		sample.SourceTimestamp = uint64(ts)
	}
	return sample, nil
}

// extractNumber navigates doc via dotPath and coerces the leaf to a
// float64. Each dot-separated component is either an object key or, if
// numeric and the current node is a JSON array, an index.
func extractNumber(doc interface{}, dotPath string) (float64, error) {
	expr, err := toJSONPath(dotPath)
	if err != nil {
		return 0, err
	}
	leaf, err := jsonpath.Get(expr, doc)
	if err != nil {
		return 0, err
	}
	return coerceFloat(leaf)
}

// toJSONPath translates a spec-style dot path ("data.prices.0.usd")
// into the bracketed JSONPath expression PaesslerAG/jsonpath expects
// ("$['data']['prices'][0]['usd']").
func toJSONPath(dotPath string) (string, error) {
	if dotPath == "" {
		return "", fmt.Errorf("empty path")
	}
	var b strings.Builder
	b.WriteString("$")
	for _, part := range strings.Split(dotPath, ".") {
		if part == "" {
			return "", fmt.Errorf("empty path component")
		}
		if idx, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%d]", idx)
		} else {
			fmt.Fprintf(&b, "['%s']", part)
		}
	}
	return b.String(), nil
}

func coerceFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("leaf value %v is not numeric", v)
	}
}
