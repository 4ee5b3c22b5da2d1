package keyprovider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/omikuji-oracle/omikuji/internal/errs"
)

// EnvBackend resolves keys from process environment variables named
// `${PREFIX}_${UPPERCASE_NETWORK}`, with hyphens replaced by underscores.
// A single unprefixed variable is also accepted as a fallback for
// single-network deployments.
type EnvBackend struct {
	Prefix string
}

func (b *EnvBackend) Name() string { return "env" }

func (b *EnvBackend) varName(network string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
	if b.Prefix == "" {
		return normalized
	}
	return strings.ToUpper(b.Prefix) + "_" + normalized
}

func (b *EnvBackend) Get(ctx context.Context, network string) (string, error) {
	if v := os.Getenv(b.varName(network)); v != "" {
		return v, nil
	}
	if b.Prefix != "" {
		if v := os.Getenv(strings.ToUpper(b.Prefix)); v != "" {
			return v, nil
		}
	}
	return "", errs.ConfigurationErr("keyprovider.env.get", fmt.Errorf("environment variable %s is not set", b.varName(network))).WithNetwork(network)
}

// Store is unsupported: environment variables are read-only from the
// daemon's perspective.
func (b *EnvBackend) Store(ctx context.Context, network, key string) error {
	return errs.ConfigurationErr("keyprovider.env.store", fmt.Errorf("env backend does not support storing keys; set %s directly", b.varName(network)))
}

func (b *EnvBackend) Remove(ctx context.Context, network string) error {
	return errs.ConfigurationErr("keyprovider.env.remove", fmt.Errorf("env backend does not support removing keys; unset %s directly", b.varName(network)))
}

func (b *EnvBackend) List(ctx context.Context) ([]string, error) {
	return nil, errs.ConfigurationErr("keyprovider.env.list", fmt.Errorf("env backend cannot enumerate configured networks"))
}
