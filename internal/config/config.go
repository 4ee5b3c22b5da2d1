// Package config loads and validates the Omikuji YAML configuration file
// into an immutable tree. Nothing in this package mutates a Config after
// Load returns it; per-feed/per-task overrides are resolved once here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransactionType selects the fee model used for a network.
type TransactionType string

const (
	Legacy  TransactionType = "legacy"
	EIP1559 TransactionType = "eip1559"
)

// FeeBumping controls the Gas Estimator's bump schedule on inclusion timeout.
type FeeBumping struct {
	Enabled             bool    `yaml:"enabled"`
	MaxRetries          int     `yaml:"max_retries"`
	InitialWaitSeconds  int     `yaml:"initial_wait_seconds"`
	FeeIncreasePercent  float64 `yaml:"fee_increase_percent"`
}

// GasConfig cascades: process default <- network override <- per-feed/task
// override. A zero value at any level means "inherit from the level above".
type GasConfig struct {
	GasLimit                 *uint64     `yaml:"gas_limit,omitempty"`
	GasPriceGwei             *float64    `yaml:"gas_price_gwei,omitempty"`
	MaxFeePerGasGwei         *float64    `yaml:"max_fee_per_gas_gwei,omitempty"`
	MaxPriorityFeePerGasGwei *float64    `yaml:"max_priority_fee_per_gas_gwei,omitempty"`
	GasMultiplier            float64     `yaml:"gas_multiplier,omitempty"`
	FeeBumping               *FeeBumping `yaml:"fee_bumping,omitempty"`
}

// Merge returns a GasConfig with every unset field in the receiver filled
// in from base. The receiver's own explicit values always win.
func (g GasConfig) Merge(base GasConfig) GasConfig {
	out := g
	if out.GasLimit == nil {
		out.GasLimit = base.GasLimit
	}
	if out.GasPriceGwei == nil {
		out.GasPriceGwei = base.GasPriceGwei
	}
	if out.MaxFeePerGasGwei == nil {
		out.MaxFeePerGasGwei = base.MaxFeePerGasGwei
	}
	if out.MaxPriorityFeePerGasGwei == nil {
		out.MaxPriorityFeePerGasGwei = base.MaxPriorityFeePerGasGwei
	}
	if out.GasMultiplier == 0 {
		out.GasMultiplier = base.GasMultiplier
	}
	if out.GasMultiplier == 0 {
		out.GasMultiplier = 1.2
	}
	if out.FeeBumping == nil {
		out.FeeBumping = base.FeeBumping
	}
	if out.FeeBumping == nil {
		out.FeeBumping = &FeeBumping{}
	}
	return out
}

// Network is an immutable configuration entity naming one EVM chain
// endpoint and its default gas policy.
type Network struct {
	Name            string          `yaml:"name"`
	RPCURL          string          `yaml:"rpc_url"`
	TransactionType TransactionType `yaml:"transaction_type"`
	Gas             GasConfig       `yaml:"gas"`
}

// Datafeed is one oracle relationship: a feed source polled on a cadence
// and compared against a FluxAggregator contract.
type Datafeed struct {
	Name                  string    `yaml:"name"`
	Network               string    `yaml:"network"`
	ContractAddress       string    `yaml:"contract_address"`
	ContractType          string    `yaml:"contract_type"`
	FeedURL               string    `yaml:"feed_url"`
	FeedJSONPath          string    `yaml:"feed_json_path"`
	FeedJSONPathTimestamp string    `yaml:"feed_json_path_timestamp,omitempty"`
	CheckFrequency        int       `yaml:"check_frequency"`
	MinimumUpdateFrequency int      `yaml:"minimum_update_frequency,omitempty"`
	DeviationThresholdPct  *float64 `yaml:"deviation_threshold_pct,omitempty"`
	ReadContractConfig     bool     `yaml:"read_contract_config"`
	Decimals               *uint8   `yaml:"decimals,omitempty"`
	MinValue               *float64 `yaml:"min_value,omitempty"`
	MaxValue               *float64 `yaml:"max_value,omitempty"`
	DataRetentionDays      int      `yaml:"data_retention_days,omitempty"`
	Gas                    GasConfig `yaml:"gas,omitempty"`
}

// ContractCall names a contract and either a view-function/property
// signature, used for both the scheduled-task check_condition and
// target_function fields.
type ContractCall struct {
	ContractAddress string      `yaml:"contract_address"`
	Signature       string      `yaml:"signature,omitempty"` // e.g. "pause()", "transfer(address,uint256)"
	Function        string      `yaml:"function,omitempty"`  // alias of Signature for zero-arg reads
	Parameters      []Parameter `yaml:"parameters,omitempty"`
	ExpectedValue   string      `yaml:"expected_value,omitempty"`
}

// SolidityType enumerates the parameter types the scheduled-task
// mini-grammar accepts.
type SolidityType string

const (
	TypeUint256   SolidityType = "uint256"
	TypeAddress   SolidityType = "address"
	TypeBool      SolidityType = "bool"
	TypeAddressArr SolidityType = "address[]"
)

// Parameter is a single typed argument for a scheduled task's target
// function call.
type Parameter struct {
	Value        string       `yaml:"value"`
	SolidityType SolidityType `yaml:"solidity_type"`
}

// ScheduledTask is a cron-driven on-chain call, optionally gated by a
// pre-condition read.
type ScheduledTask struct {
	Name           string        `yaml:"name"`
	Network        string        `yaml:"network"`
	Schedule       string        `yaml:"schedule"`
	CheckCondition *ContractCall `yaml:"check_condition,omitempty"`
	TargetFunction ContractCall  `yaml:"target_function"`
	Gas            GasConfig     `yaml:"gas,omitempty"`
}

// KeyStorage selects the active Key Provider backend and its parameters.
type KeyStorage struct {
	Backend    string        `yaml:"backend"` // keyring | vault | cloud | env
	Prefix     string        `yaml:"prefix,omitempty"`
	TTLSeconds int           `yaml:"ttl_seconds,omitempty"`
	Vault      *VaultConfig  `yaml:"vault,omitempty"`
	Cloud      *CloudConfig  `yaml:"cloud,omitempty"`
	Keyring    *KeyringConfig `yaml:"keyring,omitempty"`
}

// VaultConfig configures the remote KV-v2 secret vault backend.
type VaultConfig struct {
	Address    string `yaml:"address"`
	TokenEnv   string `yaml:"token_env"`
	PathPrefix string `yaml:"path_prefix"`
}

// CloudConfig configures the cloud secret manager backend (Azure Key Vault).
type CloudConfig struct {
	VaultURL     string `yaml:"vault_url"`
	NamePrefix   string `yaml:"name_prefix,omitempty"`
}

// KeyringConfig configures the OS credential store backend.
type KeyringConfig struct {
	Service string `yaml:"service"`
}

// DatabaseCleanup controls the Persistence Writer's retention sweep.
type DatabaseCleanup struct {
	RetentionDays      int `yaml:"retention_days"`
	SweepIntervalHours int `yaml:"sweep_interval_hours"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Port int `yaml:"port"`
}

// Persistence configures the optional Postgres-backed log writer. An
// empty DSN disables persistence entirely; the Supervisor then skips
// writer startup and migrations.
type Persistence struct {
	DSN            string `yaml:"dsn,omitempty"`
	SkipMigrations bool   `yaml:"skip_migrations,omitempty"`
}

// Config is the fully loaded, validated, immutable configuration tree.
type Config struct {
	Networks        []Network        `yaml:"networks"`
	Datafeeds       []Datafeed       `yaml:"datafeeds"`
	ScheduledTasks  []ScheduledTask  `yaml:"scheduled_tasks,omitempty"`
	KeyStorage      KeyStorage       `yaml:"key_storage,omitempty"`
	Persistence     Persistence      `yaml:"persistence,omitempty"`
	DatabaseCleanup *DatabaseCleanup `yaml:"database_cleanup,omitempty"`
	Metrics         Metrics          `yaml:"metrics,omitempty"`

	networksByName map[string]Network
}

// DefaultConfigPaths returns, in order, the locations Load searches when
// no explicit path is given: ./config.yaml, then ~/.omikuji/config.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".omikuji", "config.yaml"))
	}
	return paths
}

// Load reads and parses the YAML file at path, or the first default path
// that exists when path is empty, then validates it. A non-nil error is
// always a Configuration-category failure; the caller treats it as fatal.
func Load(path string) (*Config, error) {
	candidates := []string{path}
	if path == "" {
		candidates = DefaultConfigPaths()
	}

	var raw []byte
	var readErr error
	var resolved string
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		raw, readErr = os.ReadFile(candidate)
		if readErr == nil {
			resolved = candidate
			break
		}
	}
	if readErr != nil {
		return nil, fmt.Errorf("config: no readable config file among %v: %w", candidates, readErr)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: %d validation error(s) in %s: %s", len(errs), resolved, joinErrors(errs))
	}

	cfg.index()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeyStorage.Backend == "" {
		c.KeyStorage.Backend = "env"
	}
	if c.KeyStorage.TTLSeconds == 0 {
		c.KeyStorage.TTLSeconds = 300
	}
	if c.KeyStorage.Prefix == "" {
		c.KeyStorage.Prefix = "OMIKUJI"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	for i := range c.Networks {
		if c.Networks[i].TransactionType == "" {
			c.Networks[i].TransactionType = EIP1559
		}
		if c.Networks[i].Gas.GasMultiplier == 0 {
			c.Networks[i].Gas.GasMultiplier = 1.2
		}
		if c.Networks[i].Gas.FeeBumping == nil {
			c.Networks[i].Gas.FeeBumping = &FeeBumping{}
		}
	}
	for i := range c.Datafeeds {
		if c.Datafeeds[i].ContractType == "" {
			c.Datafeeds[i].ContractType = "fluxmon"
		}
	}
}

func (c *Config) index() {
	c.networksByName = make(map[string]Network, len(c.Networks))
	for _, n := range c.Networks {
		c.networksByName[n.Name] = n
	}
}

// Network looks up a configured network by name.
func (c *Config) Network(name string) (Network, bool) {
	n, ok := c.networksByName[name]
	return n, ok
}

// GasFor resolves the effective GasConfig for a feed or task override
// against its network's defaults.
func (c *Config) GasFor(networkName string, override GasConfig) GasConfig {
	network, _ := c.Network(networkName)
	return override.Merge(network.Gas)
}

// TTL returns the configured key cache TTL as a time.Duration.
func (k KeyStorage) TTL() time.Duration {
	if k.TTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(k.TTLSeconds) * time.Second
}

func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
