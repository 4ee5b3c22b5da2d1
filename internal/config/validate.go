package config

import (
	"fmt"
)

// Validate checks every constraint from the data model and returns every
// violation found, rather than stopping at the first one, so a single
// startup diagnostic can name every offending path at once.
func (c *Config) Validate() []error {
	var errs []error

	seenNetworks := make(map[string]bool)
	for i, n := range c.Networks {
		path := fmt.Sprintf("networks[%d]", i)
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if seenNetworks[n.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is not unique", path, n.Name))
		} else {
			seenNetworks[n.Name] = true
		}
		if n.RPCURL == "" {
			errs = append(errs, fmt.Errorf("%s.rpc_url is required", path))
		}
		if n.TransactionType != Legacy && n.TransactionType != EIP1559 {
			errs = append(errs, fmt.Errorf("%s.transaction_type must be legacy or eip1559, got %q", path, n.TransactionType))
		}
	}
	if len(c.Networks) == 0 {
		errs = append(errs, fmt.Errorf("networks: at least one network is required"))
	}

	seenFeeds := make(map[string]bool)
	for i, f := range c.Datafeeds {
		path := fmt.Sprintf("datafeeds[%d]", i)
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if seenFeeds[f.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is not unique", path, f.Name))
		} else {
			seenFeeds[f.Name] = true
		}
		if f.Network == "" {
			errs = append(errs, fmt.Errorf("%s.network is required", path))
		} else if !seenNetworks[f.Network] {
			errs = append(errs, fmt.Errorf("%s.network %q does not match any configured network", path, f.Network))
		}
		if f.ContractAddress == "" {
			errs = append(errs, fmt.Errorf("%s.contract_address is required", path))
		}
		if f.FeedURL == "" {
			errs = append(errs, fmt.Errorf("%s.feed_url is required", path))
		}
		if f.FeedJSONPath == "" {
			errs = append(errs, fmt.Errorf("%s.feed_json_path is required", path))
		}
		if f.CheckFrequency <= 0 {
			errs = append(errs, fmt.Errorf("%s.check_frequency must be positive", path))
		}
		if f.MinimumUpdateFrequency <= 0 && f.DeviationThresholdPct == nil {
			errs = append(errs, fmt.Errorf("%s: at least one of minimum_update_frequency or deviation_threshold_pct must be set", path))
		}
		if f.DeviationThresholdPct != nil && (*f.DeviationThresholdPct < 0 || *f.DeviationThresholdPct > 100) {
			errs = append(errs, fmt.Errorf("%s.deviation_threshold_pct must be in [0,100]", path))
		}
		if !f.ReadContractConfig {
			if f.Decimals == nil {
				errs = append(errs, fmt.Errorf("%s.decimals is required when read_contract_config is false", path))
			} else if *f.Decimals > 18 {
				errs = append(errs, fmt.Errorf("%s.decimals must be in [0,18]", path))
			}
		}
		if f.MinValue != nil && f.MaxValue != nil && *f.MinValue > *f.MaxValue {
			errs = append(errs, fmt.Errorf("%s: min_value must be <= max_value", path))
		}
	}

	for i, t := range c.ScheduledTasks {
		path := fmt.Sprintf("scheduled_tasks[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		}
		if t.Network == "" {
			errs = append(errs, fmt.Errorf("%s.network is required", path))
		} else if !seenNetworks[t.Network] {
			errs = append(errs, fmt.Errorf("%s.network %q does not match any configured network", path, t.Network))
		}
		if t.Schedule == "" {
			errs = append(errs, fmt.Errorf("%s.schedule is required", path))
		}
		if t.TargetFunction.ContractAddress == "" {
			errs = append(errs, fmt.Errorf("%s.target_function.contract_address is required", path))
		}
		if t.TargetFunction.Signature == "" {
			errs = append(errs, fmt.Errorf("%s.target_function.signature is required", path))
		}
		for j, p := range t.TargetFunction.Parameters {
			if !validSolidityType(p.SolidityType) {
				errs = append(errs, fmt.Errorf("%s.target_function.parameters[%d].solidity_type %q is not supported", path, j, p.SolidityType))
			}
		}
		if t.CheckCondition != nil {
			if t.CheckCondition.ContractAddress == "" {
				errs = append(errs, fmt.Errorf("%s.check_condition.contract_address is required", path))
			}
			if t.CheckCondition.Signature == "" && t.CheckCondition.Function == "" {
				errs = append(errs, fmt.Errorf("%s.check_condition requires signature or function", path))
			}
		}
	}

	switch c.KeyStorage.Backend {
	case "env":
	case "keyring":
		if c.KeyStorage.Keyring == nil || c.KeyStorage.Keyring.Service == "" {
			errs = append(errs, fmt.Errorf("key_storage.keyring.service is required when backend is keyring"))
		}
	case "vault":
		if c.KeyStorage.Vault == nil || c.KeyStorage.Vault.Address == "" {
			errs = append(errs, fmt.Errorf("key_storage.vault.address is required when backend is vault"))
		}
	case "cloud":
		if c.KeyStorage.Cloud == nil || c.KeyStorage.Cloud.VaultURL == "" {
			errs = append(errs, fmt.Errorf("key_storage.cloud.vault_url is required when backend is cloud"))
		}
	default:
		errs = append(errs, fmt.Errorf("key_storage.backend %q must be one of keyring, vault, cloud, env", c.KeyStorage.Backend))
	}

	if c.DatabaseCleanup != nil {
		if c.DatabaseCleanup.RetentionDays <= 0 {
			errs = append(errs, fmt.Errorf("database_cleanup.retention_days must be positive"))
		}
		if c.DatabaseCleanup.SweepIntervalHours <= 0 {
			errs = append(errs, fmt.Errorf("database_cleanup.sweep_interval_hours must be positive"))
		}
	}

	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port must be a valid TCP port"))
	}

	return errs
}

func validSolidityType(t SolidityType) bool {
	switch t {
	case TypeUint256, TypeAddress, TypeBool, TypeAddressArr:
		return true
	default:
		return false
	}
}
