package keyprovider

import (
	"fmt"

	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/errs"
)

// NewBackend builds the configured Backend. Exactly one of cfg's
// backend-specific sub-configs is expected to be populated, matching
// cfg.Backend.
func NewBackend(cfg config.KeyStorage) (Backend, error) {
	switch cfg.Backend {
	case "keyring":
		service := "omikuji"
		if cfg.Keyring != nil && cfg.Keyring.Service != "" {
			service = cfg.Keyring.Service
		}
		return &KeyringBackend{Service: service}, nil
	case "vault":
		if cfg.Vault == nil {
			return nil, errs.ConfigurationErr("keyprovider.factory", fmt.Errorf("key_storage.vault is required for backend=vault"))
		}
		return NewVaultBackend(cfg.Vault.Address, cfg.Vault.TokenEnv, cfg.Vault.PathPrefix)
	case "cloud":
		if cfg.Cloud == nil {
			return nil, errs.ConfigurationErr("keyprovider.factory", fmt.Errorf("key_storage.cloud is required for backend=cloud"))
		}
		return NewCloudBackend(cfg.Cloud.VaultURL, cfg.Cloud.NamePrefix)
	case "env", "":
		return &EnvBackend{Prefix: cfg.Prefix}, nil
	default:
		return nil, errs.ConfigurationErr("keyprovider.factory", fmt.Errorf("unknown key_storage.backend %q", cfg.Backend))
	}
}
