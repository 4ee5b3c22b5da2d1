package keyprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/omikuji-oracle/omikuji/internal/errs"
	"github.com/omikuji-oracle/omikuji/internal/httputil"
)

// VaultBackend talks to a KV-v2-shaped secret store over its HTTP API.
// There is no Vault SDK in the example pack, so this follows the raw
// net/http JSON-client idiom used elsewhere for external services.
type VaultBackend struct {
	Address    string
	TokenEnv   string
	PathPrefix string
	http       *http.Client
}

// NewVaultBackend builds a VaultBackend against address, authenticating
// with the token held in the tokenEnv environment variable.
func NewVaultBackend(address, tokenEnv, pathPrefix string) (*VaultBackend, error) {
	normalized, _, err := httputil.NormalizeBaseURL(address, httputil.BaseURLOptions{})
	if err != nil {
		return nil, errs.ConfigurationErr("keyprovider.vault.new", fmt.Errorf("invalid vault address: %w", err))
	}
	return &VaultBackend{
		Address:    normalized,
		TokenEnv:   tokenEnv,
		PathPrefix: strings.Trim(pathPrefix, "/"),
		http:       httputil.NewClient(0),
	}, nil
}

func (b *VaultBackend) Name() string { return "vault" }

func (b *VaultBackend) token() (string, error) {
	token := os.Getenv(b.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("vault token env %s is not set", b.TokenEnv)
	}
	return token, nil
}

func (b *VaultBackend) dataURL(network string) string {
	return fmt.Sprintf("%s/v1/%s/data/%s", b.Address, b.PathPrefix, network)
}

type vaultKVv2Data struct {
	PrivateKey string `json:"private_key"`
}

type vaultKVv2Response struct {
	Data struct {
		Data vaultKVv2Data `json:"data"`
	} `json:"data"`
}

type vaultKVv2Request struct {
	Data vaultKVv2Data `json:"data"`
}

func (b *VaultBackend) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	token, err := b.token()
	if err != nil {
		return nil, errs.ConfigurationErr("keyprovider.vault.auth", err)
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("keyprovider: vault: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: vault: build request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)
	req.Header.Set("Content-Type", "application/json")

	return b.http.Do(req)
}

func (b *VaultBackend) Get(ctx context.Context, network string) (string, error) {
	resp, err := b.do(ctx, http.MethodGet, b.dataURL(network), nil)
	if err != nil {
		return "", errs.TransientErr("keyprovider.vault.get", err).WithNetwork(network)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errs.New(errs.Data, "keyprovider.vault.get", errs.ErrKeyNotFound).WithNetwork(network)
	}
	if resp.StatusCode != http.StatusOK {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		return "", errs.TransientErr("keyprovider.vault.get", fmt.Errorf("vault http %d: %s", resp.StatusCode, body)).WithNetwork(network)
	}

	body, err := httputil.ReadAllStrict(resp.Body, 64<<10)
	if err != nil {
		return "", fmt.Errorf("keyprovider: vault: read response: %w", err)
	}
	var decoded vaultKVv2Response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("keyprovider: vault: decode response: %w", err)
	}
	if decoded.Data.Data.PrivateKey == "" {
		return "", errs.New(errs.Data, "keyprovider.vault.get", errs.ErrKeyNotFound).WithNetwork(network)
	}
	return decoded.Data.Data.PrivateKey, nil
}

func (b *VaultBackend) Store(ctx context.Context, network, key string) error {
	resp, err := b.do(ctx, http.MethodPost, b.dataURL(network), vaultKVv2Request{Data: vaultKVv2Data{PrivateKey: key}})
	if err != nil {
		return errs.TransientErr("keyprovider.vault.store", err).WithNetwork(network)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		return errs.TransientErr("keyprovider.vault.store", fmt.Errorf("vault http %d: %s", resp.StatusCode, body)).WithNetwork(network)
	}
	return nil
}

func (b *VaultBackend) Remove(ctx context.Context, network string) error {
	url := fmt.Sprintf("%s/v1/%s/metadata/%s", b.Address, b.PathPrefix, network)
	resp, err := b.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errs.TransientErr("keyprovider.vault.remove", err).WithNetwork(network)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		return errs.TransientErr("keyprovider.vault.remove", fmt.Errorf("vault http %d: %s", resp.StatusCode, body)).WithNetwork(network)
	}
	return nil
}

type vaultListResponse struct {
	Data struct {
		Keys []string `json:"keys"`
	} `json:"data"`
}

func (b *VaultBackend) List(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/v1/%s/metadata?list=true", b.Address, b.PathPrefix)
	resp, err := b.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.TransientErr("keyprovider.vault.list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		return nil, errs.TransientErr("keyprovider.vault.list", fmt.Errorf("vault http %d: %s", resp.StatusCode, body))
	}

	body, err := httputil.ReadAllStrict(resp.Body, 64<<10)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: vault: read list response: %w", err)
	}
	var decoded vaultListResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("keyprovider: vault: decode list response: %w", err)
	}
	return decoded.Data.Keys, nil
}
