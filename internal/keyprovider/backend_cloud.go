package keyprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"

	"github.com/omikuji-oracle/omikuji/internal/errs"
)

// CloudBackend stores a JSON object {private_key, network, created_at,
// created_by} per network under a prefixed secret name in an Azure Key
// Vault instance, the sibling package to the azidentity credential chain
// used elsewhere in the daemon's Azure-backed deployments.
type CloudBackend struct {
	NamePrefix string
	client     *azsecrets.Client
}

// NewCloudBackend builds a CloudBackend against vaultURL using the
// ambient Azure credential chain (environment, managed identity, CLI).
func NewCloudBackend(vaultURL, namePrefix string) (*CloudBackend, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errs.ConfigurationErr("keyprovider.cloud.new", fmt.Errorf("build azure credential: %w", err))
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, errs.ConfigurationErr("keyprovider.cloud.new", fmt.Errorf("build azure secrets client: %w", err))
	}
	return &CloudBackend{NamePrefix: namePrefix, client: client}, nil
}

func (b *CloudBackend) Name() string { return "cloud" }

func (b *CloudBackend) secretName(network string) string {
	normalized := strings.ReplaceAll(network, "_", "-")
	if b.NamePrefix == "" {
		return normalized
	}
	return b.NamePrefix + "-" + normalized
}

type cloudSecretPayload struct {
	PrivateKey string `json:"private_key"`
	Network    string `json:"network"`
	CreatedAt  string `json:"created_at"`
	CreatedBy  string `json:"created_by"`
}

func (b *CloudBackend) Get(ctx context.Context, network string) (string, error) {
	resp, err := b.client.GetSecret(ctx, b.secretName(network), "", nil)
	if err != nil {
		return "", errs.TransientErr("keyprovider.cloud.get", err).WithNetwork(network)
	}
	if resp.Value == nil {
		return "", errs.New(errs.Data, "keyprovider.cloud.get", errs.ErrKeyNotFound).WithNetwork(network)
	}
	var payload cloudSecretPayload
	if err := json.Unmarshal([]byte(*resp.Value), &payload); err != nil {
		return "", fmt.Errorf("keyprovider: cloud: decode secret payload: %w", err)
	}
	if payload.PrivateKey == "" {
		return "", errs.New(errs.Data, "keyprovider.cloud.get", errs.ErrKeyNotFound).WithNetwork(network)
	}
	return payload.PrivateKey, nil
}

func (b *CloudBackend) Store(ctx context.Context, network, key string) error {
	payload := cloudSecretPayload{
		PrivateKey: key,
		Network:    network,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		CreatedBy:  "omikuji",
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("keyprovider: cloud: encode secret payload: %w", err)
	}
	value := string(encoded)
	_, err = b.client.SetSecret(ctx, b.secretName(network), azsecrets.SetSecretParameters{Value: &value}, nil)
	if err != nil {
		return errs.TransientErr("keyprovider.cloud.store", err).WithNetwork(network)
	}
	return nil
}

func (b *CloudBackend) Remove(ctx context.Context, network string) error {
	_, err := b.client.DeleteSecret(ctx, b.secretName(network), nil)
	if err != nil {
		return errs.TransientErr("keyprovider.cloud.remove", err).WithNetwork(network)
	}
	return nil
}

func (b *CloudBackend) List(ctx context.Context) ([]string, error) {
	var networks []string
	pager := b.client.NewListSecretPropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errs.TransientErr("keyprovider.cloud.list", err)
		}
		for _, item := range page.Value {
			if item.ID == nil {
				continue
			}
			name := item.ID.Name()
			if b.NamePrefix != "" && !strings.HasPrefix(name, b.NamePrefix+"-") {
				continue
			}
			networks = append(networks, strings.TrimPrefix(name, b.NamePrefix+"-"))
		}
	}
	return networks, nil
}
