package keyprovider

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/omikuji-oracle/omikuji/internal/errs"
)

// KeyringBackend stores keys in the OS's per-user credential store.
// Suitable only for desktop sessions; fails fast (rather than blocking)
// when no session keyring is available.
type KeyringBackend struct {
	Service string
}

func (b *KeyringBackend) Name() string { return "keyring" }

func (b *KeyringBackend) Get(ctx context.Context, network string) (string, error) {
	key, err := keyring.Get(b.Service, network)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", errs.New(errs.Data, "keyprovider.keyring.get", errs.ErrKeyNotFound).WithNetwork(network)
		}
		return "", errs.ConfigurationErr("keyprovider.keyring.get", fmt.Errorf("%w: %v", errs.ErrNoSession, err)).WithNetwork(network)
	}
	return key, nil
}

func (b *KeyringBackend) Store(ctx context.Context, network, key string) error {
	if err := keyring.Set(b.Service, network, key); err != nil {
		return fmt.Errorf("keyprovider: keyring set: %w", err)
	}
	return nil
}

func (b *KeyringBackend) Remove(ctx context.Context, network string) error {
	if err := keyring.Delete(b.Service, network); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return errs.New(errs.Data, "keyprovider.keyring.remove", errs.ErrKeyNotFound).WithNetwork(network)
		}
		return fmt.Errorf("keyprovider: keyring delete: %w", err)
	}
	return nil
}

// List is unsupported: the OS keyring API has no enumeration primitive
// that is portable across macOS/Windows/Linux secret stores.
func (b *KeyringBackend) List(ctx context.Context) ([]string, error) {
	return nil, errs.ConfigurationErr("keyprovider.keyring.list", fmt.Errorf("keyring backend cannot enumerate configured networks"))
}
