package keyvault

import (
	"context"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/keyset"

	"kryptonite/crypto"
	"kryptonite/kms"
)

// ConfigVault serves keys given inline in the configuration. All entries
// are parsed at construction.
type ConfigVault struct {
	cache *cache
}

var _ KeyVault = (*ConfigVault)(nil)

// NewConfigVault parses cleartext keysets.
func NewConfigVault(entries []Entry, opt ...Option) (*ConfigVault, error) {
	return newConfigVault(context.Background(), entries, getOpts(opt...))
}

// NewEncryptedConfigVault parses keysets wrapped by kek.
func NewEncryptedConfigVault(ctx context.Context, entries []Entry, kek kms.KeyEncryption, opt ...Option) (*ConfigVault, error) {
	if kek == nil {
		return nil, fmt.Errorf("%w: encrypted key source without key encryption", crypto.ErrConfiguration)
	}
	opts := getOpts(opt...)
	opts.kek = kek
	return newConfigVault(ctx, entries, opts)
}

func newConfigVault(ctx context.Context, entries []Entry, opts options) (*ConfigVault, error) {
	v := &ConfigVault{cache: newCache()}
	for _, e := range entries {
		if e.Identifier == "" {
			return nil, fmt.Errorf("%w: key entry without identifier", crypto.ErrConfiguration)
		}
		if _, dup := v.cache.get(e.Identifier); dup {
			return nil, fmt.Errorf("%w: duplicate key identifier %q", crypto.ErrConfiguration, e.Identifier)
		}
		material, err := e.material()
		if err != nil {
			return nil, fmt.Errorf("%w: keyset %q: %w", crypto.ErrKeyInvalid, e.Identifier, err)
		}
		resolved, err := decodeMaterial(ctx, e.Identifier, material, opts.kek)
		if err != nil {
			return nil, err
		}
		v.cache.add(e.Identifier, resolved)
	}
	opts.logger.Info("loaded inline keysets", "count", v.cache.len(), "encrypted", opts.kek != nil)
	return v, nil
}

// ReadKeysetHandle returns the keyset handle for identifier.
func (v *ConfigVault) ReadKeysetHandle(_ context.Context, identifier string) (*keyset.Handle, error) {
	e, err := v.lookup(identifier)
	if err != nil {
		return nil, err
	}
	return e.keysetHandle(identifier)
}

// ReadKey returns the primary key bytes for identifier.
func (v *ConfigVault) ReadKey(_ context.Context, identifier string) ([]byte, error) {
	e, err := v.lookup(identifier)
	if err != nil {
		return nil, err
	}
	return e.rawKey(identifier)
}

func (v *ConfigVault) lookup(identifier string) (*entry, error) {
	e, ok := v.cache.get(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}
	return e, nil
}

// Identifiers lists the configured identifiers.
func (v *ConfigVault) Identifiers() []string { return v.cache.identifiers() }

// Len returns the number of configured keysets.
func (v *ConfigVault) Len() int { return v.cache.len() }

// Close is a no-op.
func (v *ConfigVault) Close() error { return nil }
