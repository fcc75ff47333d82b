package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// LocalKeyID is the key id reported by local KEKs.
const LocalKeyID = "local-master"

// LocalProvider uses an inline AES-256 key as KEK.
// This is intended for development and testing only.
type LocalProvider struct {
	wrapper *WrapperProvider
}

// NewLocalProviderFromKey creates a LocalProvider from 32 key bytes.
func NewLocalProviderFromKey(ctx context.Context, key []byte) (*LocalProvider, error) {
	if len(key) != 32 {
		return nil, errors.New("key must be 32 bytes")
	}

	w := aead.NewWrapper()
	if _, err := w.SetConfig(ctx, wrapping.WithKeyId(LocalKeyID)); err != nil {
		return nil, err
	}
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		return nil, err
	}
	return &LocalProvider{wrapper: &WrapperProvider{wrapper: w}}, nil
}

// newLocalProviderFromConfig reads the base64 key from the "key" option,
// falling back to the ENCRYPTION_KEY environment variable.
func newLocalProviderFromConfig(ctx context.Context, cfg Config) (KeyEncryption, error) {
	keyStr := cfg.option("key")
	if keyStr == "" {
		keyStr = os.Getenv("ENCRYPTION_KEY")
	}
	if keyStr == "" {
		return nil, fmt.Errorf("%w: local key (option \"key\" or ENCRYPTION_KEY)", ErrMissingConfig)
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, errors.New("invalid base64 encoding in local key")
	}
	defer clear(key)
	return NewLocalProviderFromKey(ctx, key)
}

// KeyEncryptionKey returns the AES-GCM AEAD.
func (p *LocalProvider) KeyEncryptionKey(ctx context.Context) (tink.AEAD, error) {
	return p.wrapper.KeyEncryptionKey(ctx)
}

// KeyID returns the identifier for this provider.
func (p *LocalProvider) KeyID() string {
	return LocalKeyID
}
