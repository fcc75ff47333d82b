package kms

import (
	"context"
	"fmt"
	"maps"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/transit/v2"
	"github.com/tink-crypto/tink-go/v2/tink"
	"google.golang.org/protobuf/proto"
)

const (
	gcpURIPrefix     = "gcp-kms://"
	azureURIPrefix   = "azure-kv://"
	transitURIPrefix = "transit://"
)

// WrapperProvider adapts a go-kms-wrapping Wrapper to a KEK. Ciphertexts
// are serialized wrapping.BlobInfo messages.
type WrapperProvider struct {
	wrapper wrapping.Wrapper
}

// NewWrapperProvider configures wrapper with the given settings and
// returns it as a KEK.
func NewWrapperProvider(ctx context.Context, wrapper wrapping.Wrapper, settings map[string]string) (*WrapperProvider, error) {
	if len(settings) > 0 {
		if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(settings)); err != nil {
			return nil, fmt.Errorf("configure wrapper: %w", err)
		}
	}
	return &WrapperProvider{wrapper: wrapper}, nil
}

// KeyEncryptionKey returns an AEAD over the wrapper.
func (p *WrapperProvider) KeyEncryptionKey(ctx context.Context) (tink.AEAD, error) {
	return &wrapperAEAD{ctx: ctx, wrapper: p.wrapper}, nil
}

// KeyID returns the wrapper's current key id.
func (p *WrapperProvider) KeyID(ctx context.Context) (string, error) {
	return p.wrapper.KeyId(ctx)
}

type wrapperAEAD struct {
	ctx     context.Context
	wrapper wrapping.Wrapper
}

func (w *wrapperAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	blobInfo, err := w.wrapper.Encrypt(w.ctx, plaintext, wrapping.WithAad(associatedData))
	if err != nil {
		return nil, fmt.Errorf("wrapper encrypt: %w", err)
	}
	ct, err := proto.Marshal(blobInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal blob info: %w", err)
	}
	return ct, nil
}

func (w *wrapperAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	blobInfo := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(ciphertext, blobInfo); err != nil {
		return nil, fmt.Errorf("%w: unmarshal blob info: %w", ErrUnwrap, err)
	}
	pt, err := w.wrapper.Decrypt(w.ctx, blobInfo, wrapping.WithAad(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: wrapper decrypt: %w", ErrUnwrap, err)
	}
	return pt, nil
}

func newGCPProvider(ctx context.Context, cfg Config) (KeyEncryption, error) {
	settings := maps.Clone(cfg.Options)
	if settings == nil {
		settings = make(map[string]string)
	}
	if cfg.URI != "" {
		parsed, err := parseGCPKeyURI(cfg.URI)
		if err != nil {
			return nil, err
		}
		maps.Copy(settings, parsed)
	}
	if settings["crypto_key"] == "" {
		return nil, fmt.Errorf("%w: GCP crypto key", ErrMissingConfig)
	}
	return NewWrapperProvider(ctx, gcpckms.NewWrapper(), settings)
}

// parseGCPKeyURI splits
// gcp-kms://projects/<p>/locations/<l>/keyRings/<r>/cryptoKeys/<k>.
func parseGCPKeyURI(uri string) (map[string]string, error) {
	parts := strings.Split(strings.TrimPrefix(uri, gcpURIPrefix), "/")
	if len(parts) != 8 || parts[0] != "projects" || parts[2] != "locations" ||
		parts[4] != "keyRings" || parts[6] != "cryptoKeys" {
		return nil, fmt.Errorf("%w: malformed GCP key uri %q", ErrMissingConfig, uri)
	}
	return map[string]string{
		"project":    parts[1],
		"region":     parts[3],
		"key_ring":   parts[5],
		"crypto_key": parts[7],
	}, nil
}

func newAzureProvider(ctx context.Context, cfg Config) (KeyEncryption, error) {
	settings := maps.Clone(cfg.Options)
	if settings == nil {
		settings = make(map[string]string)
	}
	if uri := strings.TrimPrefix(cfg.URI, azureURIPrefix); uri != "" {
		if vault, key, ok := strings.Cut(uri, "/"); ok {
			settings["vault_name"] = vault
			settings["key_name"] = key
		} else {
			settings["key_name"] = uri
		}
	}
	if settings["key_name"] == "" {
		return nil, fmt.Errorf("%w: Azure key name", ErrMissingConfig)
	}
	return NewWrapperProvider(ctx, azurekeyvault.NewWrapper(), settings)
}

func newTransitProvider(ctx context.Context, cfg Config) (KeyEncryption, error) {
	settings := maps.Clone(cfg.Options)
	if settings == nil {
		settings = make(map[string]string)
	}
	if key := strings.TrimPrefix(cfg.URI, transitURIPrefix); key != "" {
		settings["key_name"] = key
	}
	if settings["key_name"] == "" {
		return nil, fmt.Errorf("%w: transit key name", ErrMissingConfig)
	}
	return NewWrapperProvider(ctx, transit.NewWrapper(), settings)
}
