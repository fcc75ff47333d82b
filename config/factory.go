package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"kryptonite"
	"kryptonite/crypto"
	"kryptonite/keyvault"
	"kryptonite/kms"
	"kryptonite/record"
)

// Resolver backends.
const (
	ResolverFile  = "FILE"
	ResolverVault = "VAULT"
	ResolverAWS   = "AWS"
)

// ResolverConstructor builds a resolver from the settings.
type ResolverConstructor func(ctx context.Context, s *Settings) (keyvault.Resolver, error)

var (
	resolversMu sync.RWMutex
	resolvers   = map[string]ResolverConstructor{
		ResolverFile:  newFileResolver,
		ResolverVault: newVaultResolver,
		ResolverAWS:   newAWSResolver,
	}
)

// RegisterResolver adds or replaces a resolver backend for kmsType.
func RegisterResolver(kmsType string, c ResolverConstructor) {
	resolversMu.Lock()
	defer resolversMu.Unlock()
	resolvers[strings.ToUpper(kmsType)] = c
}

// ResolverTypes lists the registered resolver backends.
func ResolverTypes() []string {
	resolversMu.RLock()
	defer resolversMu.RUnlock()
	names := make([]string, 0, len(resolvers))
	for t := range resolvers {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

func resolverRegistered(kmsType string) bool {
	resolversMu.RLock()
	defer resolversMu.RUnlock()
	_, ok := resolvers[strings.ToUpper(kmsType)]
	return ok
}

// NewResolver creates the resolver selected by KMSType.
func NewResolver(ctx context.Context, s *Settings) (keyvault.Resolver, error) {
	resolversMu.RLock()
	c, ok := resolvers[strings.ToUpper(s.KMSType)]
	resolversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kms type %q", crypto.ErrConfiguration, s.KMSType)
	}
	r, err := c(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("create %s resolver: %w", s.KMSType, err)
	}
	return r, nil
}

type fileConfig struct {
	Dir string `mapstructure:"dir"`
}

func newFileResolver(_ context.Context, s *Settings) (keyvault.Resolver, error) {
	var cfg fileConfig
	if err := decodeJSONConfig(s.KMSConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: file resolver requires dir", crypto.ErrConfiguration)
	}
	return keyvault.NewFileResolver(cfg.Dir, s.KeyPrefix)
}

func newVaultResolver(_ context.Context, s *Settings) (keyvault.Resolver, error) {
	var cfg keyvault.VaultConfig
	if err := decodeJSONConfig(s.KMSConfig, &cfg); err != nil {
		return nil, err
	}
	client, err := keyvault.NewVaultClient(cfg)
	if err != nil {
		return nil, err
	}
	return keyvault.NewVaultResolver(client.Logical(), cfg, s.KeyPrefix), nil
}

type awsConfig struct {
	Region string `mapstructure:"region"`
}

func newAWSResolver(ctx context.Context, s *Settings) (keyvault.Resolver, error) {
	var cfg awsConfig
	if err := decodeJSONConfig(s.KMSConfig, &cfg); err != nil {
		return nil, err
	}
	client, err := keyvault.NewSecretsManagerClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return keyvault.NewAWSSecretsResolver(client, s.KeyPrefix), nil
}

// NewKeyEncryption creates the KEK selected by KEKType. KEK_CONFIG values
// become the KEK options.
func NewKeyEncryption(ctx context.Context, s *Settings, logger hclog.Logger) (kms.KeyEncryption, error) {
	options := map[string]string{}
	if err := decodeJSONConfig(s.KEKConfig, &options); err != nil {
		return nil, err
	}
	kek, err := kms.New(ctx, kms.Config{
		Type:    kms.Type(s.KEKType),
		URI:     s.KEKURI,
		Options: options,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	return kek, nil
}

// NewKeyVault creates the key vault selected by KeySource.
func NewKeyVault(ctx context.Context, s *Settings, logger hclog.Logger) (keyvault.KeyVault, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts := []keyvault.Option{keyvault.WithLogger(logger)}

	var kek kms.KeyEncryption
	if s.KeySource.encrypted() {
		var err error
		if kek, err = NewKeyEncryption(ctx, s, logger); err != nil {
			return nil, err
		}
	}

	if s.KeySource.remote() {
		resolver, err := NewResolver(ctx, s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, keyvault.WithPrefetch(s.KeyPrefetch))
		if kek != nil {
			opts = append(opts, keyvault.WithKeyEncryption(kek))
		}
		v, err := keyvault.NewRemoteVault(ctx, resolver, opts...)
		if err != nil {
			resolver.Close()
			return nil, err
		}
		return v, nil
	}

	entries, err := keyvault.ParseEntries(s.Keys)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %w", crypto.ErrConfiguration, err)
	}
	switch s.KeySource {
	case KeySourceConfig:
		return keyvault.NewConfigVault(entries, opts...)
	case KeySourceConfigEncrypted:
		return keyvault.NewEncryptedConfigVault(ctx, entries, kek, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown key source %q", crypto.ErrConfiguration, s.KeySource)
	}
}

// NewEngine creates the cipher engine over the configured key vault.
func NewEngine(ctx context.Context, s *Settings, logger hclog.Logger) (*kryptonite.Kryptonite, error) {
	vault, err := NewKeyVault(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	return kryptonite.New(vault, kryptonite.WithLogger(logger)), nil
}

// RecordOptions returns the record defaults described by the settings,
// without field policies.
func (s *Settings) RecordOptions(logger hclog.Logger) record.Options {
	return record.Options{
		DefaultAlgorithm:   s.CipherAlgorithm,
		DefaultKeyID:       s.CipherDataKeyIdentifier,
		DefaultFieldMode:   record.FieldMode(s.FieldMode),
		PathDelimiter:      s.PathDelimiter,
		DynamicKeyIDPrefix: s.DynamicKeyIDPrefix,
		Logger:             logger,
	}
}

// NewRecordHandler creates a record handler over cipher using the
// configured field policies and defaults.
func NewRecordHandler(cipher record.Cipher, s *Settings, logger hclog.Logger) (*record.Handler, error) {
	configs, err := record.ParseFieldConfigs(s.FieldConfig)
	if err != nil {
		return nil, err
	}
	opts := s.RecordOptions(logger)
	opts.FieldConfigs = configs
	return record.NewHandler(cipher, nil, opts)
}
