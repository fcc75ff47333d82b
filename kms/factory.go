package kms

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Config selects and configures a KEK backend.
type Config struct {
	Type Type
	// URI identifies the remote key: an AWS key ARN or alias, a
	// gcp-kms:// resource name, an Azure key name or a transit key name.
	URI string
	// Options carries backend settings such as region, credentials,
	// vault address or inline key material.
	Options map[string]string
	Logger  hclog.Logger
}

func (c Config) option(name string) string {
	return c.Options[name]
}

func (c Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger.Named("kms")
}

// Constructor builds a KEK from its configuration.
type Constructor func(ctx context.Context, cfg Config) (KeyEncryption, error)

var (
	registryMu sync.RWMutex
	registry   = map[Type]Constructor{
		TypeAWS:    newAWSKMSProviderFromConfig,
		TypeAWSRSA: newAWSRSAProviderFromConfig,
		TypeGCP:    newGCPProvider,
		TypeAzure:  newAzureProvider,
		TypeVault:  newTransitProvider,
		TypeLocal:  newLocalProviderFromConfig,
		TypeMLKEM:  newMLKEMProviderFromConfig,
	}
)

// RegisterType adds or replaces the constructor for a KEK type.
func RegisterType(t Type, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[Type(strings.ToUpper(string(t)))] = c
}

// Types lists the registered KEK types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for t := range registry {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// New creates the KEK selected by cfg.Type.
func New(ctx context.Context, cfg Config) (KeyEncryption, error) {
	registryMu.RLock()
	c, ok := registry[Type(strings.ToUpper(string(cfg.Type)))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	kek, err := c(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s key encryption: %w", cfg.Type, err)
	}
	cfg.logger().Debug("key encryption ready", "type", cfg.Type, "uri", cfg.URI)
	return kek, nil
}
