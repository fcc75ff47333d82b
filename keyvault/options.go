package keyvault

import (
	"github.com/hashicorp/go-hclog"

	"kryptonite/kms"
)

const defaultConcurrency = 8

// Option configures a vault.
type Option func(*options)

type options struct {
	logger      hclog.Logger
	kek         kms.KeyEncryption
	prefetch    bool
	concurrency int
}

func getOpts(opt ...Option) options {
	opts := options{
		logger:      hclog.NewNullLogger(),
		concurrency: defaultConcurrency,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithLogger sets the logger. Only identifiers are logged, never material.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.Named("keyvault")
		}
	}
}

// WithKeyEncryption makes the vault treat every material as an encrypted
// keyset and unwrap it with kek.
func WithKeyEncryption(kek kms.KeyEncryption) Option {
	return func(o *options) {
		o.kek = kek
	}
}

// WithPrefetch resolves every identifier of a remote store at
// construction. Lookups of other identifiers then fail without contacting
// the store.
func WithPrefetch(prefetch bool) Option {
	return func(o *options) {
		o.prefetch = prefetch
	}
}

// WithConcurrency bounds the number of parallel resolver calls during
// prefetch.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}
