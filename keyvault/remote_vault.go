package keyvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"kryptonite/crypto"
	"kryptonite/kms"
)

// RemoteVault serves keys fetched from a Resolver. It either prefetches
// every identifier at construction or resolves identifiers on first use.
type RemoteVault struct {
	resolver Resolver
	kek      kms.KeyEncryption
	prefetch bool
	logger   hclog.Logger

	cache *cache
	group singleflight.Group
}

var _ KeyVault = (*RemoteVault)(nil)

// NewRemoteVault creates a vault over resolver. With WithPrefetch the call
// blocks until every identifier is resolved and fails if any one fails.
// The vault owns the resolver once construction succeeds.
func NewRemoteVault(ctx context.Context, resolver Resolver, opt ...Option) (*RemoteVault, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: remote key source without resolver", crypto.ErrConfiguration)
	}
	opts := getOpts(opt...)
	v := &RemoteVault{
		resolver: resolver,
		kek:      opts.kek,
		prefetch: opts.prefetch,
		logger:   opts.logger,
		cache:    newCache(),
	}
	if opts.prefetch {
		if err := v.prefetchAll(ctx, opts.concurrency); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *RemoteVault) prefetchAll(ctx context.Context, concurrency int) error {
	ids, err := v.resolver.ResolveIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("%w: list key identifiers: %w", crypto.ErrKeyInvalid, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := v.resolve(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prefetch keysets: %w", err)
	}
	v.logger.Info("prefetched keysets", "count", v.cache.len())
	return nil
}

// resolve fetches, decodes and caches identifier.
func (v *RemoteVault) resolve(ctx context.Context, identifier string) (*entry, error) {
	material, err := v.resolver.ResolveKeyset(ctx, identifier)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: resolve keyset %q: %w", crypto.ErrKeyInvalid, identifier, err)
	}
	e, err := decodeMaterial(ctx, identifier, material, v.kek)
	if err != nil {
		return nil, err
	}
	v.logger.Debug("resolved keyset", "identifier", identifier)
	return v.cache.add(identifier, e), nil
}

func (v *RemoteVault) lookup(ctx context.Context, identifier string) (*entry, error) {
	if e, ok := v.cache.get(identifier); ok {
		return e, nil
	}
	if v.prefetch {
		return nil, fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}

	// Concurrent misses for one identifier share a single resolver call.
	// The shared call outlives any one caller's cancellation.
	flight := context.WithoutCancel(ctx)
	ch := v.group.DoChan(identifier, func() (any, error) {
		if e, ok := v.cache.get(identifier); ok {
			return e, nil
		}
		return v.resolve(flight, identifier)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadKeysetHandle returns the keyset handle for identifier.
func (v *RemoteVault) ReadKeysetHandle(ctx context.Context, identifier string) (*keyset.Handle, error) {
	e, err := v.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return e.keysetHandle(identifier)
}

// ReadKey returns the primary key bytes for identifier.
func (v *RemoteVault) ReadKey(ctx context.Context, identifier string) ([]byte, error) {
	e, err := v.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return e.rawKey(identifier)
}

// Identifiers lists the identifiers resolved so far.
func (v *RemoteVault) Identifiers() []string { return v.cache.identifiers() }

// Len returns the number of resolved keysets.
func (v *RemoteVault) Len() int { return v.cache.len() }

// Close closes the resolver.
func (v *RemoteVault) Close() error { return v.resolver.Close() }
