package keyvault

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"

	"kryptonite/crypto"
	"kryptonite/kms"
)

// entry holds one resolved identifier. Tink keysets keep only the handle;
// raw FF3-1 keysets, which Tink cannot load, keep their key bytes.
type entry struct {
	handle *keyset.Handle
	raw    []byte
}

func (e *entry) keysetHandle(identifier string) (*keyset.Handle, error) {
	if e.handle == nil {
		return nil, fmt.Errorf("%w: keyset %q holds a raw key only", crypto.ErrKeyInvalid, identifier)
	}
	return e.handle, nil
}

func (e *entry) rawKey(identifier string) ([]byte, error) {
	if e.raw != nil {
		out := make([]byte, len(e.raw))
		copy(out, e.raw)
		return out, nil
	}
	raw, err := crypto.RawKey(insecurecleartextkeyset.KeysetMaterial(e.handle))
	if err != nil {
		return nil, fmt.Errorf("keyset %q: %w", identifier, err)
	}
	return raw, nil
}

func newEntry(ks *tinkpb.Keyset) (*entry, error) {
	if crypto.IsRawKeyset(ks) {
		raw, err := crypto.RawKey(ks)
		if err != nil {
			return nil, err
		}
		return &entry{raw: raw}, nil
	}
	h, err := crypto.NewKeysetHandle(ks)
	if err != nil {
		return nil, err
	}
	return &entry{handle: h}, nil
}

// decodeMaterial turns keyset JSON into an entry, unwrapping it first when
// a KEK is configured.
func decodeMaterial(ctx context.Context, identifier, material string, kek kms.KeyEncryption) (*entry, error) {
	var (
		ks  *tinkpb.Keyset
		err error
	)
	if kek == nil {
		ks, err = crypto.ReadKeysetJSON(material)
	} else {
		ks, err = unwrapMaterial(ctx, material, kek)
	}
	if err != nil {
		return nil, fmt.Errorf("keyset %q: %w", identifier, err)
	}
	e, err := newEntry(ks)
	if err != nil {
		return nil, fmt.Errorf("keyset %q: %w", identifier, err)
	}
	return e, nil
}

func unwrapMaterial(ctx context.Context, material string, kek kms.KeyEncryption) (*tinkpb.Keyset, error) {
	eks, err := crypto.ReadEncryptedKeysetJSON(material)
	if err != nil {
		return nil, err
	}
	primitive, err := kek.KeyEncryptionKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: key encryption key unavailable: %w", crypto.ErrKeyInvalid, err)
	}
	return crypto.DecryptKeyset(eks, primitive)
}

// cache maps identifiers to entries. An entry, once stored, is never
// replaced, so readers always see a fully built entry.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newCache() *cache {
	return &cache{entries: make(map[string]*entry)}
}

func (c *cache) get(identifier string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identifier]
	return e, ok
}

// add stores e unless identifier is present, and returns the stored entry.
func (c *cache) add(identifier string, e *entry) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[identifier]; ok {
		return existing
	}
	c.entries[identifier] = e
	return e
}

func (c *cache) identifiers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
