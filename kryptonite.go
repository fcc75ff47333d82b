// Package kryptonite provides field-level authenticated and format-preserving
// encryption for structured records.
//
// # Quick Start
//
// Build a key vault from a key configuration and hand it to the engine:
//
//	entries, _ := keyvault.ParseEntries(os.Getenv("KRYPTONITE_KEYS"))
//	vault, err := keyvault.NewConfigVault(entries)
//	engine := kryptonite.New(vault)
//
//	meta, _ := crypto.PayloadMetaDataFrom(crypto.FieldMetaData{
//	    Algorithm: crypto.AlgorithmTinkAESGCM,
//	    KeyID:     "keyA",
//	})
//	field, err := engine.CipherField(ctx, []byte("secret"), meta)
//	encoded := field.Encode()
//
// # Cipher Algorithms
//
// Four algorithms are registered:
//   - JCE/AES_GCM:      AES-256-GCM over the raw primary key bytes
//   - TINK/AES_GCM:     Tink AEAD
//   - TINK/AES_GCM_SIV: Tink deterministic AEAD
//   - CUSTOM/FPE_FF3_1: FF3-1 format-preserving encryption
//
// Ciphertexts of the first three are wrapped in an EncryptedField that
// carries version, algorithm id and key id; FF3-1 ciphertexts keep the
// plaintext format and carry no metadata.
package kryptonite

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"kryptonite/crypto"
	"kryptonite/crypto/fpe"
	"kryptonite/keyvault"
)

// Kryptonite selects the cipher spec and key material for a field and runs
// the provider. It is safe for concurrent use.
type Kryptonite struct {
	vault  keyvault.KeyVault
	logger hclog.Logger
}

// Option configures the engine.
type Option func(*options)

type options struct {
	logger hclog.Logger
}

func getOpts(opt ...Option) options {
	opts := options{logger: hclog.NewNullLogger()}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.Named("kryptonite")
		}
	}
}

// New creates an engine over vault.
func New(vault keyvault.KeyVault, opt ...Option) *Kryptonite {
	opts := getOpts(opt...)
	return &Kryptonite{vault: vault, logger: opts.logger}
}

// KeyVault returns the vault the engine reads keys from.
func (k *Kryptonite) KeyVault() keyvault.KeyVault { return k.vault }

// CipherField encrypts plaintext under the algorithm and key named by meta.
// The byte form of meta is bound as associated data.
func (k *Kryptonite) CipherField(ctx context.Context, plaintext []byte, meta crypto.PayloadMetaData) (*crypto.EncryptedField, error) {
	meta, err := crypto.NewPayloadMetaData(meta.Version, meta.AlgorithmID, meta.KeyID)
	if err != nil {
		return nil, err
	}
	spec, err := k.envelopeSpec(meta)
	if err != nil {
		return nil, err
	}
	key, err := k.key(ctx, spec, meta.KeyID)
	if err != nil {
		return nil, err
	}
	ct, err := spec.Provider().Cipher(plaintext, key, meta.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cipher field with %s key %q: %w", spec, meta.KeyID, err)
	}
	k.logger.Trace("ciphered field", "algorithm", spec.Name(), "key_id", meta.KeyID)
	return crypto.NewEncryptedField(meta, ct), nil
}

// DecipherField decrypts field. Algorithm and key come from the field's own
// metadata, so fields written under older policies keep decrypting.
func (k *Kryptonite) DecipherField(ctx context.Context, field *crypto.EncryptedField) ([]byte, error) {
	if field == nil {
		return nil, fmt.Errorf("%w: encrypted field is nil", crypto.ErrInvalidArgument)
	}
	meta := field.MetaData()
	spec, err := k.envelopeSpec(meta)
	if err != nil {
		return nil, err
	}
	key, err := k.key(ctx, spec, meta.KeyID)
	if err != nil {
		return nil, err
	}
	pt, err := spec.Provider().Decipher(field.Ciphertext(), key, field.AssociatedData())
	if err != nil {
		return nil, fmt.Errorf("decipher field with %s key %q: %w", spec, meta.KeyID, err)
	}
	return pt, nil
}

// CipherFieldFPE encrypts plaintext with FF3-1. The result has the same
// length as plaintext and is drawn from the same alphabet.
func (k *Kryptonite) CipherFieldFPE(ctx context.Context, plaintext string, fmd crypto.FieldMetaData) (string, error) {
	return k.fpe(ctx, plaintext, fmd, true)
}

// DecipherFieldFPE reverses CipherFieldFPE. fmd must carry the key id,
// alphabet and tweak used for encryption.
func (k *Kryptonite) DecipherFieldFPE(ctx context.Context, ciphertext string, fmd crypto.FieldMetaData) (string, error) {
	return k.fpe(ctx, ciphertext, fmd, false)
}

func (k *Kryptonite) fpe(ctx context.Context, input string, fmd crypto.FieldMetaData, encrypt bool) (string, error) {
	spec, err := crypto.CipherSpecFromName(fmd.Algorithm)
	if err != nil {
		return "", err
	}
	if !spec.FormatPreserving() {
		return "", fmt.Errorf("%w: %s is not a format-preserving algorithm", crypto.ErrInvalidArgument, spec)
	}
	if fmd.KeyID == "" {
		return "", fmt.Errorf("%w: key id is empty", crypto.ErrInvalidArgument)
	}
	alphabet, err := fpe.Alphabet(fpe.AlphabetType(fmd.FpeAlphabetType), fmd.FpeAlphabetCustom)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crypto.ErrInvalidArgument, err)
	}
	tweak, err := fpe.ParseTweak(fmd.FpeTweak, fmd.Encoding)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crypto.ErrInvalidArgument, err)
	}
	raw, err := k.vault.ReadKey(ctx, fmd.KeyID)
	if err != nil {
		return "", err
	}
	key := crypto.Key{Raw: fpe.EncodeKey(alphabet, raw)}

	var out []byte
	if encrypt {
		out, err = spec.Provider().Cipher([]byte(input), key, tweak)
	} else {
		out, err = spec.Provider().Decipher([]byte(input), key, tweak)
	}
	if err != nil {
		return "", fmt.Errorf("%s with key %q: %w", spec, fmd.KeyID, err)
	}
	return string(out), nil
}

// envelopeSpec resolves the cipher spec of meta and rejects format-preserving
// algorithms, which have no envelope.
func (k *Kryptonite) envelopeSpec(meta crypto.PayloadMetaData) (crypto.CipherSpec, error) {
	spec, err := meta.CipherSpec()
	if err != nil {
		return crypto.CipherSpec{}, err
	}
	if spec.FormatPreserving() {
		return crypto.CipherSpec{}, fmt.Errorf("%w: %s ciphertexts are not wrapped in an encrypted field", crypto.ErrInvalidArgument, spec)
	}
	return spec, nil
}

// key fetches the key material the cipher spec type asks for.
func (k *Kryptonite) key(ctx context.Context, spec crypto.CipherSpec, keyID string) (crypto.Key, error) {
	switch spec.Type() {
	case crypto.CipherSpecTypeTink:
		h, err := k.vault.ReadKeysetHandle(ctx, keyID)
		if err != nil {
			return crypto.Key{}, err
		}
		return crypto.Key{Handle: h}, nil
	case crypto.CipherSpecTypeJCE:
		raw, err := k.vault.ReadKey(ctx, keyID)
		if err != nil {
			return crypto.Key{}, err
		}
		return crypto.Key{Raw: raw}, nil
	default:
		return crypto.Key{}, fmt.Errorf("%w: unsupported cipher spec type %q", crypto.ErrConfiguration, spec.Type())
	}
}
