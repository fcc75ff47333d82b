package kms

import (
	"context"
	"crypto/mlkem"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// MLKEM768 is a post-quantum KEK. Every encryption encapsulates a fresh
// shared key with ML-KEM-768 (FIPS 203) and seals the payload with
// AES-256-GCM under it. The output is the KEM ciphertext followed by
// IV || ciphertext || tag.
type MLKEM768 struct {
	decapsKey *mlkem.DecapsulationKey768
	encapKey  *mlkem.EncapsulationKey768
}

// NewMLKEM768 generates a new ML-KEM-768 key pair.
func NewMLKEM768() (*MLKEM768, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, err
	}
	return &MLKEM768{
		decapsKey: dk,
		encapKey:  dk.EncapsulationKey(),
	}, nil
}

// NewMLKEM768FromSeed creates an ML-KEM-768 key pair from a seed.
// The seed must be 64 bytes of uniformly random data.
func NewMLKEM768FromSeed(seed []byte) (*MLKEM768, error) {
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, err
	}
	return &MLKEM768{
		decapsKey: dk,
		encapKey:  dk.EncapsulationKey(),
	}, nil
}

// newMLKEMProviderFromConfig reads the base64 seed from the "seed" option.
func newMLKEMProviderFromConfig(_ context.Context, cfg Config) (KeyEncryption, error) {
	seedStr := cfg.option("seed")
	if seedStr == "" {
		return nil, fmt.Errorf("%w: ML-KEM seed", ErrMissingConfig)
	}
	seed, err := base64.StdEncoding.DecodeString(seedStr)
	if err != nil {
		return nil, errors.New("invalid base64 encoding in ML-KEM seed")
	}
	defer clear(seed)
	return NewMLKEM768FromSeed(seed)
}

// KeyEncryptionKey returns the key pair as an AEAD.
func (m *MLKEM768) KeyEncryptionKey(context.Context) (tink.AEAD, error) {
	return m, nil
}

// Encrypt encapsulates a fresh shared key and seals plaintext under it.
func (m *MLKEM768) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	sharedKey, kemCiphertext := m.encapKey.Encapsulate()
	defer clear(sharedKey)

	gcm, err := subtle.NewAESGCM(sharedKey)
	if err != nil {
		return nil, err
	}
	sealed, err := gcm.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("ml-kem encrypt: %w", err)
	}
	return append(kemCiphertext, sealed...), nil
}

// Decrypt decapsulates the shared key and opens the payload.
func (m *MLKEM768) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < mlkem.CiphertextSize768 {
		return nil, fmt.Errorf("%w: ml-kem ciphertext too short", ErrUnwrap)
	}
	sharedKey, err := m.decapsKey.Decapsulate(ciphertext[:mlkem.CiphertextSize768])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	defer clear(sharedKey)

	gcm, err := subtle.NewAESGCM(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	plaintext, err := gcm.Decrypt(ciphertext[mlkem.CiphertextSize768:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-kem decrypt: %w", ErrUnwrap, err)
	}
	return plaintext, nil
}

// EncapsulationKeyBytes returns the public encapsulation key.
func (m *MLKEM768) EncapsulationKeyBytes() []byte {
	return m.encapKey.Bytes()
}

// Seed returns the 64-byte seed of the decapsulation key. It must be kept
// secret.
func (m *MLKEM768) Seed() []byte {
	return m.decapsKey.Bytes()
}
