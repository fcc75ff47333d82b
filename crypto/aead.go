package crypto

import (
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/daead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

var errMissingHandle = errors.New("keyset handle is required")

// TinkAEAD provides probabilistic authenticated encryption (AES-GCM) through
// a Tink keyset.
type TinkAEAD struct{}

// Cipher encrypts plaintext with the primary key of the keyset.
func (t *TinkAEAD) Cipher(plaintext []byte, key Key, associatedData []byte) ([]byte, error) {
	primitive, err := newAEAD(key.Handle)
	if err != nil {
		return nil, err
	}
	ct, err := primitive.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: aead encryption: %w", ErrCryptoFailure, err)
	}
	return ct, nil
}

// Decipher decrypts ciphertext with any enabled key of the keyset.
func (t *TinkAEAD) Decipher(ciphertext []byte, key Key, associatedData []byte) ([]byte, error) {
	primitive, err := newAEAD(key.Handle)
	if err != nil {
		return nil, err
	}
	pt, err := primitive.Decrypt(ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: aead decryption: %w", ErrCryptoFailure, err)
	}
	return pt, nil
}

func newAEAD(h *keyset.Handle) (tink.AEAD, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, errMissingHandle)
	}
	primitive, err := aead.New(h)
	if err != nil {
		return nil, fmt.Errorf("%w: keyset is not an AEAD keyset: %w", ErrKeyInvalid, err)
	}
	return primitive, nil
}

// TinkDeterministicAEAD provides deterministic authenticated encryption
// (AES-SIV) through a Tink keyset. Equal plaintexts under the same key and
// associated data yield equal ciphertexts.
type TinkDeterministicAEAD struct{}

// Cipher encrypts plaintext deterministically.
func (t *TinkDeterministicAEAD) Cipher(plaintext []byte, key Key, associatedData []byte) ([]byte, error) {
	if key.Handle == nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, errMissingHandle)
	}
	primitive, err := daead.New(key.Handle)
	if err != nil {
		return nil, fmt.Errorf("%w: keyset is not a deterministic AEAD keyset: %w", ErrKeyInvalid, err)
	}
	ct, err := primitive.EncryptDeterministically(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: deterministic aead encryption: %w", ErrCryptoFailure, err)
	}
	return ct, nil
}

// Decipher decrypts a deterministic ciphertext.
func (t *TinkDeterministicAEAD) Decipher(ciphertext []byte, key Key, associatedData []byte) ([]byte, error) {
	if key.Handle == nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, errMissingHandle)
	}
	primitive, err := daead.New(key.Handle)
	if err != nil {
		return nil, fmt.Errorf("%w: keyset is not a deterministic AEAD keyset: %w", ErrKeyInvalid, err)
	}
	pt, err := primitive.DecryptDeterministically(ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: deterministic aead decryption: %w", ErrCryptoFailure, err)
	}
	return pt, nil
}
