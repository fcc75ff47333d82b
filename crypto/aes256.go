package crypto

import (
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
)

// AES256GCM provides authenticated encryption using AES-GCM over a raw key.
// The output is IV || ciphertext || tag.
type AES256GCM struct{}

// Algorithm returns the name of the encryption algorithm.
func (a *AES256GCM) Algorithm() string {
	return AlgorithmJCEAESGCM
}

// KeySize returns the preferred key size in bytes.
func (a *AES256GCM) KeySize() int {
	return 32
}

// Cipher encrypts plaintext with a random IV.
func (a *AES256GCM) Cipher(plaintext []byte, key Key, associatedData []byte) ([]byte, error) {
	gcm, err := a.newGCM(key.Raw)
	if err != nil {
		return nil, err
	}
	ct, err := gcm.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: aes-gcm encryption: %w", ErrCryptoFailure, err)
	}
	return ct, nil
}

// Decipher decrypts IV || ciphertext || tag.
func (a *AES256GCM) Decipher(ciphertext []byte, key Key, associatedData []byte) ([]byte, error) {
	gcm, err := a.newGCM(key.Raw)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Decrypt(ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: aes-gcm decryption: authentication tag mismatch", ErrCryptoFailure)
	}
	return pt, nil
}

func (a *AES256GCM) newGCM(key []byte) (*subtle.AESGCM, error) {
	if len(key) != 16 && len(key) != a.KeySize() {
		return nil, fmt.Errorf("%w: invalid key size %d: expected 16 or 32 bytes", ErrKeyInvalid, len(key))
	}
	gcm, err := subtle.NewAESGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	}
	return gcm, nil
}
