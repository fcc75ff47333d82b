package crypto

import (
	"errors"
	"fmt"

	"kryptonite/crypto/fpe"
)

// FPEFF31 provides format-preserving encryption with FF3-1. The key is an
// fpe.EncodeKey blob carrying both alphabet and key bytes; the associated
// data is the 7-byte tweak (empty for the default tweak).
type FPEFF31 struct{}

// Cipher encrypts a plaintext drawn from the key's alphabet.
func (f *FPEFF31) Cipher(plaintext []byte, key Key, tweak []byte) ([]byte, error) {
	c, err := f.newCipher(key)
	if err != nil {
		return nil, err
	}
	ct, err := c.Encrypt(string(plaintext), tweak)
	if err != nil {
		return nil, wrapFPEError(err)
	}
	return []byte(ct), nil
}

// Decipher decrypts an FF3-1 ciphertext.
func (f *FPEFF31) Decipher(ciphertext []byte, key Key, tweak []byte) ([]byte, error) {
	c, err := f.newCipher(key)
	if err != nil {
		return nil, err
	}
	pt, err := c.Decrypt(string(ciphertext), tweak)
	if err != nil {
		return nil, wrapFPEError(err)
	}
	return []byte(pt), nil
}

func (f *FPEFF31) newCipher(key Key) (*fpe.FF31, error) {
	alphabet, raw, err := fpe.DecodeKey(key.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	}
	c, err := fpe.NewFF31(raw, alphabet)
	if err != nil {
		return nil, wrapFPEError(err)
	}
	return c, nil
}

func wrapFPEError(err error) error {
	switch {
	case errors.Is(err, fpe.ErrInvalidAlphabet), errors.Is(err, fpe.ErrInvalidTweak):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, fpe.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrCryptoFailure, err)
	}
}
