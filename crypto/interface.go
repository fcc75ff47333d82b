// Package crypto provides the algorithm providers, the cipher spec registry
// and the payload metadata format used for field-level encryption.
package crypto

import (
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/keyset"
)

// Error definitions
var (
	ErrConfiguration   = errors.New("invalid configuration")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrKeyNotFound     = errors.New("encryption key not found")
	ErrKeyInvalid      = errors.New("invalid encryption key")
	ErrCryptoFailure   = errors.New("crypto operation failed")

	// ErrDynamicKeyReference is the parent of all errors raised while resolving
	// a key identifier from another field of the same record.
	ErrDynamicKeyReference   = errors.New("invalid dynamic key reference")
	ErrFieldNotFound         = fmt.Errorf("%w: referenced field not found", ErrDynamicKeyReference)
	ErrInvalidFieldReference = fmt.Errorf("%w: referenced field is not a scalar", ErrDynamicKeyReference)
)

// Key is the key material handed to a Provider. TINK cipher specs receive a
// keyset handle, JCE cipher specs receive raw key bytes.
type Key struct {
	Handle *keyset.Handle
	Raw    []byte
}

// Provider wraps one cipher primitive behind a uniform contract.
type Provider interface {
	// Cipher encrypts plaintext, binding associatedData into the result.
	Cipher(plaintext []byte, key Key, associatedData []byte) ([]byte, error)

	// Decipher reverses Cipher. It fails with ErrCryptoFailure when the
	// ciphertext or the associated data do not authenticate.
	Decipher(ciphertext []byte, key Key, associatedData []byte) ([]byte, error)
}

// Cipherable is anything carrying a ciphertext together with the
// associated data it was sealed with.
type Cipherable interface {
	AssociatedData() []byte
	Ciphertext() []byte
}
