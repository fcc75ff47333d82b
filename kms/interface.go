// Package kms provides key encryption keys (KEKs) backed by cloud KMS
// services, Vault transit or local key material. A KEK wraps and unwraps
// the data keysets held by encrypted key vaults.
package kms

import (
	"context"
	"errors"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// Error definitions
var (
	ErrUnknownType   = errors.New("unknown key encryption type")
	ErrMissingConfig = errors.New("missing key encryption configuration")
	ErrUnwrap        = errors.New("key unwrap failed")
)

// KeyEncryption yields the AEAD used to wrap and unwrap keysets.
type KeyEncryption interface {
	// KeyEncryptionKey returns an AEAD whose remote calls are bound to ctx.
	KeyEncryptionKey(ctx context.Context) (tink.AEAD, error)
}

// KeyWrapper wraps and unwraps short data keys with a remote key.
type KeyWrapper interface {
	WrapKey(ctx context.Context, key []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Type names a KEK backend.
type Type string

const (
	// TypeAWS uses a symmetric AWS KMS key.
	TypeAWS Type = "AWS"
	// TypeAWSRSA wraps per-message data keys with an asymmetric AWS KMS key.
	TypeAWSRSA Type = "AWS_RSA"
	// TypeGCP uses Google Cloud KMS.
	TypeGCP Type = "GCP"
	// TypeAzure uses Azure Key Vault.
	TypeAzure Type = "AZURE"
	// TypeVault uses HashiCorp Vault transit.
	TypeVault Type = "VAULT"
	// TypeLocal uses an inline AES-256 key.
	TypeLocal Type = "LOCAL"
	// TypeMLKEM uses an inline ML-KEM-768 key pair.
	TypeMLKEM Type = "MLKEM"
)
