package kms

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
)

const (
	dekSize          = 32
	wrappedLenSize   = 4
	envelopeIVSize   = subtle.AESGCMIVSize
	envelopeTagSize  = subtle.AESGCMTagSize
	minEnvelopeBytes = wrappedLenSize + envelopeIVSize + envelopeTagSize
)

var errMalformedEnvelope = errors.New("malformed envelope ciphertext")

// EnvelopeAEAD encrypts each message under a fresh AES-256-GCM data key and
// stores the data key wrapped by a KeyWrapper next to the ciphertext:
//
//	[4-byte big-endian wrapped key length][wrapped key][12-byte IV][ciphertext][16-byte tag]
type EnvelopeAEAD struct {
	ctx     context.Context
	wrapper KeyWrapper
}

// NewEnvelopeAEAD binds an envelope AEAD to a key wrapper. Remote wrap
// calls use ctx.
func NewEnvelopeAEAD(ctx context.Context, wrapper KeyWrapper) *EnvelopeAEAD {
	return &EnvelopeAEAD{ctx: ctx, wrapper: wrapper}
}

// Encrypt seals plaintext with associatedData bound into the tag.
func (e *EnvelopeAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	defer clear(dek)

	gcm, err := subtle.NewAESGCM(dek)
	if err != nil {
		return nil, err
	}
	sealed, err := gcm.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("envelope encrypt: %w", err)
	}
	wrapped, err := e.wrapper.WrapKey(e.ctx, dek)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	out := make([]byte, wrappedLenSize, wrappedLenSize+len(wrapped)+len(sealed))
	binary.BigEndian.PutUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, sealed...), nil
}

// Decrypt reverses Encrypt.
func (e *EnvelopeAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < minEnvelopeBytes {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, errMalformedEnvelope)
	}
	n := binary.BigEndian.Uint32(ciphertext)
	rest := ciphertext[wrappedLenSize:]
	if uint64(n) > uint64(len(rest)-envelopeIVSize-envelopeTagSize) {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, errMalformedEnvelope)
	}

	dek, err := e.wrapper.UnwrapKey(e.ctx, rest[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %w", ErrUnwrap, err)
	}
	defer clear(dek)

	gcm, err := subtle.NewAESGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	plaintext, err := gcm.Decrypt(rest[n:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope decrypt: %w", ErrUnwrap, err)
	}
	return plaintext, nil
}
