package kms

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// AWSRSAProvider wraps per-message data keys with an asymmetric AWS KMS
// key using RSAES_OAEP_SHA_256. Payloads never leave the process; only the
// 32-byte data keys are sent to KMS.
type AWSRSAProvider struct {
	client KMSClient
	keyID  string
}

// NewAWSRSAProvider creates an AWSRSAProvider and verifies the key is
// accessible.
func NewAWSRSAProvider(ctx context.Context, client KMSClient, keyID string) (*AWSRSAProvider, error) {
	keyID = strings.TrimPrefix(keyID, awsURIPrefix)
	if keyID == "" {
		return nil, fmt.Errorf("%w: AWS KMS key id", ErrMissingConfig)
	}
	if _, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID}); err != nil {
		return nil, fmt.Errorf("describe key %s: %w", keyID, err)
	}
	return &AWSRSAProvider{client: client, keyID: keyID}, nil
}

func newAWSRSAProviderFromConfig(ctx context.Context, cfg Config) (KeyEncryption, error) {
	client, err := newKMSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewAWSRSAProvider(ctx, client, cfg.URI)
}

// KeyEncryptionKey returns an envelope AEAD over this key wrapper.
func (p *AWSRSAProvider) KeyEncryptionKey(ctx context.Context) (tink.AEAD, error) {
	return NewEnvelopeAEAD(ctx, p), nil
}

// WrapKey encrypts a data key with the RSA key.
func (p *AWSRSAProvider) WrapKey(ctx context.Context, key []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:               aws.String(p.keyID),
		Plaintext:           key,
		EncryptionAlgorithm: types.EncryptionAlgorithmSpecRsaesOaepSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms rsa encrypt: %w", err)
	}
	return output.CiphertextBlob, nil
}

// UnwrapKey decrypts a wrapped data key.
func (p *AWSRSAProvider) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:               aws.String(p.keyID),
		CiphertextBlob:      wrapped,
		EncryptionAlgorithm: types.EncryptionAlgorithmSpecRsaesOaepSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms rsa decrypt: %w", err)
	}
	return output.Plaintext, nil
}
