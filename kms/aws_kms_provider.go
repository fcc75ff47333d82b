package kms

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const awsURIPrefix = "aws-kms://"

// associatedDataContextKey is the encryption context key carrying the
// hex-encoded associated data.
const associatedDataContextKey = "associatedData"

// KMSClient is the subset of the AWS KMS client used here.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// AWSKMSProvider uses a symmetric AWS KMS key as KEK.
// The keyID can be a key ID, key ARN, alias, or alias ARN.
type AWSKMSProvider struct {
	client KMSClient
	keyID  string
}

// NewAWSKMSProvider creates an AWSKMSProvider and verifies the key is
// accessible.
func NewAWSKMSProvider(ctx context.Context, client KMSClient, keyID string) (*AWSKMSProvider, error) {
	keyID = strings.TrimPrefix(keyID, awsURIPrefix)
	if keyID == "" {
		return nil, fmt.Errorf("%w: AWS KMS key id", ErrMissingConfig)
	}

	_, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: &keyID,
	})
	if err != nil {
		return nil, fmt.Errorf("describe key %s: %w", keyID, err)
	}

	return &AWSKMSProvider{
		client: client,
		keyID:  keyID,
	}, nil
}

func newAWSKMSProviderFromConfig(ctx context.Context, cfg Config) (KeyEncryption, error) {
	client, err := newKMSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewAWSKMSProvider(ctx, client, cfg.URI)
}

func newKMSClient(ctx context.Context, cfg Config) (*kms.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region := cfg.option("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// KeyEncryptionKey returns an AEAD calling KMS Encrypt and Decrypt.
func (p *AWSKMSProvider) KeyEncryptionKey(ctx context.Context) (tink.AEAD, error) {
	return &awsAEAD{ctx: ctx, provider: p}, nil
}

// KeyID returns the KMS key identifier.
func (p *AWSKMSProvider) KeyID() string {
	return awsURIPrefix + p.keyID
}

type awsAEAD struct {
	ctx      context.Context
	provider *AWSKMSProvider
}

func (a *awsAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	output, err := a.provider.client.Encrypt(a.ctx, &kms.EncryptInput{
		KeyId:             aws.String(a.provider.keyID),
		Plaintext:         plaintext,
		EncryptionContext: encryptionContext(associatedData),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt: %w", err)
	}
	return output.CiphertextBlob, nil
}

func (a *awsAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	output, err := a.provider.client.Decrypt(a.ctx, &kms.DecryptInput{
		KeyId:             aws.String(a.provider.keyID),
		CiphertextBlob:    ciphertext,
		EncryptionContext: encryptionContext(associatedData),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: aws kms decrypt: %w", ErrUnwrap, err)
	}
	return output.Plaintext, nil
}

func encryptionContext(associatedData []byte) map[string]string {
	if len(associatedData) == 0 {
		return nil
	}
	return map[string]string{associatedDataContextKey: hex.EncodeToString(associatedData)}
}
