package keyvault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"kryptonite/crypto"
)

// SecretsManagerClient is the subset of the AWS Secrets Manager client used
// here.
type SecretsManagerClient interface {
	secretsmanager.ListSecretsAPIClient
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsResolver resolves keysets stored as AWS Secrets Manager secrets
// named <prefix><identifier>.
type AWSSecretsResolver struct {
	client SecretsManagerClient
	prefix string
}

var _ Resolver = (*AWSSecretsResolver)(nil)

// NewAWSSecretsResolver creates a resolver over client.
func NewAWSSecretsResolver(client SecretsManagerClient, prefix string) *AWSSecretsResolver {
	return &AWSSecretsResolver{client: client, prefix: prefix}
}

// NewSecretsManagerClient loads the default AWS configuration.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// ResolveIdentifiers lists secrets whose name starts with the prefix.
func (r *AWSSecretsResolver) ResolveIdentifiers(ctx context.Context) ([]string, error) {
	input := &secretsmanager.ListSecretsInput{}
	if r.prefix != "" {
		input.Filters = []types.Filter{{
			Key:    types.FilterNameStringTypeName,
			Values: []string{r.prefix},
		}}
	}

	var ids []string
	paginator := secretsmanager.NewListSecretsPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.SecretList {
			name := aws.ToString(s.Name)
			// The name filter matches on prefixes of words, so check again.
			if !strings.HasPrefix(name, r.prefix) {
				continue
			}
			if id := strings.TrimPrefix(name, r.prefix); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// ResolveKeyset returns the secret string for identifier.
func (r *AWSSecretsResolver) ResolveKeyset(ctx context.Context, identifier string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.prefix + identifier),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
		}
		return "", err
	}
	if out.SecretString == nil {
		return string(out.SecretBinary), nil
	}
	return *out.SecretString, nil
}

// Close is a no-op.
func (r *AWSSecretsResolver) Close() error { return nil }
