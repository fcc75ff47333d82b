package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"kryptonite/crypto"
)

// VaultLogical is the subset of the Vault logical client used here.
type VaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vaultapi.Secret, error)
	ListWithContext(ctx context.Context, path string) (*vaultapi.Secret, error)
}

// VaultConfig locates keysets in a KV version 2 secrets engine. Each
// keyset lives at <MountPath>/data/<Path>/<prefix><identifier> with the
// keyset JSON in the Field entry.
type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	Namespace string `mapstructure:"namespace"`
	MountPath string `mapstructure:"mount_path"`
	Path      string `mapstructure:"path"`
	Field     string `mapstructure:"field"`
}

// VaultResolver resolves keysets from HashiCorp Vault.
type VaultResolver struct {
	logical   VaultLogical
	mountPath string
	path      string
	field     string
	prefix    string
}

var _ Resolver = (*VaultResolver)(nil)

// NewVaultClient creates a Vault client. Address and token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func NewVaultClient(cfg VaultConfig) (*vaultapi.Client, error) {
	addr := cfg.Address
	if addr == "" {
		addr = os.Getenv("VAULT_ADDR")
	}
	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if addr == "" || token == "" {
		return nil, fmt.Errorf("%w: vault address and token must be set", crypto.ErrConfiguration)
	}

	config := vaultapi.DefaultConfig()
	config.Address = addr

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return client, nil
}

// NewVaultResolver creates a resolver reading through logical.
func NewVaultResolver(logical VaultLogical, cfg VaultConfig, prefix string) *VaultResolver {
	mountPath := cfg.MountPath
	if mountPath == "" {
		mountPath = "secret"
	}
	field := cfg.Field
	if field == "" {
		field = "keyset"
	}
	return &VaultResolver{
		logical:   logical,
		mountPath: strings.Trim(mountPath, "/"),
		path:      strings.Trim(cfg.Path, "/"),
		field:     field,
		prefix:    prefix,
	}
}

// ResolveIdentifiers lists the secrets below the configured path whose
// name starts with the prefix.
func (r *VaultResolver) ResolveIdentifiers(ctx context.Context) ([]string, error) {
	secret, err := r.logical.ListWithContext(ctx, path.Join(r.mountPath, "metadata", r.path))
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, _ := secret.Data["keys"].([]interface{})
	var ids []string
	for _, k := range keys {
		name, ok := k.(string)
		if !ok || strings.HasSuffix(name, "/") || !strings.HasPrefix(name, r.prefix) {
			continue
		}
		if id := strings.TrimPrefix(name, r.prefix); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ResolveKeyset reads the keyset stored for identifier.
func (r *VaultResolver) ResolveKeyset(ctx context.Context, identifier string) (string, error) {
	secret, err := r.logical.ReadWithContext(ctx, path.Join(r.mountPath, "data", r.path, r.prefix+identifier))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted KV v2 versions come back with data set to null.
		return "", fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}
	switch v := data[r.field].(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: no keyset in field %q of Vault secret %q", crypto.ErrKeyInvalid, r.field, identifier)
	}
}

// Close is a no-op.
func (r *VaultResolver) Close() error { return nil }
