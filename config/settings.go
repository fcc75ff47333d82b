// Package config loads kryptonite settings from the environment and builds
// the key vault, key encryption and record handler they describe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/mapstructure"

	"kryptonite/crypto"
	"kryptonite/kms"
	"kryptonite/record"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KRYPTONITE"

// KeySource selects where keysets come from and whether they are wrapped
// by a key encryption key.
type KeySource string

const (
	KeySourceConfig          KeySource = "CONFIG"
	KeySourceConfigEncrypted KeySource = "CONFIG_ENCRYPTED"
	KeySourceKMS             KeySource = "KMS"
	KeySourceKMSEncrypted    KeySource = "KMS_ENCRYPTED"
)

func (k KeySource) encrypted() bool {
	return k == KeySourceConfigEncrypted || k == KeySourceKMSEncrypted
}

func (k KeySource) remote() bool {
	return k == KeySourceKMS || k == KeySourceKMSEncrypted
}

// Settings holds every recognized option.
type Settings struct {
	KeySource KeySource `envconfig:"KEY_SOURCE" default:"CONFIG"`
	// Keys is the inline key configuration for CONFIG sources.
	Keys string `envconfig:"KEYS"`

	KMSType   string `envconfig:"KMS_TYPE"`
	KMSConfig string `envconfig:"KMS_CONFIG"`
	KEKType   string `envconfig:"KEK_TYPE"`
	KEKConfig string `envconfig:"KEK_CONFIG"`
	KEKURI    string `envconfig:"KEK_URI"`

	CipherAlgorithm         string `envconfig:"CIPHER_ALGORITHM" default:"TINK/AES_GCM"`
	CipherDataKeyIdentifier string `envconfig:"CIPHER_DATA_KEY_IDENTIFIER"`
	DynamicKeyIDPrefix      string `envconfig:"DYNAMIC_KEY_ID_PREFIX" default:"__#"`
	PathDelimiter           string `envconfig:"PATH_DELIMITER" default:"."`
	FieldMode               string `envconfig:"FIELD_MODE" default:"ELEMENT"`
	FieldConfig             string `envconfig:"FIELD_CONFIG"`

	KeyPrefetch bool   `envconfig:"KEY_PREFETCH" default:"true"`
	KeyPrefix   string `envconfig:"KEY_PREFIX"`

	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	// APIToken, when set, is required as a bearer token by the HTTP API.
	APIToken string `envconfig:"API_TOKEN"`
	// CollectionConfig lists the PocketBase collections and their fields.
	CollectionConfig string `envconfig:"COLLECTION_CONFIG"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON"`
}

// Load reads settings from KRYPTONITE_* environment variables.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	s.KeySource = KeySource(strings.ToUpper(string(s.KeySource)))
	s.FieldMode = strings.ToUpper(s.FieldMode)
	return &s, nil
}

// Validate checks the settings and reports every problem at once.
func (s *Settings) Validate() error {
	var result *multierror.Error

	switch s.KeySource {
	case KeySourceConfig, KeySourceConfigEncrypted:
		if strings.TrimSpace(s.Keys) == "" {
			result = multierror.Append(result, fmt.Errorf("key source %s requires keys", s.KeySource))
		}
	case KeySourceKMS, KeySourceKMSEncrypted:
		if s.KMSType == "" {
			result = multierror.Append(result, fmt.Errorf("key source %s requires a kms type", s.KeySource))
		} else if !resolverRegistered(s.KMSType) {
			result = multierror.Append(result, fmt.Errorf("unknown kms type %q, expected one of %v", s.KMSType, ResolverTypes()))
		}
		if err := validJSONObject(s.KMSConfig); err != nil {
			result = multierror.Append(result, fmt.Errorf("kms config: %w", err))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown key source %q", s.KeySource))
	}

	if s.KeySource.encrypted() {
		if s.KEKType == "" {
			result = multierror.Append(result, fmt.Errorf("key source %s requires a kek type", s.KeySource))
		} else if !slices.Contains(kms.Types(), strings.ToUpper(s.KEKType)) {
			result = multierror.Append(result, fmt.Errorf("unknown kek type %q, expected one of %v", s.KEKType, kms.Types()))
		}
		if err := validJSONObject(s.KEKConfig); err != nil {
			result = multierror.Append(result, fmt.Errorf("kek config: %w", err))
		}
	}

	if _, err := crypto.CipherSpecFromName(s.CipherAlgorithm); err != nil {
		result = multierror.Append(result, fmt.Errorf("cipher algorithm: %w", err))
	}
	switch record.FieldMode(s.FieldMode) {
	case record.ModeElement, record.ModeObject:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown field mode %q", s.FieldMode))
	}
	if _, err := record.ParseFieldConfigs(s.FieldConfig); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	return nil
}

// NewLogger creates the root logger described by the settings.
func (s *Settings) NewLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "kryptonite",
		Level:      hclog.LevelFromString(s.LogLevel),
		JSONFormat: s.LogJSON,
		Output:     os.Stderr,
	})
}

func validJSONObject(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	return json.Unmarshal([]byte(raw), &m)
}

// decodeJSONConfig decodes an opaque JSON object into out with mapstructure,
// so backends declare their settings as tagged structs.
func decodeJSONConfig(raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	return nil
}
