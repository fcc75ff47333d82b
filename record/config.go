package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"kryptonite/crypto"
)

// FieldMode decides how a matched container is encrypted.
type FieldMode string

const (
	// ModeElement keeps the container shape and encrypts every scalar leaf.
	ModeElement FieldMode = "ELEMENT"
	// ModeObject serializes the whole subtree and encrypts it as one value.
	ModeObject FieldMode = "OBJECT"
)

// Defaults.
const (
	DefaultPathDelimiter      = "."
	DefaultDynamicKeyIDPrefix = "__#"
	DefaultFieldMode          = ModeElement
)

// FieldConfig is the policy for one fully qualified field path. Empty
// fields fall back to the handler defaults.
type FieldConfig struct {
	Name              string    `json:"name"`
	Algorithm         string    `json:"algorithm,omitempty"`
	KeyID             string    `json:"keyId,omitempty"`
	FpeTweak          string    `json:"fpeTweak,omitempty"`
	FpeAlphabetType   string    `json:"fpeAlphabetType,omitempty"`
	FpeAlphabetCustom string    `json:"fpeAlphabetCustom,omitempty"`
	FpeEncoding       string    `json:"fpeEncoding,omitempty"`
	FieldMode         FieldMode `json:"fieldMode,omitempty"`
}

// ParseFieldConfigs decodes a JSON array of field configs.
func ParseFieldConfigs(data string) ([]FieldConfig, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var configs []FieldConfig
	if err := json.Unmarshal([]byte(data), &configs); err != nil {
		return nil, fmt.Errorf("%w: field config: %w", crypto.ErrConfiguration, err)
	}
	return configs, nil
}

// Options configures a Handler.
type Options struct {
	FieldConfigs       []FieldConfig
	DefaultAlgorithm   string
	DefaultKeyID       string
	DefaultFieldMode   FieldMode
	PathDelimiter      string
	DynamicKeyIDPrefix string
	Logger             hclog.Logger
}

func (o *Options) setDefaults() {
	if o.DefaultAlgorithm == "" {
		o.DefaultAlgorithm = crypto.AlgorithmTinkAESGCM
	}
	if o.DefaultFieldMode == "" {
		o.DefaultFieldMode = DefaultFieldMode
	}
	if o.PathDelimiter == "" {
		o.PathDelimiter = DefaultPathDelimiter
	}
	if o.DynamicKeyIDPrefix == "" {
		o.DynamicKeyIDPrefix = DefaultDynamicKeyIDPrefix
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

func validMode(m FieldMode) bool {
	return m == "" || m == ModeElement || m == ModeObject
}

// validate reports every problem at once.
func (o *Options) validate() error {
	var result *multierror.Error
	if _, err := crypto.CipherSpecFromName(o.DefaultAlgorithm); err != nil {
		result = multierror.Append(result, fmt.Errorf("default algorithm: %w", err))
	}
	if !validMode(o.DefaultFieldMode) {
		result = multierror.Append(result, fmt.Errorf("unknown default field mode %q", o.DefaultFieldMode))
	}

	seen := make(map[string]bool, len(o.FieldConfigs))
	for i, fc := range o.FieldConfigs {
		if fc.Name == "" {
			result = multierror.Append(result, fmt.Errorf("field config %d: name is empty", i))
			continue
		}
		if seen[fc.Name] {
			result = multierror.Append(result, fmt.Errorf("field config %q: duplicate name", fc.Name))
		}
		seen[fc.Name] = true
		if fc.Algorithm != "" {
			if _, err := crypto.CipherSpecFromName(fc.Algorithm); err != nil {
				result = multierror.Append(result, fmt.Errorf("field config %q: %w", fc.Name, err))
			}
		}
		if !validMode(fc.FieldMode) {
			result = multierror.Append(result, fmt.Errorf("field config %q: unknown field mode %q", fc.Name, fc.FieldMode))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	return nil
}
