// Package record walks nested records and encrypts or decrypts the fields
// selected by per-path policies.
//
// Paths join map keys with the configured delimiter. List elements share
// the path of their list, so "items.secret" selects the secret key of every
// map inside the items list. Only exact path matches select a field.
package record

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"kryptonite/crypto"
	"kryptonite/serde"
)

// Cipher is the engine the handler delegates leaf operations to.
type Cipher interface {
	CipherField(ctx context.Context, plaintext []byte, meta crypto.PayloadMetaData) (*crypto.EncryptedField, error)
	DecipherField(ctx context.Context, field *crypto.EncryptedField) ([]byte, error)
	CipherFieldFPE(ctx context.Context, plaintext string, fmd crypto.FieldMetaData) (string, error)
	DecipherFieldFPE(ctx context.Context, ciphertext string, fmd crypto.FieldMetaData) (string, error)
}

type operation string

const (
	opEncrypt operation = "encrypt"
	opDecrypt operation = "decrypt"
)

// Handler applies field policies to records. It holds no per-record state
// and is safe for concurrent use.
type Handler struct {
	cipher  Cipher
	serde   serde.Serializer
	opts    Options
	configs map[string]FieldConfig
	logger  hclog.Logger
}

// NewHandler validates opts and creates a handler. A nil serializer selects
// serde.Codec.
func NewHandler(cipher Cipher, ser serde.Serializer, opts Options) (*Handler, error) {
	if cipher == nil {
		return nil, fmt.Errorf("%w: cipher engine is required", crypto.ErrConfiguration)
	}
	if ser == nil {
		ser = serde.Codec{}
	}
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	configs := make(map[string]FieldConfig, len(opts.FieldConfigs))
	for _, fc := range opts.FieldConfigs {
		configs[fc.Name] = fc
	}
	return &Handler{
		cipher:  cipher,
		serde:   ser,
		opts:    opts,
		configs: configs,
		logger:  opts.Logger.Named("record"),
	}, nil
}

// Paths lists the configured field paths.
func (h *Handler) Paths() []string {
	paths := make([]string, 0, len(h.opts.FieldConfigs))
	for _, fc := range h.opts.FieldConfigs {
		paths = append(paths, fc.Name)
	}
	return paths
}

// EncryptLeaf encrypts one value. Format-preserving algorithms return the
// ciphertext string itself, all others the base64 EncryptedField.
func (h *Handler) EncryptLeaf(ctx context.Context, value any, fmd crypto.FieldMetaData) (string, error) {
	if fmd.DataType == "" {
		fmd.DataType = fmt.Sprintf("%T", value)
	}
	h.logger.Trace("encrypting field", "algorithm", fmd.Algorithm, "key_id", fmd.KeyID, "data_type", fmd.DataType)

	spec, err := crypto.CipherSpecFromName(fmd.Algorithm)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	if spec.FormatPreserving() {
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s only encrypts strings, got %T", crypto.ErrInvalidArgument, spec, value)
		}
		return h.cipher.CipherFieldFPE(ctx, s, fmd)
	}

	plaintext, err := h.serde.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crypto.ErrInvalidArgument, err)
	}
	meta, err := crypto.PayloadMetaDataFrom(fmd)
	if err != nil {
		return "", err
	}
	field, err := h.cipher.CipherField(ctx, plaintext, meta)
	if err != nil {
		return "", err
	}
	return field.Encode(), nil
}

// DecryptLeaf decrypts a base64 EncryptedField. Algorithm and key come from
// the field's own metadata.
func (h *Handler) DecryptLeaf(ctx context.Context, encoded string) (any, error) {
	field, err := crypto.DecodeEncryptedField(encoded)
	if err != nil {
		return nil, err
	}
	plaintext, err := h.cipher.DecipherField(ctx, field)
	if err != nil {
		return nil, err
	}
	value, err := h.serde.Unmarshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrCryptoFailure, err)
	}
	return value, nil
}

// EncryptFields returns a copy of rec with every configured field
// encrypted. rec is not modified.
func (h *Handler) EncryptFields(ctx context.Context, rec map[string]any) (map[string]any, error) {
	return h.process(ctx, rec, opEncrypt)
}

// DecryptFields reverses EncryptFields. rec is not modified.
func (h *Handler) DecryptFields(ctx context.Context, rec map[string]any) (map[string]any, error) {
	return h.process(ctx, rec, opDecrypt)
}

func (h *Handler) process(ctx context.Context, rec map[string]any, op operation) (map[string]any, error) {
	if rec == nil {
		return nil, nil
	}
	w := &walker{h: h, ctx: ctx, snapshot: rec, op: op}
	out, err := w.walk("", rec)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// walker carries the state of one record operation. snapshot is the
// caller's record, which all dynamic key lookups read from.
type walker struct {
	h        *Handler
	ctx      context.Context
	snapshot map[string]any
	op       operation
}

// walk descends into value looking for configured paths.
func (w *walker) walk(path string, value any) (any, error) {
	if fc, ok := w.h.configs[path]; ok && path != "" {
		return w.apply(path, value, fc)
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			r, err := w.walk(w.h.join(path, k), child)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			r, err := w.walk(path, child)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// apply runs the policy fc on the value at path.
func (w *walker) apply(path string, value any, fc FieldConfig) (any, error) {
	mode := fc.FieldMode
	if mode == "" {
		mode = w.h.opts.DefaultFieldMode
	}
	if mode == ModeObject {
		return w.leaf(path, value, fc, mode)
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			childPath := w.h.join(path, k)
			childConfig := fc
			if own, ok := w.h.configs[childPath]; ok {
				childConfig = own
			}
			r, err := w.apply(childPath, child, childConfig)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			r, err := w.apply(path, child, fc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return w.leaf(path, value, fc, mode)
	}
}

func (w *walker) leaf(path string, value any, fc FieldConfig, mode FieldMode) (any, error) {
	r, err := w.leafValue(value, fc)
	if err != nil {
		// Never include the value: it may be plaintext.
		return nil, fmt.Errorf("%s field %q (mode %s): %w", w.op, path, mode, err)
	}
	return r, nil
}

func (w *walker) leafValue(value any, fc FieldConfig) (any, error) {
	if w.op == opEncrypt {
		fmd, err := w.h.metaData(fc, w.snapshot)
		if err != nil {
			return nil, err
		}
		return w.h.EncryptLeaf(w.ctx, value, fmd)
	}

	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected a ciphertext string, got %T", crypto.ErrCryptoFailure, value)
	}
	spec, err := crypto.CipherSpecFromName(w.h.algorithm(fc))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrConfiguration, err)
	}
	if !spec.FormatPreserving() {
		// The EncryptedField names its own algorithm and key.
		return w.h.DecryptLeaf(w.ctx, s)
	}
	fmd, err := w.h.metaData(fc, w.snapshot)
	if err != nil {
		return nil, err
	}
	return w.h.cipher.DecipherFieldFPE(w.ctx, s, fmd)
}

func (h *Handler) algorithm(fc FieldConfig) string {
	if fc.Algorithm != "" {
		return fc.Algorithm
	}
	return h.opts.DefaultAlgorithm
}

// LeafMetaData merges fc with the handler defaults. Dynamic key references
// need a record and fail with crypto.ErrFieldNotFound.
func (h *Handler) LeafMetaData(fc FieldConfig) (crypto.FieldMetaData, error) {
	return h.metaData(fc, nil)
}

// metaData merges fc with the handler defaults and resolves a dynamic key
// reference against rec.
func (h *Handler) metaData(fc FieldConfig, rec map[string]any) (crypto.FieldMetaData, error) {
	fmd := crypto.FieldMetaData{
		Algorithm:         h.algorithm(fc),
		KeyID:             fc.KeyID,
		FpeTweak:          fc.FpeTweak,
		FpeAlphabetType:   fc.FpeAlphabetType,
		FpeAlphabetCustom: fc.FpeAlphabetCustom,
		Encoding:          fc.FpeEncoding,
	}
	if fmd.KeyID == "" {
		fmd.KeyID = h.opts.DefaultKeyID
	}
	if fmd.KeyID == "" {
		return fmd, fmt.Errorf("%w: no key id configured", crypto.ErrConfiguration)
	}
	if ref, ok := strings.CutPrefix(fmd.KeyID, h.opts.DynamicKeyIDPrefix); ok {
		keyID, err := lookupScalar(rec, ref, h.opts.PathDelimiter)
		if err != nil {
			return fmd, fmt.Errorf("key id reference %q: %w", ref, err)
		}
		fmd.KeyID = keyID
	}
	return fmd, nil
}

func (h *Handler) join(path, key string) string {
	if path == "" {
		return key
	}
	return path + h.opts.PathDelimiter + key
}
