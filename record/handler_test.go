package record

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kryptonite"
	"kryptonite/crypto"
	"kryptonite/keyvault"
	"kryptonite/serde"
)

func keysetJSON(t *testing.T, algorithm string) string {
	t.Helper()
	ks, err := crypto.GenerateKeyset(algorithm)
	require.NoError(t, err)
	data, err := crypto.WriteKeysetJSON(ks)
	require.NoError(t, err)
	return string(data)
}

func newVault(t *testing.T, materials map[string]string) keyvault.KeyVault {
	t.Helper()
	var entries []keyvault.Entry
	for id, m := range materials {
		entries = append(entries, keyvault.Entry{Identifier: id, Material: json.RawMessage(m)})
	}
	v, err := keyvault.NewConfigVault(entries)
	require.NoError(t, err)
	return v
}

func testMaterials(t *testing.T) map[string]string {
	return map[string]string{
		"keyA": keysetJSON(t, crypto.AlgorithmTinkAESGCM),
		"keyB": keysetJSON(t, crypto.AlgorithmTinkAESGCM),
		"keyS": keysetJSON(t, crypto.AlgorithmTinkAESGCMSIV),
		"keyF": keysetJSON(t, crypto.AlgorithmFPEFF31),
	}
}

func newHandler(t *testing.T, vault keyvault.KeyVault, opts Options) *Handler {
	t.Helper()
	if opts.DefaultKeyID == "" {
		opts.DefaultKeyID = "keyA"
	}
	h, err := NewHandler(kryptonite.New(vault), serde.Codec{}, opts)
	require.NoError(t, err)
	return h
}

func fieldMeta(t *testing.T, encoded any) crypto.PayloadMetaData {
	t.Helper()
	s, ok := encoded.(string)
	require.True(t, ok, "expected ciphertext string, got %T", encoded)
	field, err := crypto.DecodeEncryptedField(s)
	require.NoError(t, err)
	return field.MetaData()
}

func TestHandler_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	materials := testMaterials(t)
	h := newHandler(t, newVault(t, materials), Options{
		FieldConfigs: []FieldConfig{{Name: "id", KeyID: "keyA"}},
	})

	encrypted, err := h.EncryptFields(ctx, map[string]any{"id": "42"})
	require.NoError(t, err)
	ct, ok := encrypted["id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, ct)
	assert.NotEqual(t, "42", ct)

	decrypted, err := h.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "42"}, decrypted)

	t.Run("vault without the key", func(t *testing.T) {
		other := newHandler(t, newVault(t, map[string]string{"keyB": materials["keyB"]}), Options{
			FieldConfigs: []FieldConfig{{Name: "id", KeyID: "keyA"}},
			DefaultKeyID: "keyB",
		})
		_, err := other.DecryptFields(ctx, encrypted)
		assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	})
}

func sampleRecord() map[string]any {
	return map[string]any{
		"name": "alice",
		"age":  float64(31),
		"contact": map[string]any{
			"email":    "alice@example.com",
			"phones":   []any{"+1 555 0100", "+1 555 0199"},
			"verified": true,
		},
		"tags": []any{"a", "b"},
		"items": []any{
			map[string]any{"sku": "x-1", "secret": "one"},
			map[string]any{"sku": "x-2", "secret": "two"},
		},
	}
}

func TestHandler_ElementMode(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs: []FieldConfig{
			{Name: "contact"},
			{Name: "tags"},
			{Name: "items.secret", KeyID: "keyB"},
		},
	})

	rec := sampleRecord()
	encrypted, err := h.EncryptFields(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), rec, "input must not be modified")

	assert.Equal(t, "alice", encrypted["name"])
	assert.Equal(t, float64(31), encrypted["age"])

	contact, ok := encrypted["contact"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "keyA", fieldMeta(t, contact["email"]).KeyID)
	fieldMeta(t, contact["verified"])
	phones, ok := contact["phones"].([]any)
	require.True(t, ok)
	assert.Len(t, phones, 2)
	fieldMeta(t, phones[0])

	items := encrypted["items"].([]any)
	for _, it := range items {
		item := it.(map[string]any)
		assert.True(t, strings.HasPrefix(item["sku"].(string), "x-"))
		assert.Equal(t, "keyB", fieldMeta(t, item["secret"]).KeyID)
	}

	decrypted, err := h.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), decrypted)
}

func TestHandler_ObjectMode(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs:     []FieldConfig{{Name: "contact"}, {Name: "items"}},
		DefaultFieldMode: ModeObject,
	})

	encrypted, err := h.EncryptFields(ctx, sampleRecord())
	require.NoError(t, err)
	fieldMeta(t, encrypted["contact"])
	fieldMeta(t, encrypted["items"])
	assert.Equal(t, []any{"a", "b"}, encrypted["tags"])

	decrypted, err := h.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), decrypted)
}

func TestHandler_ChildOverridesParent(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs: []FieldConfig{
			{Name: "contact", FieldMode: ModeElement},
			{Name: "contact.email", Algorithm: crypto.AlgorithmTinkAESGCMSIV, KeyID: "keyS"},
			{Name: "contact.phones", FieldMode: ModeObject, KeyID: "keyB"},
		},
	})

	encrypted, err := h.EncryptFields(ctx, sampleRecord())
	require.NoError(t, err)
	contact := encrypted["contact"].(map[string]any)

	email := fieldMeta(t, contact["email"])
	assert.Equal(t, "keyS", email.KeyID)
	assert.Equal(t, "02", email.AlgorithmID)

	assert.Equal(t, "keyB", fieldMeta(t, contact["phones"]).KeyID)
	assert.Equal(t, "keyA", fieldMeta(t, contact["verified"]).KeyID)

	decrypted, err := h.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), decrypted)
}

func TestHandler_DynamicKeyID(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs: []FieldConfig{
			{Name: "a", KeyID: "keyB"},
			{Name: "b", KeyID: "__#a"},
			{Name: "c", KeyID: "__#meta.tenant"},
		},
	})

	// Map iteration order varies between runs; the outcome must not.
	for i := 0; i < 20; i++ {
		rec := map[string]any{"a": "keyA", "b": float64(42), "c": "x", "meta": map[string]any{"tenant": "keyB"}}
		encrypted, err := h.EncryptFields(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, "keyB", fieldMeta(t, encrypted["a"]).KeyID)
		assert.Equal(t, "keyA", fieldMeta(t, encrypted["b"]).KeyID)
		assert.Equal(t, "keyB", fieldMeta(t, encrypted["c"]).KeyID)

		decrypted, err := h.DecryptFields(ctx, encrypted)
		require.NoError(t, err)
		assert.Equal(t, rec, decrypted)
	}

	t.Run("missing reference", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"b": "v"})
		assert.ErrorIs(t, err, crypto.ErrFieldNotFound)
		assert.ErrorIs(t, err, crypto.ErrDynamicKeyReference)
	})

	t.Run("non-scalar reference", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"a": map[string]any{}, "b": "v"})
		assert.ErrorIs(t, err, crypto.ErrInvalidFieldReference)
		assert.ErrorIs(t, err, crypto.ErrDynamicKeyReference)
	})

	t.Run("decryption does not follow the reference", func(t *testing.T) {
		encrypted, err := h.EncryptFields(ctx, map[string]any{"a": "keyB", "b": float64(42)})
		require.NoError(t, err)

		decrypted, err := h.DecryptFields(ctx, map[string]any{"b": encrypted["b"]})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b": float64(42)}, decrypted)
	})

	t.Run("custom prefix and delimiter", func(t *testing.T) {
		h := newHandler(t, newVault(t, testMaterials(t)), Options{
			FieldConfigs: []FieldConfig{{
				Name:      "data/value",
				Algorithm: crypto.AlgorithmTinkAESGCMSIV,
				KeyID:     "@data/key",
			}},
			PathDelimiter:      "/",
			DynamicKeyIDPrefix: "@",
		})
		encrypted, err := h.EncryptFields(ctx, map[string]any{"data": map[string]any{"key": "keyS", "value": 1}})
		require.NoError(t, err)
		data := encrypted["data"].(map[string]any)
		assert.Equal(t, "keyS", data["key"])
		assert.Equal(t, "keyS", fieldMeta(t, data["value"]).KeyID)
	})
}

func TestHandler_DecryptWithoutDefaultKeyID(t *testing.T) {
	ctx := context.Background()
	vault := newVault(t, testMaterials(t))
	configs := []FieldConfig{{Name: "id"}, {Name: "note", Algorithm: crypto.AlgorithmTinkAESGCMSIV, KeyID: "keyS"}}

	writer := newHandler(t, vault, Options{FieldConfigs: configs})
	encrypted, err := writer.EncryptFields(ctx, map[string]any{"id": "42", "note": "hi"})
	require.NoError(t, err)

	reader, err := NewHandler(kryptonite.New(vault), serde.Codec{}, Options{FieldConfigs: configs})
	require.NoError(t, err)
	decrypted, err := reader.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "42", "note": "hi"}, decrypted)

	t.Run("encryption still needs a key id", func(t *testing.T) {
		_, err := reader.EncryptFields(ctx, map[string]any{"id": "42"})
		assert.ErrorIs(t, err, crypto.ErrConfiguration)
	})
}

func TestHandler_FPE(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs: []FieldConfig{{
			Name:            "ccn",
			Algorithm:       crypto.AlgorithmFPEFF31,
			KeyID:           "keyF",
			FpeAlphabetType: "DIGITS",
			FpeTweak:        "tweak07",
		}},
	})

	rec := map[string]any{"ccn": "4111111111111111", "name": "bob"}
	encrypted, err := h.EncryptFields(ctx, rec)
	require.NoError(t, err)
	ct := encrypted["ccn"].(string)
	assert.Len(t, ct, 16)
	assert.Empty(t, strings.Trim(ct, "0123456789"))

	decrypted, err := h.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, rec, decrypted)

	t.Run("rejects non-string values", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"ccn": 4111})
		assert.ErrorIs(t, err, crypto.ErrInvalidArgument)
	})

	t.Run("rejects characters outside the alphabet", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"ccn": "4111-1111-1111"})
		assert.ErrorIs(t, err, crypto.ErrCryptoFailure)
	})
}

func TestHandler_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{
		FieldConfigs: []FieldConfig{{Name: "secret", KeyID: "missing"}, {Name: "other"}},
	})

	t.Run("error names path but not the value", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"secret": "hunter2"})
		require.ErrorIs(t, err, crypto.ErrKeyNotFound)
		assert.Contains(t, err.Error(), `"secret"`)
		assert.Contains(t, err.Error(), string(ModeElement))
		assert.NotContains(t, err.Error(), "hunter2")
	})

	t.Run("plaintext where ciphertext is expected", func(t *testing.T) {
		_, err := h.DecryptFields(ctx, map[string]any{"other": 12})
		assert.ErrorIs(t, err, crypto.ErrCryptoFailure)

		_, err = h.DecryptFields(ctx, map[string]any{"other": "not base64!"})
		assert.ErrorIs(t, err, crypto.ErrCryptoFailure)
	})

	t.Run("unsupported value", func(t *testing.T) {
		_, err := h.EncryptFields(ctx, map[string]any{"other": struct{}{}})
		assert.ErrorIs(t, err, crypto.ErrInvalidArgument)
		assert.ErrorIs(t, err, serde.ErrUnsupportedType)
	})

	t.Run("nil record", func(t *testing.T) {
		out, err := h.EncryptFields(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func TestHandler_Leaf(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, newVault(t, testMaterials(t)), Options{})

	for _, v := range []any{"text", float64(1.5), true, nil, []any{"x", float64(2)}, map[string]any{"k": "v"}} {
		ct, err := h.EncryptLeaf(ctx, v, crypto.FieldMetaData{Algorithm: crypto.AlgorithmTinkAESGCM, KeyID: "keyA"})
		require.NoError(t, err)
		got, err := h.DecryptLeaf(ctx, ct)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := h.EncryptLeaf(ctx, "x", crypto.FieldMetaData{Algorithm: "ROT13", KeyID: "keyA"})
	assert.ErrorIs(t, err, crypto.ErrConfiguration)
}

// recordingCipher remembers the metadata of the last format-preserving call.
type recordingCipher struct {
	Cipher
	last crypto.FieldMetaData
}

func (c *recordingCipher) CipherFieldFPE(ctx context.Context, plaintext string, fmd crypto.FieldMetaData) (string, error) {
	c.last = fmd
	return c.Cipher.CipherFieldFPE(ctx, plaintext, fmd)
}

func TestHandler_LeafDataType(t *testing.T) {
	ctx := context.Background()
	vault := newVault(t, testMaterials(t))

	t.Run("passed to the cipher", func(t *testing.T) {
		cipher := &recordingCipher{Cipher: kryptonite.New(vault)}
		h, err := NewHandler(cipher, serde.Codec{}, Options{DefaultKeyID: "keyF"})
		require.NoError(t, err)

		_, err = h.EncryptLeaf(ctx, "4111111111111111", crypto.FieldMetaData{
			Algorithm:       crypto.AlgorithmFPEFF31,
			KeyID:           "keyF",
			FpeAlphabetType: "DIGITS",
		})
		require.NoError(t, err)
		assert.Equal(t, "string", cipher.last.DataType)
	})

	t.Run("logged at trace level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Trace})
		h := newHandler(t, vault, Options{Logger: logger})

		_, err := h.EncryptLeaf(ctx, float64(42), crypto.FieldMetaData{Algorithm: crypto.AlgorithmTinkAESGCM, KeyID: "keyA"})
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "data_type=float64")
	})
}

func TestNewHandler_Validation(t *testing.T) {
	vault := newVault(t, testMaterials(t))

	_, err := NewHandler(kryptonite.New(vault), nil, Options{
		DefaultAlgorithm: "NOPE",
		FieldConfigs: []FieldConfig{
			{Name: "a"},
			{Name: "a"},
			{Name: "b", FieldMode: "SIDEWAYS"},
			{Name: ""},
		},
	})
	require.ErrorIs(t, err, crypto.ErrConfiguration)
	for _, want := range []string{"default algorithm", "duplicate name", "SIDEWAYS", "name is empty"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = NewHandler(nil, nil, Options{})
	assert.ErrorIs(t, err, crypto.ErrConfiguration)

	h, err := NewHandler(kryptonite.New(vault), nil, Options{FieldConfigs: []FieldConfig{{Name: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, h.Paths())

	t.Run("missing key id", func(t *testing.T) {
		_, err := h.EncryptFields(context.Background(), map[string]any{"x": "v"})
		assert.ErrorIs(t, err, crypto.ErrConfiguration)
	})
}

func TestParseFieldConfigs(t *testing.T) {
	configs, err := ParseFieldConfigs(`[{"name":"a.b","algorithm":"TINK/AES_GCM_SIV","keyId":"k","fieldMode":"OBJECT"}]`)
	require.NoError(t, err)
	assert.Equal(t, []FieldConfig{{Name: "a.b", Algorithm: crypto.AlgorithmTinkAESGCMSIV, KeyID: "k", FieldMode: ModeObject}}, configs)

	configs, err = ParseFieldConfigs("  ")
	require.NoError(t, err)
	assert.Nil(t, configs)

	_, err = ParseFieldConfigs("{")
	assert.ErrorIs(t, err, crypto.ErrConfiguration)
}
