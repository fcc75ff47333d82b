package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kryptonite"
	"kryptonite/crypto"
	"kryptonite/keyvault"
	"kryptonite/kms"
)

func decodeEntries(t *testing.T, out *bytes.Buffer) []keyvault.Entry {
	t.Helper()
	var entries []keyvault.Entry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	return entries
}

func TestKeygen(t *testing.T) {
	ctx := context.Background()

	t.Run("cleartext keysets", func(t *testing.T) {
		for _, keyType := range []string{"AES_GCM", "AES_GCM_SIV", "fpe_ff3_1"} {
			var out bytes.Buffer
			require.NoError(t, runKeygen(ctx, &out, keygenOptions{keyType: keyType, identifier: "k1"}), keyType)

			entries := decodeEntries(t, &out)
			require.Len(t, entries, 1)
			assert.Equal(t, "k1", entries[0].Identifier)

			v, err := keyvault.NewConfigVault(entries)
			require.NoError(t, err, keyType)
			assert.Equal(t, 1, v.Len())
		}
	})

	t.Run("format preserving key material", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runKeygen(ctx, &out, keygenOptions{keyType: "FPE_FF3_1", identifier: "cards"}))
		v, err := keyvault.NewConfigVault(decodeEntries(t, &out))
		require.NoError(t, err)
		raw, err := v.ReadKey(ctx, "cards")
		require.NoError(t, err)
		assert.Len(t, raw, crypto.FPEKeySize)
	})

	t.Run("wrapped with a local KEK", func(t *testing.T) {
		key := bytes.Repeat([]byte{0x07}, 32)
		var out bytes.Buffer
		require.NoError(t, runKeygen(ctx, &out, keygenOptions{
			keyType:    "AES_GCM",
			identifier: "wrapped",
			kekType:    "LOCAL",
			kekConfig:  fmt.Sprintf(`{"key": %q}`, base64.StdEncoding.EncodeToString(key)),
		}))
		entries := decodeEntries(t, &out)

		_, err := keyvault.NewConfigVault(entries)
		assert.Error(t, err, "wrapped material is not a cleartext keyset")

		kek, err := kms.NewLocalProviderFromKey(ctx, key)
		require.NoError(t, err)
		v, err := keyvault.NewEncryptedConfigVault(ctx, entries, kek)
		require.NoError(t, err)
		_, err = v.ReadKeysetHandle(ctx, "wrapped")
		require.NoError(t, err)
	})

	t.Run("errors", func(t *testing.T) {
		var out bytes.Buffer
		assert.ErrorIs(t, runKeygen(ctx, &out, keygenOptions{keyType: "ROT13", identifier: "k"}), crypto.ErrInvalidArgument)
		assert.ErrorIs(t, runKeygen(ctx, &out, keygenOptions{keyType: "AES_GCM"}), crypto.ErrInvalidArgument)
		assert.ErrorIs(t, runKeygen(ctx, &out, keygenOptions{keyType: "AES_GCM", identifier: "k", kekType: "NOPE"}), crypto.ErrConfiguration)
		assert.Zero(t, out.Len())
	})

	t.Run("through the root command", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"keygen", "--type", "AES_GCM_SIV", "--identifier", "siv"})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "siv", decodeEntries(t, &out)[0].Identifier)
	})
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	var entries []keyvault.Entry
	for _, id := range []string{"keyA", "keyB"} {
		ks, err := crypto.GenerateKeyset(crypto.AlgorithmTinkAESGCM)
		require.NoError(t, err)
		material, err := crypto.WriteKeysetJSON(ks)
		require.NoError(t, err)
		entries = append(entries, keyvault.Entry{Identifier: id, Material: material})
	}
	vault, err := keyvault.NewConfigVault(entries)
	require.NoError(t, err)
	engine := kryptonite.New(vault)

	encrypt := func(keyID, plaintext string) string {
		meta, err := crypto.PayloadMetaDataFrom(crypto.FieldMetaData{Algorithm: crypto.AlgorithmTinkAESGCM, KeyID: keyID})
		require.NoError(t, err)
		field, err := engine.CipherField(ctx, []byte(plaintext), meta)
		require.NoError(t, err)
		return field.Encode()
	}

	records := []kryptonite.EncryptedRecord{
		{ID: "1", EncryptedFields: map[string]string{"ssn": encrypt("keyA", "123")}},
		{ID: "2", EncryptedFields: map[string]string{"ssn": encrypt("keyB", "456")}},
	}
	in, err := json.Marshal(records)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runRotate(ctx, engine, bytes.NewReader(in), &out,
		rotateOptions{algorithm: crypto.AlgorithmTinkAESGCM, keyID: "keyB"}, hclog.NewNullLogger()))

	var rotated []kryptonite.EncryptedRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rotated))
	require.Len(t, rotated, 2)
	assert.Equal(t, records[1].EncryptedFields["ssn"], rotated[1].EncryptedFields["ssn"])

	for i, want := range []string{"123", "456"} {
		field, err := crypto.DecodeEncryptedField(rotated[i].EncryptedFields["ssn"])
		require.NoError(t, err)
		assert.Equal(t, "keyB", field.MetaData().KeyID)
		plaintext, err := engine.DecipherField(ctx, field)
		require.NoError(t, err)
		assert.Equal(t, want, string(plaintext))
	}

	t.Run("malformed input", func(t *testing.T) {
		err := runRotate(ctx, engine, strings.NewReader("{"), &out,
			rotateOptions{algorithm: crypto.AlgorithmTinkAESGCM, keyID: "keyB"}, hclog.NewNullLogger())
		assert.ErrorIs(t, err, crypto.ErrInvalidArgument)
	})

	t.Run("undecryptable field fails the run", func(t *testing.T) {
		broken := []kryptonite.EncryptedRecord{
			{ID: "1", EncryptedFields: map[string]string{"ssn": encrypt("keyA", "123"), "pin": "not-a-ciphertext"}},
		}
		data, err := json.Marshal(broken)
		require.NoError(t, err)

		var out bytes.Buffer
		err = runRotate(ctx, engine, bytes.NewReader(data), &out,
			rotateOptions{algorithm: crypto.AlgorithmTinkAESGCM, keyID: "keyB"}, hclog.NewNullLogger())
		require.ErrorIs(t, err, crypto.ErrCryptoFailure)
		assert.Contains(t, err.Error(), "1 fields")

		var rotated []kryptonite.EncryptedRecord
		require.NoError(t, json.Unmarshal(out.Bytes(), &rotated))
		require.Len(t, rotated, 1)
		assert.Equal(t, "not-a-ciphertext", rotated[0].EncryptedFields["pin"])
		field, err := crypto.DecodeEncryptedField(rotated[0].EncryptedFields["ssn"])
		require.NoError(t, err)
		assert.Equal(t, "keyB", field.MetaData().KeyID)
	})

	t.Run("format preserving target rejected", func(t *testing.T) {
		err := runRotate(ctx, engine, bytes.NewReader(in), &out,
			rotateOptions{algorithm: crypto.AlgorithmFPEFF31, keyID: "keyB"}, hclog.NewNullLogger())
		assert.ErrorIs(t, err, crypto.ErrConfiguration)
	})
}
