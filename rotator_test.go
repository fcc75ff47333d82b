package kryptonite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kryptonite/crypto"
)

func TestRotator_Rotate(t *testing.T) {
	ctx := context.Background()
	k := newTestEngine(t)

	r, err := NewRotator(k, crypto.FieldMetaData{Algorithm: crypto.AlgorithmTinkAESGCMSIV, KeyID: "keyB"})
	require.NoError(t, err)

	old, err := k.CipherField(ctx, []byte("payload"), payloadMeta(t, crypto.AlgorithmTinkAESGCM, "keyA"))
	require.NoError(t, err)

	t.Run("re-encrypts under the target", func(t *testing.T) {
		rotated, changed, err := r.Rotate(ctx, old.Encode())
		require.NoError(t, err)
		assert.True(t, changed)

		field, err := crypto.DecodeEncryptedField(rotated)
		require.NoError(t, err)
		assert.Equal(t, "keyB", field.MetaData().KeyID)
		assert.Equal(t, "02", field.MetaData().AlgorithmID)

		plaintext, err := k.DecipherField(ctx, field)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(plaintext))

		again, changed, err := r.Rotate(ctx, rotated)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, rotated, again)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, _, err := r.Rotate(ctx, "not-an-encrypted-field")
		assert.ErrorIs(t, err, crypto.ErrCryptoFailure)
	})

	t.Run("rejects format-preserving target", func(t *testing.T) {
		_, err := NewRotator(k, crypto.FieldMetaData{Algorithm: crypto.AlgorithmFPEFF31, KeyID: "keyD"})
		assert.ErrorIs(t, err, crypto.ErrConfiguration)
	})
}

func TestRotator_RotateRecords(t *testing.T) {
	ctx := context.Background()
	k := newTestEngine(t)

	encode := func(keyID, value string) string {
		field, err := k.CipherField(ctx, []byte(value), payloadMeta(t, crypto.AlgorithmTinkAESGCM, keyID))
		require.NoError(t, err)
		return field.Encode()
	}

	current := encode("keyE", "already current")
	records := []EncryptedRecord{
		{ID: "1", EncryptedFields: map[string]string{"a": encode("keyA", "one"), "b": current}},
		{ID: "2", EncryptedFields: map[string]string{"a": current}},
		{ID: "3", EncryptedFields: map[string]string{"a": "garbage", "b": encode("keyA", "three")}},
	}

	r, err := NewRotator(k, crypto.FieldMetaData{Algorithm: crypto.AlgorithmTinkAESGCM, KeyID: "keyE"})
	require.NoError(t, err)

	updated := map[string]EncryptedRecord{}
	migrated, skipped, err := r.RotateRecords(ctx, records, 2, func(rec *EncryptedRecord) error {
		updated[rec.ID] = *rec
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, migrated)
	assert.Equal(t, 1, skipped)
	assert.ElementsMatch(t, []string{"1", "3"}, keysOf(updated))

	assert.Equal(t, current, updated["1"].EncryptedFields["b"])
	assert.Equal(t, "garbage", updated["3"].EncryptedFields["a"])

	field, err := crypto.DecodeEncryptedField(updated["3"].EncryptedFields["b"])
	require.NoError(t, err)
	assert.Equal(t, "keyE", field.MetaData().KeyID)

	t.Run("update failure aborts", func(t *testing.T) {
		records := []EncryptedRecord{{ID: "x", EncryptedFields: map[string]string{"a": encode("keyA", "v")}}}
		_, _, err := r.RotateRecords(ctx, records, 0, func(*EncryptedRecord) error {
			return errors.New("database is read-only")
		})
		assert.Error(t, err)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := r.RotateRecords(cctx, records, 1, func(*EncryptedRecord) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func keysOf(m map[string]EncryptedRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
