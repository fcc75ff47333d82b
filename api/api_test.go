package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kryptonite"
	"kryptonite/crypto"
	"kryptonite/keyvault"
	"kryptonite/record"
)

func keysetJSON(t *testing.T, algorithm string) json.RawMessage {
	t.Helper()
	ks, err := crypto.GenerateKeyset(algorithm)
	require.NoError(t, err)
	data, err := crypto.WriteKeysetJSON(ks)
	require.NoError(t, err)
	return data
}

func newTestServer(t *testing.T, opt ...Option) *httptest.Server {
	t.Helper()
	vault, err := keyvault.NewConfigVault([]keyvault.Entry{
		{Identifier: "keyA", Material: keysetJSON(t, crypto.AlgorithmTinkAESGCM)},
		{Identifier: "keyF", Material: keysetJSON(t, crypto.AlgorithmFPEFF31)},
	})
	require.NoError(t, err)
	engine := kryptonite.New(vault)
	handler, err := record.NewHandler(engine, nil, record.Options{
		DefaultKeyID: "keyA",
		FieldConfigs: []record.FieldConfig{
			{Name: "id"},
			{Name: "card", Algorithm: crypto.AlgorithmFPEFF31, KeyID: "keyF", FpeAlphabetType: "DIGITS"},
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(handler, engine, vault, opt...).Router())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestValueEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("round trip", func(t *testing.T) {
		for _, v := range []any{"secret", float64(7), true, []any{"a", "b"}, map[string]any{"k": "v"}} {
			status, out := post(t, srv, "/api/v1/encrypt/value", ValueRequest{Value: v})
			require.Equal(t, http.StatusOK, status, out)
			ct, ok := out["value"].(string)
			require.True(t, ok)
			assert.True(t, crypto.IsEncrypted(ct))

			status, out = post(t, srv, "/api/v1/decrypt/value", ValueRequest{Value: ct})
			require.Equal(t, http.StatusOK, status, out)
			assert.Equal(t, v, out["value"])
		}
	})

	t.Run("format preserving", func(t *testing.T) {
		req := ValueRequest{
			Value:           "4111111111111111",
			Algorithm:       crypto.AlgorithmFPEFF31,
			KeyID:           "keyF",
			FpeAlphabetType: "DIGITS",
		}
		status, out := post(t, srv, "/api/v1/encrypt/value", req)
		require.Equal(t, http.StatusOK, status, out)
		ct := out["value"].(string)
		assert.Len(t, ct, 16)

		req.Value = ct
		status, out = post(t, srv, "/api/v1/decrypt/value", req)
		require.Equal(t, http.StatusOK, status, out)
		assert.Equal(t, "4111111111111111", out["value"])
	})

	t.Run("error statuses", func(t *testing.T) {
		status, out := post(t, srv, "/api/v1/encrypt/value", ValueRequest{Value: "x", KeyID: "missing"})
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Contains(t, out["error"], "missing")

		status, _ = post(t, srv, "/api/v1/encrypt/value", ValueRequest{Value: "x", Algorithm: "ROT13"})
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = post(t, srv, "/api/v1/decrypt/value", ValueRequest{Value: "bm90IGEgZmllbGQ="})
		assert.Equal(t, http.StatusUnprocessableEntity, status)

		status, _ = post(t, srv, "/api/v1/decrypt/value", ValueRequest{Value: 42})
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = post(t, srv, "/api/v1/encrypt/value", "not an object")
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestRecordEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := map[string]any{"id": "42", "card": "4111111111111111", "name": "alice"}
	status, encrypted := post(t, srv, "/api/v1/encrypt/record", rec)
	require.Equal(t, http.StatusOK, status, encrypted)
	assert.NotEqual(t, "42", encrypted["id"])
	assert.NotEqual(t, "4111111111111111", encrypted["card"])
	assert.Equal(t, "alice", encrypted["name"])

	status, decrypted := post(t, srv, "/api/v1/decrypt/record", encrypted)
	require.Equal(t, http.StatusOK, status, decrypted)
	assert.Equal(t, rec, decrypted)

	status, out := post(t, srv, "/api/v1/encrypt/record", map[string]any{"card": "4111-1111"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.NotContains(t, out["error"], "4111-1111")

	status, _ = post(t, srv, "/api/v1/encrypt/record", []any{"not", "a", "record"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuthenticationAndHealth(t *testing.T) {
	srv := newTestServer(t, WithAuthenticator(BearerToken("s3cret")))

	status, _ := post(t, srv, "/api/v1/encrypt/value", ValueRequest{Value: "x"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = post(t, srv, "/api/v1/encrypt/value", ValueRequest{Value: "x"}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, status)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(2), health["keys"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		crypto.ErrConfiguration:   http.StatusBadRequest,
		crypto.ErrInvalidArgument: http.StatusBadRequest,
		crypto.ErrFieldNotFound:   http.StatusBadRequest,
		crypto.ErrKeyNotFound:     http.StatusUnprocessableEntity,
		crypto.ErrKeyInvalid:      http.StatusUnprocessableEntity,
		crypto.ErrCryptoFailure:   http.StatusUnprocessableEntity,
		assert.AnError:            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
