package fpe

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x2b}, 32)

func newCipher(t *testing.T, alphabet string) *FF31 {
	t.Helper()
	c, err := NewFF31(testKey, alphabet)
	require.NoError(t, err)
	return c
}

func TestFF31_RoundTrip(t *testing.T) {
	tweak := []byte{0xd8, 0xe7, 0x92, 0x0a, 0xfa, 0x33, 0x0a}

	tests := []struct {
		name      string
		alphabet  string
		plaintext string
	}{
		{"digits", digits, "4111111111111111"},
		{"digits odd length", digits, "1234567"},
		{"uppercase", uppercase, "HELLOWORLD"},
		{"alphanumeric", digits + uppercase + lowercase, "aB3dE5gH"},
		{"hexadecimal", digits + "ABCDEF", "DEADBEEF00"},
		{"custom multibyte", "αβγδεζηθικλμνξοπ", "αβγδεζηθ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCipher(t, tt.alphabet)

			ct, err := c.Encrypt(tt.plaintext, tweak)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, ct)
			assert.Equal(t, utf8.RuneCountInString(tt.plaintext), utf8.RuneCountInString(ct))
			for _, r := range ct {
				assert.True(t, strings.ContainsRune(tt.alphabet, r), "ciphertext rune %q outside alphabet", r)
			}

			pt, err := c.Decrypt(ct, tweak)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, pt)
		})
	}
}

func TestFF31_KnownAnswers(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		tweak      string
		plaintext  string
		ciphertext string
	}{
		{
			name:       "NIST FF3 sample 4 zero tweak",
			key:        "EF4359D8D580AA4F7F036D6F04FC6A94",
			plaintext:  "89012123456789000000789000000",
			ciphertext: "34695224821734535122613701434",
		},
		{
			name:       "ACVP FF3-1 AES-128 radix 10",
			key:        "2DE79D232DF5585D68CE47882AE256D6",
			tweak:      "CBD09280979564",
			plaintext:  "3992520240",
			ciphertext: "8901801106",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := hex.DecodeString(tt.key)
			require.NoError(t, err)
			tweak, err := hex.DecodeString(tt.tweak)
			require.NoError(t, err)
			c, err := NewFF31(key, digits)
			require.NoError(t, err)

			ct, err := c.Encrypt(tt.plaintext, tweak)
			require.NoError(t, err)
			assert.Equal(t, tt.ciphertext, ct)

			pt, err := c.Decrypt(tt.ciphertext, tweak)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, pt)
		})
	}
}

func TestFF31_Deterministic(t *testing.T) {
	c := newCipher(t, digits)

	ct1, err := c.Encrypt("0123456789", nil)
	require.NoError(t, err)
	ct2, err := c.Encrypt("0123456789", nil)
	require.NoError(t, err)
	assert.Equal(t, ct1, ct2)

	zero, err := c.Encrypt("0123456789", make([]byte, TweakSize))
	require.NoError(t, err)
	assert.Equal(t, ct1, zero, "empty tweak equals the all-zero tweak")

	other, err := c.Encrypt("0123456789", []byte("abcdefg"))
	require.NoError(t, err)
	assert.NotEqual(t, ct1, other, "tweak changes the ciphertext")
}

func TestFF31_KeyChangesOutput(t *testing.T) {
	c1 := newCipher(t, digits)
	c2, err := NewFF31(bytes.Repeat([]byte{0x7e}, 16), digits)
	require.NoError(t, err)

	ct1, err := c1.Encrypt("9876543210", nil)
	require.NoError(t, err)
	ct2, err := c2.Encrypt("9876543210", nil)
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestFF31_InvalidInput(t *testing.T) {
	c := newCipher(t, digits)

	t.Run("character outside alphabet", func(t *testing.T) {
		_, err := c.Encrypt("12345a7890", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := c.Encrypt("12345", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("too long", func(t *testing.T) {
		_, err := c.Encrypt(strings.Repeat("1", 57), nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("max length accepted", func(t *testing.T) {
		in := strings.Repeat("7", 56)
		ct, err := c.Encrypt(in, nil)
		require.NoError(t, err)
		pt, err := c.Decrypt(ct, nil)
		require.NoError(t, err)
		assert.Equal(t, in, pt)
	})

	t.Run("bad tweak length", func(t *testing.T) {
		_, err := c.Encrypt("1234567890", []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidTweak)
	})
}

func TestNewFF31_Validation(t *testing.T) {
	tests := []struct {
		name     string
		key      []byte
		alphabet string
		err      error
	}{
		{"short key", make([]byte, 8), digits, ErrInvalidKey},
		{"odd key", make([]byte, 20), digits, ErrInvalidKey},
		{"single character", testKey, "0", ErrInvalidAlphabet},
		{"duplicate character", testKey, "0123456789A0", ErrInvalidAlphabet},
		{"invalid utf8", testKey, "01\xff", ErrInvalidAlphabet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFF31(tt.key, tt.alphabet)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLengthBounds(t *testing.T) {
	tests := []struct {
		radix    int64
		min, max int
	}{
		{2, 20, 192},
		{10, 6, 56},
		{16, 5, 48},
		{26, 5, 40},
		{62, 4, 32},
	}
	for _, tt := range tests {
		minLen, maxLen := lengthBounds(big.NewInt(tt.radix))
		assert.Equal(t, tt.min, minLen, "radix %d", tt.radix)
		assert.Equal(t, tt.max, maxLen, "radix %d", tt.radix)
	}
}

func TestSplitTweak(t *testing.T) {
	tL, tR, err := splitTweak([]byte{0x01, 0x02, 0x03, 0xab, 0x04, 0x05, 0x06})
	require.NoError(t, err)
	assert.Equal(t, [4]byte{0x01, 0x02, 0x03, 0xa0}, tL)
	assert.Equal(t, [4]byte{0x04, 0x05, 0x06, 0xb0}, tR)
}
