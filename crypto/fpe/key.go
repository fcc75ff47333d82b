package fpe

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

const alphabetLenSize = 4

// EncodeKey packs an alphabet and key bytes as
// [4-byte big-endian alphabet length][alphabet bytes][key bytes].
func EncodeKey(alphabet string, key []byte) []byte {
	out := make([]byte, alphabetLenSize, alphabetLenSize+len(alphabet)+len(key))
	binary.BigEndian.PutUint32(out, uint32(len(alphabet)))
	out = append(out, alphabet...)
	return append(out, key...)
}

// DecodeKey reverses EncodeKey. The returned key aliases encoded.
func DecodeKey(encoded []byte) (string, []byte, error) {
	if len(encoded) < alphabetLenSize {
		return "", nil, fmt.Errorf("%w: encoded key too short", ErrInvalidKey)
	}
	n := binary.BigEndian.Uint32(encoded)
	rest := encoded[alphabetLenSize:]
	if uint64(n) > uint64(len(rest)) {
		return "", nil, fmt.Errorf("%w: alphabet length %d exceeds encoded key", ErrInvalidKey, n)
	}
	alphabet := string(rest[:n])
	if !utf8.ValidString(alphabet) {
		return "", nil, fmt.Errorf("%w: alphabet is not valid UTF-8", ErrInvalidKey)
	}
	return alphabet, rest[n:], nil
}

// Tweak encodings.
const (
	EncodingUTF8   = "UTF8"
	EncodingHex    = "HEX"
	EncodingBase64 = "BASE64"
)

// ParseTweak decodes a configured tweak. An empty tweak yields nil, which
// selects the all-zero default tweak.
func ParseTweak(tweak, encoding string) ([]byte, error) {
	if tweak == "" {
		return nil, nil
	}
	var (
		b   []byte
		err error
	)
	switch strings.ToUpper(strings.ReplaceAll(encoding, "-", "")) {
	case "", EncodingUTF8:
		b = []byte(tweak)
	case EncodingHex:
		b, err = hex.DecodeString(tweak)
	case EncodingBase64:
		b, err = base64.StdEncoding.DecodeString(tweak)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidTweak, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTweak, err)
	}
	if len(b) != TweakSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidTweak, TweakSize, len(b))
	}
	return b, nil
}
