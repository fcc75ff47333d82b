// Package fpe implements the FF3-1 format-preserving cipher (NIST SP 800-38G
// Rev. 1) over arbitrary alphabets.
package fpe

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"
)

// Error definitions
var (
	ErrInvalidAlphabet = errors.New("invalid alphabet")
	ErrInvalidKey      = errors.New("invalid fpe key")
	ErrInvalidTweak    = errors.New("invalid tweak")
	ErrInvalidInput    = errors.New("invalid fpe input")
)

// TweakSize is the FF3-1 tweak length in bytes (56 bits).
const TweakSize = 7

const (
	rounds      = 8
	maxRadix    = 1 << 16
	minDomain   = 1_000_000
	numBytesLen = 12
)

// FF31 is an FF3-1 cipher bound to a key and an alphabet. It is safe for
// concurrent use.
type FF31 struct {
	block    cipher.Block
	alphabet []rune
	index    map[rune]int
	radix    *big.Int
	minLen   int
	maxLen   int
}

// NewFF31 creates a cipher. The key must be 16, 24 or 32 bytes and the
// alphabet must hold at least two distinct characters.
func NewFF31(key []byte, alphabet string) (*FF31, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: key must be 16, 24 or 32 bytes, got %d", ErrInvalidKey, len(key))
	}
	if !utf8.ValidString(alphabet) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidAlphabet)
	}

	runes := []rune(alphabet)
	if len(runes) < 2 {
		return nil, fmt.Errorf("%w: at least 2 characters required", ErrInvalidAlphabet)
	}
	if len(runes) > maxRadix {
		return nil, fmt.Errorf("%w: at most %d characters allowed", ErrInvalidAlphabet, maxRadix)
	}
	index := make(map[rune]int, len(runes))
	for i, r := range runes {
		if _, dup := index[r]; dup {
			return nil, fmt.Errorf("%w: duplicate character %q", ErrInvalidAlphabet, r)
		}
		index[r] = i
	}

	// The round function uses AES under the byte-reversed key.
	reversed := make([]byte, len(key))
	copy(reversed, key)
	reverseBytes(reversed)
	block, err := aes.NewCipher(reversed)
	clear(reversed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	radix := big.NewInt(int64(len(runes)))
	c := &FF31{
		block:    block,
		alphabet: runes,
		index:    index,
		radix:    radix,
	}
	c.minLen, c.maxLen = lengthBounds(radix)
	return c, nil
}

// lengthBounds returns the smallest length with radix^len >= 1,000,000 and
// 2 * floor(log_radix(2^96)).
func lengthBounds(radix *big.Int) (int, int) {
	minLen := 0
	for p := big.NewInt(1); p.Cmp(big.NewInt(minDomain)) < 0; p.Mul(p, radix) {
		minLen++
	}
	if minLen < 2 {
		minLen = 2
	}

	limit := new(big.Int).Lsh(big.NewInt(1), 96)
	half := 0
	for p := new(big.Int).Set(radix); p.Cmp(limit) <= 0; p.Mul(p, radix) {
		half++
	}
	return minLen, 2 * half
}

// Alphabet returns the alphabet the cipher was built with.
func (c *FF31) Alphabet() string { return string(c.alphabet) }

// Encrypt encrypts a string drawn from the alphabet. An empty tweak selects
// the all-zero default tweak.
func (c *FF31) Encrypt(plaintext string, tweak []byte) (string, error) {
	return c.run(plaintext, tweak, true)
}

// Decrypt reverses Encrypt.
func (c *FF31) Decrypt(ciphertext string, tweak []byte) (string, error) {
	return c.run(ciphertext, tweak, false)
}

func (c *FF31) run(input string, tweak []byte, encrypt bool) (string, error) {
	digits, err := c.toDigits(input)
	if err != nil {
		return "", err
	}
	if len(digits) < c.minLen || len(digits) > c.maxLen {
		return "", fmt.Errorf("%w: length %d outside [%d, %d] for an alphabet of %d characters",
			ErrInvalidInput, len(digits), c.minLen, c.maxLen, len(c.alphabet))
	}
	tL, tR, err := splitTweak(tweak)
	if err != nil {
		return "", err
	}

	n := len(digits)
	u := (n + 1) / 2
	v := n - u
	a := digits[:u]
	b := digits[u:]
	modU := new(big.Int).Exp(c.radix, big.NewInt(int64(u)), nil)
	modV := new(big.Int).Exp(c.radix, big.NewInt(int64(v)), nil)

	if encrypt {
		for i := 0; i < rounds; i++ {
			m, mod, w := u, modU, tR
			if i%2 == 1 {
				m, mod, w = v, modV, tL
			}
			y := c.roundValue(w, i, b)
			y.Add(y, c.num(a)).Mod(y, mod)
			a, b = b, c.str(y, m)
		}
	} else {
		for i := rounds - 1; i >= 0; i-- {
			m, mod, w := u, modU, tR
			if i%2 == 1 {
				m, mod, w = v, modV, tL
			}
			y := c.roundValue(w, i, a)
			y.Sub(c.num(b), y).Mod(y, mod)
			b, a = a, c.str(y, m)
		}
	}

	out := make([]rune, 0, n)
	for _, d := range a {
		out = append(out, c.alphabet[d])
	}
	for _, d := range b {
		out = append(out, c.alphabet[d])
	}
	return string(out), nil
}

// toDigits validates every character before any cipher work is done.
func (c *FF31) toDigits(s string) ([]int, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidInput)
	}
	digits := make([]int, 0, len(s))
	for pos, r := range []rune(s) {
		d, ok := c.index[r]
		if !ok {
			return nil, fmt.Errorf("%w: character at position %d is not part of the alphabet", ErrInvalidInput, pos)
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// roundValue computes NUM(REVB(CIPH_REVB(K)(REVB(P)))) for round i, where
// P = W xor [i]^4 || [NUM_radix(REV(x))]^12.
func (c *FF31) roundValue(w [4]byte, i int, x []int) *big.Int {
	var p [aes.BlockSize]byte
	copy(p[:4], w[:])
	p[3] ^= byte(i)
	c.num(x).FillBytes(p[4 : 4+numBytesLen])

	reverseBytes(p[:])
	var s [aes.BlockSize]byte
	c.block.Encrypt(s[:], p[:])
	reverseBytes(s[:])
	return new(big.Int).SetBytes(s[:])
}

// num returns NUM_radix(REV(x)), i.e. x read as a little-endian number.
func (c *FF31) num(x []int) *big.Int {
	v := new(big.Int)
	d := new(big.Int)
	for i := len(x) - 1; i >= 0; i-- {
		v.Mul(v, c.radix)
		v.Add(v, d.SetInt64(int64(x[i])))
	}
	return v
}

// str returns REV(STR^m_radix(v)), i.e. m little-endian digits of v.
func (c *FF31) str(v *big.Int, m int) []int {
	out := make([]int, m)
	q := new(big.Int).Set(v)
	r := new(big.Int)
	for i := 0; i < m; i++ {
		q.QuoRem(q, c.radix, r)
		out[i] = int(r.Int64())
	}
	return out
}

// splitTweak derives the 32-bit tweak halves T_L and T_R from a 56-bit tweak.
func splitTweak(tweak []byte) (tL, tR [4]byte, err error) {
	if len(tweak) == 0 {
		tweak = make([]byte, TweakSize)
	}
	if len(tweak) != TweakSize {
		return tL, tR, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidTweak, TweakSize, len(tweak))
	}
	tL = [4]byte{tweak[0], tweak[1], tweak[2], tweak[3] & 0xf0}
	tR = [4]byte{tweak[4], tweak[5], tweak[6], (tweak[3] & 0x0f) << 4}
	return tL, tR, nil
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
