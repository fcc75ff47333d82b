package fpe

import (
	"fmt"
	"strings"
)

// AlphabetType names one of the predefined alphabets.
type AlphabetType string

const (
	AlphabetDigits               AlphabetType = "DIGITS"
	AlphabetUppercase            AlphabetType = "UPPERCASE"
	AlphabetLowercase            AlphabetType = "LOWERCASE"
	AlphabetAlphanumeric         AlphabetType = "ALPHANUMERIC"
	AlphabetAlphanumericExtended AlphabetType = "ALPHANUMERIC_EXTENDED"
	AlphabetHexadecimal          AlphabetType = "HEXADECIMAL"
	AlphabetCustom               AlphabetType = "CUSTOM"
)

const (
	digits    = "0123456789"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowercase = "abcdefghijklmnopqrstuvwxyz"
)

var alphabets = map[AlphabetType]string{
	AlphabetDigits:               digits,
	AlphabetUppercase:            uppercase,
	AlphabetLowercase:            lowercase,
	AlphabetAlphanumeric:         digits + uppercase + lowercase,
	AlphabetAlphanumericExtended: digits + uppercase + lowercase + ` _,.!?@%$&"'^-+*/;:#(){}[]<>=~|`,
	AlphabetHexadecimal:          digits + "ABCDEF",
}

// Alphabet resolves an alphabet type. CUSTOM returns custom as given; an empty
// type defaults to ALPHANUMERIC.
func Alphabet(typ AlphabetType, custom string) (string, error) {
	t := AlphabetType(strings.ToUpper(string(typ)))
	if t == "" {
		t = AlphabetAlphanumeric
	}
	if t == AlphabetCustom {
		if custom == "" {
			return "", fmt.Errorf("%w: custom alphabet type without characters", ErrInvalidAlphabet)
		}
		return custom, nil
	}
	a, ok := alphabets[t]
	if !ok {
		return "", fmt.Errorf("%w: unknown alphabet type %q", ErrInvalidAlphabet, typ)
	}
	return a, nil
}
