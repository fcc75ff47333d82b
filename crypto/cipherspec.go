package crypto

import (
	"fmt"
	"sort"
)

// CipherSpecType tells which key accessor of the key vault a spec needs.
type CipherSpecType string

const (
	// CipherSpecTypeJCE specs work on raw key bytes.
	CipherSpecTypeJCE CipherSpecType = "JCE"
	// CipherSpecTypeTink specs work on Tink keyset handles.
	CipherSpecTypeTink CipherSpecType = "TINK"
)

// Algorithm names.
const (
	AlgorithmJCEAESGCM     = "JCE/AES_GCM"
	AlgorithmTinkAESGCM    = "TINK/AES_GCM"
	AlgorithmTinkAESGCMSIV = "TINK/AES_GCM_SIV"
	AlgorithmFPEFF31       = "CUSTOM/FPE_FF3_1"
)

// CipherSpec binds an algorithm name to its provider.
type CipherSpec struct {
	typ      CipherSpecType
	name     string
	provider Provider
}

// Type returns the cipher spec type.
func (s CipherSpec) Type() CipherSpecType { return s.typ }

// Name returns the algorithm name.
func (s CipherSpec) Name() string { return s.name }

// Provider returns the primitive implementing the algorithm.
func (s CipherSpec) Provider() Provider { return s.provider }

// FormatPreserving reports whether ciphertexts keep the plaintext format and
// therefore are not wrapped in an EncryptedField.
func (s CipherSpec) FormatPreserving() bool { return s.name == AlgorithmFPEFF31 }

// Equal compares specs by type and name.
func (s CipherSpec) Equal(other CipherSpec) bool {
	return s.typ == other.typ && s.name == other.name
}

func (s CipherSpec) String() string { return s.name }

// Registry tables. Written only from init, read-only afterwards. An id, once
// assigned, is part of the wire format and must never be reused.
var (
	specsByName = make(map[string]CipherSpec)
	idsByName   = make(map[string]string)
	namesByID   = make(map[string]string)
)

func init() {
	register("00", CipherSpec{typ: CipherSpecTypeJCE, name: AlgorithmJCEAESGCM, provider: &AES256GCM{}})
	register("01", CipherSpec{typ: CipherSpecTypeTink, name: AlgorithmTinkAESGCM, provider: &TinkAEAD{}})
	register("02", CipherSpec{typ: CipherSpecTypeTink, name: AlgorithmTinkAESGCMSIV, provider: &TinkDeterministicAEAD{}})
	register("03", CipherSpec{typ: CipherSpecTypeJCE, name: AlgorithmFPEFF31, provider: &FPEFF31{}})
}

func register(id string, spec CipherSpec) {
	if len(id) != AlgorithmIDLength {
		panic(fmt.Sprintf("crypto: algorithm id %q must have %d characters", id, AlgorithmIDLength))
	}
	if _, exists := namesByID[id]; exists {
		panic(fmt.Sprintf("crypto: algorithm id %q registered twice", id))
	}
	specsByName[spec.name] = spec
	idsByName[spec.name] = id
	namesByID[id] = spec.name
}

// CipherSpecFromName looks up a spec by algorithm name.
func CipherSpecFromName(name string) (CipherSpec, error) {
	spec, ok := specsByName[name]
	if !ok {
		return CipherSpec{}, fmt.Errorf("%w: unknown cipher algorithm %q", ErrInvalidArgument, name)
	}
	return spec, nil
}

// CipherSpecFromID looks up a spec by its 2-character wire id.
func CipherSpecFromID(id string) (CipherSpec, error) {
	name, ok := namesByID[id]
	if !ok {
		return CipherSpec{}, fmt.Errorf("%w: unknown cipher algorithm id %q", ErrInvalidArgument, id)
	}
	return specsByName[name], nil
}

// AlgorithmID returns the wire id registered for an algorithm name.
func AlgorithmID(name string) (string, error) {
	id, ok := idsByName[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown cipher algorithm %q", ErrInvalidArgument, name)
	}
	return id, nil
}

// AlgorithmNames lists the registered algorithm names in sorted order.
func AlgorithmNames() []string {
	names := make([]string, 0, len(specsByName))
	for name := range specsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
