package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadVersion is the crypto version written into new payload metadata.
const PayloadVersion = "k1"

// Fixed widths of the metadata prefix. The key id is the only variable-width
// part and always comes last, which keeps the AAD concatenation unambiguous.
const (
	PayloadVersionLength = 2
	AlgorithmIDLength    = 2
)

// Protobuf field numbers of the binary EncryptedField form.
const (
	fieldMetaData   protowire.Number = 1
	fieldCiphertext protowire.Number = 2

	fieldVersion     protowire.Number = 1
	fieldAlgorithmID protowire.Number = 2
	fieldKeyID       protowire.Number = 3
)

// FieldMetaData is the policy for encrypting a single field.
type FieldMetaData struct {
	Algorithm string `json:"algorithm"`
	// DataType is the Go type of the plaintext, recorded for diagnostics only.
	DataType          string `json:"dataType,omitempty"`
	KeyID             string `json:"keyId"`
	FpeTweak          string `json:"fpeTweak,omitempty"`
	FpeAlphabetType   string `json:"fpeAlphabetType,omitempty"`
	FpeAlphabetCustom string `json:"fpeAlphabetCustom,omitempty"`
	// Encoding tells how FpeTweak is encoded: UTF8 (default), HEX or BASE64.
	Encoding string `json:"encoding,omitempty"`
}

// PayloadMetaData identifies the crypto version, algorithm and key that
// produced a ciphertext. Its byte form is bound into the ciphertext as AAD.
type PayloadMetaData struct {
	Version     string
	AlgorithmID string
	KeyID       string
}

// NewPayloadMetaData validates and builds payload metadata.
func NewPayloadMetaData(version, algorithmID, keyID string) (PayloadMetaData, error) {
	m := PayloadMetaData{Version: version, AlgorithmID: algorithmID, KeyID: keyID}
	if err := m.validate(); err != nil {
		return PayloadMetaData{}, err
	}
	return m, nil
}

// PayloadMetaDataFrom derives payload metadata for the current crypto
// version from a field policy.
func PayloadMetaDataFrom(fmd FieldMetaData) (PayloadMetaData, error) {
	id, err := AlgorithmID(fmd.Algorithm)
	if err != nil {
		return PayloadMetaData{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	m, err := NewPayloadMetaData(PayloadVersion, id, fmd.KeyID)
	if err != nil {
		return PayloadMetaData{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return m, nil
}

func (m PayloadMetaData) validate() error {
	if len(m.Version) != PayloadVersionLength {
		return fmt.Errorf("%w: payload version %q must have %d characters", ErrInvalidArgument, m.Version, PayloadVersionLength)
	}
	if len(m.AlgorithmID) != AlgorithmIDLength {
		return fmt.Errorf("%w: algorithm id %q must have %d characters", ErrInvalidArgument, m.AlgorithmID, AlgorithmIDLength)
	}
	if m.KeyID == "" {
		return fmt.Errorf("%w: key id is empty", ErrInvalidArgument)
	}
	return nil
}

// Bytes returns version || algorithmId || keyId without delimiters.
func (m PayloadMetaData) Bytes() []byte {
	b := make([]byte, 0, len(m.Version)+len(m.AlgorithmID)+len(m.KeyID))
	b = append(b, m.Version...)
	b = append(b, m.AlgorithmID...)
	b = append(b, m.KeyID...)
	return b
}

// CipherSpec resolves the cipher spec named by the algorithm id.
func (m PayloadMetaData) CipherSpec() (CipherSpec, error) {
	return CipherSpecFromID(m.AlgorithmID)
}

func (m PayloadMetaData) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, fieldAlgorithmID, protowire.BytesType)
	b = protowire.AppendString(b, m.AlgorithmID)
	b = protowire.AppendTag(b, fieldKeyID, protowire.BytesType)
	b = protowire.AppendString(b, m.KeyID)
	return b
}

func unmarshalPayloadMetaData(b []byte) (PayloadMetaData, error) {
	var m PayloadMetaData
	err := consumeBytesFields(b, func(num protowire.Number, v []byte) {
		switch num {
		case fieldVersion:
			m.Version = string(v)
		case fieldAlgorithmID:
			m.AlgorithmID = string(v)
		case fieldKeyID:
			m.KeyID = string(v)
		}
	})
	if err != nil {
		return PayloadMetaData{}, err
	}
	return m, m.validate()
}

// EncryptedField is the self-describing result of a field encryption. It is
// immutable once built.
type EncryptedField struct {
	metaData   PayloadMetaData
	ciphertext []byte
}

// NewEncryptedField builds an EncryptedField, copying the ciphertext.
func NewEncryptedField(metaData PayloadMetaData, ciphertext []byte) *EncryptedField {
	ct := make([]byte, len(ciphertext))
	copy(ct, ciphertext)
	return &EncryptedField{metaData: metaData, ciphertext: ct}
}

// MetaData returns the payload metadata.
func (f *EncryptedField) MetaData() PayloadMetaData { return f.metaData }

// AssociatedData returns the metadata bytes sealed into the ciphertext.
func (f *EncryptedField) AssociatedData() []byte { return f.metaData.Bytes() }

// Ciphertext returns a copy of the ciphertext.
func (f *EncryptedField) Ciphertext() []byte {
	ct := make([]byte, len(f.ciphertext))
	copy(ct, f.ciphertext)
	return ct
}

// Marshal returns the stable binary form (protobuf wire format).
func (f *EncryptedField) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.metaData.marshal())
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, f.ciphertext)
	return b
}

// Encode returns the transport form: base64 of Marshal.
func (f *EncryptedField) Encode() string {
	return base64.StdEncoding.EncodeToString(f.Marshal())
}

// UnmarshalEncryptedField parses the binary form.
func UnmarshalEncryptedField(b []byte) (*EncryptedField, error) {
	var (
		metaBytes  []byte
		ciphertext []byte
		seenMeta   bool
		seenCT     bool
	)
	err := consumeBytesFields(b, func(num protowire.Number, v []byte) {
		switch num {
		case fieldMetaData:
			metaBytes, seenMeta = v, true
		case fieldCiphertext:
			ciphertext, seenCT = v, true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encrypted field: %w", ErrCryptoFailure, err)
	}
	if !seenMeta || !seenCT {
		return nil, fmt.Errorf("%w: malformed encrypted field: missing metadata or ciphertext", ErrCryptoFailure)
	}
	meta, err := unmarshalPayloadMetaData(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload metadata: %w", ErrCryptoFailure, err)
	}
	return NewEncryptedField(meta, ciphertext), nil
}

// DecodeEncryptedField parses the transport form.
func DecodeEncryptedField(s string) (*EncryptedField, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrCryptoFailure)
	}
	return UnmarshalEncryptedField(b)
}

// IsEncrypted checks if the data appears to be an encoded EncryptedField.
func IsEncrypted(data string) bool {
	_, err := DecodeEncryptedField(data)
	return err == nil
}

var errUnexpectedWireType = errors.New("unexpected wire type")

// consumeBytesFields walks a message made of length-delimited fields only.
// Unknown field numbers are passed to fn and ignored there.
func consumeBytesFields(b []byte, fn func(num protowire.Number, v []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return errUnexpectedWireType
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(num, v)
		b = b[n:]
	}
	return nil
}
