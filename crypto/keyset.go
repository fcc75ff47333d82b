package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/daead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	aesgcmpb "github.com/tink-crypto/tink-go/v2/proto/aes_gcm_go_proto"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
	"github.com/tink-crypto/tink-go/v2/tink"
	"google.golang.org/protobuf/proto"
)

// Key type URLs understood by the raw key accessor.
const (
	AESGCMKeyTypeURL = "type.googleapis.com/google.crypto.tink.AesGcmKey"
	FPEKeyTypeURL    = "type.googleapis.com/kryptonite.FpeFf31Key"
)

// FPEKeySize is the size of generated FF3-1 keys.
const FPEKeySize = 32

// ReadKeysetJSON parses a cleartext Tink keyset in JSON form.
func ReadKeysetJSON(material string) (*tinkpb.Keyset, error) {
	ks, err := keyset.NewJSONReader(strings.NewReader(material)).Read()
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable keyset: %w", ErrKeyInvalid, err)
	}
	return ks, nil
}

// ReadEncryptedKeysetJSON parses a Tink EncryptedKeyset in JSON form.
func ReadEncryptedKeysetJSON(material string) (*tinkpb.EncryptedKeyset, error) {
	eks, err := keyset.NewJSONReader(strings.NewReader(material)).ReadEncrypted()
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable encrypted keyset: %w", ErrKeyInvalid, err)
	}
	return eks, nil
}

// WriteKeysetJSON renders a cleartext keyset as JSON.
func WriteKeysetJSON(ks *tinkpb.Keyset) ([]byte, error) {
	var buf bytes.Buffer
	if err := keyset.NewJSONWriter(&buf).Write(ks); err != nil {
		return nil, fmt.Errorf("write keyset: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteEncryptedKeysetJSON renders an encrypted keyset as JSON.
func WriteEncryptedKeysetJSON(eks *tinkpb.EncryptedKeyset) ([]byte, error) {
	var buf bytes.Buffer
	if err := keyset.NewJSONWriter(&buf).WriteEncrypted(eks); err != nil {
		return nil, fmt.Errorf("write encrypted keyset: %w", err)
	}
	return buf.Bytes(), nil
}

// EncryptKeyset wraps a keyset under a key encryption key.
func EncryptKeyset(ks *tinkpb.Keyset, kek tink.AEAD) (*tinkpb.EncryptedKeyset, error) {
	serialized, err := proto.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("serialize keyset: %w", err)
	}
	defer clear(serialized)
	ct, err := kek.Encrypt(serialized, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap keyset: %w", ErrCryptoFailure, err)
	}
	return &tinkpb.EncryptedKeyset{EncryptedKeyset: ct, KeysetInfo: keysetInfo(ks)}, nil
}

// DecryptKeyset unwraps an encrypted keyset. The serialized plaintext is
// zeroed before returning.
func DecryptKeyset(eks *tinkpb.EncryptedKeyset, kek tink.AEAD) (*tinkpb.Keyset, error) {
	serialized, err := kek.Decrypt(eks.GetEncryptedKeyset(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap keyset: %w", ErrKeyInvalid, err)
	}
	defer clear(serialized)
	ks := new(tinkpb.Keyset)
	if err := proto.Unmarshal(serialized, ks); err != nil {
		return nil, fmt.Errorf("%w: unwrapped keyset is malformed: %w", ErrKeyInvalid, err)
	}
	return ks, nil
}

// NewKeysetHandle builds a handle over a cleartext keyset.
func NewKeysetHandle(ks *tinkpb.Keyset) (*keyset.Handle, error) {
	h, err := insecurecleartextkeyset.Read(&keyset.MemReaderWriter{Keyset: ks})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	}
	return h, nil
}

// IsRawKeyset reports whether the keyset only carries raw key bytes that
// Tink cannot turn into a primitive.
func IsRawKeyset(ks *tinkpb.Keyset) bool {
	k, err := primaryKey(ks)
	return err == nil && k.GetKeyData().GetTypeUrl() == FPEKeyTypeURL
}

// RawKey extracts the key bytes of the primary key. FF3-1 keys store them
// as the key data value, AES-GCM keys inside the serialized AesGcmKey.
func RawKey(ks *tinkpb.Keyset) ([]byte, error) {
	k, err := primaryKey(ks)
	if err != nil {
		return nil, err
	}
	data := k.GetKeyData()
	switch data.GetTypeUrl() {
	case FPEKeyTypeURL:
		raw := make([]byte, len(data.GetValue()))
		copy(raw, data.GetValue())
		return raw, nil
	case AESGCMKeyTypeURL:
		gcmKey := new(aesgcmpb.AesGcmKey)
		if err := proto.Unmarshal(data.GetValue(), gcmKey); err != nil {
			return nil, fmt.Errorf("%w: malformed AES-GCM key: %w", ErrKeyInvalid, err)
		}
		return gcmKey.GetKeyValue(), nil
	default:
		return nil, fmt.Errorf("%w: key type %q has no raw key form", ErrKeyInvalid, data.GetTypeUrl())
	}
}

func primaryKey(ks *tinkpb.Keyset) (*tinkpb.Keyset_Key, error) {
	if ks == nil {
		return nil, fmt.Errorf("%w: empty keyset", ErrKeyInvalid)
	}
	for _, k := range ks.GetKey() {
		if k.GetKeyId() == ks.GetPrimaryKeyId() && k.GetStatus() == tinkpb.KeyStatusType_ENABLED {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: keyset has no enabled primary key", ErrKeyInvalid)
}

// NewFPEKeyset wraps raw FF3-1 key bytes into a single-key keyset.
func NewFPEKeyset(key []byte) (*tinkpb.Keyset, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: FF3-1 key must be 16, 24 or 32 bytes, got %d", ErrInvalidArgument, len(key))
	}
	id, err := randomKeyID()
	if err != nil {
		return nil, err
	}
	value := make([]byte, len(key))
	copy(value, key)
	return &tinkpb.Keyset{
		PrimaryKeyId: id,
		Key: []*tinkpb.Keyset_Key{{
			KeyData: &tinkpb.KeyData{
				TypeUrl:         FPEKeyTypeURL,
				Value:           value,
				KeyMaterialType: tinkpb.KeyData_SYMMETRIC,
			},
			Status:           tinkpb.KeyStatusType_ENABLED,
			KeyId:            id,
			OutputPrefixType: tinkpb.OutputPrefixType_RAW,
		}},
	}, nil
}

// GenerateKeyset creates a fresh keyset for the named algorithm.
func GenerateKeyset(algorithm string) (*tinkpb.Keyset, error) {
	var template *tinkpb.KeyTemplate
	switch algorithm {
	case AlgorithmJCEAESGCM, AlgorithmTinkAESGCM:
		template = aead.AES256GCMKeyTemplate()
	case AlgorithmTinkAESGCMSIV:
		template = daead.AESSIVKeyTemplate()
	case AlgorithmFPEFF31:
		key := make([]byte, FPEKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate FF3-1 key: %w", err)
		}
		defer clear(key)
		return NewFPEKeyset(key)
	default:
		return nil, fmt.Errorf("%w: unknown cipher algorithm %q", ErrInvalidArgument, algorithm)
	}
	h, err := keyset.NewHandle(template)
	if err != nil {
		return nil, fmt.Errorf("generate keyset: %w", err)
	}
	return insecurecleartextkeyset.KeysetMaterial(h), nil
}

func keysetInfo(ks *tinkpb.Keyset) *tinkpb.KeysetInfo {
	info := &tinkpb.KeysetInfo{PrimaryKeyId: ks.GetPrimaryKeyId()}
	for _, k := range ks.GetKey() {
		info.KeyInfo = append(info.KeyInfo, &tinkpb.KeysetInfo_KeyInfo{
			TypeUrl:          k.GetKeyData().GetTypeUrl(),
			Status:           k.GetStatus(),
			KeyId:            k.GetKeyId(),
			OutputPrefixType: k.GetOutputPrefixType(),
		})
	}
	return info
}

func randomKeyID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate key id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
