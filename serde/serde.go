// Package serde turns the values found in records into bytes and back.
//
// A value is encoded as a small protobuf message
//
//	Value{1: kind, 2: scalar payload, 3: repeated list element, 4: repeated map entry}
//	MapEntry{1: key, 2: Value}
//
// written with protowire. The kind keeps the exact Go type, so a decoded
// int16 comes back as an int16. Map entries are written in key order which
// makes the encoding deterministic.
package serde

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnsupportedType is returned for values outside the supported set.
	ErrUnsupportedType = errors.New("unsupported value type")
	// ErrMalformed is returned when bytes do not decode to a value.
	ErrMalformed = errors.New("malformed serialized value")
)

// Serializer converts record values to bytes and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

type kind uint64

const (
	kindNull kind = iota
	kindBool
	kindString
	kindBytes
	kindInt
	kindInt8
	kindInt16
	kindInt32
	kindInt64
	kindUint
	kindUint8
	kindUint16
	kindUint32
	kindUint64
	kindFloat32
	kindFloat64
	kindList
	kindMap
)

const (
	fieldKind    protowire.Number = 1
	fieldScalar  protowire.Number = 2
	fieldElement protowire.Number = 3
	fieldEntry   protowire.Number = 4

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// Codec is the default Serializer. The zero value is ready to use.
type Codec struct{}

var _ Serializer = Codec{}

// Marshal encodes v. Supported: nil, bool, string, []byte, all sized
// integer types, float32, float64, []any and map[string]any of those.
func (Codec) Marshal(v any) ([]byte, error) {
	return appendValue(nil, v)
}

// Unmarshal decodes bytes written by Marshal.
func (Codec) Unmarshal(b []byte) (any, error) {
	v, err := consumeValue(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}

func appendKind(b []byte, k kind) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(k))
}

func appendVarint(b []byte, k kind, v uint64) []byte {
	b = appendKind(b, k)
	b = protowire.AppendTag(b, fieldScalar, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, k kind, v int64) []byte {
	return appendVarint(b, k, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, k kind, v []byte) []byte {
	b = appendKind(b, k)
	b = protowire.AppendTag(b, fieldScalar, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return appendKind(b, kindNull), nil
	case bool:
		return appendVarint(b, kindBool, protowire.EncodeBool(x)), nil
	case string:
		return appendBytes(b, kindString, []byte(x)), nil
	case []byte:
		return appendBytes(b, kindBytes, x), nil
	case int:
		return appendSigned(b, kindInt, int64(x)), nil
	case int8:
		return appendSigned(b, kindInt8, int64(x)), nil
	case int16:
		return appendSigned(b, kindInt16, int64(x)), nil
	case int32:
		return appendSigned(b, kindInt32, int64(x)), nil
	case int64:
		return appendSigned(b, kindInt64, x), nil
	case uint:
		return appendVarint(b, kindUint, uint64(x)), nil
	case uint8:
		return appendVarint(b, kindUint8, uint64(x)), nil
	case uint16:
		return appendVarint(b, kindUint16, uint64(x)), nil
	case uint32:
		return appendVarint(b, kindUint32, uint64(x)), nil
	case uint64:
		return appendVarint(b, kindUint64, x), nil
	case float32:
		b = appendKind(b, kindFloat32)
		b = protowire.AppendTag(b, fieldScalar, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(x)), nil
	case float64:
		b = appendKind(b, kindFloat64)
		b = protowire.AppendTag(b, fieldScalar, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(x)), nil
	case []any:
		b = appendKind(b, kindList)
		for i, e := range x {
			elem, err := appendValue(nil, e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			b = protowire.AppendTag(b, fieldElement, protowire.BytesType)
			b = protowire.AppendBytes(b, elem)
		}
		return b, nil
	case map[string]any:
		b = appendKind(b, kindMap)
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := appendValue(nil, x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			var entry []byte
			entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
			entry = protowire.AppendBytes(entry, val)
			b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// decoded collects the fields of one Value message.
type decoded struct {
	kind     kind
	hasKind  bool
	varint   uint64
	fixed32  uint32
	fixed64  uint64
	bytes    []byte
	elements [][]byte
	entries  [][]byte
}

func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeValue(b []byte) (any, error) {
	var d decoded
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.kind, d.hasKind = kind(v), true
			return n, nil
		case num == fieldScalar && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.varint = v
			return n, nil
		case num == fieldScalar && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			d.fixed32 = v
			return n, nil
		case num == fieldScalar && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			d.fixed64 = v
			return n, nil
		case num == fieldScalar && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			d.bytes = v
			return n, nil
		case num == fieldElement && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			d.elements = append(d.elements, v)
			return n, nil
		case num == fieldEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			d.entries = append(d.entries, v)
			return n, nil
		default:
			return 0, fmt.Errorf("unexpected field %d of wire type %d", num, typ)
		}
	})
	if err != nil {
		return nil, err
	}
	if !d.hasKind {
		return nil, errors.New("missing value kind")
	}
	return d.value()
}

func (d *decoded) value() (any, error) {
	switch d.kind {
	case kindNull:
		return nil, nil
	case kindBool:
		return protowire.DecodeBool(d.varint), nil
	case kindString:
		return string(d.bytes), nil
	case kindBytes:
		out := make([]byte, len(d.bytes))
		copy(out, d.bytes)
		return out, nil
	case kindInt:
		return int(protowire.DecodeZigZag(d.varint)), nil
	case kindInt8:
		return int8(protowire.DecodeZigZag(d.varint)), nil
	case kindInt16:
		return int16(protowire.DecodeZigZag(d.varint)), nil
	case kindInt32:
		return int32(protowire.DecodeZigZag(d.varint)), nil
	case kindInt64:
		return protowire.DecodeZigZag(d.varint), nil
	case kindUint:
		return uint(d.varint), nil
	case kindUint8:
		return uint8(d.varint), nil
	case kindUint16:
		return uint16(d.varint), nil
	case kindUint32:
		return uint32(d.varint), nil
	case kindUint64:
		return d.varint, nil
	case kindFloat32:
		return math.Float32frombits(d.fixed32), nil
	case kindFloat64:
		return math.Float64frombits(d.fixed64), nil
	case kindList:
		list := make([]any, 0, len(d.elements))
		for _, e := range d.elements {
			v, err := consumeValue(e)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case kindMap:
		m := make(map[string]any, len(d.entries))
		for _, e := range d.entries {
			k, v, err := consumeEntry(e)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", d.kind)
	}
}

func consumeEntry(b []byte) (string, any, error) {
	var (
		key      string
		value    []byte
		hasValue bool
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case num == fieldEntryValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			value, hasValue = v, true
			return n, nil
		default:
			return 0, fmt.Errorf("unexpected map entry field %d", num)
		}
	})
	if err != nil {
		return "", nil, err
	}
	if !hasValue {
		return "", nil, fmt.Errorf("map entry %q has no value", key)
	}
	v, err := consumeValue(value)
	return key, v, err
}
