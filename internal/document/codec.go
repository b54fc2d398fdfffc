package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// codecVersion is the leading format-version byte of every encoded document.
const codecVersion = 1

// ErrCodecVersion is returned when an encoded document carries a format
// version this build does not understand.
var ErrCodecVersion = errors.New("unsupported document format version")

// Encode serializes v to its canonical byte form: a version byte followed by
// msgpack with map keys in sorted order. Encoding the result of Decode
// reproduces the input bytes exactly.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	enc := msgpack.NewEncoder(&buf)
	if err := encodeValue(enc, v); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt(v.i)
	case KindDouble:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.a)); err != nil {
			return err
		}
		for _, e := range v.a {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := enc.EncodeMapLen(len(v.m)); err != nil {
			return err
		}
		for _, k := range v.sortedKeys() {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, v.m[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("cannot encode kind %s", v.kind)
	}
}

// Decode parses a canonically encoded document back into a Value.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("decode document: empty input")
	}
	if data[0] != codecVersion {
		return Value{}, fmt.Errorf("%w: %d", ErrCodecVersion, data[0])
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data[1:]))
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("decode document: %w", err)
	}
	if _, err := dec.PeekCode(); err != io.EOF {
		return Value{}, fmt.Errorf("decode document: trailing data")
	}
	return v, nil
}

func isIntCode(c byte) bool {
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return msgpcode.IsFixedNum(c)
}

func decodeValue(dec *msgpack.Decoder) (Value, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return Value{}, err
	}
	switch {
	case c == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return Value{}, err
		}
		return Null(), nil
	case c == msgpcode.False || c == msgpcode.True:
		b, err := dec.DecodeBool()
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case isIntCode(c):
		i, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return Value{}, err
		}
		return Double(f), nil
	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		elems := make([]Value, n)
		for i := 0; i < n; i++ {
			e, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			elems[i] = e
		}
		return Array(elems...), nil
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return Value{}, err
		}
		fields := make(map[string]Value, n)
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return Value{}, err
			}
			e, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			fields[k] = e
		}
		return Map(fields), nil
	default:
		return Value{}, fmt.Errorf("unexpected msgpack code 0x%02x", c)
	}
}
