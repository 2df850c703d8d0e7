package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Codec converts keys or values of a journal to bytes and back.
//
// Codecs used for keys must be order-preserving: the bytewise order of two encodings
// must equal the logical order of the encoded keys, otherwise range scans return wrong results.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// --------------------------------------------------------------------------
// Order-preserving codecs
// --------------------------------------------------------------------------

// StringCodec stores strings as their raw bytes.
type StringCodec struct{}

func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// BytesCodec stores byte slices unchanged.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return bytes.Clone(v), nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return bytes.Clone(b), nil }

// Uint64Codec stores uint64 values as 8 big-endian bytes.
type Uint64Codec struct{}

func (Uint64Codec) Encode(v uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, v), nil
}

func (Uint64Codec) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Newf("uint64 key must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int64Codec stores int64 values as 8 big-endian bytes with the sign bit flipped,
// so negative numbers sort before positive ones.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63)), nil
}

func (Int64Codec) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Newf("int64 key must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// UUIDCodec stores UUIDs as their 16 raw bytes.
type UUIDCodec struct{}

func (UUIDCodec) Encode(v uuid.UUID) ([]byte, error) { return v[:], nil }
func (UUIDCodec) Decode(b []byte) (uuid.UUID, error) { return uuid.FromBytes(b) }

// --------------------------------------------------------------------------
// Value codecs
// --------------------------------------------------------------------------

// JSONCodec stores values as JSON. It is not order-preserving and should only be used for values.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// GobCodec stores values with encoding/gob. It is not order-preserving and should only be used for values.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v)
	return v, err
}
