package journal

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
)

// checkOrder encodes values (given in ascending order) and verifies that the encodings
// sort the same way and decode to the original values.
func checkOrder[T comparable](t *testing.T, codec Codec[T], values []T) {
	t.Helper()
	encoded := make([][]byte, len(values))
	for i, v := range values {
		b, err := codec.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", v, err)
		}
		encoded[i] = b

		got, err := codec.Decode(b)
		if err != nil {
			t.Fatalf("Decode(%v) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("Decode(Encode(%v)) = %v", v, got)
		}
	}
	if !sort.SliceIsSorted(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 }) {
		t.Errorf("Encodings of %v are not in ascending order", values)
	}
}

func TestOrderPreservingCodecs(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		checkOrder[string](t, StringCodec{}, []string{"", "a", "aa", "ab", "b", "ü"})
	})
	t.Run("Int64", func(t *testing.T) {
		checkOrder[int64](t, Int64Codec{}, []int64{math.MinInt64, -1 << 40, -256, -1, 0, 1, 255, 256, 1 << 40, math.MaxInt64})
	})
	t.Run("Uint64", func(t *testing.T) {
		checkOrder[uint64](t, Uint64Codec{}, []uint64{0, 1, 255, 256, 1 << 32, math.MaxUint64})
	})
	t.Run("UUID", func(t *testing.T) {
		ids := []uuid.UUID{uuid.Nil, uuid.New(), uuid.New(), uuid.New(), uuid.Max}
		sort.Slice(ids[1:4], func(i, j int) bool {
			return bytes.Compare(ids[1+i][:], ids[1+j][:]) < 0
		})
		checkOrder[uuid.UUID](t, UUIDCodec{}, ids)
	})
}

func TestFixedWidthDecodeErrors(t *testing.T) {
	if _, err := (Int64Codec{}).Decode([]byte{1, 2, 3}); err == nil {
		t.Errorf("Int64Codec should reject short input")
	}
	if _, err := (Uint64Codec{}).Decode(make([]byte, 9)); err == nil {
		t.Errorf("Uint64Codec should reject long input")
	}
	if _, err := (UUIDCodec{}).Decode([]byte("short")); err == nil {
		t.Errorf("UUIDCodec should reject short input")
	}
}

func TestBytesCodecCopies(t *testing.T) {
	in := []byte("value")
	b, _ := BytesCodec{}.Encode(in)
	in[0] = 'X'
	if string(b) != "value" {
		t.Errorf("Encode should copy its input, got %q", b)
	}
}

type record struct {
	Name  string
	Tags  []string
	Count int
}

func TestValueCodecs(t *testing.T) {
	in := record{Name: "row", Tags: []string{"a", "b"}, Count: 3}
	codecs := map[string]Codec[record]{
		"JSON": JSONCodec[record]{},
		"Gob":  GobCodec[record]{},
	}
	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := codec.Encode(in)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			out, err := codec.Decode(b)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 || out.Tags[1] != "b" {
				t.Errorf("Decode(Encode(%+v)) = %+v", in, out)
			}
			if _, err := codec.Decode([]byte{0xff, 0x00}); err == nil {
				t.Errorf("Decode of garbage should fail")
			}
		})
	}
}
