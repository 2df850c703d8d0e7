package journal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ValentinKolb/rTable/lib/db/engines/memdb"
	"github.com/cockroachdb/errors"
)

func TestOperationRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		op   *Operation
	}{
		{"Set", &Operation{Type: OpSet, ID: 7, Version: 3, Key: []byte("key"), Value: []byte("value")}},
		{"Set empty value", &Operation{Type: OpSet, ID: 8, Version: 0, Key: []byte("k"), Value: []byte{}}},
		{"Set negative ids", &Operation{Type: OpSet, ID: -1, Version: -42, Key: []byte{0, 1, 2}, Value: []byte{0xff}}},
		{"Remove", &Operation{Type: OpRemove, ID: 1 << 40, Version: 9, Key: []byte("gone")}},
		{"Get", &Operation{Type: OpGet, ID: 2, Version: 1, Key: []byte("read")}},
		{"Nop", &Operation{Type: OpNop, ID: 3, Version: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Deserialize(tt.op.Serialize())
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if got.Type != tt.op.Type || got.ID != tt.op.ID || got.Version != tt.op.Version {
				t.Errorf("Header mismatch: got %s, want %s", got, tt.op)
			}
			if !bytes.Equal(got.Key, tt.op.Key) || !bytes.Equal(got.Value, tt.op.Value) {
				t.Errorf("Field mismatch: got key=%q value=%q, want key=%q value=%q", got.Key, got.Value, tt.op.Key, tt.op.Value)
			}
		})
	}
}

func TestOperationWireFormat(t *testing.T) {
	b := SetOp(0x0102, []byte("k"), []byte("vv")).Serialize()
	expected := []byte{
		1, 0,                         // tag
		0, 0, 0, 0, 0, 0, 0, 0,       // version
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // id
		1, 0, 0, 0, 'k',
		2, 0, 0, 0, 'v', 'v',
	}
	if !bytes.Equal(b, expected) {
		t.Errorf("Serialize = %v, want %v", b, expected)
	}

	if n := len(NopOp(1).Serialize()); n != headerSize {
		t.Errorf("Nop should only contain the header, got %d bytes", n)
	}
}

func TestDeserializeErrors(t *testing.T) {
	valid := SetOp(1, []byte("key"), []byte("value")).Serialize()

	unknown := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(unknown, 99)

	tests := []struct {
		name         string
		input        []byte
		notSupported bool
	}{
		{"Empty", nil, false},
		{"Short header", valid[:5], false},
		{"Truncated key length", valid[:headerSize+2], false},
		{"Truncated value", valid[:len(valid)-1], false},
		{"Trailing bytes", append(append([]byte(nil), valid...), 0), false},
		{"Unknown tag", unknown, true},
		{"None tag", make([]byte, headerSize), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := Deserialize(tt.input)
			if err == nil {
				t.Fatalf("Expected an error, got %s", op)
			}
			if !errors.Is(err, ErrCorruptLogEntry) {
				t.Errorf("Error should be marked as ErrCorruptLogEntry: %v", err)
			}
			if errors.Is(err, ErrNotSupported) != tt.notSupported {
				t.Errorf("errors.Is(err, ErrNotSupported) = %t, want %t", !tt.notSupported, tt.notSupported)
			}
		})
	}
}

func TestOperationApply(t *testing.T) {
	j := newTestJournal(t, memdb.Driver())
	h, err := j.pool.Take()
	if err != nil {
		t.Fatal(err)
	}
	defer j.pool.Return(h)

	if _, err := SetOp(1, []byte("k"), []byte("v")).Apply(h); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := GetOp(2, []byte("k")).Apply(h)
	if err != nil || !res.Found || string(res.Value) != "v" {
		t.Errorf("Get = (%+v, %v), want found v", res, err)
	}
	if _, err := NopOp(3).Apply(h); err != nil {
		t.Errorf("Nop failed: %v", err)
	}
	res, err = RemoveOp(4, []byte("k")).Apply(h)
	if err != nil || !res.Found || string(res.Removed) != "v" {
		t.Errorf("Remove = (%+v, %v), want removed v", res, err)
	}
	res, _ = RemoveOp(5, []byte("k")).Apply(h)
	if res.Found {
		t.Errorf("Second Remove should report nothing removed")
	}
	res, _ = GetOp(6, []byte("k")).Apply(h)
	if res.Found {
		t.Errorf("Get after Remove should not find the key")
	}
	if _, err := (&Operation{Type: OpNone}).Apply(h); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Apply of OpNone = %v, want ErrNotSupported", err)
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       *Operation
		expected string
	}{
		{SetOp(1, []byte("a"), []byte("xyz")), `Set(id=1, v=0, key="a", 3 bytes)`},
		{RemoveOp(2, []byte("b")), `Remove(id=2, v=0, key="b")`},
		{GetOp(3, []byte("c")), `Get(id=3, v=0, key="c")`},
		{NopOp(4), `Nop(id=4, v=0)`},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.expected {
			t.Errorf("String() = %s, want %s", got, tt.expected)
		}
	}
}
