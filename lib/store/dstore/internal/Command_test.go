package internal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "Command without operations",
			command:  Command{Type: CommandTApply, Origin: 1, TxID: 2},
			expected: 1 + 8 + 8 + 4, // Type + Origin + TxID + OpCount
		},
		{
			name: "Command with operations",
			command: Command{
				Type:   CommandTApply,
				Origin: 1,
				TxID:   2,
				Ops:    [][]byte{[]byte("abc"), {}, []byte("defgh")},
			},
			expected: 1 + 8 + 8 + 4 + (4 + 3) + 4 + (4 + 5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := tt.command.SizeBytes()
			if size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Single operation",
			command: Command{Type: CommandTApply, Origin: 42, TxID: 7, Ops: [][]byte{[]byte("operation")}},
		},
		{
			name:    "No operations",
			command: Command{Type: CommandTApply, Origin: 42, TxID: 8},
		},
		{
			name: "Binary operations",
			command: Command{
				Type:   CommandTApply,
				Origin: 18446744073709551615, // Max uint64
				TxID:   -1,
				Ops:    [][]byte{{0, 1, 2, 3, 254, 255}, {}, []byte("你好世界")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var newCommand Command
			if err := newCommand.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if newCommand.Type != tt.command.Type {
				t.Errorf("Type mismatch: got %v, want %v", newCommand.Type, tt.command.Type)
			}
			if newCommand.Origin != tt.command.Origin || newCommand.TxID != tt.command.TxID {
				t.Errorf("Header mismatch: got (%d, %d), want (%d, %d)",
					newCommand.Origin, newCommand.TxID, tt.command.Origin, tt.command.TxID)
			}
			if len(newCommand.Ops) != len(tt.command.Ops) {
				t.Fatalf("Expected %d operations, got %d", len(tt.command.Ops), len(newCommand.Ops))
			}
			for i := range tt.command.Ops {
				if !bytes.Equal(newCommand.Ops[i], tt.command.Ops[i]) {
					t.Errorf("Operation %d mismatch: got %v, want %v", i, newCommand.Ops[i], tt.command.Ops[i])
				}
			}

			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	valid := (&Command{Type: CommandTApply, Origin: 1, TxID: 1, Ops: [][]byte{[]byte("abc")}}).Serialize()

	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name:        "Data too short (less than header)",
			data:        []byte{1, 2, 3, 4, 5},
			expectedErr: "data too short for command",
		},
		{
			name: "Invalid operation count",
			data: func() []byte {
				data := make([]byte, headerSize)
				binary.BigEndian.PutUint32(data[17:21], 1000)
				return data
			}(),
			expectedErr: "data too short for 1000 operations",
		},
		{
			name:        "Truncated operation",
			data:        valid[:len(valid)-1],
			expectedErr: "data too short for operation 0 of length 3",
		},
		{
			name:        "Trailing bytes",
			data:        append(append([]byte{}, valid...), 9, 9),
			expectedErr: "2 trailing bytes after command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

// TestBinaryFormat tests the exact binary format of serialized commands
func TestBinaryFormat(t *testing.T) {
	cmd := Command{
		Type:   CommandTApply,
		Origin: 12345,
		TxID:   67890,
		Ops:    [][]byte{[]byte("op")},
	}

	expected := make([]byte, cmd.SizeBytes())
	expected[0] = byte(CommandTApply)
	binary.BigEndian.PutUint64(expected[1:9], 12345)
	binary.BigEndian.PutUint64(expected[9:17], 67890)
	binary.BigEndian.PutUint32(expected[17:21], 1)
	binary.BigEndian.PutUint32(expected[21:25], 2)
	copy(expected[25:], "op")

	serialized := cmd.Serialize()
	if !bytes.Equal(serialized, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", serialized, expected)
	}
}

// TestDeserializeCopies tests that the operations do not alias the input buffer
func TestDeserializeCopies(t *testing.T) {
	data := (&Command{Type: CommandTApply, Ops: [][]byte{[]byte("value")}}).Serialize()

	var cmd Command
	if err := cmd.Deserialize(data); err != nil {
		t.Fatal(err)
	}
	for i := range data {
		data[i] = 0
	}
	if string(cmd.Ops[0]) != "value" {
		t.Errorf("Operation aliases the input buffer: %q", cmd.Ops[0])
	}
}
