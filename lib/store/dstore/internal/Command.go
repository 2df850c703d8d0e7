package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTApply CommandType = iota // Apply the redo operations of a transaction.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTApply:
		return "Apply"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// headerSize is Type + Origin + TxID + OpCount
const headerSize = 1 + 8 + 8 + 4

// Command represents a command to be executed by the state machine (a single entry in the raft log).
// It carries the serialized redo operations of one transaction. Origin identifies the replica session
// that applied the operations speculatively, only that replica finalizes them, all others apply them fresh.
type Command struct {
	Type   CommandType
	Origin uint64
	TxID   int64
	Ops    [][]byte
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := headerSize
	for _, op := range command.Ops {
		size += 4 + len(op)
	}
	return size
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for the origin (big endian),
// 8 bytes for the transaction id (big endian),
// 4 bytes for the number of operations (big endian),
// per operation 4 bytes length (big endian) followed by the operation data
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], command.Origin)
	binary.BigEndian.PutUint64(result[9:17], uint64(command.TxID))
	binary.BigEndian.PutUint32(result[17:21], uint32(len(command.Ops)))

	off := headerSize
	for _, op := range command.Ops {
		binary.BigEndian.PutUint32(result[off:off+4], uint32(len(op)))
		off += 4
		off += copy(result[off:], op)
	}
	return result
}

// Deserialize extracts all Command fields from a byte array.
// The operations are copied, data may be reused by the caller.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.Origin = binary.BigEndian.Uint64(data[1:9])
	command.TxID = int64(binary.BigEndian.Uint64(data[9:17]))
	count := binary.BigEndian.Uint32(data[17:21])

	// every operation needs at least its length prefix
	if uint64(count)*4 > uint64(len(data)-headerSize) {
		return fmt.Errorf("data too short for %d operations", count)
	}

	command.Ops = make([][]byte, 0, count)
	off := headerSize
	for i := uint32(0); i < count; i++ {
		if len(data) < off+4 {
			return fmt.Errorf("data too short for length of operation %d", i)
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data)-off < n {
			return fmt.Errorf("data too short for operation %d of length %d", i, n)
		}
		op := make([]byte, n)
		copy(op, data[off:off+n])
		command.Ops = append(command.Ops, op)
		off += n
	}
	if off != len(data) {
		return fmt.Errorf("%d trailing bytes after command", len(data)-off)
	}
	return nil
}
