package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/rTable/lib/table"
	"github.com/cockroachdb/errors"
)

// OpType is the stable tag of an operation in the log. Tags must never be reused.
type OpType uint16

const (
	OpNone OpType = iota
	OpSet
	OpRemove
	OpGet
	OpNop
)

func (t OpType) String() string {
	switch t {
	case OpNone:
		return "None"
	case OpSet:
		return "Set"
	case OpRemove:
		return "Remove"
	case OpGet:
		return "Get"
	case OpNop:
		return "Nop"
	default:
		return fmt.Sprintf("OpType(%d)", uint16(t))
	}
}

// headerSize is [uint16 tag][int64 version][int64 id]
const headerSize = 2 + 8 + 8

// Operation is one entry of the replicated log. Key and Value are already encoded by the
// codecs of the journal. Value is only used by OpSet, Key by every type except OpNop.
type Operation struct {
	Type    OpType
	ID      int64
	Version int64
	Key     []byte
	Value   []byte
}

// Result is the outcome of applying an operation to a table handle.
type Result struct {
	Found   bool   // OpGet: the key exists. OpRemove: a value was removed
	Value   []byte // OpGet: the current value
	Removed []byte // OpRemove: the removed value
}

func SetOp(id int64, key, value []byte) *Operation {
	return &Operation{Type: OpSet, ID: id, Key: key, Value: value}
}

func RemoveOp(id int64, key []byte) *Operation {
	return &Operation{Type: OpRemove, ID: id, Key: key}
}

func GetOp(id int64, key []byte) *Operation {
	return &Operation{Type: OpGet, ID: id, Key: key}
}

func NopOp(id int64) *Operation {
	return &Operation{Type: OpNop, ID: id}
}

// --------------------------------------------------------------------------
// Serialization
// --------------------------------------------------------------------------

// Serialize encodes the operation as
//
//	[uint16 tag][int64 version][int64 id][fields]
//
// (little endian) where fields are [uint32 klen][key][uint32 vlen][value] for Set,
// [uint32 klen][key] for Remove and Get and empty for Nop.
func (op *Operation) Serialize() []byte {
	size := headerSize
	switch op.Type {
	case OpSet:
		size += 8 + len(op.Key) + len(op.Value)
	case OpRemove, OpGet:
		size += 4 + len(op.Key)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(op.Type))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Version))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(op.ID))

	switch op.Type {
	case OpSet:
		buf = appendField(buf, op.Key)
		buf = appendField(buf, op.Value)
	case OpRemove, OpGet:
		buf = appendField(buf, op.Key)
	}
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// Deserialize decodes an operation written by Serialize.
// Every failure is marked with ErrCorruptLogEntry, an unknown tag additionally with ErrNotSupported.
func Deserialize(b []byte) (*Operation, error) {
	op, err := deserialize(b)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "deserialize operation"), ErrCorruptLogEntry)
	}
	return op, nil
}

func deserialize(b []byte) (*Operation, error) {
	if len(b) < headerSize {
		return nil, errors.Newf("entry too short (%d bytes)", len(b))
	}
	op := &Operation{
		Type:    OpType(binary.LittleEndian.Uint16(b[0:2])),
		Version: int64(binary.LittleEndian.Uint64(b[2:10])),
		ID:      int64(binary.LittleEndian.Uint64(b[10:18])),
	}
	rest := b[headerSize:]

	var err error
	switch op.Type {
	case OpSet:
		if op.Key, rest, err = readField(rest); err != nil {
			return nil, errors.Wrap(err, "key")
		}
		if op.Value, rest, err = readField(rest); err != nil {
			return nil, errors.Wrap(err, "value")
		}
	case OpRemove, OpGet:
		if op.Key, rest, err = readField(rest); err != nil {
			return nil, errors.Wrap(err, "key")
		}
	case OpNop:
	default:
		return nil, errors.Wrapf(ErrNotSupported, "operation type %d", uint16(op.Type))
	}

	if len(rest) != 0 {
		return nil, errors.Newf("%d trailing bytes", len(rest))
	}
	return op, nil
}

func readField(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, errors.Newf("truncated field: want %d bytes, have %d", n, len(b))
	}
	field = make([]byte, n)
	copy(field, b[:n])
	return field, b[n:], nil
}

// --------------------------------------------------------------------------
// Apply
// --------------------------------------------------------------------------

// Apply executes the operation against h. Apply does not begin or end a transaction.
func (op *Operation) Apply(h *table.Handle) (Result, error) {
	switch op.Type {
	case OpSet:
		return Result{}, h.Set(op.Key, op.Value)
	case OpRemove:
		removed, found, err := h.Remove(op.Key)
		return Result{Found: found, Removed: removed}, err
	case OpGet:
		value, found, err := h.Get(op.Key)
		return Result{Found: found, Value: value}, err
	case OpNop:
		return Result{}, nil
	default:
		return Result{}, errors.Wrapf(ErrNotSupported, "apply operation type %s", op.Type)
	}
}

func (op *Operation) String() string {
	switch op.Type {
	case OpSet:
		return fmt.Sprintf("Set(id=%d, v=%d, key=%q, %d bytes)", op.ID, op.Version, op.Key, len(op.Value))
	case OpRemove, OpGet:
		return fmt.Sprintf("%s(id=%d, v=%d, key=%q)", op.Type, op.ID, op.Version, op.Key)
	default:
		return fmt.Sprintf("%s(id=%d, v=%d)", op.Type, op.ID, op.Version)
	}
}
