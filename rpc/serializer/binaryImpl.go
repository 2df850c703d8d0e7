package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/rTable/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey   uint16 = 1 << 0
	hasTo    uint16 = 1 << 1
	hasMax   uint16 = 1 << 2
	hasValue uint16 = 1 << 3
	hasRows  uint16 = 1 << 4
	hasOk    uint16 = 1 << 5
	hasCode  uint16 = 1 << 6
	hasErr   uint16 = 1 << 7
	hasMeta  uint16 = 1 << 8
)

// headerSize is the size of MsgType (1 byte) and flags (2 bytes)
const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags
	var flags uint16 = 0

	// Set position for writing
	pos := headerSize

	// Handle Key
	if msg.Key != "" {
		flags |= hasKey
		pos = putBytes(result, pos, []byte(msg.Key))
	}

	// Handle To
	if msg.To != "" {
		flags |= hasTo
		pos = putBytes(result, pos, []byte(msg.To))
	}

	// Handle Max
	if msg.Max > 0 {
		flags |= hasMax
		binary.BigEndian.PutUint32(result[pos:pos+4], msg.Max)
		pos += 4
	}

	// Handle Value
	if msg.Value != nil {
		flags |= hasValue
		pos = putBytes(result, pos, msg.Value)
	}

	// Handle Rows (count followed by key/value pairs)
	if msg.Rows != nil {
		flags |= hasRows
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Rows)))
		pos += 4
		for _, row := range msg.Rows {
			pos = putBytes(result, pos, []byte(row.Key))
			pos = putBytes(result, pos, row.Value)
		}
	}

	// Handle Ok
	if msg.Ok {
		flags |= hasOk
		result[pos] = 1
		pos += 1
	}

	// Handle Code
	if msg.Code > 0 {
		flags |= hasCode
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.Code)
		pos += 8
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		pos = putBytes(result, pos, []byte(msg.Err))
	}

	// Handle Meta
	if msg.Meta != nil {
		flags |= hasMeta
		pos = putBytes(result, pos, msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:headerSize], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type and flags
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:headerSize])

	// Initialize read position
	pos := headerSize
	var raw []byte
	var err error

	// Read Key if present
	msg.Key = ""
	if flags&hasKey != 0 {
		if raw, pos, err = readBytes(data, pos, "key"); err != nil {
			return err
		}
		msg.Key = string(raw)
	}

	// Read To if present
	msg.To = ""
	if flags&hasTo != 0 {
		if raw, pos, err = readBytes(data, pos, "to"); err != nil {
			return err
		}
		msg.To = string(raw)
	}

	// Read Max if present
	msg.Max = 0
	if flags&hasMax != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for max")
		}
		msg.Max = binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
	}

	// Read Value if present - an empty slice (not nil) if length is 0
	msg.Value = nil
	if flags&hasValue != 0 {
		if raw, pos, err = readBytes(data, pos, "value"); err != nil {
			return err
		}
		msg.Value = append(make([]byte, 0, len(raw)), raw...)
	}

	// Read Rows if present
	msg.Rows = nil
	if flags&hasRows != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for row count")
		}
		n := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		// every row needs at least 8 bytes
		if uint64(n)*8 > uint64(len(data)-pos) {
			return fmt.Errorf("data too short for %d rows", n)
		}
		msg.Rows = make([]common.Row, n)
		for i := range msg.Rows {
			if raw, pos, err = readBytes(data, pos, "row key"); err != nil {
				return err
			}
			msg.Rows[i].Key = string(raw)
			if raw, pos, err = readBytes(data, pos, "row value"); err != nil {
				return err
			}
			msg.Rows[i].Value = append(make([]byte, 0, len(raw)), raw...)
		}
	}

	// Read Ok if present
	msg.Ok = false
	if flags&hasOk != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for Ok flag")
		}
		msg.Ok = data[pos] != 0
		pos += 1
	}

	// Read Code if present
	msg.Code = 0
	if flags&hasCode != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for code")
		}
		msg.Code = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}

	// Read Err if present
	msg.Err = ""
	if flags&hasErr != 0 {
		if raw, pos, err = readBytes(data, pos, "error"); err != nil {
			return err
		}
		msg.Err = string(raw)
	}

	// Read Meta if present
	msg.Meta = nil
	if flags&hasMeta != 0 {
		if raw, pos, err = readBytes(data, pos, "meta"); err != nil {
			return err
		}
		msg.Meta = append(make([]byte, 0, len(raw)), raw...)
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// putBytes writes a length prefixed byte slice at pos and returns the new position
func putBytes(dst []byte, pos int, b []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(b)))
	pos += 4
	return pos + copy(dst[pos:], b)
}

// readBytes reads a length prefixed byte slice at pos. The result aliases data.
func readBytes(data []byte, pos int, field string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n > len(data)-pos {
		return nil, pos, fmt.Errorf("data too short for %s data", field)
	}
	return data[pos : pos+n], pos + n, nil
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	// Add sizes for fields that require length encoding
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.To != "" {
		size += 4 + len(msg.To)
	}
	if msg.Max > 0 {
		size += 4
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Rows != nil {
		size += 4
		for _, row := range msg.Rows {
			size += 8 + len(row.Key) + len(row.Value)
		}
	}
	if msg.Ok {
		size += 1
	}
	if msg.Code > 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}
