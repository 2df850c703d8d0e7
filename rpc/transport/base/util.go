package base

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/cockroachdb/errors"
)

const (
	// frameHeaderSize is the size of [shard id][request id][payload length]
	frameHeaderSize = 8 + 8 + 4

	// MaxFrameSize bounds the payload of a single frame. Larger frames are rejected
	// before their payload is allocated.
	MaxFrameSize = 256 << 20
)

// ErrFrameTooLarge is returned for frames whose payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// writeFrame writes header and payload of one frame with a single vectored write.
func writeFrame(conn net.Conn, shardID, requestID uint64, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], shardID)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(payload)))

	bufs := net.Buffers{header[:], payload}
	_, err := bufs.WriteTo(conn)
	return err
}

// readFrame reads one frame. The payload is read into buf when it fits, otherwise into a
// newly allocated slice, so the returned payload may alias buf.
func readFrame(conn net.Conn, buf []byte) (shardID, requestID uint64, payload []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, nil, err
	}
	shardID = binary.BigEndian.Uint64(header[0:8])
	requestID = binary.BigEndian.Uint64(header[8:16])
	size := binary.BigEndian.Uint32(header[16:20])

	if size > MaxFrameSize {
		return 0, 0, nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes announced by request %d", size, requestID)
	}
	if size == 0 {
		return shardID, requestID, []byte{}, nil
	}
	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	payload = buf[:size]
	if _, err = io.ReadFull(conn, payload); err != nil {
		return 0, 0, nil, err
	}
	return shardID, requestID, payload, nil
}
