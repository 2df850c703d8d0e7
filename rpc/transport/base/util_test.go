package base

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		buf     []byte
	}{
		{"empty", nil, nil},
		{"fits buffer", []byte("hello"), make([]byte, 64)},
		{"larger than buffer", bytes.Repeat([]byte("x"), 100), make([]byte, 8)},
		{"no buffer", []byte("payload"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			errCh := make(chan error, 1)
			go func() { errCh <- writeFrame(client, 7, 42, tt.payload) }()

			shardID, requestID, payload, err := readFrame(server, tt.buf)
			if err != nil {
				t.Fatalf("readFrame failed: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("writeFrame failed: %v", err)
			}
			if shardID != 7 || requestID != 42 {
				t.Errorf("header = (%d, %d), want (7, 42)", shardID, requestID)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload = %q, want %q", payload, tt.payload)
			}
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], 1)
	binary.BigEndian.PutUint64(header[8:16], 2)
	binary.BigEndian.PutUint32(header[16:20], MaxFrameSize+1)
	go func() { _, _ = client.Write(header[:]) }()

	_, _, _, err := readFrame(server, nil)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("readFrame = %v, want ErrFrameTooLarge", err)
	}
}
