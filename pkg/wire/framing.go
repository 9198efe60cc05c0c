// Package wire implements the length-prefixed framing shared by the
// SDBP client protocol and the internal cluster protocol (spec §6),
// generalizing the teacher's serializer.WriteFieldBytes/ReadFieldBytes
// (serializer/serializer.go) from single length-prefixed byte fields to
// whole message envelopes.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameSize = 128 * 1024 * 1024

// WriteFrame writes a 4-byte little-endian length prefix followed by
// payload, matching serializer.WriteFieldBytes's on-wire shape.
func WriteFrame(w io.Writer, payload []byte) error {
	size := uint32(len(payload))
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	n, err := w.Write(payload)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("wire: short write, expected %d bytes, wrote %d", size, n)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, refusing anything larger
// than maxFrameSize to bound memory use against a misbehaving peer.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d exceeds max %d", size, maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFieldBytes writes a binary blob field with a 4-byte
// little-endian length prefix. The SDBP codec does not use it; its blob
// fields go through writeBlob with ASCII decimal lengths. Kept
// byte-for-byte equivalent to the teacher's serializer.WriteFieldBytes.
func WriteFieldBytes(buf *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	n, err := buf.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("wire: unexpected num bytes written, expected %d, got %d", size, n)
	}
	return nil
}

// ReadFieldBytes reads a length-prefixed binary blob field.
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(buf, out); err != nil {
		return nil, err
	}
	return out, nil
}
