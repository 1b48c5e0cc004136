package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame so a corrupt or malicious length
// prefix cannot cause an unbounded allocation.
const maxFrameBytes = 256 << 20 // 256MiB

// writeMultipart writes a multi-frame message as a length-prefixed
// sequence: a 4-byte big-endian frame count, then per frame a 4-byte
// big-endian length and the frame bytes. This is the byte-stream framing
// spec.md section 9's design notes calls out as a separate, optional mode
// distinct from the core's multi-frame Message abstraction — tcp.go uses
// it purely as its wire encoding, never exposing frame boundaries as a
// stream to callers.
func writeMultipart(w io.Writer, frames [][]byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frames)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if len(f) > 0 {
			if _, err := w.Write(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// readMultipart is the inverse of writeMultipart.
func readMultipart(r *bufio.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	if count > 1<<20 {
		return nil, fmt.Errorf("transport: frame count %d exceeds sane limit", count)
	}
	frames := make([][]byte, count)
	for i := range frames {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameBytes {
			return nil, fmt.Errorf("transport: frame length %d exceeds %d byte limit", n, maxFrameBytes)
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
		}
		frames[i] = buf
	}
	return frames, nil
}
