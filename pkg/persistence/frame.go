package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

const (
	// MagicByte marks the start of a frame.
	MagicByte = 0xA5

	// HeaderSize is Magic(1) + OpCode(1) + Length(4) + CRC32(4).
	HeaderSize = 10

	// MaxFramePayload guards against allocating garbage lengths from a
	// corrupted header.
	MaxFramePayload = 16 << 20
)

// Frame op codes used by the snapshot file.
const (
	OpCodeSnapshotHeader byte = 0x10
	OpCodeEdgeRow        byte = 0x11
	OpCodePairState      byte = 0x12
	OpCodeSnapshotEnd    byte = 0x1F
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates a corrupted payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the stream ended inside a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFrameTooLarge indicates a length field beyond MaxFramePayload.
	ErrFrameTooLarge = errors.New("frame payload too large")
)

// FrameWriter writes CRC-protected frames. Wrap a bufio.Writer so that the
// header and payload reach the OS in one write.
type FrameWriter struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewFrameWriter creates a frame writer on top of w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes [Magic][OpCode][Length][CRC][Payload].
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	fw.header[0] = MagicByte
	fw.header[1] = op
	binary.LittleEndian.PutUint32(fw.header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(fw.header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads and verifies the next frame. It returns io.EOF only when the
// stream ends exactly on a frame boundary.
func ReadFrame(r io.Reader) (op byte, payload []byte, err error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrIncompleteFrame
	}
	if header[0] != MagicByte {
		return 0, nil, ErrInvalidMagic
	}

	op = header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expected := binary.LittleEndian.Uint32(header[6:10])
	if length > MaxFramePayload {
		return 0, nil, ErrFrameTooLarge
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != expected {
		return 0, nil, ErrChecksumMismatch
	}
	return op, payload, nil
}
