package ebml

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/icza/bitio"
)

// Errors.
var (
	ErrValueTooLarge  = errors.New("value too large for vint")
	ErrInvalidID      = errors.New("invalid element id")
	ErrInvalidVint    = errors.New("invalid vint")
	ErrTimestampRange = errors.New("relative timestamp out of range")
)

// MaxVintValue is the largest value a vint can carry, 2^56-1.
const MaxVintValue = 1<<56 - 1

// UnknownSize is the 8 byte "size unknown" marker used
// for Segment and Cluster elements that are still growing.
var UnknownSize = []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// VintWidth returns the minimal number of bytes needed to store v.
func VintWidth(v uint64) (int, error) {
	for width := 1; width <= 8; width++ {
		if v < 1<<(7*width) {
			return width, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrValueTooLarge, v)
}

// sizeWidth is like VintWidth but skips the all ones
// pattern of each width, that pattern means unknown size.
func sizeWidth(v uint64) (int, error) {
	for width := 1; width <= 8; width++ {
		if v < 1<<(7*width)-1 {
			return width, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrValueTooLarge, v)
}

// EncodeVint encodes v using the minimal width.
func EncodeVint(v uint64) ([]byte, error) {
	width, err := VintWidth(v)
	if err != nil {
		return nil, err
	}
	return encodeVintWidth(v, width)
}

// EncodeSize encodes an element data size or track number.
// It never produces the reserved unknown size pattern.
func EncodeSize(v uint64) ([]byte, error) {
	width, err := sizeWidth(v)
	if err != nil {
		return nil, err
	}
	return encodeVintWidth(v, width)
}

func encodeVintWidth(v uint64, width int) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)

	// Width-1 zero bits followed by the marker bit.
	w.TryWriteBits(1, uint8(width))
	w.TryWriteBits(v, uint8(7*width))
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeID encodes an element ID. IDs keep their marker bit,
// so the width is given by the ID itself and must be consistent.
func EncodeID(id uint32) ([]byte, error) {
	var width int
	switch {
	case id >= 1<<24:
		width = 4
	case id >= 1<<16:
		width = 3
	case id >= 1<<8:
		width = 2
	case id > 0:
		width = 1
	default:
		return nil, fmt.Errorf("%w: 0", ErrInvalidID)
	}

	first := byte(id >> (8 * (width - 1)))
	if first&(0x80>>(width-1)) == 0 || first>>(8-width+1) != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidID, id)
	}

	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = byte(id >> (8 * (width - 1 - i)))
	}
	return out, nil
}

// ReadVint reads a vint and returns the value without the marker and the width.
func ReadVint(r io.ByteReader) (uint64, int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	width := vintLength(first)
	if width == 0 {
		return 0, 0, fmt.Errorf("%w: leading byte %#x", ErrInvalidVint, first)
	}

	v := uint64(first & (0xff >> width))
	for i := 1; i < width; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, unexpected(err)
		}
		v = v<<8 | uint64(b)
	}
	return v, width, nil
}

// ReadID reads an element ID, the marker bit is kept.
func ReadID(r io.ByteReader) (uint32, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	width := vintLength(first)
	if width == 0 || width > 4 {
		return 0, fmt.Errorf("%w: leading byte %#x", ErrInvalidID, first)
	}

	id := uint32(first)
	for i := 1; i < width; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, unexpected(err)
		}
		id = id<<8 | uint32(b)
	}
	return id, nil
}

// isUnknownSize reports if a decoded size of the given width is the all ones pattern.
func isUnknownSize(v uint64, width int) bool {
	return v == 1<<(7*width)-1
}

func vintLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
