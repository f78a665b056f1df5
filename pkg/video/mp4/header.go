package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidBoxSize invalid box size.
var ErrInvalidBoxSize = errors.New("invalid box size")

// BoxHeader is a parsed box header.
type BoxHeader struct {
	Type BoxType

	// Size of the whole box including header.
	Size uint64

	// HeaderSize is 8, or 16 for boxes with 64 bit size.
	HeaderSize uint64
}

// DataSize returns the size of the box payload.
func (h BoxHeader) DataSize() uint64 {
	return h.Size - h.HeaderSize
}

// ReadBoxHeader reads a box header. A size field of zero means the
// box extends to the end of the stream, remaining is used in that case.
func ReadBoxHeader(r io.Reader, remaining uint64) (BoxHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return BoxHeader{}, err
	}

	h := BoxHeader{HeaderSize: 8}
	copy(h.Type[:], buf[4:8])
	size := uint64(binary.BigEndian.Uint32(buf[:4]))

	switch size {
	case 0:
		h.Size = remaining
	case 1:
		if _, err := io.ReadFull(r, buf[8:16]); err != nil {
			return BoxHeader{}, fmt.Errorf("largesize: %w", err)
		}
		h.HeaderSize = 16
		h.Size = binary.BigEndian.Uint64(buf[8:16])
	default:
		h.Size = size
	}

	if h.Size < h.HeaderSize {
		return BoxHeader{}, fmt.Errorf("%w: %v %d", ErrInvalidBoxSize, h.Type, h.Size)
	}
	return h, nil
}

// BoxInfo is a box and its position in a stream.
type BoxInfo struct {
	BoxHeader
	Offset uint64
}

// ScanBoxes lists the top level boxes of a seekable stream.
func ScanBoxes(r io.ReadSeeker) ([]BoxInfo, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var boxes []BoxInfo
	var offset uint64
	for offset < uint64(end) {
		h, err := ReadBoxHeader(r, uint64(end)-offset)
		if err != nil {
			return nil, fmt.Errorf("box at %d: %w", offset, err)
		}
		if offset+h.Size > uint64(end) {
			return nil, fmt.Errorf("%w: %v at %d overruns file", ErrInvalidBoxSize, h.Type, offset)
		}
		boxes = append(boxes, BoxInfo{BoxHeader: h, Offset: offset})

		offset += h.Size
		if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, err
		}
	}
	return boxes, nil
}
