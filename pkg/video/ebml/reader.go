package ebml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header of a element read from a stream.
type Header struct {
	ID   uint32
	Size uint64

	// UnknownSize is set for elements that continue until the parent ends.
	UnknownSize bool
}

// Reader reads elements from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a new Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads the next element header.
func (r *Reader) Next() (Header, error) {
	id, err := ReadID(r.r)
	if err != nil {
		return Header{}, err
	}
	size, width, err := ReadVint(r.r)
	if err != nil {
		return Header{}, unexpected(err)
	}
	if isUnknownSize(size, width) {
		return Header{ID: id, UnknownSize: true}, nil
	}
	return Header{ID: id, Size: size}, nil
}

// ReadData reads the data of a element with known size.
func (r *Reader) ReadData(h Header) ([]byte, error) {
	if h.UnknownSize {
		return nil, fmt.Errorf("%w: %#x has unknown size", ErrInvalidVint, h.ID)
	}
	buf := make([]byte, h.Size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// Skip discards the data of a element with known size.
func (r *Reader) Skip(h Header) error {
	if h.UnknownSize {
		return nil
	}
	if _, err := r.r.Discard(int(h.Size)); err != nil {
		return unexpected(err)
	}
	return nil
}

// Block is a decoded SimpleBlock.
type Block struct {
	TrackNumber uint64
	// Timestamp relative to the cluster.
	Timestamp int16
	Keyframe  bool
	Payload   []byte
}

// ParseBlock decodes the body of a SimpleBlock element.
func ParseBlock(body []byte) (Block, error) {
	br := &byteReader{buf: body}
	track, _, err := ReadVint(br)
	if err != nil {
		return Block{}, fmt.Errorf("track number: %w", err)
	}
	if len(body)-br.pos < 3 {
		return Block{}, fmt.Errorf("block header: %w", io.ErrUnexpectedEOF)
	}
	rest := body[br.pos:]
	return Block{
		TrackNumber: track,
		Timestamp:   int16(binary.BigEndian.Uint16(rest[:2])),
		Keyframe:    rest[2]&flagKeyframe != 0,
		Payload:     rest[3:],
	}, nil
}

// MediaBlock is a block with absolute timestamp.
type MediaBlock struct {
	Block
	// Cluster timecode plus the relative block timestamp in milliseconds.
	TimestampMs int64
}

// ReadBlocks reads every SimpleBlock in a stream, segments and
// clusters are entered and other elements are skipped.
// A SimpleBlock outside of a Cluster is a error.
func ReadBlocks(r io.Reader) ([]MediaBlock, error) {
	reader := NewReader(r)
	var blocks []MediaBlock
	var clusterBase int64
	inCluster := false
	for {
		h, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}

		switch h.ID {
		case IDSegment:
		case IDCluster:
			inCluster = true
		case IDTimecode:
			data, err := reader.ReadData(h)
			if err != nil {
				return nil, err
			}
			clusterBase = int64(decodeUint(data))
		case IDSimpleBlock:
			if !inCluster {
				return nil, fmt.Errorf("%w: block outside cluster", ErrInvalidID)
			}
			data, err := reader.ReadData(h)
			if err != nil {
				return nil, err
			}
			block, err := ParseBlock(data)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, MediaBlock{
				Block:       block,
				TimestampMs: clusterBase + int64(block.Timestamp),
			})
		default:
			if h.UnknownSize {
				return nil, fmt.Errorf("%w: %#x has unknown size", ErrInvalidVint, h.ID)
			}
			if err := reader.Skip(h); err != nil {
				return nil, err
			}
		}
	}
}

func decodeUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}
