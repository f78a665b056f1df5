package mp4muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"zeromirror/pkg/video/mp4"
)

// Errors.
var (
	ErrNoMoov         = errors.New("moov box not found")
	ErrOffsetOverflow = errors.New("chunk offset overflows stco")
)

// FastStart copies a mp4 file from src to dst with the moov box moved in
// front of the media data, so playback can begin before the download ends.
// Chunk offsets in stco and co64 boxes are adjusted for the move.
func FastStart(dst io.Writer, src io.ReadSeeker) error {
	boxes, err := mp4.ScanBoxes(src)
	if err != nil {
		return fmt.Errorf("scan boxes: %w", err)
	}

	moovIndex, firstMdat := -1, -1
	for i, box := range boxes {
		switch box.Type {
		case mp4.TypeMoov:
			moovIndex = i
		case mp4.TypeMdat:
			if firstMdat == -1 {
				firstMdat = i
			}
		}
	}
	if moovIndex == -1 {
		return ErrNoMoov
	}

	if firstMdat == -1 || moovIndex < firstMdat {
		// Already fast start.
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(dst, src)
		return err
	}

	moovBox := boxes[moovIndex]
	if moovBox.Size > math.MaxInt32 {
		return fmt.Errorf("%w: moov %d bytes", mp4.ErrInvalidBoxSize, moovBox.Size)
	}
	moov := make([]byte, moovBox.Size)
	if _, err := src.Seek(int64(moovBox.Offset), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(src, moov); err != nil {
		return fmt.Errorf("read moov: %w", err)
	}

	// Data located before the old moov position moves forward by
	// the size of moov. Data after it keeps its position.
	shift := func(offset uint64) uint64 {
		if offset < moovBox.Offset {
			return offset + moovBox.Size
		}
		return offset
	}
	if err := patchContainer(moov[moovBox.HeaderSize:], shift); err != nil {
		return fmt.Errorf("patch moov: %w", err)
	}

	copyBox := func(box mp4.BoxInfo) error {
		if _, err := src.Seek(int64(box.Offset), io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(dst, src, int64(box.Size)); err != nil {
			return fmt.Errorf("copy %v: %w", box.Type, err)
		}
		return nil
	}

	for _, box := range boxes[:firstMdat] {
		if err := copyBox(box); err != nil {
			return err
		}
	}
	if _, err := dst.Write(moov); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	for i, box := range boxes[firstMdat:] {
		if firstMdat+i == moovIndex {
			continue
		}
		if err := copyBox(box); err != nil {
			return err
		}
	}
	return nil
}

func isContainer(typ mp4.BoxType) bool {
	switch typ {
	case mp4.TypeTrak, mp4.TypeMdia, mp4.TypeMinf, mp4.TypeStbl:
		return true
	}
	return false
}

// patchContainer walks the children of a container box in place.
func patchContainer(data []byte, shift func(uint64) uint64) error {
	var pos uint64
	for pos < uint64(len(data)) {
		remaining := uint64(len(data)) - pos
		h, err := mp4.ReadBoxHeader(bytes.NewReader(data[pos:]), remaining)
		if err != nil {
			return err
		}
		if h.Size > remaining {
			return fmt.Errorf("%w: %v overruns parent", mp4.ErrInvalidBoxSize, h.Type)
		}
		payload := data[pos+h.HeaderSize : pos+h.Size]

		switch {
		case isContainer(h.Type):
			if err := patchContainer(payload, shift); err != nil {
				return err
			}
		case h.Type == mp4.TypeStco:
			if err := patchStco(payload, shift); err != nil {
				return err
			}
		case h.Type == mp4.TypeCo64:
			if err := patchCo64(payload, shift); err != nil {
				return err
			}
		}
		pos += h.Size
	}
	return nil
}

func patchStco(payload []byte, shift func(uint64) uint64) error {
	entries, err := chunkOffsetEntries(payload, 4)
	if err != nil {
		return err
	}
	for i := 0; i < entries; i++ {
		pos := 8 + i*4
		offset := shift(uint64(binary.BigEndian.Uint32(payload[pos:])))
		if offset > math.MaxUint32 {
			return fmt.Errorf("%w: %d", ErrOffsetOverflow, offset)
		}
		binary.BigEndian.PutUint32(payload[pos:], uint32(offset))
	}
	return nil
}

func patchCo64(payload []byte, shift func(uint64) uint64) error {
	entries, err := chunkOffsetEntries(payload, 8)
	if err != nil {
		return err
	}
	for i := 0; i < entries; i++ {
		pos := 8 + i*8
		offset := shift(binary.BigEndian.Uint64(payload[pos:]))
		binary.BigEndian.PutUint64(payload[pos:], offset)
	}
	return nil
}

func chunkOffsetEntries(payload []byte, entrySize int) (int, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("%w: chunk offset box too short", mp4.ErrInvalidBoxSize)
	}
	entries := int(binary.BigEndian.Uint32(payload[4:8]))
	if (len(payload)-8)/entrySize < entries {
		return 0, fmt.Errorf("%w: %d chunk offsets don't fit", mp4.ErrInvalidBoxSize, entries)
	}
	return entries, nil
}
