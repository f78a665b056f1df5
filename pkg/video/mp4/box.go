package mp4

import (
	"bytes"

	"github.com/icza/bitio"
)

// BoxType is mpeg box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes without header.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// Boxes is a structure of boxes that can be marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including header and children.
func (b *Boxes) Size() int {
	total := b.Box.Size() + 8
	for _, child := range b.Children {
		total += child.Size()
	}
	return total
}

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	writeBoxInfo(w, uint32(b.Size()), b.Box.Type())
	if w.TryError != nil {
		return w.TryError
	}

	if b.Box.Size() != 0 {
		if err := b.Box.Marshal(w); err != nil {
			return err
		}
	}

	for _, child := range b.Children {
		if err := child.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the marshaled boxes.
func (b *Boxes) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(b.Size())
	w := bitio.NewWriter(&buf)
	if err := b.Marshal(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) {
	w.TryWriteBits(uint64(size), 32)
	w.TryWrite(typ[:])
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := 8 + b.Size()

	writeBoxInfo(w, uint32(size), b.Type())
	if w.TryError != nil {
		return 0, w.TryError
	}

	if size != 8 {
		if err := b.Marshal(w); err != nil {
			return 0, err
		}
	}
	return size, nil
}
