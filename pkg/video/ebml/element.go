package ebml

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/icza/bitio"
)

// Element is a EBML element. Master elements have Children
// and leaf elements have Data.
type Element struct {
	ID       uint32
	Data     []byte
	Children []Element
}

// DataSize returns the size of the element payload.
func (e Element) DataSize() uint64 {
	size := uint64(len(e.Data))
	for _, child := range e.Children {
		size += child.Size()
	}
	return size
}

// Size returns the total size of the element including header.
func (e Element) Size() uint64 {
	dataSize := e.DataSize()
	width, err := sizeWidth(dataSize)
	if err != nil {
		width = 8
	}
	return uint64(idWidth(e.ID)+width) + dataSize
}

// Marshal element and children.
func (e Element) Marshal(w *bitio.Writer) error {
	id, err := EncodeID(e.ID)
	if err != nil {
		return err
	}
	size, err := EncodeSize(e.DataSize())
	if err != nil {
		return err
	}
	w.TryWrite(id)
	w.TryWrite(size)
	w.TryWrite(e.Data)
	if w.TryError != nil {
		return w.TryError
	}
	for _, child := range e.Children {
		if err := child.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the marshaled element.
func (e Element) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(e.Size()))
	w := bitio.NewWriter(&buf)
	if err := e.Marshal(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Master returns a master element.
func Master(id uint32, children ...Element) Element {
	return Element{ID: id, Children: children}
}

// Uint returns a unsigned integer element using the fewest bytes.
func Uint(id uint32, v uint64) Element {
	n := 1
	for v>>(8*n) != 0 && n < 8 {
		n++
	}
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		data[i] = byte(v >> (8 * (n - 1 - i)))
	}
	return Element{ID: id, Data: data}
}

// Float returns a 8 byte float element.
func Float(id uint32, v float64) Element {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, math.Float64bits(v))
	return Element{ID: id, Data: data}
}

// String returns a string element.
func String(id uint32, s string) Element {
	return Element{ID: id, Data: []byte(s)}
}

// Binary returns a binary element.
func Binary(id uint32, b []byte) Element {
	return Element{ID: id, Data: b}
}

func idWidth(id uint32) int {
	switch {
	case id >= 1<<24:
		return 4
	case id >= 1<<16:
		return 3
	case id >= 1<<8:
		return 2
	default:
		return 1
	}
}
