package mp4muxer

import (
	"zeromirror/pkg/video/mp4"

	"github.com/icza/bitio"
)

// Descriptor tags, ISO/IEC 14496-1.
const (
	esDescrTag            = 0x03
	decoderConfigDescrTag = 0x04
	decSpecificInfoTag    = 0x05
	slConfigDescrTag      = 0x06
)

// esds is the elementary stream descriptor box for AAC.
type esds struct {
	mp4.FullBox
	ESID    uint16
	config  []byte
	bitrate uint32
}

func (*esds) Type() mp4.BoxType {
	return [4]byte{'e', 's', 'd', 's'}
}

func (b *esds) Size() int {
	return 41 + len(b.config)
}

func (b *esds) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}

	decSpecificInfoTagSize := uint8(len(b.config))

	w.TryWrite([]byte{
		esDescrTag,
		0x80, 0x80, 0x80,
		32 + decSpecificInfoTagSize, // Size.
		byte(b.ESID >> 8), byte(b.ESID),
		0, // Flags.
	})

	w.TryWrite([]byte{
		decoderConfigDescrTag,
		0x80, 0x80, 0x80,
		18 + decSpecificInfoTagSize, // Size.

		0x40,    // Object type indicator (MPEG-4 Audio).
		0x15,    // StreamType and upStream.
		0, 0, 0, // BufferSizeDB.
	})
	w.TryWriteBits(uint64(b.bitrate), 32) // MaxBitrate.
	w.TryWriteBits(uint64(b.bitrate), 32) // AverageBitrate.

	w.TryWrite([]byte{
		decSpecificInfoTag,
		0x80, 0x80, 0x80,
		decSpecificInfoTagSize, // Size.
	})
	w.TryWrite(b.config)

	w.TryWrite([]byte{
		slConfigDescrTag,
		0x80, 0x80, 0x80,
		1, // Size.
		2, // Flags.
	})

	return w.TryError
}
