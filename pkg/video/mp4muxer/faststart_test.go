package mp4muxer

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"zeromirror/pkg/video"
	"zeromirror/pkg/video/mp4"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) []byte {
	t.Helper()
	buf := &mockFile{}
	m := NewMuxer(buf)
	_, err := m.AddTrack(testVideoTrack(t))
	require.NoError(t, err)
	_, err = m.AddTrack(testAudioTrack())
	require.NoError(t, err)
	require.NoError(t, m.Start())

	require.NoError(t, m.WriteSample(0, video.AccessUnit{
		Timestamp: 0, Payload: annexB([]byte{0x65, 1, 2, 3}), IsKeyframe: true,
	}))
	require.NoError(t, m.WriteSample(1, video.AccessUnit{
		Timestamp: 0, Payload: []byte{0xa0, 0xa1},
	}))
	require.NoError(t, m.WriteSample(0, video.AccessUnit{
		Timestamp: 40000, Payload: annexB([]byte{0x41, 4}),
	}))
	require.NoError(t, m.Stop())
	return buf.buf
}

func TestFastStart(t *testing.T) {
	src := newTestFile(t)
	before, err := mp4.ScanBoxes(bytes.NewReader(src))
	require.NoError(t, err)
	oldMdat, oldMoov := before[1], before[2]

	var dst bytes.Buffer
	require.NoError(t, FastStart(&dst, bytes.NewReader(src)))
	out := dst.Bytes()
	require.Len(t, out, len(src))

	after, err := mp4.ScanBoxes(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, after, 3)
	require.Equal(t, mp4.TypeFtyp, after[0].Type)
	require.Equal(t, mp4.TypeMoov, after[1].Type)
	require.Equal(t, mp4.TypeMdat, after[2].Type)
	require.Equal(t, oldMoov.Size, after[1].Size)

	// Media bytes are unchanged.
	oldData := src[oldMdat.Offset : oldMdat.Offset+oldMdat.Size]
	newData := out[after[2].Offset : after[2].Offset+after[2].Size]
	require.Equal(t, oldData, newData)

	shift := uint32(oldMoov.Size)
	oldStcos := findBoxes(src, stcoPath...)
	newStcos := findBoxes(out, stcoPath...)
	require.Len(t, newStcos, 2)
	for i := range oldStcos {
		oldOffsets := chunkOffsets(oldStcos[i])
		newOffsets := chunkOffsets(newStcos[i])
		require.Len(t, newOffsets, len(oldOffsets))
		for j := range oldOffsets {
			require.Equal(t, oldOffsets[j]+shift, newOffsets[j])
		}
	}

	// Patched offsets point at the samples.
	videoOffsets := chunkOffsets(newStcos[0])
	require.Equal(t, []byte{0, 0, 0, 4, 0x65, 1, 2, 3}, out[videoOffsets[0]:videoOffsets[0]+8])
	require.Equal(t, []byte{0, 0, 0, 2, 0x41, 4}, out[videoOffsets[1]:videoOffsets[1]+6])
	audioOffsets := chunkOffsets(newStcos[1])
	require.Equal(t, []byte{0xa0, 0xa1}, out[audioOffsets[0]:audioOffsets[0]+2])
}

func TestFastStartAlreadyFast(t *testing.T) {
	var first bytes.Buffer
	require.NoError(t, FastStart(&first, bytes.NewReader(newTestFile(t))))

	var second bytes.Buffer
	require.NoError(t, FastStart(&second, bytes.NewReader(first.Bytes())))
	require.Equal(t, first.Bytes(), second.Bytes())
}

func TestFastStartNoMoov(t *testing.T) {
	src := []byte{0, 0, 0, 8, 'm', 'd', 'a', 't'}
	err := FastStart(&bytes.Buffer{}, bytes.NewReader(src))
	require.ErrorIs(t, err, ErrNoMoov)
}

func TestFastStartCo64(t *testing.T) {
	box := func(typ string, payload ...byte) []byte {
		b := binary.BigEndian.AppendUint32(nil, uint32(8+len(payload)))
		b = append(b, typ...)
		return append(b, payload...)
	}

	mdat := box("mdat", 1, 2, 3, 4)
	co64 := box("co64",
		0, 0, 0, 0, // FullBox.
		0, 0, 0, 1, // Entry count.
		0, 0, 0, 0, 0, 0, 0, 8, // Chunk offset.
	)
	moov := box("moov", box("trak", box("mdia", box("minf", box("stbl", co64...)...)...)...)...)
	src := append(append([]byte{}, mdat...), moov...)

	var dst bytes.Buffer
	require.NoError(t, FastStart(&dst, bytes.NewReader(src)))
	out := dst.Bytes()

	require.Equal(t, "moov", string(out[4:8]))
	patched := findBoxes(out, "moov", "trak", "mdia", "minf", "stbl", "co64")
	require.Len(t, patched, 1)
	offset := binary.BigEndian.Uint64(patched[0][8:])
	require.Equal(t, uint64(8+len(moov)), offset)
	require.Equal(t, []byte{1, 2, 3, 4}, out[offset:offset+4])
}

func TestPatchStcoOverflow(t *testing.T) {
	payload := []byte{
		0, 0, 0, 0, // FullBox.
		0, 0, 0, 1, // Entry count.
		0xff, 0xff, 0xff, 0x00,
	}
	shift := func(offset uint64) uint64 { return offset + 0x1000 }
	require.ErrorIs(t, patchStco(payload, shift), ErrOffsetOverflow)

	shift = func(offset uint64) uint64 { return math.MaxUint32 }
	require.NoError(t, patchStco(payload, shift))
}

func TestPatchStcoTruncated(t *testing.T) {
	payload := []byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 1}
	err := patchStco(payload, func(offset uint64) uint64 { return offset })
	require.ErrorIs(t, err, mp4.ErrInvalidBoxSize)
}
