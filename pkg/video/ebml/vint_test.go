package ebml

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeVint(t *testing.T) {
	cases := []struct {
		value    uint64
		expected []byte
	}{
		{0, []byte{0x80}},
		{1, []byte{0x81}},
		{126, []byte{0xfe}},
		{127, []byte{0xff}},
		{128, []byte{0x40, 0x80}},
		{16383, []byte{0x7f, 0xff}},
		{16384, []byte{0x20, 0x40, 0x00}},
		{MaxVintValue, []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tc := range cases {
		actual, err := EncodeVint(tc.value)
		require.NoError(t, err)
		require.Equal(t, tc.expected, actual, "value %d", tc.value)
	}

	_, err := EncodeVint(MaxVintValue + 1)
	require.ErrorIs(t, err, ErrValueTooLarge)
}

func TestVintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 100, 127, 128, 255, 256, 16383, 16384, 1 << 20}
	for width := 1; width <= 8; width++ {
		limit := uint64(1)<<(7*width) - 1
		values = append(values, limit-1, limit, limit+1)
	}

	for _, v := range values {
		if v > MaxVintValue {
			continue
		}
		encoded, err := EncodeVint(v)
		require.NoError(t, err)

		expectedWidth, err := VintWidth(v)
		require.NoError(t, err)
		require.Len(t, encoded, expectedWidth)

		decoded, width, err := ReadVint(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, v, decoded)
		require.Equal(t, expectedWidth, width)
	}
}

func TestEncodeSize(t *testing.T) {
	t.Run("skipsUnknownPattern", func(t *testing.T) {
		actual, err := EncodeSize(127)
		require.NoError(t, err)
		require.Equal(t, []byte{0x40, 0x7f}, actual)
	})
	t.Run("tooLarge", func(t *testing.T) {
		_, err := EncodeSize(MaxVintValue)
		require.ErrorIs(t, err, ErrValueTooLarge)
	})
}

func TestEncodeID(t *testing.T) {
	cases := map[uint32][]byte{
		IDEBML:          {0x1a, 0x45, 0xdf, 0xa3},
		IDSegment:       {0x18, 0x53, 0x80, 0x67},
		IDTimecodeScale: {0x2a, 0xd7, 0xb1},
		IDDocType:       {0x42, 0x82},
		IDSimpleBlock:   {0xa3},
	}
	for id, expected := range cases {
		actual, err := EncodeID(id)
		require.NoError(t, err)
		require.Equal(t, expected, actual)

		decoded, err := ReadID(bytes.NewReader(actual))
		require.NoError(t, err)
		require.Equal(t, id, decoded)
	}

	for _, id := range []uint32{0, 0x0a, 0x8001, 0x7f0000} {
		_, err := EncodeID(id)
		require.ErrorIs(t, err, ErrInvalidID, "%#x", id)
	}
}

func TestReadVintErrors(t *testing.T) {
	_, _, err := ReadVint(bytes.NewReader([]byte{0x00}))
	require.ErrorIs(t, err, ErrInvalidVint)

	_, _, err = ReadVint(bytes.NewReader([]byte{0x40}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
