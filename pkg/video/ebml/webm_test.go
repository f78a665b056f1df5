package ebml

import (
	"bytes"
	"testing"

	ebmlgo "github.com/at-wat/ebml-go"
	"github.com/stretchr/testify/require"
)

func TestBuildClusterHeader(t *testing.T) {
	actual, err := BuildClusterHeader(3000)
	require.NoError(t, err)

	expected := []byte{
		0x1f, 0x43, 0xb6, 0x75, // Cluster.
		0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // Unknown size.
		0xe7, 0x82, 0x0b, 0xb8, // Timecode 3000.
	}
	require.Equal(t, expected, actual)
}

func TestEncodeBlock(t *testing.T) {
	t.Run("keyframe", func(t *testing.T) {
		actual, err := EncodeBlock(1, 33, []byte{0xaa, 0xbb}, true)
		require.NoError(t, err)

		expected := []byte{
			0xa3, 0x86, // SimpleBlock, size 6.
			0x81,       // Track 1.
			0x00, 0x21, // Timestamp 33.
			0x80, // Keyframe.
			0xaa, 0xbb,
		}
		require.Equal(t, expected, actual)

		block, err := ParseBlock(actual[2:])
		require.NoError(t, err)
		require.Equal(t, Block{
			TrackNumber: 1,
			Timestamp:   33,
			Keyframe:    true,
			Payload:     []byte{0xaa, 0xbb},
		}, block)
	})
	t.Run("delta", func(t *testing.T) {
		actual, err := EncodeBlock(2, 0, nil, false)
		require.NoError(t, err)
		require.Equal(t, []byte{0xa3, 0x84, 0x82, 0x00, 0x00, 0x00}, actual)
	})
	t.Run("range", func(t *testing.T) {
		_, err := EncodeBlock(1, MaxRelativeTimestamp+1, nil, false)
		require.ErrorIs(t, err, ErrTimestampRange)

		_, err = EncodeBlock(1, -1, nil, false)
		require.ErrorIs(t, err, ErrTimestampRange)

		_, err = EncodeBlock(1, MaxRelativeTimestamp, nil, false)
		require.NoError(t, err)
	})
}

func TestOpusHead(t *testing.T) {
	expected := []byte{
		'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
		1,    // Version.
		2,    // Channels.
		0, 0, // Pre-skip.
		0x80, 0xbb, 0, 0, // 48000.
		0, 0, // Gain.
		0, // Mapping family.
	}
	require.Equal(t, expected, OpusHead(2, 48000))
}

func TestUint(t *testing.T) {
	require.Equal(t, []byte{0}, Uint(IDTrackNumber, 0).Data)
	require.Equal(t, []byte{0x0f, 0x42, 0x40}, Uint(IDTimecodeScale, TimecodeScale).Data)
}

type parsedHeader struct {
	Header struct {
		EBMLVersion        uint64 `ebml:"EBMLVersion"`
		EBMLReadVersion    uint64 `ebml:"EBMLReadVersion"`
		DocType            string `ebml:"EBMLDocType"`
		DocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
		DocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
	} `ebml:"EBML"`
}

type parsedTracks struct {
	Tracks struct {
		TrackEntry []struct {
			TrackNumber  uint64 `ebml:"TrackNumber"`
			TrackType    uint64 `ebml:"TrackType"`
			CodecID      string `ebml:"CodecID"`
			CodecPrivate []byte `ebml:"CodecPrivate"`
			Video        struct {
				PixelWidth  uint64 `ebml:"PixelWidth"`
				PixelHeight uint64 `ebml:"PixelHeight"`
			} `ebml:"Video"`
			Audio struct {
				SamplingFrequency float64 `ebml:"SamplingFrequency"`
				Channels          uint64  `ebml:"Channels"`
			} `ebml:"Audio"`
		} `ebml:"TrackEntry"`
	} `ebml:"Tracks"`
}

func TestBuildHeaderParses(t *testing.T) {
	header, err := BuildHeader("webm")
	require.NoError(t, err)

	var parsed parsedHeader
	require.NoError(t, ebmlgo.Unmarshal(bytes.NewReader(header), &parsed))
	require.Equal(t, uint64(1), parsed.Header.EBMLVersion)
	require.Equal(t, "webm", parsed.Header.DocType)
	require.Equal(t, uint64(4), parsed.Header.DocTypeVersion)
	require.Equal(t, uint64(2), parsed.Header.DocTypeReadVersion)
}

func TestBuildTracksParses(t *testing.T) {
	tracks, err := BuildTracks(
		TrackEntry{
			Number:      1,
			UID:         1,
			Type:        TrackTypeVideo,
			CodecID:     "V_VP9",
			PixelWidth:  1280,
			PixelHeight: 720,
		},
		TrackEntry{
			Number:            2,
			UID:               2,
			Type:              TrackTypeAudio,
			CodecID:           "A_OPUS",
			CodecPrivate:      OpusHead(2, 48000),
			SamplingFrequency: 48000,
			Channels:          2,
			SeekPreRoll:       80000000,
		},
	)
	require.NoError(t, err)

	var parsed parsedTracks
	require.NoError(t, ebmlgo.Unmarshal(bytes.NewReader(tracks), &parsed))

	entries := parsed.Tracks.TrackEntry
	require.Len(t, entries, 2)

	require.Equal(t, uint64(1), entries[0].TrackNumber)
	require.Equal(t, uint64(TrackTypeVideo), entries[0].TrackType)
	require.Equal(t, "V_VP9", entries[0].CodecID)
	require.Equal(t, uint64(1280), entries[0].Video.PixelWidth)
	require.Equal(t, uint64(720), entries[0].Video.PixelHeight)

	require.Equal(t, uint64(2), entries[1].TrackNumber)
	require.Equal(t, "A_OPUS", entries[1].CodecID)
	require.Equal(t, OpusHead(2, 48000), entries[1].CodecPrivate)
	require.Equal(t, float64(48000), entries[1].Audio.SamplingFrequency)
	require.Equal(t, uint64(2), entries[1].Audio.Channels)
}

func TestBuildTrackEntry(t *testing.T) {
	entry := TrackEntry{
		Number:            2,
		UID:               2,
		Type:              TrackTypeAudio,
		CodecID:           "A_OPUS",
		CodecPrivate:      OpusHead(1, 48000),
		SamplingFrequency: 48000,
		Channels:          1,
		SeekPreRoll:       80000000,
	}
	actual, err := BuildTrackEntry(entry)
	require.NoError(t, err)
	require.Equal(t, byte(0xae), actual[0])

	var parsed struct {
		TrackEntry struct {
			TrackNumber  uint64 `ebml:"TrackNumber"`
			TrackType    uint64 `ebml:"TrackType"`
			CodecID      string `ebml:"CodecID"`
			CodecPrivate []byte `ebml:"CodecPrivate"`
			Audio        struct {
				SamplingFrequency float64 `ebml:"SamplingFrequency"`
				Channels          uint64  `ebml:"Channels"`
			} `ebml:"Audio"`
		} `ebml:"TrackEntry"`
	}
	require.NoError(t, ebmlgo.Unmarshal(bytes.NewReader(actual), &parsed))
	require.Equal(t, uint64(2), parsed.TrackEntry.TrackNumber)
	require.Equal(t, uint64(TrackTypeAudio), parsed.TrackEntry.TrackType)
	require.Equal(t, "A_OPUS", parsed.TrackEntry.CodecID)
	require.Equal(t, OpusHead(1, 48000), parsed.TrackEntry.CodecPrivate)
	require.Equal(t, float64(48000), parsed.TrackEntry.Audio.SamplingFrequency)
	require.Equal(t, uint64(1), parsed.TrackEntry.Audio.Channels)

	// The entry is embedded unchanged in Tracks.
	tracks, err := BuildTracks(entry)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(tracks, actual))
}

func TestReadBlocks(t *testing.T) {
	var stream []byte
	appendBytes := func(b []byte, err error) {
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	appendBytes(BuildHeader("webm"))
	appendBytes(BuildSegmentStart(SegmentInfo{MuxingApp: "test"}))
	appendBytes(BuildTracks(TrackEntry{Number: 1, UID: 1, Type: TrackTypeVideo, CodecID: "V_VP8"}))
	appendBytes(BuildClusterHeader(1000))
	appendBytes(EncodeBlock(1, 0, []byte{1}, true))
	appendBytes(EncodeBlock(1, 40, []byte{2}, false))
	appendBytes(BuildClusterHeader(40000))
	appendBytes(EncodeBlock(1, 5, []byte{3}, false))

	blocks, err := ReadBlocks(bytes.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	require.Equal(t, int64(1000), blocks[0].TimestampMs)
	require.True(t, blocks[0].Keyframe)
	require.Equal(t, []byte{1}, blocks[0].Payload)

	require.Equal(t, int64(1040), blocks[1].TimestampMs)
	require.False(t, blocks[1].Keyframe)

	require.Equal(t, int64(40005), blocks[2].TimestampMs)
	require.Equal(t, []byte{3}, blocks[2].Payload)
}

func TestReadBlocksOutsideCluster(t *testing.T) {
	block, err := EncodeBlock(1, 0, []byte{1}, true)
	require.NoError(t, err)

	_, err = ReadBlocks(bytes.NewReader(block))
	require.Error(t, err)
}
