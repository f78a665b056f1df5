package video

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyntheticSource(t *testing.T) {
	var before []int
	s := &SyntheticSource{
		TrackID:     VideoTrackID,
		Rate:        25,
		Count:       4,
		GOP:         2,
		PayloadSize: 8,
		Config:      []byte{1, 2},
		BeforeUnit: func(index int, _ AccessUnit) {
			before = append(before, index)
		},
	}

	ctx := context.Background()
	config, err := s.ReadAccessUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, AccessUnit{
		TrackID:       VideoTrackID,
		Payload:       []byte{1, 2},
		IsCodecConfig: true,
	}, config)

	for i := 0; i < 4; i++ {
		unit, err := s.ReadAccessUnit(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(i*40000), unit.Timestamp)
		require.Equal(t, i%2 == 0, unit.IsKeyframe)
		require.Len(t, unit.Payload, 8)
		require.Equal(t, i, UnitIndex(unit.Payload))
	}
	require.Equal(t, []int{0, 1, 2, 3}, before)

	_, err = s.ReadAccessUnit(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestSyntheticSourcePaced(t *testing.T) {
	s := &SyntheticSource{Rate: 20, Paced: true}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.ReadAccessUnit(ctx)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ctx2, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.ReadAccessUnit(ctx2)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnitIndex(t *testing.T) {
	require.Equal(t, 258, UnitIndex([]byte{0xfe, 0, 0, 1, 2}))
	require.Equal(t, -1, UnitIndex([]byte{0, 0, 0, 1, 2}))
	require.Equal(t, -1, UnitIndex([]byte{0xfe, 0}))
}

func TestCodec(t *testing.T) {
	require.Equal(t, MediaVideo, CodecH265.MediaType())
	require.Equal(t, MediaAudio, CodecOpus.MediaType())
	require.True(t, CodecVP8.WebM())
	require.False(t, CodecAAC.WebM())
	require.True(t, CodecAAC.MP4())

	id, err := CodecVP9.MatroskaID()
	require.NoError(t, err)
	require.Equal(t, "V_VP9", id)
	_, err = CodecH264.MatroskaID()
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestTrack(t *testing.T) {
	audio := Track{Codec: CodecAAC, SampleRate: 44100}
	require.Equal(t, 44100, audio.ClockRate())
	require.Equal(t, 90000, Track{Codec: CodecH264}.ClockRate())
	require.Equal(t, 40*time.Millisecond, Track{Framerate: 25}.FrameDuration())
	require.Equal(t, time.Duration(0), Track{}.FrameDuration())
}
