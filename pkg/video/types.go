package video

import (
	"errors"
	"fmt"
	"time"
)

// MediaType of a track.
type MediaType uint8

// Media types.
const (
	MediaVideo MediaType = iota + 1
	MediaAudio
)

func (t MediaType) String() string {
	switch t {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	}
	return "unknown"
}

// Codec identifier.
type Codec string

// Supported codecs.
const (
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecOpus Codec = "opus"
	CodecAAC  Codec = "aac"
)

// ErrUnsupportedCodec unsupported codec.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// MediaType returns the media type of the codec.
func (c Codec) MediaType() MediaType {
	switch c {
	case CodecVP8, CodecVP9, CodecH264, CodecH265:
		return MediaVideo
	case CodecOpus, CodecAAC:
		return MediaAudio
	}
	return 0
}

// WebM reports if the codec can be stored in a WebM container.
func (c Codec) WebM() bool {
	return c == CodecVP8 || c == CodecVP9 || c == CodecOpus
}

// MP4 reports if the codec can be stored in a MP4 container.
func (c Codec) MP4() bool {
	return c == CodecH264 || c == CodecH265 || c == CodecAAC
}

// MatroskaID returns the Matroska CodecID.
func (c Codec) MatroskaID() (string, error) {
	switch c {
	case CodecVP8:
		return "V_VP8", nil
	case CodecVP9:
		return "V_VP9", nil
	case CodecOpus:
		return "A_OPUS", nil
	}
	return "", fmt.Errorf("%w: %q in webm", ErrUnsupportedCodec, c)
}

// Track IDs, they double as Matroska track numbers.
const (
	VideoTrackID = 1
	AudioTrackID = 2
)

// Track configuration.
type Track struct {
	ID    int
	Codec Codec

	// CodecPrivate is the codec configuration record.
	// avcC or hvcC for video, AudioSpecificConfig for AAC.
	CodecPrivate []byte

	Width     int
	Height    int
	Framerate int
	Bitrate   int

	SampleRate int
	Channels   int
}

// Type returns the media type of the track.
func (t Track) Type() MediaType {
	return t.Codec.MediaType()
}

// ClockRate returns the MP4 timescale of the track.
func (t Track) ClockRate() int {
	if t.Type() == MediaAudio && t.SampleRate > 0 {
		return t.SampleRate
	}
	return 90000
}

// FrameDuration returns the nominal duration of one frame or zero.
func (t Track) FrameDuration() time.Duration {
	if t.Framerate <= 0 {
		return 0
	}
	return time.Second / time.Duration(t.Framerate)
}

// AccessUnit is one encoded frame or audio packet.
type AccessUnit struct {
	TrackID int

	// Timestamp in microseconds, monotonic per track.
	Timestamp int64
	Payload   []byte

	IsKeyframe bool

	// IsCodecConfig marks a unit carrying codec configuration
	// such as H.264 SPS and PPS instead of media.
	IsCodecConfig bool
}

// Duration returns the timestamp as a duration.
func (u AccessUnit) Duration() time.Duration {
	return time.Duration(u.Timestamp) * time.Microsecond
}
