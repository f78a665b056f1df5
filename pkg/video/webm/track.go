package webm

import (
	"fmt"
	"time"

	"zeromirror/pkg/video"
	"zeromirror/pkg/video/ebml"
)

// Opus decoders need 80ms of preroll after seeking.
const opusSeekPreRoll = uint64(80 * time.Millisecond)

// TrackEntry converts a track to its Matroska TrackEntry.
func TrackEntry(track video.Track) (ebml.TrackEntry, error) {
	codecID, err := track.Codec.MatroskaID()
	if err != nil {
		return ebml.TrackEntry{}, err
	}
	if track.ID <= 0 {
		return ebml.TrackEntry{}, fmt.Errorf("%w: %d", ErrInvalidTrack, track.ID)
	}

	entry := ebml.TrackEntry{
		Number:       uint64(track.ID),
		UID:          uint64(track.ID),
		CodecID:      codecID,
		CodecPrivate: track.CodecPrivate,
	}

	switch track.Type() {
	case video.MediaVideo:
		entry.Type = ebml.TrackTypeVideo
		entry.PixelWidth = uint64(track.Width)
		entry.PixelHeight = uint64(track.Height)
		entry.DefaultDuration = uint64(track.FrameDuration())
	case video.MediaAudio:
		entry.Type = ebml.TrackTypeAudio
		entry.SamplingFrequency = float64(track.SampleRate)
		entry.Channels = uint64(track.Channels)
		if track.Codec == video.CodecOpus {
			if len(entry.CodecPrivate) == 0 {
				entry.CodecPrivate = ebml.OpusHead(track.Channels, track.SampleRate)
			}
			entry.SeekPreRoll = opusSeekPreRoll
		}
	}
	return entry, nil
}

// InitName returns the init segment file name of a media type.
func InitName(typ video.MediaType) string {
	return typ.String() + "_init.webm"
}

// SegmentName returns the media segment file name of a media type.
func SegmentName(typ video.MediaType, index int) string {
	return pattern(typ).Name(index)
}
