package dash

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"zeromirror/pkg/video"
	"zeromirror/pkg/video/webm"
)

// ManifestName is the file name of the manifest.
const ManifestName = "manifest.mpd"

// ContentType of the manifest.
const ContentType = "application/dash+xml"

// Used when a track doesn't specify a bitrate.
const (
	defaultVideoBandwidth = 2000000
	defaultAudioBandwidth = 128000
)

// ErrInvalidDescriptor invalid descriptor.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Descriptor is the input of Generate.
type Descriptor struct {
	// AvailabilityStartTime is the session start, segment N is
	// available at AvailabilityStartTime + (N+1) * SegmentDuration.
	AvailabilityStartTime time.Time
	SegmentDuration       time.Duration

	// Retention is the number of segments kept on disk.
	Retention int

	Video video.Track
	Audio *video.Track
}

type mpd struct {
	XMLName                    xml.Name `xml:"MPD"`
	Xmlns                      string   `xml:"xmlns,attr"`
	Profiles                   string   `xml:"profiles,attr"`
	Type                       string   `xml:"type,attr"`
	AvailabilityStartTime      string   `xml:"availabilityStartTime,attr"`
	MinBufferTime              string   `xml:"minBufferTime,attr"`
	TimeShiftBufferDepth       string   `xml:"timeShiftBufferDepth,attr,omitempty"`
	SuggestedPresentationDelay string   `xml:"suggestedPresentationDelay,attr"`
	Period                     period   `xml:"Period"`
}

type period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	AdaptationSets []adaptationSet `xml:"AdaptationSet"`
}

type adaptationSet struct {
	ID               int            `xml:"id,attr"`
	ContentType      string         `xml:"contentType,attr"`
	MimeType         string         `xml:"mimeType,attr"`
	SegmentAlignment bool           `xml:"segmentAlignment,attr"`
	StartWithSAP     int            `xml:"startWithSAP,attr,omitempty"`
	Representation   representation `xml:"Representation"`
}

type representation struct {
	ID                string          `xml:"id,attr"`
	Codecs            string          `xml:"codecs,attr"`
	Bandwidth         int             `xml:"bandwidth,attr"`
	Width             int             `xml:"width,attr,omitempty"`
	Height            int             `xml:"height,attr,omitempty"`
	FrameRate         int             `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate int             `xml:"audioSamplingRate,attr,omitempty"`
	SegmentTemplate   segmentTemplate `xml:"SegmentTemplate"`
}

type segmentTemplate struct {
	Timescale      int    `xml:"timescale,attr"`
	Duration       int64  `xml:"duration,attr"`
	StartNumber    int    `xml:"startNumber,attr"`
	Initialization string `xml:"initialization,attr"`
	Media          string `xml:"media,attr"`
}

// Generate returns a dynamic MPD with one adaptation set per track.
// Segment URLs follow the file names of the webm writer.
func Generate(d Descriptor) ([]byte, error) {
	if d.SegmentDuration <= 0 {
		return nil, fmt.Errorf("%w: segment duration %v", ErrInvalidDescriptor, d.SegmentDuration)
	}
	if d.AvailabilityStartTime.IsZero() {
		return nil, fmt.Errorf("%w: missing start time", ErrInvalidDescriptor)
	}

	sets := []adaptationSet{}
	videoSet, err := newAdaptationSet(0, d.Video, d.SegmentDuration)
	if err != nil {
		return nil, err
	}
	sets = append(sets, videoSet)
	if d.Audio != nil {
		audioSet, err := newAdaptationSet(1, *d.Audio, d.SegmentDuration)
		if err != nil {
			return nil, err
		}
		sets = append(sets, audioSet)
	}

	m := mpd{
		Xmlns:                      "urn:mpeg:dash:schema:mpd:2011",
		Profiles:                   "urn:mpeg:dash:profile:isoff-live:2011",
		Type:                       "dynamic",
		AvailabilityStartTime:      d.AvailabilityStartTime.UTC().Format("2006-01-02T15:04:05.000Z"),
		MinBufferTime:              formatDuration(d.SegmentDuration),
		SuggestedPresentationDelay: formatDuration(d.SegmentDuration),
		Period: period{
			ID:             "0",
			Start:          "PT0S",
			AdaptationSets: sets,
		},
	}
	if d.Retention > 0 {
		m.TimeShiftBufferDepth = formatDuration(time.Duration(d.Retention) * d.SegmentDuration)
	}

	out, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func newAdaptationSet(id int, track video.Track, segmentDuration time.Duration) (adaptationSet, error) {
	if !track.Codec.WebM() {
		return adaptationSet{}, fmt.Errorf("%w: %v in dash", video.ErrUnsupportedCodec, track.Codec)
	}

	typ := track.Type()
	// Video segments are cut on the clock, not on keyframes, so only
	// audio segments are guaranteed to start with a stream access point.
	startWithSAP := 0
	rep := representation{
		ID:        typ.String(),
		Codecs:    string(track.Codec),
		Bandwidth: track.Bitrate,
		SegmentTemplate: segmentTemplate{
			Timescale:      1000,
			Duration:       segmentDuration.Milliseconds(),
			StartNumber:    0,
			Initialization: webm.InitName(typ),
			Media:          typ.String() + "$Number$.webm",
		},
	}
	switch typ {
	case video.MediaVideo:
		rep.Width = track.Width
		rep.Height = track.Height
		rep.FrameRate = track.Framerate
		if rep.Bandwidth <= 0 {
			rep.Bandwidth = defaultVideoBandwidth
		}
	case video.MediaAudio:
		rep.AudioSamplingRate = track.SampleRate
		startWithSAP = 1
		if rep.Bandwidth <= 0 {
			rep.Bandwidth = defaultAudioBandwidth
		}
	}

	return adaptationSet{
		ID:               id,
		ContentType:      typ.String(),
		MimeType:         typ.String() + "/webm",
		SegmentAlignment: true,
		StartWithSAP:     startWithSAP,
		Representation:   rep,
	}, nil
}

// formatDuration returns a ISO 8601 duration in seconds.
func formatDuration(d time.Duration) string {
	return "PT" + strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "S"
}

// WriteManifest generates the manifest and writes it to dir.
func WriteManifest(dir string, d Descriptor) error {
	data, err := Generate(d)
	if err != nil {
		return fmt.Errorf("generate manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}
