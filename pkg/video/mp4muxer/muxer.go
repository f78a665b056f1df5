package mp4muxer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"zeromirror/pkg/video"
	"zeromirror/pkg/video/mp4"
)

// Errors.
var (
	ErrNotStarted         = errors.New("muxer not started")
	ErrAlreadyStarted     = errors.New("muxer already started")
	ErrStopped            = errors.New("muxer stopped")
	ErrNoTracks           = errors.New("no tracks")
	ErrUnknownTrack       = errors.New("unknown track")
	ErrMissingCodecConfig = errors.New("missing codec config")
	ErrTimestampOrder     = errors.New("timestamp went backwards")
	ErrMdatTooLarge       = errors.New("mdat too large")
)

// Muxer writes samples to a mp4 container.
type Muxer interface {
	// AddTrack adds a track and returns its index, only before Start.
	AddTrack(track video.Track) (int, error)
	Start() error
	WriteSample(trackIndex int, unit video.AccessUnit) error
	// Stop finalizes the file, the muxer cannot be reused.
	Stop() error
}

// NewMuxerFunc creates a muxer writing to out.
type NewMuxerFunc func(out io.WriteSeeker) Muxer

const (
	ftypSize       = 28
	mdatHeaderSize = 8

	// Offset of the first sample byte.
	mdatDataOffset = ftypSize + mdatHeaderSize
)

// muxer writes [ftyp][mdat][moov]. Samples are streamed into
// mdat and the size is patched when the muxer stops.
type muxer struct {
	out    io.WriteSeeker
	tracks []*muxerTrack

	started bool
	stopped bool

	mdatPos   uint64
	prevChunk int
}

type muxerTrack struct {
	track     video.Track
	timescale uint32

	firstTS    int64
	lastTS     int64
	lastDelta  uint32
	hasSamples bool
	duration   uint64 // Timescale units.

	stts []mp4.SttsEntry
	stss []uint32
	stsc []mp4.StscEntry
	stsz []uint32
	stco []uint32
}

// NewMuxer returns a muxer that writes a regular mp4 file.
func NewMuxer(out io.WriteSeeker) Muxer {
	return &muxer{out: out, prevChunk: -1}
}

func (m *muxer) AddTrack(track video.Track) (int, error) {
	if m.started {
		return 0, ErrAlreadyStarted
	}
	if !track.Codec.MP4() {
		return 0, fmt.Errorf("%w: %v in mp4", video.ErrUnsupportedCodec, track.Codec)
	}
	if len(track.CodecPrivate) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrMissingCodecConfig, track.Codec)
	}
	m.tracks = append(m.tracks, &muxerTrack{
		track:     track,
		timescale: uint32(track.ClockRate()),
	})
	return len(m.tracks) - 1, nil
}

func (m *muxer) Start() error {
	if m.started {
		return ErrAlreadyStarted
	}
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}

	ftyp := mp4.Boxes{Box: &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 512,
		CompatibleBrands: [][4]byte{
			{'i', 's', 'o', 'm'},
			{'i', 's', 'o', '2'},
			{'m', 'p', '4', '1'},
		},
	}}
	buf, err := ftyp.Bytes()
	if err != nil {
		return fmt.Errorf("marshal ftyp: %w", err)
	}
	buf = append(buf, 0, 0, 0, 0, 'm', 'd', 'a', 't')
	if _, err := m.out.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	m.started = true
	return nil
}

func (m *muxer) WriteSample(trackIndex int, unit video.AccessUnit) error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return ErrStopped
	}
	if trackIndex < 0 || trackIndex >= len(m.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, trackIndex)
	}
	if unit.IsCodecConfig {
		return nil
	}
	t := m.tracks[trackIndex]

	payload := unit.Payload
	if t.track.Type() == video.MediaVideo {
		payload = AnnexBToAVCC(payload)
	}

	if t.hasSamples {
		if unit.Timestamp < t.lastTS {
			return fmt.Errorf("%w: %d < %d", ErrTimestampOrder, unit.Timestamp, t.lastTS)
		}
		t.appendDelta(t.ticks(unit.Timestamp) - t.ticks(t.lastTS))
	} else {
		t.firstTS = unit.Timestamp
		t.hasSamples = true
	}
	t.lastTS = unit.Timestamp

	offset := mdatDataOffset + m.mdatPos
	if offset+uint64(len(payload)) > math.MaxUint32 {
		return ErrMdatTooLarge
	}

	if m.prevChunk == trackIndex {
		t.stsc[len(t.stsc)-1].SamplesPerChunk++
	} else {
		t.stco = append(t.stco, uint32(offset))
		t.stsc = append(t.stsc, mp4.StscEntry{
			FirstChunk:             uint32(len(t.stco)),
			SamplesPerChunk:        1,
			SampleDescriptionIndex: 1,
		})
		m.prevChunk = trackIndex
	}

	if _, err := m.out.Write(payload); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	m.mdatPos += uint64(len(payload))
	t.stsz = append(t.stsz, uint32(len(payload)))

	if unit.IsKeyframe && t.track.Type() == video.MediaVideo {
		t.stss = append(t.stss, uint32(len(t.stsz)))
	}
	return nil
}

// ticks converts a microsecond timestamp to track timescale units.
func (t *muxerTrack) ticks(ts int64) uint64 {
	return uint64(ts-t.firstTS) * uint64(t.timescale) / 1000000
}

func (t *muxerTrack) appendDelta(delta uint64) {
	d := uint32(delta)
	t.duration += delta
	t.lastDelta = d
	if len(t.stts) > 0 && t.stts[len(t.stts)-1].SampleDelta == d {
		t.stts[len(t.stts)-1].SampleCount++
		return
	}
	t.stts = append(t.stts, mp4.SttsEntry{SampleCount: 1, SampleDelta: d})
}

// finish gives the last sample the duration of the one before it.
func (t *muxerTrack) finish() {
	if !t.hasSamples {
		return
	}
	delta := uint64(t.lastDelta)
	if delta == 0 {
		if d := t.track.FrameDuration(); d > 0 {
			delta = uint64(d) * uint64(t.timescale) / uint64(time.Second)
		} else {
			delta = 1
		}
	}
	t.appendDelta(delta)
}

func (m *muxer) Stop() error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return ErrStopped
	}
	m.stopped = true

	for _, t := range m.tracks {
		t.finish()
	}

	mdatSize := mdatHeaderSize + m.mdatPos
	if mdatSize > math.MaxUint32 {
		return ErrMdatTooLarge
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(mdatSize))
	if _, err := m.out.Seek(ftypSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := m.out.Write(size[:]); err != nil {
		return fmt.Errorf("patch mdat size: %w", err)
	}
	if _, err := m.out.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	moov := m.generateMoov()
	buf, err := moov.Bytes()
	if err != nil {
		return fmt.Errorf("marshal moov: %w", err)
	}
	if _, err := m.out.Write(buf); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	return nil
}

func (m *muxer) generateMoov() mp4.Boxes {
	/*
	   moov
	   - mvhd
	   - trak (video)
	   - trak (audio)
	*/

	var duration time.Duration
	for _, t := range m.tracks {
		d := time.Duration(t.duration) * time.Second / time.Duration(t.timescale)
		if d > duration {
			duration = d
		}
	}

	children := []mp4.Boxes{
		{Box: &mp4.Mvhd{
			Timescale:   1000,
			Duration:    uint32(duration.Milliseconds()),
			Rate:        65536,
			Volume:      256,
			Matrix:      mp4.UnityMatrix,
			NextTrackID: uint32(len(m.tracks) + 1),
		}},
	}
	for i, t := range m.tracks {
		children = append(children, t.generateTrak(uint32(i+1), duration))
	}
	return mp4.Boxes{Box: &mp4.Container{BoxType: mp4.TypeMoov}, Children: children}
}

func (t *muxerTrack) generateTrak(trackID uint32, duration time.Duration) mp4.Boxes {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	*/

	isVideo := t.track.Type() == video.MediaVideo

	tkhd := &mp4.Tkhd{
		FullBox:  mp4.FullBox{Flags: mp4.TkhdTrackEnabled | mp4.TkhdTrackInMovie},
		TrackID:  trackID,
		Duration: uint32(duration.Milliseconds()),
		Matrix:   mp4.UnityMatrix,
	}
	hdlr := &mp4.Hdlr{}
	if isVideo {
		tkhd.Width = uint32(t.track.Width * 65536)
		tkhd.Height = uint32(t.track.Height * 65536)
		hdlr.HandlerType = [4]byte{'v', 'i', 'd', 'e'}
		hdlr.Name = "VideoHandler"
	} else {
		tkhd.AlternateGroup = 1
		tkhd.Volume = 256
		hdlr.HandlerType = [4]byte{'s', 'o', 'u', 'n'}
		hdlr.Name = "SoundHandler"
	}

	return mp4.Boxes{
		Box: &mp4.Container{BoxType: mp4.TypeTrak},
		Children: []mp4.Boxes{
			{Box: tkhd},
			{
				Box: &mp4.Container{BoxType: mp4.TypeMdia},
				Children: []mp4.Boxes{
					{Box: &mp4.Mdhd{
						Timescale: t.timescale,
						Duration:  uint32(t.duration),
						Language:  [3]byte{'u', 'n', 'd'},
					}},
					{Box: hdlr},
					t.generateMinf(),
				},
			},
		},
	}
}

func (t *muxerTrack) generateMinf() mp4.Boxes {
	/*
	   minf
	   - vmhd / smhd
	   - dinf
	     - dref
	       - url
	   - stbl
	     - stsd
	     - stts
	     - stss (video)
	     - stsc
	     - stsz
	     - stco
	*/

	var mediaHeader mp4.Boxes
	if t.track.Type() == video.MediaVideo {
		mediaHeader = mp4.Boxes{Box: &mp4.Vmhd{FullBox: mp4.FullBox{Flags: 1}}}
	} else {
		mediaHeader = mp4.Boxes{Box: &mp4.Smhd{}}
	}

	stbl := []mp4.Boxes{
		t.generateStsd(),
		{Box: &mp4.Stts{Entries: t.stts}},
	}
	if t.track.Type() == video.MediaVideo {
		stbl = append(stbl, mp4.Boxes{Box: &mp4.Stss{SampleNumber: t.stss}})
	}
	stbl = append(stbl,
		mp4.Boxes{Box: &mp4.Stsc{Entries: t.stsc}},
		mp4.Boxes{Box: &mp4.Stsz{
			SampleCount: uint32(len(t.stsz)),
			EntrySize:   t.stsz,
		}},
		mp4.Boxes{Box: &mp4.Stco{ChunkOffset: t.stco}},
	)

	return mp4.Boxes{
		Box: &mp4.Container{BoxType: mp4.TypeMinf},
		Children: []mp4.Boxes{
			mediaHeader,
			{
				Box: &mp4.Container{BoxType: mp4.TypeDinf},
				Children: []mp4.Boxes{{
					Box: &mp4.Dref{EntryCount: 1},
					Children: []mp4.Boxes{{
						Box: &mp4.Url{FullBox: mp4.FullBox{Flags: mp4.UrlSelfContained}},
					}},
				}},
			},
			{
				Box:      &mp4.Container{BoxType: mp4.TypeStbl},
				Children: stbl,
			},
		},
	}
}

func (t *muxerTrack) generateStsd() mp4.Boxes {
	var entry mp4.Boxes
	switch t.track.Codec {
	case video.CodecH264, video.CodecH265:
		entryType, configType := mp4.TypeAvc1, mp4.TypeAvcC
		if t.track.Codec == video.CodecH265 {
			entryType, configType = mp4.TypeHvc1, mp4.TypeHvcC
		}
		entry = mp4.Boxes{
			Box: &mp4.VisualSampleEntry{
				BoxType:            entryType,
				DataReferenceIndex: 1,
				Width:              uint16(t.track.Width),
				Height:             uint16(t.track.Height),
				Horizresolution:    4718592,
				Vertresolution:     4718592,
				FrameCount:         1,
				Depth:              24,
			},
			Children: []mp4.Boxes{
				{Box: &mp4.Raw{BoxType: configType, Data: t.track.CodecPrivate}},
			},
		}
	default:
		entry = mp4.Boxes{
			Box: &mp4.Mp4a{
				DataReferenceIndex: 1,
				ChannelCount:       uint16(t.track.Channels),
				SampleSize:         16,
				SampleRate:         uint32(t.track.SampleRate * 65536),
			},
			Children: []mp4.Boxes{
				{Box: &esds{
					ESID:    uint16(t.track.ID),
					config:  t.track.CodecPrivate,
					bitrate: uint32(t.track.Bitrate),
				}},
			},
		}
	}

	return mp4.Boxes{
		Box:      &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{entry},
	}
}
