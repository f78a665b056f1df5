package ebml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// BuildHeader returns the EBML header for the given doc type.
func BuildHeader(docType string) ([]byte, error) {
	return Master(IDEBML,
		Uint(IDEBMLVersion, 1),
		Uint(IDEBMLReadVersion, 1),
		Uint(IDEBMLMaxIDLength, 4),
		Uint(IDEBMLMaxSizeLength, 8),
		String(IDDocType, docType),
		Uint(IDDocTypeVersion, 4),
		Uint(IDDocTypeReadVersion, 2),
	).Bytes()
}

// SegmentInfo .
type SegmentInfo struct {
	UID        []byte // 16 bytes, optional.
	MuxingApp  string
	WritingApp string
}

// BuildSegmentStart returns the Segment element header with
// unknown size followed by the Info element.
func BuildSegmentStart(info SegmentInfo) ([]byte, error) {
	id, err := EncodeID(IDSegment)
	if err != nil {
		return nil, err
	}

	children := []Element{Uint(IDTimecodeScale, TimecodeScale)}
	if len(info.UID) != 0 {
		children = append(children, Binary(IDSegmentUID, info.UID))
	}
	if info.MuxingApp != "" {
		children = append(children, String(IDMuxingApp, info.MuxingApp))
	}
	if info.WritingApp != "" {
		children = append(children, String(IDWritingApp, info.WritingApp))
	}
	infoBytes, err := Master(IDInfo, children...).Bytes()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(id)+len(UnknownSize)+len(infoBytes))
	out = append(out, id...)
	out = append(out, UnknownSize...)
	return append(out, infoBytes...), nil
}

// TrackEntry describes one track in the Tracks element.
type TrackEntry struct {
	Number       uint64
	UID          uint64
	Type         uint64
	CodecID      string
	CodecPrivate []byte

	// DefaultDuration in nanoseconds, optional.
	DefaultDuration uint64

	// Video.
	PixelWidth  uint64
	PixelHeight uint64

	// Audio.
	SamplingFrequency float64
	Channels          uint64
	SeekPreRoll       uint64
}

// Element returns the TrackEntry element.
func (t TrackEntry) Element() Element {
	children := []Element{
		Uint(IDTrackNumber, t.Number),
		Uint(IDTrackUID, t.UID),
		Uint(IDTrackType, t.Type),
		Uint(IDFlagLacing, 0),
		String(IDCodecID, t.CodecID),
	}
	if len(t.CodecPrivate) != 0 {
		children = append(children, Binary(IDCodecPrivate, t.CodecPrivate))
	}
	if t.DefaultDuration != 0 {
		children = append(children, Uint(IDDefaultDuration, t.DefaultDuration))
	}
	if t.SeekPreRoll != 0 {
		children = append(children, Uint(IDSeekPreRoll, t.SeekPreRoll))
	}

	switch t.Type {
	case TrackTypeVideo:
		children = append(children, Master(IDVideo,
			Uint(IDPixelWidth, t.PixelWidth),
			Uint(IDPixelHeight, t.PixelHeight),
		))
	case TrackTypeAudio:
		children = append(children, Master(IDAudio,
			Float(IDSamplingFrequency, t.SamplingFrequency),
			Uint(IDChannels, t.Channels),
		))
	}
	return Master(IDTrackEntry, children...)
}

// BuildTrackEntry returns a single marshaled TrackEntry.
func BuildTrackEntry(t TrackEntry) ([]byte, error) {
	return t.Element().Bytes()
}

// BuildTracks returns the Tracks element containing the entries.
func BuildTracks(entries ...TrackEntry) ([]byte, error) {
	children := make([]Element, 0, len(entries))
	for _, e := range entries {
		children = append(children, e.Element())
	}
	return Master(IDTracks, children...).Bytes()
}

// BuildClusterHeader returns the header of a unknown
// size Cluster and its Timecode element.
func BuildClusterHeader(baseMs uint64) ([]byte, error) {
	id, err := EncodeID(IDCluster)
	if err != nil {
		return nil, err
	}
	timecode, err := Uint(IDTimecode, baseMs).Bytes()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(id)+len(UnknownSize)+len(timecode))
	out = append(out, id...)
	out = append(out, UnknownSize...)
	return append(out, timecode...), nil
}

// Block flags.
const (
	flagKeyframe = 0x80
)

// MaxRelativeTimestamp is the largest block timestamp
// relative to the cluster timecode.
const MaxRelativeTimestamp = math.MaxInt16

// EncodeBlock returns a SimpleBlock element.
func EncodeBlock(trackNumber uint64, relMs int64, payload []byte, keyframe bool) ([]byte, error) {
	if relMs < 0 || relMs > MaxRelativeTimestamp {
		return nil, fmt.Errorf("%w: %d", ErrTimestampRange, relMs)
	}
	track, err := EncodeSize(trackNumber)
	if err != nil {
		return nil, fmt.Errorf("track number: %w", err)
	}

	body := make([]byte, 0, len(track)+3+len(payload))
	body = append(body, track...)
	body = binary.BigEndian.AppendUint16(body, uint16(relMs))
	var flags byte
	if keyframe {
		flags |= flagKeyframe
	}
	body = append(body, flags)
	body = append(body, payload...)

	return Binary(IDSimpleBlock, body).Bytes()
}

// OpusHead returns the Opus identification header used as CodecPrivate.
func OpusHead(channels int, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.WriteString("OpusHead")
	buf.WriteByte(1) // Version.
	buf.WriteByte(byte(channels))
	buf.Write([]byte{0, 0}) // Pre-skip.
	var rate [4]byte
	binary.LittleEndian.PutUint32(rate[:], uint32(sampleRate))
	buf.Write(rate[:])
	buf.Write([]byte{0, 0}) // Output gain.
	buf.WriteByte(0)        // Channel mapping family.
	return buf.Bytes()
}
