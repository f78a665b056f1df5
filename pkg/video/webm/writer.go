package webm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"zeromirror/pkg/log"
	"zeromirror/pkg/storage"
	"zeromirror/pkg/video"
	"zeromirror/pkg/video/ebml"

	"github.com/google/uuid"
)

// Errors.
var (
	ErrInvalidTrack   = errors.New("invalid track")
	ErrUnknownTrack   = errors.New("unknown track")
	ErrInitExists     = errors.New("init segment already written")
	ErrInitMissing    = errors.New("init segment not written")
	ErrTimestampOrder = errors.New("timestamp went backwards")
	ErrWriterClosed   = errors.New("writer closed")
)

const muxingApp = "zeromirror"

// Segment is a flushed media segment.
type Segment struct {
	Index int

	// Files is one file name per track, in track order.
	Files []string

	// Size in bytes of all files.
	Size int
}

// Writer turns access units into numbered per track WebM files.
// Each track gets one init segment and one file per media segment.
type Writer struct {
	dir       string
	retention *storage.Retention
	logger    *log.Logger
	segmentID []byte

	// mu is held for the whole append or flush.
	mu       sync.Mutex
	tracks   []*trackWriter
	byID     map[int]*trackWriter
	patterns []storage.Pattern
	closed   bool
}

type trackWriter struct {
	track video.Track
	entry ebml.TrackEntry

	initWritten bool

	buf         bytes.Buffer
	clusterOpen bool
	clusterBase int64 // Milliseconds.
	lastMs      int64
	hasLast     bool
}

func pattern(typ video.MediaType) storage.Pattern {
	return storage.Pattern{Prefix: typ.String(), Ext: ".webm"}
}

// NewWriter returns a writer for at most one video and one audio track.
func NewWriter(
	dir string,
	retention *storage.Retention,
	tracks []video.Track,
	logger *log.Logger,
) (*Writer, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrInvalidTrack)
	}

	segmentID := uuid.New()
	w := &Writer{
		dir:       dir,
		retention: retention,
		logger:    logger,
		segmentID: segmentID[:],
		byID:      make(map[int]*trackWriter),
	}

	types := make(map[video.MediaType]struct{})
	for _, track := range tracks {
		entry, err := TrackEntry(track)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", track.ID, err)
		}
		if _, exists := w.byID[track.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInvalidTrack, track.ID)
		}
		if _, exists := types[track.Type()]; exists {
			return nil, fmt.Errorf("%w: more than one %v track", ErrInvalidTrack, track.Type())
		}
		types[track.Type()] = struct{}{}

		t := &trackWriter{track: track, entry: entry}
		w.tracks = append(w.tracks, t)
		w.byID[track.ID] = t
		w.patterns = append(w.patterns, pattern(track.Type()))
	}
	return w, nil
}

// CreateInitSegment writes the EBML header, segment info and
// tracks of a single track. Can only be called once per track.
func (w *Writer) CreateInitSegment(trackID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	t, exists := w.byID[trackID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	if t.initWritten {
		return fmt.Errorf("%w: %v", ErrInitExists, t.track.Type())
	}

	header, err := ebml.BuildHeader("webm")
	if err != nil {
		return fmt.Errorf("build header: %w", err)
	}
	segment, err := ebml.BuildSegmentStart(ebml.SegmentInfo{
		UID:        w.segmentID,
		MuxingApp:  muxingApp,
		WritingApp: muxingApp,
	})
	if err != nil {
		return fmt.Errorf("build segment: %w", err)
	}
	tracks, err := ebml.BuildTracks(t.entry)
	if err != nil {
		return fmt.Errorf("build tracks: %w", err)
	}

	data := make([]byte, 0, len(header)+len(segment)+len(tracks))
	data = append(data, header...)
	data = append(data, segment...)
	data = append(data, tracks...)

	name := InitName(t.track.Type())
	if err := writeFile(filepath.Join(w.dir, name), data); err != nil {
		return err
	}
	t.initWritten = true

	w.logger.Debug().Src("webm").Msgf("wrote %v", name)
	return nil
}

// AppendAccessUnit encodes the unit as a block in the current
// cluster of the track. A new cluster is opened when the block
// timestamp doesn't fit relative to the cluster timecode.
func (w *Writer) AppendAccessUnit(trackID int, unit video.AccessUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	t, exists := w.byID[trackID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	if unit.IsCodecConfig {
		return nil
	}

	ms := unit.Timestamp / 1000
	if t.hasLast && ms < t.lastMs {
		return fmt.Errorf("%w: %dms < %dms", ErrTimestampOrder, ms, t.lastMs)
	}

	if !t.clusterOpen || ms-t.clusterBase > ebml.MaxRelativeTimestamp {
		header, err := ebml.BuildClusterHeader(uint64(ms))
		if err != nil {
			return fmt.Errorf("build cluster: %w", err)
		}
		t.buf.Write(header)
		t.clusterOpen = true
		t.clusterBase = ms
	}

	block, err := ebml.EncodeBlock(
		uint64(t.track.ID), ms-t.clusterBase, unit.Payload, unit.IsKeyframe)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	t.buf.Write(block)
	t.lastMs = ms
	t.hasLast = true
	return nil
}

// FlushToNewMediaSegment writes the buffered bytes of every track to
// the next numbered segment and closes the open clusters. A track
// without buffered bytes gets an empty file.
func (w *Writer) FlushToNewMediaSegment() (Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Segment{}, ErrWriterClosed
	}
	for _, t := range w.tracks {
		if !t.initWritten {
			return Segment{}, fmt.Errorf("%w: %v", ErrInitMissing, t.track.Type())
		}
	}

	index, err := w.retention.Next(w.patterns...)
	if err != nil {
		return Segment{}, err
	}

	segment := Segment{Index: index}
	for _, t := range w.tracks {
		name := SegmentName(t.track.Type(), index)
		if err := writeFile(filepath.Join(w.dir, name), t.buf.Bytes()); err != nil {
			return Segment{}, err
		}
		if t.buf.Len() == 0 {
			w.logger.Debug().Src("webm").Msgf("%v: no data, wrote empty segment", name)
		}
		segment.Files = append(segment.Files, name)
		segment.Size += t.buf.Len()

		t.buf.Reset()
		t.clusterOpen = false
	}
	return segment, nil
}

// Buffered returns the number of bytes waiting for the next flush.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.tracks {
		n += t.buf.Len()
	}
	return n
}

// Close releases the buffers, buffered bytes are lost.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for _, t := range w.tracks {
		t.buf = bytes.Buffer{}
	}
}

// writeFile writes data to a temporary file and renames it
// into place so that readers never see a partial file.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %v: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %v: %w", filepath.Base(path), err)
	}
	return nil
}
