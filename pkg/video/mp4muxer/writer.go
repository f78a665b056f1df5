package mp4muxer

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"zeromirror/pkg/video"
)

// WriterState is the state of a FastStartWriter.
type WriterState int

// Writer states.
const (
	StateIdle WriterState = iota
	StateConfigured
	StateWriting
	StateFinalizing
	StateClosed
)

func (s WriterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateWriting:
		return "writing"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Errors.
var (
	ErrNotWritable   = errors.New("writer not writable")
	ErrWriterClosed  = errors.New("writer closed")
	ErrTrackExists   = errors.New("track already registered")
	ErrInvalidState  = errors.New("invalid writer state")
	ErrTrackNotFound = errors.New("track not registered")
)

// FastStartWriter muxes samples into a temporary file and on each
// rollover rewrites it, with the moov box first, to a destination path.
//
// Samples written while a rollover is finalizing the previous file are
// rejected with ErrNotWritable, the caller is expected to drop them.
type FastStartWriter struct {
	tempDir  string
	newMuxer NewMuxerFunc

	// rolloverMu serializes Start, Rollover and Close.
	rolloverMu sync.Mutex

	mu      sync.Mutex
	state   WriterState
	tracks  []video.Track
	indexes map[int]int // Track ID to muxer track index.
	muxer   Muxer
	file    *os.File
}

// NewFastStartWriter returns a idle writer that stores
// temporary files in tempDir.
func NewFastStartWriter(tempDir string, newMuxer NewMuxerFunc) *FastStartWriter {
	if newMuxer == nil {
		newMuxer = NewMuxer
	}
	return &FastStartWriter{
		tempDir:  tempDir,
		newMuxer: newMuxer,
		indexes:  make(map[int]int),
	}
}

// State returns the current state.
func (w *FastStartWriter) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// RegisterTrack adds a track. The parameters are cached and
// registered again on every rollover.
func (w *FastStartWriter) RegisterTrack(track video.Track) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle && w.state != StateConfigured {
		return fmt.Errorf("%w: register track in %v", ErrInvalidState, w.state)
	}
	if _, exists := w.indexes[track.ID]; exists {
		return fmt.Errorf("%w: %d", ErrTrackExists, track.ID)
	}
	if !track.Codec.MP4() {
		return fmt.Errorf("%w: %v in mp4", video.ErrUnsupportedCodec, track.Codec)
	}
	if len(track.CodecPrivate) == 0 {
		return fmt.Errorf("%w: %v", ErrMissingCodecConfig, track.Codec)
	}

	w.indexes[track.ID] = len(w.tracks)
	w.tracks = append(w.tracks, track)
	w.state = StateConfigured
	return nil
}

// Start opens the first temporary file.
func (w *FastStartWriter) Start() error {
	w.rolloverMu.Lock()
	defer w.rolloverMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateConfigured {
		return fmt.Errorf("%w: start in %v", ErrInvalidState, w.state)
	}
	return w.open()
}

// open creates a new temporary file and muxer. Must hold mu.
func (w *FastStartWriter) open() error {
	file, err := os.CreateTemp(w.tempDir, "rollover-*.mp4")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	muxer := w.newMuxer(file)
	for i, track := range w.tracks {
		index, err := muxer.AddTrack(track)
		if err != nil {
			discard(file)
			return fmt.Errorf("add track %d: %w", track.ID, err)
		}
		if index != i {
			discard(file)
			return fmt.Errorf("%w: muxer returned index %d for track %d", ErrInvalidState, index, i)
		}
	}
	if err := muxer.Start(); err != nil {
		discard(file)
		return fmt.Errorf("start muxer: %w", err)
	}

	w.file = file
	w.muxer = muxer
	w.state = StateWriting
	return nil
}

// WriteSample writes a sample to the current file.
// Returns ErrNotWritable if the writer isn't in the writing state.
func (w *FastStartWriter) WriteSample(trackID int, unit video.AccessUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateWriting {
		return fmt.Errorf("%w: %v", ErrNotWritable, w.state)
	}
	index, exists := w.indexes[trackID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrTrackNotFound, trackID)
	}
	return w.muxer.WriteSample(index, unit)
}

// Rollover finalizes the current file to dest and starts a new one.
// The destination appears atomically. If a new temporary file
// cannot be opened, the writer is closed and the returned
// error wraps ErrWriterClosed.
func (w *FastStartWriter) Rollover(dest string) error {
	w.rolloverMu.Lock()
	defer w.rolloverMu.Unlock()

	w.mu.Lock()
	if w.state != StateWriting {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: rollover in %v", ErrInvalidState, state)
	}
	w.state = StateFinalizing
	muxer, file := w.muxer, w.file
	w.muxer, w.file = nil, nil
	w.mu.Unlock()

	finalizeErr := finalize(muxer, file, dest)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateConfigured
	if err := w.open(); err != nil {
		w.state = StateClosed
		return fmt.Errorf("%w: reopen: %w", ErrWriterClosed, err)
	}
	return finalizeErr
}

// finalize stops the muxer and rewrites the temporary file to dest.
// The temporary file is always removed.
func finalize(muxer Muxer, file *os.File, dest string) error {
	defer discard(file)

	if err := muxer.Stop(); err != nil {
		return fmt.Errorf("stop muxer: %w", err)
	}

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if err := FastStart(out, file); err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("fast start: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("rename destination: %w", err)
	}
	return nil
}

// Close discards the current temporary file.
func (w *FastStartWriter) Close() error {
	w.rolloverMu.Lock()
	defer w.rolloverMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}
	w.state = StateClosed
	if w.file != nil {
		discard(w.file)
		w.file, w.muxer = nil, nil
	}
	return nil
}

func discard(file *os.File) {
	file.Close()
	os.Remove(file.Name())
}
