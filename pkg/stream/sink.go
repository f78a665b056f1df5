package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"zeromirror/pkg/metrics"
	"zeromirror/pkg/storage"
	"zeromirror/pkg/video"
	"zeromirror/pkg/video/dash"
	"zeromirror/pkg/video/mp4muxer"
	"zeromirror/pkg/video/webm"
)

// sink is the writer side of a session.
type sink interface {
	start() error
	write(unit video.AccessUnit) error

	// rollover closes the current segment and returns the published file name.
	rollover() (string, error)
	close() error
}

// webmSink writes per track WebM segments and the DASH manifest.
type webmSink struct {
	s         *Session
	writer    *webm.Writer
	retention *storage.Retention
}

func newWebmSink(s *Session, retention *storage.Retention) (*webmSink, error) {
	writer, err := webm.NewWriter(s.deps.OutputDir, retention, s.tracks(), s.deps.Logger)
	if err != nil {
		return nil, err
	}
	return &webmSink{s: s, writer: writer, retention: retention}, nil
}

func (w *webmSink) start() error {
	for _, track := range w.s.tracks() {
		if err := w.writer.CreateInitSegment(track.ID); err != nil {
			return err
		}
	}
	err := dash.WriteManifest(w.s.deps.OutputDir, dash.Descriptor{
		AvailabilityStartTime: w.s.deps.Now(),
		SegmentDuration:       w.s.config.Interval(),
		Retention:             w.retention.Window(),
		Video:                 w.s.video,
		Audio:                 w.s.audio,
	})
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (w *webmSink) write(unit video.AccessUnit) error {
	return w.writer.AppendAccessUnit(unit.TrackID, unit)
}

func (w *webmSink) rollover() (string, error) {
	segment, err := w.writer.FlushToNewMediaSegment()
	if err != nil {
		return "", err
	}
	return segment.Files[0], nil
}

// close writes the remaining buffered blocks to a final segment.
func (w *webmSink) close() error {
	defer w.writer.Close()
	if w.writer.Buffered() == 0 {
		return nil
	}
	segment, err := w.writer.FlushToNewMediaSegment()
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	w.s.deps.Logger.Debug().Src("stream").Session(w.s.id).Msgf("final segment %v", segment.Files)
	return nil
}

// mp4Sink writes one fast-started MP4 file per interval.
type mp4Sink struct {
	s         *Session
	writer    *mp4muxer.FastStartWriter
	retention *storage.Retention
	pattern   storage.Pattern
}

func newMP4Sink(s *Session, retention *storage.Retention) *mp4Sink {
	return &mp4Sink{
		s:         s,
		writer:    mp4muxer.NewFastStartWriter(s.deps.TempDir, nil),
		retention: retention,
		pattern:   storage.Pattern{Prefix: s.config.FilePrefix, Ext: ".mp4"},
	}
}

func (m *mp4Sink) start() error {
	for _, track := range m.s.tracks() {
		if err := m.writer.RegisterTrack(track); err != nil {
			return err
		}
	}
	return m.writer.Start()
}

// write drops samples that arrive while the previous file is finalizing.
func (m *mp4Sink) write(unit video.AccessUnit) error {
	err := m.writer.WriteSample(unit.TrackID, unit)
	if errors.Is(err, mp4muxer.ErrNotWritable) && m.writer.State() != mp4muxer.StateClosed {
		m.s.deps.Logger.Debug().Src("stream").Session(m.s.id).Msgf("sample dropped: %v", err)
		m.s.deps.Metrics.IncDropped(metrics.DropFinalizing)
		return nil
	}
	return err
}

func (m *mp4Sink) rollover() (string, error) {
	index, err := m.retention.Next(m.pattern)
	if err != nil {
		return "", err
	}
	name := m.pattern.Name(index)
	if err := m.writer.Rollover(filepath.Join(m.retention.Dir(), name)); err != nil {
		return "", err
	}
	return name, nil
}

// close discards the unfinished file.
func (m *mp4Sink) close() error {
	return m.writer.Close()
}

// prime waits for the codec configuration of tracks that have none.
// MP4 sample descriptions must be known before the first sample.
func (s *Session) prime(ctx context.Context) error {
	if len(s.video.CodecPrivate) != 0 {
		return nil
	}
	for {
		unit, err := s.deps.Video.ReadAccessUnit(ctx)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("video: %w", ErrSourceEnded)
		}
		if err != nil {
			return fmt.Errorf("wait for video config: %w", err)
		}
		if !unit.IsCodecConfig {
			s.deps.Metrics.IncDropped(metrics.DropInvalid)
			continue
		}
		record, err := mp4muxer.ConfigRecord(s.video.Codec, unit.Payload)
		if err != nil {
			return fmt.Errorf("video config: %w", err)
		}
		s.video.CodecPrivate = record
		s.deps.Logger.Info().Src("stream").Session(s.id).Msgf("video config received: %v %dx%d",
			s.video.Codec, s.video.Width, s.video.Height)
		return nil
	}
}
