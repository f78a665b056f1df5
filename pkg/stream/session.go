// Package stream runs a mirroring session: it forwards encoded access
// units to a segment writer and rolls the output over at a fixed interval.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"zeromirror/pkg/log"
	"zeromirror/pkg/metrics"
	"zeromirror/pkg/storage"
	"zeromirror/pkg/system"
	"zeromirror/pkg/video"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrSourceEnded is returned when a input stream ends.
var ErrSourceEnded = errors.New("source ended")

// Publisher announces a new segment to clients.
type Publisher interface {
	Publish(ctx context.Context, name string) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Video video.Source
	Audio video.Source // Optional.

	Publisher Publisher // Optional.
	Logger    *log.Logger
	Metrics   *metrics.Metrics
	Status    func() system.Status // Optional.

	Now   func() time.Time
	After func(time.Duration) <-chan time.Time

	// OutputDir is the directory of published files.
	OutputDir string
	TempDir   string
}

// Session is one streaming session. All mutable writer
// state is owned by the session and its sink.
type Session struct {
	id     string
	config Config
	deps   Deps

	video video.Track
	audio *video.Track
}

// NewSession returns a session for config.
func NewSession(config Config, deps Deps) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	videoTrack, err := config.VideoTrack()
	if err != nil {
		return nil, err
	}
	audioTrack, err := config.AudioTrack()
	if err != nil {
		return nil, err
	}
	if deps.Video == nil {
		return nil, fmt.Errorf("%w: missing video source", ErrInvalidConfig)
	}
	if audioTrack != nil && deps.Audio == nil {
		return nil, fmt.Errorf("%w: audio enabled without source", ErrInvalidConfig)
	}
	if audioTrack == nil {
		deps.Audio = nil
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.After == nil {
		deps.After = time.After
	}

	return &Session{
		id:     uuid.NewString(),
		config: config,
		deps:   deps,
		video:  videoTrack,
		audio:  audioTrack,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) tracks() []video.Track {
	if s.audio == nil {
		return []video.Track{s.video}
	}
	return []video.Track{s.video, *s.audio}
}

// Run streams until ctx is canceled or a task fails. The first
// failure tears down the whole session. Returns nil if ctx was canceled.
func (s *Session) Run(ctx context.Context) error {
	err := s.run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	retention := storage.NewRetention(s.deps.OutputDir, s.config.Retention)

	var out sink
	switch s.config.Mode {
	case ModeManifest:
		webmSink, err := newWebmSink(s, retention)
		if err != nil {
			return err
		}
		out = webmSink
	case ModeNotification:
		if err := s.prime(ctx); err != nil {
			return err
		}
		out = newMP4Sink(s, retention)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, s.config.Mode)
	}

	if err := out.start(); err != nil {
		out.close()
		return fmt.Errorf("start: %w", err)
	}

	s.deps.Metrics.SessionStarted()
	defer s.deps.Metrics.SessionStopped()
	s.deps.Logger.Info().Src("stream").Session(s.id).
		Msgf("session started: mode=%v interval=%v", s.config.Mode, s.config.Interval())

	g, ctx2 := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.forward(ctx2, s.deps.Video, s.video, out)
	})
	if s.audio != nil {
		g.Go(func() error {
			return s.forward(ctx2, s.deps.Audio, *s.audio, out)
		})
	}
	g.Go(func() error {
		return s.rolloverLoop(ctx2, out)
	})
	err := g.Wait()

	if closeErr := out.close(); closeErr != nil {
		s.deps.Logger.Error().Src("stream").Session(s.id).Msgf("close: %v", closeErr)
		if err == nil {
			err = closeErr
		}
	}
	s.deps.Logger.Info().Src("stream").Session(s.id).Msg("session stopped")
	return err
}

// forward copies units from a source to the sink in source order.
func (s *Session) forward(ctx context.Context, src video.Source, track video.Track, out sink) error {
	for {
		unit, err := src.ReadAccessUnit(ctx)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%v: %w", track.Type(), ErrSourceEnded)
		}
		if err != nil {
			return fmt.Errorf("read %v: %w", track.Type(), err)
		}

		unit.TrackID = track.ID
		if err := out.write(unit); err != nil {
			return fmt.Errorf("write %v: %w", track.Type(), err)
		}
	}
}

// rolloverLoop rolls the output over every interval. Rollovers are
// scheduled on fixed deadlines from the loop start. After an overrun
// the schedule restarts from the end of that rollover.
func (s *Session) rolloverLoop(ctx context.Context, out sink) error {
	interval := s.config.Interval()
	deadline := s.deps.Now().Add(interval)
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.deps.After(wait):
		}

		start := s.deps.Now()
		name, err := out.rollover()
		if err != nil {
			return fmt.Errorf("rollover: %w", err)
		}
		if s.deps.Publisher != nil {
			if err := s.deps.Publisher.Publish(ctx, name); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
		end := s.deps.Now()
		elapsed := end.Sub(start)

		s.deps.Metrics.ObserveRollover(elapsed.Seconds())
		s.deps.Metrics.IncSegments(string(s.config.Mode))
		s.deps.Logger.Debug().Src("stream").Session(s.id).
			Msgf("segment %v published in %v", name, elapsed)

		deadline = deadline.Add(interval)
		if elapsed > interval {
			s.deps.Metrics.IncOverruns()
			s.deps.Logger.Warn().Src("stream").Session(s.id).
				Msgf("rollover took %v, longer than interval %v%v", elapsed, interval, s.status())
			deadline = end
		}
		wait = NextWait(deadline.Sub(start), elapsed)
	}
}

func (s *Session) status() string {
	if s.deps.Status == nil {
		return ""
	}
	return ", " + s.deps.Status().String()
}

// NextWait returns the wait until the next rollover,
// interval minus the elapsed time but never negative.
func NextWait(interval time.Duration, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}
