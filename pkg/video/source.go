package video

import (
	"context"
	"encoding/binary"
	"io"
	"time"
)

// Source produces access units for one track.
// ReadAccessUnit returns io.EOF when the stream ends.
type Source interface {
	ReadAccessUnit(ctx context.Context) (AccessUnit, error)
}

// SyntheticSource generates numbered access units at a fixed rate.
// Each payload is a marker byte followed by the 4 byte unit index.
type SyntheticSource struct {
	TrackID int

	// Rate in units per second.
	Rate int

	// Count stops the source after this many units, 0 is unlimited.
	Count int

	// GOP is the keyframe interval, 0 means every unit is a keyframe.
	GOP int

	PayloadSize int

	// Paced makes the source wait until each unit is due in real time.
	Paced bool

	// Config is emitted once as a codec config unit before the first unit.
	Config []byte

	// BeforeUnit is called before a unit is returned.
	BeforeUnit func(index int, unit AccessUnit)

	n          int
	start      time.Time
	configSent bool
}

// ReadAccessUnit implements Source.
func (s *SyntheticSource) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	if s.Count > 0 && s.n >= s.Count {
		return AccessUnit{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return AccessUnit{}, err
	}
	if len(s.Config) != 0 && !s.configSent {
		s.configSent = true
		return AccessUnit{
			TrackID:       s.TrackID,
			Payload:       s.Config,
			IsCodecConfig: true,
		}, nil
	}

	rate := s.Rate
	if rate <= 0 {
		rate = 30
	}
	ts := int64(s.n) * 1000000 / int64(rate)

	if s.Paced {
		if s.n == 0 {
			s.start = time.Now()
		}
		due := s.start.Add(time.Duration(ts) * time.Microsecond)
		select {
		case <-time.After(time.Until(due)):
		case <-ctx.Done():
			return AccessUnit{}, ctx.Err()
		}
	}

	size := s.PayloadSize
	if size < syntheticHeaderSize {
		size = syntheticHeaderSize
	}
	payload := make([]byte, size)
	payload[0] = syntheticMarker
	binary.BigEndian.PutUint32(payload[1:], uint32(s.n))

	unit := AccessUnit{
		TrackID:    s.TrackID,
		Timestamp:  ts,
		Payload:    payload,
		IsKeyframe: s.GOP <= 0 || s.n%s.GOP == 0,
	}
	if s.BeforeUnit != nil {
		s.BeforeUnit(s.n, unit)
	}
	s.n++
	return unit, nil
}

// The marker keeps payloads from starting with a Annex-B start code.
const (
	syntheticMarker     = 0xfe
	syntheticHeaderSize = 5
)

// UnitIndex returns the index written by SyntheticSource or -1.
func UnitIndex(payload []byte) int {
	if len(payload) < syntheticHeaderSize || payload[0] != syntheticMarker {
		return -1
	}
	return int(binary.BigEndian.Uint32(payload[1:]))
}
