package rtpsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"zeromirror/pkg/log"
	"zeromirror/pkg/video"

	"github.com/pion/rtp"
)

// 1500 (UDP MTU) - 20 (IP header) - 8 (UDP header).
const maxPacketSize = 1472

// Read deadline used to notice context cancellation.
const pollInterval = 200 * time.Millisecond

// Source reads RTP packets of one track from a UDP socket.
type Source struct {
	conn    net.PacketConn
	decoder *Decoder
	logger  *log.Logger

	buf     []byte
	pending []video.AccessUnit
}

// Listen opens a UDP socket on address for the track.
func Listen(address string, track video.Track, logger *log.Logger) (*Source, error) {
	decoder, err := NewDecoder(track)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return New(conn, decoder, logger), nil
}

// New returns a source reading from conn.
func New(conn net.PacketConn, decoder *Decoder, logger *log.Logger) *Source {
	return &Source{
		conn:    conn,
		decoder: decoder,
		logger:  logger,
		buf:     make([]byte, maxPacketSize),
	}
}

// Addr returns the local address.
func (s *Source) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadAccessUnit implements video.Source. Packets that
// cannot be decoded are logged and skipped.
func (s *Source) ReadAccessUnit(ctx context.Context) (video.AccessUnit, error) {
	for len(s.pending) == 0 {
		pkt, err := s.readPacket(ctx)
		if err != nil {
			return video.AccessUnit{}, err
		}

		units, err := s.decoder.Decode(pkt)
		switch {
		case errors.Is(err, ErrMorePacketsNeeded):
			continue
		case err != nil:
			s.logger.Debug().Src("rtp").Msgf("%v: %v", s.decoder.track.Type(), err)
			continue
		}
		s.pending = units
	}

	unit := s.pending[0]
	s.pending = s.pending[1:]
	return unit, nil
}

func (s *Source) readPacket(ctx context.Context) (*rtp.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return nil, err
		}
		n, _, err := s.conn.ReadFrom(s.buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(s.buf[:n]); err != nil {
			s.logger.Debug().Src("rtp").Msgf("invalid packet: %v", err)
			continue
		}
		return &pkt, nil
	}
}

// Close closes the socket.
func (s *Source) Close() error {
	return s.conn.Close()
}
