// Package rtpsource reads access units from RTP packets sent by a encoder.
package rtpsource

import (
	"bytes"
	"errors"
	"fmt"

	"zeromirror/pkg/video"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// Errors.
var (
	ErrMorePacketsNeeded = errors.New("need more packets")
	ErrPacketLoss        = errors.New("packet loss")
)

// H.264 NAL unit types.
const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

var annexBStartCode = []byte{0, 0, 0, 1}

type depacketizer interface {
	Unmarshal(packet []byte) ([]byte, error)
}

// Decoder assembles RTP packets into access units. Video frames
// end at the marker bit, every audio packet is a unit.
type Decoder struct {
	track     video.Track
	clockRate int64
	depack    depacketizer
	aac       *aacDecoder

	timeDecoder timeDecoder

	frame      []byte
	frameTS    uint32
	inFrame    bool
	keyframe   bool
	frameValid bool
	nextSeq    uint16
	hasSeq     bool
}

// NewDecoder returns a decoder for the track codec.
func NewDecoder(track video.Track) (*Decoder, error) {
	var depack depacketizer
	var aac *aacDecoder
	clockRate := int64(90000)
	switch track.Codec {
	case video.CodecVP8:
		depack = &codecs.VP8Packet{}
	case video.CodecVP9:
		depack = &codecs.VP9Packet{}
	case video.CodecH264:
		depack = &codecs.H264Packet{}
	case video.CodecOpus:
		depack = &codecs.OpusPacket{}
		clockRate = 48000
	case video.CodecAAC:
		if track.SampleRate <= 0 {
			return nil, fmt.Errorf("%w: aac without sample rate", video.ErrUnsupportedCodec)
		}
		aac = &aacDecoder{}
		clockRate = int64(track.SampleRate)
	default:
		return nil, fmt.Errorf("%w: %v over rtp", video.ErrUnsupportedCodec, track.Codec)
	}

	return &Decoder{
		track:     track,
		clockRate: clockRate,
		depack:    depack,
		aac:       aac,
	}, nil
}

// Decode decodes a packet. ErrMorePacketsNeeded is returned until
// a access unit is complete. A H.264 unit carrying SPS or PPS is
// returned as a separate codec config unit before the media unit.
func (d *Decoder) Decode(pkt *rtp.Packet) ([]video.AccessUnit, error) {
	lost := d.hasSeq && pkt.SequenceNumber != d.nextSeq
	d.nextSeq = pkt.SequenceNumber + 1
	d.hasSeq = true

	if d.aac != nil {
		return d.decodeAAC(pkt)
	}
	if d.track.Type() == video.MediaAudio {
		payload, err := d.depack.Unmarshal(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return []video.AccessUnit{{
			TrackID:    d.track.ID,
			Timestamp:  d.timestamp(pkt.Timestamp),
			Payload:    append([]byte(nil), payload...),
			IsKeyframe: true,
		}}, nil
	}

	if !d.inFrame || pkt.Timestamp != d.frameTS {
		d.startFrame(pkt.Timestamp)
	}
	if lost {
		d.frameValid = false
	}

	payload, err := d.depack.Unmarshal(pkt.Payload)
	if err != nil {
		d.frameValid = false
		return nil, err
	}
	d.inspect(payload)
	d.frame = append(d.frame, payload...)

	if !pkt.Marker {
		return nil, ErrMorePacketsNeeded
	}
	d.inFrame = false
	if !d.frameValid || len(d.frame) == 0 {
		return nil, ErrPacketLoss
	}

	ts := d.timestamp(d.frameTS)
	if d.track.Codec == video.CodecH264 {
		return d.splitH264(ts), nil
	}
	return []video.AccessUnit{{
		TrackID:    d.track.ID,
		Timestamp:  ts,
		Payload:    d.frame,
		IsKeyframe: d.keyframe,
	}}, nil
}

func (d *Decoder) decodeAAC(pkt *rtp.Packet) ([]video.AccessUnit, error) {
	aus, err := d.aac.decode(pkt)
	if err != nil {
		return nil, err
	}
	base := d.timeDecoder.decode(pkt.Timestamp)
	units := make([]video.AccessUnit, len(aus))
	for i, au := range aus {
		units[i] = video.AccessUnit{
			TrackID:    d.track.ID,
			Timestamp:  (base + int64(i*aacFrameSamples)) * 1000000 / d.clockRate,
			Payload:    au,
			IsKeyframe: true,
		}
	}
	return units, nil
}

func (d *Decoder) startFrame(ts uint32) {
	d.frame = nil
	d.frameTS = ts
	d.inFrame = true
	d.keyframe = false
	d.frameValid = true
}

// inspect looks for keyframe flags in the depacketizer state.
func (d *Decoder) inspect(payload []byte) {
	switch p := d.depack.(type) {
	case *codecs.VP8Packet:
		// The P bit of the frame tag is zero for key frames.
		if p.S == 1 && p.PID == 0 && len(payload) > 0 && payload[0]&0x01 == 0 {
			d.keyframe = true
		}
	case *codecs.VP9Packet:
		if p.B && !p.P {
			d.keyframe = true
		}
	}
}

// splitH264 separates parameter sets from the slices of a frame.
func (d *Decoder) splitH264(ts int64) []video.AccessUnit {
	var config, media []byte
	keyframe := false
	for _, nalu := range bytes.Split(d.frame, annexBStartCode) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluTypeSPS, naluTypePPS:
			config = append(append(config, annexBStartCode...), nalu...)
			continue
		case naluTypeIDR:
			keyframe = true
		}
		media = append(append(media, annexBStartCode...), nalu...)
	}

	var units []video.AccessUnit
	if len(config) != 0 {
		units = append(units, video.AccessUnit{
			TrackID:       d.track.ID,
			Timestamp:     ts,
			Payload:       config,
			IsCodecConfig: true,
		})
	}
	if len(media) != 0 {
		units = append(units, video.AccessUnit{
			TrackID:    d.track.ID,
			Timestamp:  ts,
			Payload:    media,
			IsKeyframe: keyframe,
		})
	}
	return units
}

// timestamp converts a RTP timestamp to microseconds since the first packet.
func (d *Decoder) timestamp(ts uint32) int64 {
	return d.timeDecoder.decode(ts) * 1000000 / d.clockRate
}

// timeDecoder unwraps 32 bit RTP timestamps.
type timeDecoder struct {
	initialized bool
	prev        uint32
	overall     int64
}

func (t *timeDecoder) decode(ts uint32) int64 {
	if !t.initialized {
		t.initialized = true
		t.prev = ts
		return 0
	}
	t.overall += int64(int32(ts - t.prev))
	t.prev = ts
	return t.overall
}
