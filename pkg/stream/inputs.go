package stream

import (
	"fmt"

	"zeromirror/pkg/log"
	"zeromirror/pkg/video"
	"zeromirror/pkg/video/rtpsource"
)

// Baseline H.264 parameter sets sent by the synthetic video
// source when no codecPrivate is configured.
var (
	syntheticSPS = []byte{
		0x67, 0x64, 0x00, 0x16, 0xac, 0xd9, 0x40, 0xa4,
		0x3b, 0xe4, 0x88, 0xc0, 0x44, 0x00, 0x00, 0x03,
		0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0x60, 0x3c,
		0x58, 0xb6, 0x58,
	}
	syntheticPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

func syntheticH264Config() []byte {
	var buf []byte
	for _, nalu := range [][]byte{syntheticSPS, syntheticPPS} {
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, nalu...)
	}
	return buf
}

// Inputs are the elementary stream sources of a session.
type Inputs struct {
	Video video.Source
	Audio video.Source

	rtp []*rtpsource.Source
}

// NewInputs opens the RTP inputs or creates paced synthetic sources.
// Audio is nil if disabled.
func NewInputs(c Config, logger *log.Logger) (*Inputs, error) {
	videoTrack, err := c.VideoTrack()
	if err != nil {
		return nil, err
	}
	audioTrack, err := c.AudioTrack()
	if err != nil {
		return nil, err
	}

	if c.Synthetic {
		return newSyntheticInputs(videoTrack, audioTrack), nil
	}

	inputs := &Inputs{}
	videoSource, err := rtpsource.Listen(c.Video.Listen, videoTrack, logger)
	if err != nil {
		return nil, fmt.Errorf("video input: %w", err)
	}
	inputs.Video = videoSource
	inputs.rtp = append(inputs.rtp, videoSource)

	if audioTrack != nil {
		audioSource, err := rtpsource.Listen(c.Audio.Listen, *audioTrack, logger)
		if err != nil {
			inputs.Close()
			return nil, fmt.Errorf("audio input: %w", err)
		}
		inputs.Audio = audioSource
		inputs.rtp = append(inputs.rtp, audioSource)
	}
	return inputs, nil
}

func newSyntheticInputs(videoTrack video.Track, audioTrack *video.Track) *Inputs {
	v := &video.SyntheticSource{
		TrackID:     videoTrack.ID,
		Rate:        videoTrack.Framerate,
		GOP:         videoTrack.Framerate * 2,
		PayloadSize: frameSize(videoTrack.Bitrate, videoTrack.Framerate),
		Paced:       true,
	}
	if videoTrack.Codec == video.CodecH264 && len(videoTrack.CodecPrivate) == 0 {
		v.Config = syntheticH264Config()
	}
	inputs := &Inputs{Video: v}

	if audioTrack != nil {
		rate := 50 // 20ms Opus packets.
		if audioTrack.Codec == video.CodecAAC {
			rate = audioTrack.SampleRate / 1024
		}
		inputs.Audio = &video.SyntheticSource{
			TrackID:     audioTrack.ID,
			Rate:        rate,
			PayloadSize: frameSize(audioTrack.Bitrate, rate),
			Paced:       true,
		}
	}
	return inputs
}

// frameSize returns the average frame size in bytes.
func frameSize(bitrate int, rate int) int {
	if rate <= 0 {
		return 0
	}
	return bitrate / 8 / rate
}

// Close closes the RTP sockets.
func (i *Inputs) Close() {
	for _, s := range i.rtp {
		s.Close()
	}
}
