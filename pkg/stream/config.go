package stream

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"zeromirror/pkg/storage"
	"zeromirror/pkg/video"
	"zeromirror/pkg/video/mp4muxer"

	"gopkg.in/yaml.v2"
)

// Mode selects how segments are delivered.
type Mode string

// Delivery modes.
const (
	// ModeManifest writes WebM segments and a DASH manifest,
	// clients compute the next segment from the manifest.
	ModeManifest Mode = "manifest"

	// ModeNotification writes whole MP4 files and pushes
	// the name of each new file to connected clients.
	ModeNotification Mode = "notification"
)

// Defaults.
const (
	DefaultIntervalMs  = 5000
	DefaultFilePrefix  = "file"
	DefaultVideoListen = "127.0.0.1:5004"
	DefaultAudioListen = "127.0.0.1:5006"
)

// Errors.
var (
	ErrInvalidConfig = errors.New("invalid stream config")
	ErrUnknownMode   = errors.New("unknown mode")
	ErrCodecMismatch = errors.New("codec not supported in mode")
)

// TrackConfig configures one elementary stream.
type TrackConfig struct {
	Codec     video.Codec `yaml:"codec"`
	Bitrate   int         `yaml:"bitrate"`
	Framerate int         `yaml:"framerate"`
	Width     int         `yaml:"width"`
	Height    int         `yaml:"height"`

	SampleRate int `yaml:"sampleRate"`
	Channels   int `yaml:"channels"`

	// CodecPrivate is the hex encoded codec configuration record.
	CodecPrivate string `yaml:"codecPrivate"`

	// Listen is the UDP address of the RTP input.
	Listen string `yaml:"listen"`
}

// Config stream configuration, the "stream" section of env.yaml.
type Config struct {
	Mode         Mode   `yaml:"mode"`
	IntervalMs   int    `yaml:"intervalMs"`
	Retention    int    `yaml:"retention"`
	FilePrefix   string `yaml:"filePrefix"`
	AudioEnabled bool   `yaml:"audioEnabled"`

	// Synthetic replaces the RTP inputs with generated units.
	Synthetic bool `yaml:"synthetic"`

	Video TrackConfig `yaml:"video"`
	Audio TrackConfig `yaml:"audio"`
}

type envFile struct {
	Stream Config `yaml:"stream"`
}

// NewConfig parses the stream section of env.yaml,
// fills in defaults and validates the result.
func NewConfig(envYAML []byte) (Config, error) {
	var env envFile
	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return Config{}, fmt.Errorf("unmarshal stream config: %w", err)
	}
	c := env.Stream
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) fillDefaults() {
	if c.Mode == "" {
		c.Mode = ModeManifest
	}
	if c.IntervalMs == 0 {
		c.IntervalMs = DefaultIntervalMs
	}
	if c.Retention == 0 {
		c.Retention = storage.DefaultRetention
	}
	if c.FilePrefix == "" {
		c.FilePrefix = DefaultFilePrefix
	}

	v := &c.Video
	if v.Codec == "" {
		v.Codec = video.CodecVP9
		if c.Mode == ModeNotification {
			v.Codec = video.CodecH264
		}
	}
	if v.Framerate == 0 {
		v.Framerate = 30
	}
	if v.Width == 0 || v.Height == 0 {
		v.Width, v.Height = 1280, 720
	}
	if v.Bitrate == 0 {
		v.Bitrate = 2000000
	}
	if v.Listen == "" {
		v.Listen = DefaultVideoListen
	}

	a := &c.Audio
	if a.Codec == "" {
		a.Codec = video.CodecOpus
		if c.Mode == ModeNotification {
			a.Codec = video.CodecAAC
		}
	}
	if a.SampleRate == 0 {
		a.SampleRate = 48000
	}
	if a.Channels == 0 {
		a.Channels = 2
	}
	if a.Bitrate == 0 {
		a.Bitrate = 128000
	}
	if a.Listen == "" {
		a.Listen = DefaultAudioListen
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return fmt.Errorf("%w: intervalMs must be positive: %d", ErrInvalidConfig, c.IntervalMs)
	}
	if c.Retention < 1 {
		return fmt.Errorf("%w: retention must be at least 1: %d", ErrInvalidConfig, c.Retention)
	}

	var supported func(video.Codec) bool
	switch c.Mode {
	case ModeManifest:
		supported = video.Codec.WebM
	case ModeNotification:
		supported = video.Codec.MP4
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}

	if c.Video.Codec.MediaType() != video.MediaVideo || !supported(c.Video.Codec) {
		return fmt.Errorf("%w: video %q in %v", ErrCodecMismatch, c.Video.Codec, c.Mode)
	}
	if c.AudioEnabled {
		if c.Audio.Codec.MediaType() != video.MediaAudio || !supported(c.Audio.Codec) {
			return fmt.Errorf("%w: audio %q in %v", ErrCodecMismatch, c.Audio.Codec, c.Mode)
		}
	}

	if _, err := hex.DecodeString(c.Video.CodecPrivate); err != nil {
		return fmt.Errorf("%w: video codecPrivate: %w", ErrInvalidConfig, err)
	}
	if _, err := hex.DecodeString(c.Audio.CodecPrivate); err != nil {
		return fmt.Errorf("%w: audio codecPrivate: %w", ErrInvalidConfig, err)
	}
	if c.Video.Codec == video.CodecH265 {
		// The RTP input has no h265 depacketizer.
		if !c.Synthetic {
			return fmt.Errorf("%w: h265 requires synthetic input", ErrInvalidConfig)
		}
		if c.Video.CodecPrivate == "" {
			return fmt.Errorf("%w: synthetic h265 requires codecPrivate", ErrInvalidConfig)
		}
	}
	return nil
}

// Interval returns the rollover interval.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// VideoTrack returns the video track.
func (c Config) VideoTrack() (video.Track, error) {
	private, err := hex.DecodeString(c.Video.CodecPrivate)
	if err != nil {
		return video.Track{}, fmt.Errorf("video codecPrivate: %w", err)
	}
	if len(private) == 0 {
		private = nil
	}
	return video.Track{
		ID:           video.VideoTrackID,
		Codec:        c.Video.Codec,
		CodecPrivate: private,
		Width:        c.Video.Width,
		Height:       c.Video.Height,
		Framerate:    c.Video.Framerate,
		Bitrate:      c.Video.Bitrate,
	}, nil
}

// AudioTrack returns the audio track or nil if audio is disabled.
// A AAC track without codecPrivate gets a generated AAC-LC config.
func (c Config) AudioTrack() (*video.Track, error) {
	if !c.AudioEnabled {
		return nil, nil
	}
	private, err := hex.DecodeString(c.Audio.CodecPrivate)
	if err != nil {
		return nil, fmt.Errorf("audio codecPrivate: %w", err)
	}
	if len(private) == 0 {
		private = nil
	}
	if c.Audio.Codec == video.CodecAAC && private == nil {
		private, err = mp4muxer.AACConfig(c.Audio.SampleRate, c.Audio.Channels)
		if err != nil {
			return nil, fmt.Errorf("aac config: %w", err)
		}
	}
	return &video.Track{
		ID:           video.AudioTrackID,
		Codec:        c.Audio.Codec,
		CodecPrivate: private,
		Bitrate:      c.Audio.Bitrate,
		SampleRate:   c.Audio.SampleRate,
		Channels:     c.Audio.Channels,
	}, nil
}
