package mp4muxer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// ErrInvalidChannelCount invalid channel count.
var ErrInvalidChannelCount = errors.New("invalid channel count")

const aacObjectTypeLC = 2

var aacSampleRates = []int{
	96000,
	88200,
	64000,
	48000,
	44100,
	32000,
	24000,
	22050,
	16000,
	12000,
	11025,
	8000,
	7350,
}

// AACConfig returns the AudioSpecificConfig of a AAC-LC stream, ISO 14496-3.
func AACConfig(sampleRate int, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidCodecConfig, sampleRate)
	}

	var channelConfig uint64
	switch {
	case channels >= 1 && channels <= 6:
		channelConfig = uint64(channels)
	case channels == 8:
		channelConfig = 7
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannelCount, channels)
	}

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(aacObjectTypeLC, 5)

	sampleRateIndex := -1
	for i, rate := range aacSampleRates {
		if rate == sampleRate {
			sampleRateIndex = i
			break
		}
	}
	if sampleRateIndex == -1 {
		w.TryWriteBits(0x0f, 4)
		w.TryWriteBits(uint64(sampleRate), 24)
	} else {
		w.TryWriteBits(uint64(sampleRateIndex), 4)
	}

	w.TryWriteBits(channelConfig, 4)
	w.TryWriteBits(0, 3) // FrameLengthFlag, DependsOnCoreCoder, ExtensionFlag.

	if _, err := w.Align(); err != nil {
		return nil, err
	}
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
