package rtpsource

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// Errors.
var (
	ErrShortPayload    = errors.New("payload is too short")
	ErrAUInvalidLength = errors.New("invalid AU-headers-length")
	ErrAUIndexNotZero  = errors.New("AU-index field is not zero")
	ErrFragMultipleAU  = errors.New("a fragmented packet can only contain one AU")
)

// Samples per AAC frame.
const aacFrameSamples = 1024

// aacDecoder decodes mpeg4-generic packets with 13 bit
// sizes and 3 bit indexes, RFC 3640 AAC-hbr mode.
type aacDecoder struct {
	fragmented bool
	fragment   []byte
}

// decode returns the AUs of a packet, AUs after
// the first are one frame apart.
func (d *aacDecoder) decode(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 2 {
		d.fragmented = false
		return nil, ErrShortPayload
	}

	// AU-headers-length in bits.
	headersLen := binary.BigEndian.Uint16(pkt.Payload)
	if headersLen%16 != 0 || headersLen == 0 {
		d.fragmented = false
		return nil, fmt.Errorf("%w: %d", ErrAUInvalidLength, headersLen)
	}
	headerCount := int(headersLen / 16)
	payload := pkt.Payload[2:]
	if len(payload) < headerCount*2 {
		d.fragmented = false
		return nil, ErrShortPayload
	}

	sizes := make([]int, headerCount)
	for i := range sizes {
		header := binary.BigEndian.Uint16(payload[i*2:])
		if header&0x07 != 0 {
			d.fragmented = false
			return nil, ErrAUIndexNotZero
		}
		sizes[i] = int(header >> 3)
	}
	payload = payload[headerCount*2:]

	if d.fragmented || !pkt.Marker {
		if headerCount != 1 {
			d.fragmented = false
			return nil, ErrFragMultipleAU
		}
		if !d.fragmented {
			d.fragment = d.fragment[:0]
		}
		d.fragment = append(d.fragment, payload...)
		if !pkt.Marker {
			d.fragmented = true
			return nil, ErrMorePacketsNeeded
		}
		d.fragmented = false
		if len(d.fragment) < sizes[0] {
			return nil, ErrShortPayload
		}
		return [][]byte{append([]byte(nil), d.fragment[:sizes[0]]...)}, nil
	}

	aus := make([][]byte, len(sizes))
	for i, size := range sizes {
		if len(payload) < size {
			return nil, ErrShortPayload
		}
		aus[i] = append([]byte(nil), payload[:size]...)
		payload = payload[size:]
	}
	return aus, nil
}
