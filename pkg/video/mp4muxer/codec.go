package mp4muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"zeromirror/pkg/video"
	"zeromirror/pkg/video/mp4"

	"github.com/icza/bitio"
)

// ErrInvalidCodecConfig invalid codec config.
var ErrInvalidCodecConfig = errors.New("invalid codec config")

// SplitAnnexB splits a Annex-B byte stream into NAL units.
// Input without start code is returned as a single unit.
func SplitAnnexB(buf []byte) [][]byte {
	start, prefix := nextStartCode(buf, 0)
	if start != 0 {
		return [][]byte{buf}
	}

	var nalus [][]byte
	pos := prefix
	for pos <= len(buf) {
		next, nextPrefix := nextStartCode(buf, pos)
		if next == -1 {
			if pos < len(buf) {
				nalus = append(nalus, buf[pos:])
			}
			break
		}
		if next > pos {
			nalus = append(nalus, buf[pos:next])
		}
		pos = next + nextPrefix
	}
	return nalus
}

// nextStartCode returns the position and length of the next
// 3 or 4 byte start code at or after pos, or -1.
func nextStartCode(buf []byte, pos int) (int, int) {
	for i := pos; i+3 <= len(buf); i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+2] == 1 {
			if i > pos && buf[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

// AnnexBToAVCC converts a Annex-B access unit to 4 byte length
// prefixed NAL units. A payload without leading start code is
// framed as a single NAL unit.
func AnnexBToAVCC(buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	nalus := SplitAnnexB(buf)

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// H.264 NAL unit types.
const (
	h264NALSPS = 7
	h264NALPPS = 8
)

// H264ConfigRecord builds a AVCDecoderConfigurationRecord
// from a Annex-B unit containing SPS and PPS.
func H264ConfigRecord(annexB []byte) ([]byte, error) {
	var sps, pps [][]byte
	for _, nalu := range SplitAnnexB(annexB) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case h264NALSPS:
			sps = append(sps, nalu)
		case h264NALPPS:
			pps = append(pps, nalu)
		}
	}
	if len(sps) == 0 || len(pps) == 0 || len(sps[0]) < 4 {
		return nil, fmt.Errorf("%w: h264 needs sps and pps", ErrInvalidCodecConfig)
	}

	return marshalRecord(&mp4.AvcC{
		Profile:              sps[0][1],
		ProfileCompatibility: sps[0][2],
		Level:                sps[0][3],
		LengthSizeMinusOne:   3,
		SPS:                  sps,
		PPS:                  pps,
	})
}

// H.265 NAL unit types.
const (
	h265NALVPS = 32
	h265NALSPS = 33
	h265NALPPS = 34
)

// H265ConfigRecord builds a HEVCDecoderConfigurationRecord
// from a Annex-B unit containing VPS, SPS and PPS.
func H265ConfigRecord(annexB []byte) ([]byte, error) {
	sets := map[byte][][]byte{}
	for _, nalu := range SplitAnnexB(annexB) {
		if len(nalu) < 2 {
			continue
		}
		typ := (nalu[0] >> 1) & 0x3f
		if typ == h265NALVPS || typ == h265NALSPS || typ == h265NALPPS {
			sets[typ] = append(sets[typ], nalu)
		}
	}
	if len(sets[h265NALVPS]) == 0 || len(sets[h265NALSPS]) == 0 || len(sets[h265NALPPS]) == 0 {
		return nil, fmt.Errorf("%w: h265 needs vps, sps and pps", ErrInvalidCodecConfig)
	}

	// general_profile_tier_level follows the 2 byte NAL header and 1 byte
	// of sps_video_parameter_set_id, max_sub_layers and nesting flag.
	sps := removeEmulationPrevention(sets[h265NALSPS][0])
	if len(sps) < 15 {
		return nil, fmt.Errorf("%w: h265 sps too short", ErrInvalidCodecConfig)
	}
	ptl := sps[3:15]

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteByte(1)          // Configuration version.
	w.TryWrite(ptl[:1])        // Profile space, tier, profile idc.
	w.TryWrite(ptl[1:5])       // Profile compatibility flags.
	w.TryWrite(ptl[5:11])      // Constraint indicator flags.
	w.TryWriteByte(ptl[11])    // Level idc.
	w.TryWriteBits(0xf000, 16) // Min spatial segmentation.
	w.TryWriteByte(0xfc)       // Parallelism type.
	w.TryWriteByte(0xfd)       // Chroma format 4:2:0.
	w.TryWriteByte(0xf8)       // Bit depth luma minus 8.
	w.TryWriteByte(0xf8)       // Bit depth chroma minus 8.
	w.TryWriteBits(0, 16)      // Average frame rate.
	w.TryWriteByte(0x0f)       // One temporal layer, nested, 4 byte lengths.
	w.TryWriteByte(3)          // Number of arrays.
	for _, typ := range []byte{h265NALVPS, h265NALSPS, h265NALPPS} {
		w.TryWriteByte(0x80 | typ) // Array completeness.
		w.TryWriteBits(uint64(len(sets[typ])), 16)
		for _, nalu := range sets[typ] {
			w.TryWriteBits(uint64(len(nalu)), 16)
			w.TryWrite(nalu)
		}
	}
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func removeEmulationPrevention(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// ConfigRecord converts a codec config unit to the
// record stored in the sample description.
func ConfigRecord(codec video.Codec, payload []byte) ([]byte, error) {
	switch codec {
	case video.CodecH264:
		return H264ConfigRecord(payload)
	case video.CodecH265:
		return H265ConfigRecord(payload)
	case video.CodecAAC:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: aac config too short", ErrInvalidCodecConfig)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("%w: %v in mp4", video.ErrUnsupportedCodec, codec)
}

func marshalRecord(box mp4.ImmutableBox) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	if err := box.Marshal(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
