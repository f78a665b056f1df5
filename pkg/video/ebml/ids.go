package ebml

// Element IDs.
const (
	IDEBML               uint32 = 0x1a45dfa3
	IDEBMLVersion        uint32 = 0x4286
	IDEBMLReadVersion    uint32 = 0x42f7
	IDEBMLMaxIDLength    uint32 = 0x42f2
	IDEBMLMaxSizeLength  uint32 = 0x42f3
	IDDocType            uint32 = 0x4282
	IDDocTypeVersion     uint32 = 0x4287
	IDDocTypeReadVersion uint32 = 0x4285

	IDSegment       uint32 = 0x18538067
	IDInfo          uint32 = 0x1549a966
	IDSegmentUID    uint32 = 0x73a4
	IDTimecodeScale uint32 = 0x2ad7b1
	IDMuxingApp     uint32 = 0x4d80
	IDWritingApp    uint32 = 0x5741

	IDTracks            uint32 = 0x1654ae6b
	IDTrackEntry        uint32 = 0xae
	IDTrackNumber       uint32 = 0xd7
	IDTrackUID          uint32 = 0x73c5
	IDTrackType         uint32 = 0x83
	IDFlagLacing        uint32 = 0x9c
	IDDefaultDuration   uint32 = 0x23e383
	IDCodecID           uint32 = 0x86
	IDCodecPrivate      uint32 = 0x63a2
	IDCodecDelay        uint32 = 0x56aa
	IDSeekPreRoll       uint32 = 0x56bb
	IDVideo             uint32 = 0xe0
	IDPixelWidth        uint32 = 0xb0
	IDPixelHeight       uint32 = 0xba
	IDAudio             uint32 = 0xe1
	IDSamplingFrequency uint32 = 0xb5
	IDChannels          uint32 = 0x9f

	IDCluster     uint32 = 0x1f43b675
	IDTimecode    uint32 = 0xe7
	IDSimpleBlock uint32 = 0xa3
)

// Track types.
const (
	TrackTypeVideo = 1
	TrackTypeAudio = 2
)

// TimecodeScale of one millisecond, cluster and block
// timestamps are stored in milliseconds.
const TimecodeScale = 1000000
