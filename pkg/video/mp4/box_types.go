// https://github.com/abema/go-mp4

// Copyright (C) 2020 AbemaTV
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package mp4

import (
	"github.com/icza/bitio"
)

func writeUint16(w *bitio.Writer, v uint16) { w.TryWriteBits(uint64(v), 16) }
func writeUint32(w *bitio.Writer, v uint32) { w.TryWriteBits(uint64(v), 32) }
func writeUint64(w *bitio.Writer, v uint64) { w.TryWriteBits(v, 64) }

/************************* FullBox **************************/

// FullBox is ISOBMFF FullBox.
type FullBox struct {
	Version uint8
	Flags   uint32 // 24 bits.
}

// CheckFlag checks the flag status.
func (b *FullBox) CheckFlag(flag uint32) bool {
	return b.Flags&flag != 0
}

// FieldSize returns the marshaled size in bytes.
func (b *FullBox) FieldSize() int {
	return 4
}

// MarshalField box to writer.
func (b *FullBox) MarshalField(w *bitio.Writer) error {
	w.TryWriteByte(b.Version)
	w.TryWriteBits(uint64(b.Flags), 24)
	return w.TryError
}

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands [][4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return [4]byte{'f', 't', 'y', 'p'}
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	writeUint32(w, b.MinorVersion)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand[:])
	}
	return w.TryError
}

/*************************** containers ****************************/

// Container is a box without fields of its own, only children.
type Container struct {
	BoxType BoxType
}

// Type returns the BoxType.
func (b *Container) Type() BoxType {
	return b.BoxType
}

// Size returns the marshaled size in bytes.
func (*Container) Size() int {
	return 0
}

// Marshal is never called.
func (*Container) Marshal(*bitio.Writer) error { return nil }

// Container box types.
var (
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeTrak = BoxType{'t', 'r', 'a', 'k'}
	TypeMdia = BoxType{'m', 'd', 'i', 'a'}
	TypeMinf = BoxType{'m', 'i', 'n', 'f'}
	TypeDinf = BoxType{'d', 'i', 'n', 'f'}
	TypeStbl = BoxType{'s', 't', 'b', 'l'}
	TypeEdts = BoxType{'e', 'd', 't', 's'}
	TypeUdta = BoxType{'u', 'd', 't', 'a'}

	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeStco = BoxType{'s', 't', 'c', 'o'}
	TypeCo64 = BoxType{'c', 'o', '6', '4'}
	TypeStsz = BoxType{'s', 't', 's', 'z'}
)

/*************************** mvhd ****************************/

// Mvhd is ISOBMFF mvhd box type, version 0.
type Mvhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	Timescale        uint32
	Duration         uint32
	Rate             int32 // fixed-point 16.16 - template=0x00010000
	Volume           int16 // template=0x0100
	Matrix           [9]int32
	NextTrackID      uint32
}

// Type returns the BoxType.
func (*Mvhd) Type() BoxType {
	return [4]byte{'m', 'v', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Mvhd) Size() int {
	return 100
}

// Marshal box to writer.
func (b *Mvhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.CreationTime)
	writeUint32(w, b.ModificationTime)
	writeUint32(w, b.Timescale)
	writeUint32(w, b.Duration)
	writeUint32(w, uint32(b.Rate))
	writeUint16(w, uint16(b.Volume))
	w.TryWrite(make([]byte, 10)) // Reserved.
	for _, m := range b.Matrix {
		writeUint32(w, uint32(m))
	}
	w.TryWrite(make([]byte, 24)) // Pre-defined.
	writeUint32(w, b.NextTrackID)
	return w.TryError
}

// UnityMatrix is the identity transformation matrix.
var UnityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

/*************************** tkhd ****************************/

// Tkhd is ISOBMFF tkhd box type, version 0.
type Tkhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	TrackID          uint32
	Duration         uint32
	Layer            int16
	AlternateGroup   int16
	Volume           int16 // template={if track_is_audio 0x0100 else 0}
	Matrix           [9]int32
	Width            uint32 // fixed-point 16.16
	Height           uint32 // fixed-point 16.16
}

// Tkhd flags.
const (
	TkhdTrackEnabled   = 0x000001
	TkhdTrackInMovie   = 0x000002
	TkhdTrackInPreview = 0x000004
)

// Type returns the BoxType.
func (*Tkhd) Type() BoxType {
	return [4]byte{'t', 'k', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Tkhd) Size() int {
	return 84
}

// Marshal box to writer.
func (b *Tkhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.CreationTime)
	writeUint32(w, b.ModificationTime)
	writeUint32(w, b.TrackID)
	writeUint32(w, 0) // Reserved.
	writeUint32(w, b.Duration)
	writeUint64(w, 0) // Reserved.
	writeUint16(w, uint16(b.Layer))
	writeUint16(w, uint16(b.AlternateGroup))
	writeUint16(w, uint16(b.Volume))
	writeUint16(w, 0) // Reserved.
	for _, m := range b.Matrix {
		writeUint32(w, uint32(m))
	}
	writeUint32(w, b.Width)
	writeUint32(w, b.Height)
	return w.TryError
}

/*************************** mdhd ****************************/

// Mdhd is ISOBMFF mdhd box type, version 0.
type Mdhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	Timescale        uint32
	Duration         uint32
	Language         [3]byte // ISO-639-2/T language code
}

// Type returns the BoxType.
func (*Mdhd) Type() BoxType {
	return [4]byte{'m', 'd', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Mdhd) Size() int {
	return 24
}

// Marshal box to writer.
func (b *Mdhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.CreationTime)
	writeUint32(w, b.ModificationTime)
	writeUint32(w, b.Timescale)
	writeUint32(w, b.Duration)
	w.TryWriteBool(false) // Pad.
	for _, c := range b.Language {
		w.TryWriteBits(uint64(c-0x60), 5)
	}
	writeUint16(w, 0) // Pre-defined.
	return w.TryError
}

/*************************** hdlr ****************************/

// Hdlr is ISOBMFF hdlr box type.
type Hdlr struct {
	FullBox
	HandlerType [4]byte
	Name        string
}

// Type returns the BoxType.
func (*Hdlr) Type() BoxType {
	return [4]byte{'h', 'd', 'l', 'r'}
}

// Size returns the marshaled size in bytes.
func (b *Hdlr) Size() int {
	return 25 + len(b.Name)
}

// Marshal box to writer.
func (b *Hdlr) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, 0) // Pre-defined.
	w.TryWrite(b.HandlerType[:])
	w.TryWrite(make([]byte, 12)) // Reserved.
	w.TryWrite([]byte(b.Name + "\000"))
	return w.TryError
}

/*************************** vmhd ****************************/

// Vmhd is ISOBMFF vmhd box type.
type Vmhd struct {
	FullBox
	Graphicsmode uint16
	Opcolor      [3]uint16
}

// Type returns the BoxType.
func (*Vmhd) Type() BoxType {
	return [4]byte{'v', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Vmhd) Size() int {
	return 12
}

// Marshal box to writer.
func (b *Vmhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint16(w, b.Graphicsmode)
	for _, c := range b.Opcolor {
		writeUint16(w, c)
	}
	return w.TryError
}

/*************************** smhd ****************************/

// Smhd is ISOBMFF smhd box type.
type Smhd struct {
	FullBox
	Balance int16 // fixed-point 8.8 template=0
}

// Type returns the BoxType.
func (*Smhd) Type() BoxType {
	return [4]byte{'s', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Smhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Smhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint16(w, uint16(b.Balance))
	writeUint16(w, 0) // Reserved.
	return w.TryError
}

/*************************** dref ****************************/

// Dref is ISOBMFF dref box type.
type Dref struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Dref) Type() BoxType {
	return [4]byte{'d', 'r', 'e', 'f'}
}

// Size returns the marshaled size in bytes.
func (*Dref) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Dref) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.EntryCount)
	return w.TryError
}

/*************************** url ****************************/

// Url is ISOBMFF url box type.
type Url struct { // nolint:revive,stylecheck
	FullBox
	Location string
}

// UrlSelfContained media data is in the same file.
const UrlSelfContained = 0x000001 // nolint:revive,stylecheck

// Type returns the BoxType.
func (*Url) Type() BoxType {
	return [4]byte{'u', 'r', 'l', ' '}
}

// Size returns the marshaled size in bytes.
func (b *Url) Size() int {
	if b.FullBox.CheckFlag(UrlSelfContained) {
		return 4
	}
	return len(b.Location) + 5
}

// Marshal box to writer.
func (b *Url) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	if !b.FullBox.CheckFlag(UrlSelfContained) {
		w.TryWrite([]byte(b.Location + "\000"))
	}
	return w.TryError
}

/*************************** stsd ****************************/

// Stsd is ISOBMFF stsd box type.
type Stsd struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Stsd) Type() BoxType {
	return [4]byte{'s', 't', 's', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Stsd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Stsd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.EntryCount)
	return w.TryError
}

/*********************** visual sample entry *************************/

// Sample entry types.
var (
	TypeAvc1 = BoxType{'a', 'v', 'c', '1'}
	TypeHvc1 = BoxType{'h', 'v', 'c', '1'}
	TypeAvcC = BoxType{'a', 'v', 'c', 'C'}
	TypeHvcC = BoxType{'h', 'v', 'c', 'C'}
)

// VisualSampleEntry is the avc1 and hvc1 box type.
type VisualSampleEntry struct {
	BoxType            BoxType
	DataReferenceIndex uint16
	Width              uint16
	Height             uint16
	Horizresolution    uint32 // fixed-point 16.16
	Vertresolution     uint32 // fixed-point 16.16
	FrameCount         uint16
	Compressorname     [32]byte
	Depth              uint16
}

// Type returns the BoxType.
func (b *VisualSampleEntry) Type() BoxType {
	return b.BoxType
}

// Size returns the marshaled size in bytes.
func (*VisualSampleEntry) Size() int {
	return 78
}

// Marshal box to writer.
func (b *VisualSampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWrite(make([]byte, 6)) // Reserved.
	writeUint16(w, b.DataReferenceIndex)
	w.TryWrite(make([]byte, 16)) // Pre-defined and reserved.
	writeUint16(w, b.Width)
	writeUint16(w, b.Height)
	writeUint32(w, b.Horizresolution)
	writeUint32(w, b.Vertresolution)
	writeUint32(w, 0) // Reserved.
	writeUint16(w, b.FrameCount)
	w.TryWrite(b.Compressorname[:])
	writeUint16(w, b.Depth)
	writeUint16(w, 0xffff) // Pre-defined, -1.
	return w.TryError
}

/*********************** mp4a *************************/

// Mp4a is the AAC sample entry box type.
type Mp4a struct {
	DataReferenceIndex uint16
	ChannelCount       uint16
	SampleSize         uint16
	SampleRate         uint32 // fixed-point 16.16
}

// Type returns the BoxType.
func (*Mp4a) Type() BoxType {
	return [4]byte{'m', 'p', '4', 'a'}
}

// Size returns the marshaled size in bytes.
func (*Mp4a) Size() int {
	return 28
}

// Marshal box to writer.
func (b *Mp4a) Marshal(w *bitio.Writer) error {
	w.TryWrite(make([]byte, 6)) // Reserved.
	writeUint16(w, b.DataReferenceIndex)
	w.TryWrite(make([]byte, 8)) // Entry version and reserved.
	writeUint16(w, b.ChannelCount)
	writeUint16(w, b.SampleSize)
	writeUint32(w, 0) // Pre-defined and reserved.
	writeUint32(w, b.SampleRate)
	return w.TryError
}

/*************************** raw ****************************/

// Raw is a box with opaque payload, used for
// configuration records such as avcC and hvcC.
type Raw struct {
	BoxType BoxType
	Data    []byte
}

// Type returns the BoxType.
func (b *Raw) Type() BoxType {
	return b.BoxType
}

// Size returns the marshaled size in bytes.
func (b *Raw) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Raw) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}

/*************************** avcC ****************************/

// AvcC is the AVC decoder configuration record.
type AvcC struct {
	Profile              uint8
	ProfileCompatibility uint8
	Level                uint8
	LengthSizeMinusOne   uint8 // 2 bits.
	SPS                  [][]byte
	PPS                  [][]byte
}

// Type returns the BoxType.
func (*AvcC) Type() BoxType {
	return TypeAvcC
}

// Size returns the marshaled size in bytes.
func (b *AvcC) Size() int {
	total := 7
	for _, sps := range b.SPS {
		total += 2 + len(sps)
	}
	for _, pps := range b.PPS {
		total += 2 + len(pps)
	}
	return total
}

// Marshal box to writer.
func (b *AvcC) Marshal(w *bitio.Writer) error {
	w.TryWriteByte(1) // Configuration version.
	w.TryWriteByte(b.Profile)
	w.TryWriteByte(b.ProfileCompatibility)
	w.TryWriteByte(b.Level)
	w.TryWriteBits(0x3f, 6) // Reserved.
	w.TryWriteBits(uint64(b.LengthSizeMinusOne), 2)
	w.TryWriteBits(0x7, 3) // Reserved.
	w.TryWriteBits(uint64(len(b.SPS)), 5)
	for _, sps := range b.SPS {
		writeUint16(w, uint16(len(sps)))
		w.TryWrite(sps)
	}
	w.TryWriteByte(uint8(len(b.PPS)))
	for _, pps := range b.PPS {
		writeUint16(w, uint16(len(pps)))
		w.TryWrite(pps)
	}
	return w.TryError
}

/*************************** stts ****************************/

// Stts is ISOBMFF stts box type.
type Stts struct {
	FullBox
	Entries []SttsEntry
}

// SttsEntry .
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Type returns the BoxType.
func (*Stts) Type() BoxType {
	return [4]byte{'s', 't', 't', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Stts) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		writeUint32(w, entry.SampleCount)
		writeUint32(w, entry.SampleDelta)
	}
	return w.TryError
}

/*************************** stss ****************************/

// Stss is ISOBMFF stss box type.
type Stss struct {
	FullBox
	SampleNumber []uint32
}

// Type returns the BoxType.
func (*Stss) Type() BoxType {
	return [4]byte{'s', 't', 's', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stss) Size() int {
	return 8 + len(b.SampleNumber)*4
}

// Marshal box to writer.
func (b *Stss) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.SampleNumber)))
	for _, number := range b.SampleNumber {
		writeUint32(w, number)
	}
	return w.TryError
}

/*************************** stsc ****************************/

// Stsc is ISOBMFF stsc box type.
type Stsc struct {
	FullBox
	Entries []StscEntry
}

// StscEntry .
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Type returns the BoxType.
func (*Stsc) Type() BoxType {
	return [4]byte{'s', 't', 's', 'c'}
}

// Size returns the marshaled size in bytes.
func (b *Stsc) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Stsc) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		writeUint32(w, entry.FirstChunk)
		writeUint32(w, entry.SamplesPerChunk)
		writeUint32(w, entry.SampleDescriptionIndex)
	}
	return w.TryError
}

/*************************** stsz ****************************/

// Stsz is ISOBMFF stsz box type.
type Stsz struct {
	FullBox
	SampleSize  uint32
	SampleCount uint32
	EntrySize   []uint32
}

// Type returns the BoxType.
func (*Stsz) Type() BoxType {
	return TypeStsz
}

// Size returns the marshaled size in bytes.
func (b *Stsz) Size() int {
	return 12 + len(b.EntrySize)*4
}

// Marshal box to writer.
func (b *Stsz) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.SampleSize)
	writeUint32(w, b.SampleCount)
	for _, entry := range b.EntrySize {
		writeUint32(w, entry)
	}
	return w.TryError
}

/*************************** stco ****************************/

// Stco is ISOBMFF stco box type.
type Stco struct {
	FullBox
	ChunkOffset []uint32
}

// Type returns the BoxType.
func (*Stco) Type() BoxType {
	return TypeStco
}

// Size returns the marshaled size in bytes.
func (b *Stco) Size() int {
	return 8 + len(b.ChunkOffset)*4
}

// Marshal box to writer.
func (b *Stco) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.ChunkOffset)))
	for _, offset := range b.ChunkOffset {
		writeUint32(w, offset)
	}
	return w.TryError
}

/*************************** co64 ****************************/

// Co64 is ISOBMFF co64 box type.
type Co64 struct {
	FullBox
	ChunkOffset []uint64
}

// Type returns the BoxType.
func (*Co64) Type() BoxType {
	return TypeCo64
}

// Size returns the marshaled size in bytes.
func (b *Co64) Size() int {
	return 8 + len(b.ChunkOffset)*8
}

// Marshal box to writer.
func (b *Co64) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.ChunkOffset)))
	for _, offset := range b.ChunkOffset {
		writeUint64(w, offset)
	}
	return w.TryError
}
