// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT
//
// Planning the byte layout of the virtual file. The planner is a pure
// function of the raster descriptor and the format mode; serialization
// happens elsewhere and consumes the finished plan read-only.

package main

// FormatMode selects between the two TIFF container flavors. BigTIFF
// widens every offset and count field from four to eight bytes, which is
// what makes files of four gigabytes and more addressable.
type FormatMode int

const (
	ClassicTiff FormatMode = iota
	BigTiff
)

func (m FormatMode) String() string {
	if m == BigTiff {
		return "BigTIFF"
	}
	return "TIFF"
}

// signatureSize is the length of the magic bytes before the pointer to
// the first IFD.
func (m FormatMode) signatureSize() int64 {
	if m == BigTiff {
		return 8
	}
	return 4
}

// offsetSize is the width of offsets, counts and inline tag values.
func (m FormatMode) offsetSize() int64 {
	if m == BigTiff {
		return 8
	}
	return 4
}

// numTagsSize is the width of the entry count at the start of an IFD.
func (m FormatMode) numTagsSize() int64 {
	if m == BigTiff {
		return 8
	}
	return 2
}

// tagSize is the width of one IFD entry.
func (m FormatMode) tagSize() int64 {
	if m == BigTiff {
		return 20
	}
	return 12
}

// bigTiffThreshold is the first file size that classic TIFF offsets can
// no longer address.
const bigTiffThreshold = int64(1) << 32

// Segment names, in file order.
const (
	segSignature      = "signature"
	segIFD            = "ifd"
	segTagData        = "tagdata"
	segTileOffsets    = "tileoffsets"
	segTileByteCounts = "tilebytecounts"
	segTileData       = "tiledata"
)

// Segment is one contiguous region of the virtual file.
type Segment struct {
	Name   string
	Start  int64
	Length int64
}

// VirtualFileLayout holds the position of every part of the virtual file.
// It is computed once per served raster and never mutated afterwards.
type VirtualFileLayout struct {
	Mode      FormatMode
	NumTags   int
	TileCount int
	TileSize  int64

	Segments []Segment

	// Offsets of out-of-line tag payloads; zero means the payload is
	// absent or inlined in its directory entry.
	BitsPerSampleOffset int64
	ExtraSamplesOffset  int64
	GeoTagOffsets       []int64
	NoDataOffset        int64

	// HeaderSize spans the signature, the IFD and all tag payloads.
	HeaderSize int64

	// Table positions; zero when TileCount == 1 and the values are
	// inlined in the directory instead.
	OffsetTableStart    int64
	ByteCountTableStart int64

	TileDataStart int64
	FileSize      int64
}

// planLayout computes the layout for one format mode. It walks the same
// conditional features in the same order the serializer will, so the two
// can never disagree about where a byte lives.
func planLayout(d *RasterDescriptor, mode FormatMode) *VirtualFileLayout {
	l := &VirtualFileLayout{
		Mode:      mode,
		TileCount: d.TileCount,
		TileSize:  d.TileSize(),
	}

	numTags := 12 // the mandatory tags, ImageWidth through SampleFormat
	if len(d.ExtraSamples) > 0 {
		numTags++
	}
	numTags += len(d.GeoTags)
	if d.NoData != nil {
		numTags++
	}
	l.NumTags = numTags

	sigLen := mode.signatureSize() + mode.offsetSize()
	ifdLen := mode.numTagsSize() + int64(numTags)*mode.tagSize() + mode.offsetSize()

	cursor := sigLen + ifdLen
	tagDataStart := cursor
	if d.Bands > 1 {
		l.BitsPerSampleOffset = cursor
		cursor += 4 * int64(d.Bands)
	}
	if n := int64(4 * len(d.ExtraSamples)); n > mode.offsetSize() {
		l.ExtraSamplesOffset = cursor
		cursor += n
	}
	l.GeoTagOffsets = make([]int64, len(d.GeoTags))
	for i, gt := range d.GeoTags {
		l.GeoTagOffsets[i] = cursor
		cursor += int64(len(gt.Data))
	}
	if d.NoData != nil {
		l.NoDataOffset = cursor
		cursor += int64(len(d.NoData))
	}
	l.HeaderSize = cursor

	var tableLen int64
	if d.TileCount > 1 {
		tableLen = int64(d.TileCount) * mode.offsetSize()
		l.OffsetTableStart = cursor
		cursor += tableLen
		l.ByteCountTableStart = cursor
		cursor += tableLen
	}
	l.TileDataStart = cursor
	l.FileSize = cursor + int64(d.TileCount)*l.TileSize

	l.Segments = []Segment{
		{segSignature, 0, sigLen},
		{segIFD, sigLen, ifdLen},
		{segTagData, tagDataStart, l.HeaderSize - tagDataStart},
		{segTileOffsets, l.HeaderSize, tableLen},
		{segTileByteCounts, l.HeaderSize + tableLen, tableLen},
		{segTileData, l.TileDataStart, l.FileSize - l.TileDataStart},
	}
	return l
}

// chooseLayout picks the format mode. Classic TIFF is planned first; if
// the resulting file would cross the four gigabyte boundary, the whole
// layout is recomputed once for BigTIFF. Widening fields only grows the
// file, so a single retry always converges.
func chooseLayout(d *RasterDescriptor) *VirtualFileLayout {
	l := planLayout(d, ClassicTiff)
	if l.FileSize >= bigTiffThreshold {
		l = planLayout(d, BigTiff)
	}
	return l
}
