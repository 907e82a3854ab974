// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT
//
// Serialization of the virtual TIFF: the header with its tag directory,
// and the tile offset and byte count tables. Everything here writes the
// exact bytes a real file would contain, little-endian, with field widths
// chosen by the format mode.

package main

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TIFF data types.
const (
	typeByte      = 1  // 8-bit unsigned integer
	typeASCII     = 2  // 8-bit bytes with NUL-terminated strings
	typeShort     = 3  // 16-bit unsigned integer
	typeLong      = 4  // 32-bit unsigned integer
	typeRational  = 5  // two LONGs, numerator and denominator
	typeSByte     = 6  // 8-bit signed integer
	typeUndefined = 7  // 8-bit untyped data
	typeSShort    = 8  // 16-bit signed integer
	typeSLong     = 9  // 32-bit signed integer
	typeSRational = 10 // two SLONGs
	typeFloat     = 11 // 32-bit IEEE floating point
	typeDouble    = 12 // 64-bit IEEE floating point
	typeIFD       = 13 // 32-bit offset to a child IFD
	typeLong8     = 16 // BigTIFF 64-bit unsigned integer
	typeSLong8    = 17 // BigTIFF 64-bit signed integer
	typeIFD8      = 18 // BigTIFF 64-bit offset to a child IFD
)

// typeSize gives the byte size of one value of each TIFF data type,
// indexed by type; zero marks types we never touch.
var typeSize = [19]int{
	0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8, 4, 0, 0, 8, 8, 8,
}

// TIFF tags.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagExtraSamples        = 338
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoDoubleParams     = 34736
	tagGeoASCIIParams      = 34737
	tagGDALNoData          = 42113
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946
	compressionZstd       = 50000

	photometricMinIsWhite = 0
	photometricMinIsBlack = 1
	photometricRGB        = 2
	photometricPalette    = 3

	planarContiguous = 1

	predictorNone       = 1
	predictorHorizontal = 2

	extraSampleUnspecified     = 0
	extraSampleAssociatedAlpha = 1
	extraSampleUnassociated    = 2

	sampleFormatUint         = 1
	sampleFormatInt          = 2
	sampleFormatFloat        = 3
	sampleFormatComplexInt   = 5
	sampleFormatComplexFloat = 6
)

var classicSignature = []byte{'I', 'I', 42, 0}
var bigTiffSignature = []byte{'I', 'I', 43, 0, 8, 0, 0, 0}

// tagWriter emits IFD entries into a buffer, enforcing the TIFF rule that
// tags appear in strictly increasing order.
type tagWriter struct {
	buf     *bytes.Buffer
	mode    FormatMode
	lastTag uint16
	written int
}

func (w *tagWriter) entry(id, typ uint16, count uint64, field []byte) {
	if w.written > 0 && id <= w.lastTag {
		panic("TIFF tags must be in increasing order")
	}
	w.lastTag = id
	binary.Write(w.buf, binary.LittleEndian, id)
	binary.Write(w.buf, binary.LittleEndian, typ)
	if w.mode == BigTiff {
		binary.Write(w.buf, binary.LittleEndian, count)
	} else {
		if count > math.MaxUint32 {
			panic("tag count out of range for classic TIFF")
		}
		binary.Write(w.buf, binary.LittleEndian, uint32(count))
	}
	w.buf.Write(field)
	w.written++
}

// tag writes one directory entry whose value (or payload offset) is a
// single unsigned number.
func (w *tagWriter) tag(id, typ uint16, count, value uint64) {
	field := make([]byte, w.mode.offsetSize())
	if w.mode == BigTiff {
		binary.LittleEndian.PutUint64(field, value)
	} else {
		if value > math.MaxUint32 {
			panic("tag value out of range for classic TIFF")
		}
		binary.LittleEndian.PutUint32(field, uint32(value))
	}
	w.entry(id, typ, count, field)
}

// tagBytes writes one directory entry with an inlined multi-value payload.
// The payload must fit the mode's value field; shorter payloads are padded
// with zero bytes as the file format demands.
func (w *tagWriter) tagBytes(id, typ uint16, count uint64, value []byte) {
	width := int(w.mode.offsetSize())
	if len(value) > width {
		panic("inline tag value exceeds field width")
	}
	field := make([]byte, width)
	copy(field, value)
	w.entry(id, typ, count, field)
}

// encodeHeader serializes the signature, the IFD and all out-of-line tag
// payloads of the virtual file. The result covers the virtual file's bytes
// [0, layout.HeaderSize).
func encodeHeader(d *RasterDescriptor, l *VirtualFileLayout) []byte {
	var buf bytes.Buffer
	if l.Mode == BigTiff {
		buf.Write(bigTiffSignature)
		binary.Write(&buf, binary.LittleEndian, uint64(16))
		binary.Write(&buf, binary.LittleEndian, uint64(l.NumTags))
	} else {
		buf.Write(classicSignature)
		binary.Write(&buf, binary.LittleEndian, uint32(8))
		binary.Write(&buf, binary.LittleEndian, uint16(l.NumTags))
	}

	w := &tagWriter{buf: &buf, mode: l.Mode}
	w.tag(tagImageWidth, typeLong, 1, uint64(d.Width))
	w.tag(tagImageLength, typeLong, 1, uint64(d.Height))
	if d.Bands > 1 {
		w.tag(tagBitsPerSample, typeLong, uint64(d.Bands), uint64(l.BitsPerSampleOffset))
	} else {
		w.tag(tagBitsPerSample, typeLong, 1, uint64(d.BitsPerSample))
	}
	w.tag(tagCompression, typeLong, 1, compressionNone)
	w.tag(tagPhotometric, typeLong, 1, uint64(d.Photometric))
	w.tag(tagSamplesPerPixel, typeLong, 1, uint64(d.Bands))
	w.tag(tagPlanarConfig, typeLong, 1, planarContiguous)
	w.tag(tagTileWidth, typeLong, 1, uint64(d.TileWidth))
	w.tag(tagTileLength, typeLong, 1, uint64(d.TileHeight))

	offsetType := uint16(typeLong)
	if l.Mode == BigTiff {
		offsetType = typeLong8
	}
	if d.TileCount == 1 {
		// A lone tile needs no offset tables; the two entries carry the
		// values themselves.
		w.tag(tagTileOffsets, offsetType, 1, uint64(l.TileDataStart))
		w.tag(tagTileByteCounts, offsetType, 1, uint64(l.TileSize))
	} else {
		w.tag(tagTileOffsets, offsetType, uint64(d.TileCount), uint64(l.OffsetTableStart))
		w.tag(tagTileByteCounts, offsetType, uint64(d.TileCount), uint64(l.ByteCountTableStart))
	}

	if len(d.ExtraSamples) > 0 {
		if l.ExtraSamplesOffset != 0 {
			w.tag(tagExtraSamples, typeLong, uint64(len(d.ExtraSamples)), uint64(l.ExtraSamplesOffset))
		} else {
			w.tagBytes(tagExtraSamples, typeLong, uint64(len(d.ExtraSamples)),
				packUint32s(d.ExtraSamples))
		}
	}

	w.tag(tagSampleFormat, typeLong, 1, uint64(d.SampleFormat()))

	for i, gt := range d.GeoTags {
		w.tag(gt.ID, gt.Type, uint64(gt.Count), uint64(l.GeoTagOffsets[i]))
	}
	if d.NoData != nil {
		w.tag(tagGDALNoData, typeASCII, uint64(len(d.NoData)), uint64(l.NoDataOffset))
	}

	if w.written != l.NumTags {
		panic("planned tag count does not match written tags")
	}

	// Offset of the next IFD; there is none.
	if l.Mode == BigTiff {
		binary.Write(&buf, binary.LittleEndian, uint64(0))
	} else {
		binary.Write(&buf, binary.LittleEndian, uint32(0))
	}

	// Out-of-line payloads, in the same order their tags were written.
	if d.Bands > 1 {
		for i := 0; i < d.Bands; i++ {
			binary.Write(&buf, binary.LittleEndian, uint32(d.BitsPerSample))
		}
	}
	if l.ExtraSamplesOffset != 0 {
		buf.Write(packUint32s(d.ExtraSamples))
	}
	for _, gt := range d.GeoTags {
		buf.Write(gt.Data)
	}
	if d.NoData != nil {
		buf.Write(d.NoData)
	}

	if int64(buf.Len()) != l.HeaderSize {
		panic("header size does not match planned layout")
	}
	return buf.Bytes()
}

// encodeTileOffsets serializes the table of absolute tile positions.
// Tiles are uncompressed and uniformly sized, so entry i is simply the
// start of the tile data region plus i times the tile size.
func encodeTileOffsets(l *VirtualFileLayout) []byte {
	var buf bytes.Buffer
	for i := int64(0); i < int64(l.TileCount); i++ {
		writeOffsetField(&buf, l.Mode, uint64(l.TileDataStart+i*l.TileSize))
	}
	return buf.Bytes()
}

// encodeTileByteCounts serializes the table of tile byte counts, which is
// the tile size repeated for every tile.
func encodeTileByteCounts(l *VirtualFileLayout) []byte {
	var buf bytes.Buffer
	for i := 0; i < l.TileCount; i++ {
		writeOffsetField(&buf, l.Mode, uint64(l.TileSize))
	}
	return buf.Bytes()
}

func writeOffsetField(buf *bytes.Buffer, mode FormatMode, v uint64) {
	if mode == BigTiff {
		binary.Write(buf, binary.LittleEndian, v)
		return
	}
	if v > math.MaxUint32 {
		panic("offset value out of range; file would need BigTIFF")
	}
	binary.Write(buf, binary.LittleEndian, uint32(v))
}

func packUint32s(vals []uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}
