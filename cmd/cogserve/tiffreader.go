// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// dirEntry is one parsed image directory entry with its payload resolved,
// whether it was stored inline or out of line.
type dirEntry struct {
	tag, typ uint16
	count    uint64
	data     []byte
}

// Refuse to resolve absurdly large tag payloads. The largest legitimate
// payload is the tile offset table, 8 bytes per tile.
const maxTagPayload = 1 << 26

// readDirectory parses the header and first image directory of a TIFF or
// BigTIFF file in either byte order.
func readDirectory(r io.ReadSeeker) ([]dirEntry, binary.ByteOrder, bool, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, nil, false, err
	}
	var head [8]byte
	if _, err := io.ReadFull(r, head[:4]); err != nil {
		return nil, nil, false, err
	}
	var order binary.ByteOrder
	switch {
	case head[0] == 'I' && head[1] == 'I':
		order = binary.LittleEndian
	case head[0] == 'M' && head[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, nil, false, fmt.Errorf("bad magic %q", head[:2])
	}

	bigtiff := false
	var dirOffset uint64
	switch version := order.Uint16(head[2:4]); version {
	case 42:
		if _, err := io.ReadFull(r, head[:4]); err != nil {
			return nil, nil, false, err
		}
		dirOffset = uint64(order.Uint32(head[:4]))
	case 43:
		bigtiff = true
		if _, err := io.ReadFull(r, head[:4]); err != nil {
			return nil, nil, false, err
		}
		if order.Uint16(head[:2]) != 8 || order.Uint16(head[2:4]) != 0 {
			return nil, nil, false, fmt.Errorf("unsupported BigTIFF header")
		}
		if _, err := io.ReadFull(r, head[:8]); err != nil {
			return nil, nil, false, err
		}
		dirOffset = order.Uint64(head[:8])
	default:
		return nil, nil, false, fmt.Errorf("bad TIFF version %d", version)
	}

	if _, err := r.Seek(int64(dirOffset), io.SeekStart); err != nil {
		return nil, nil, false, err
	}
	var numTags uint64
	if bigtiff {
		if err := binary.Read(r, order, &numTags); err != nil {
			return nil, nil, false, err
		}
	} else {
		var n uint16
		if err := binary.Read(r, order, &n); err != nil {
			return nil, nil, false, err
		}
		numTags = uint64(n)
	}
	if numTags > 4096 {
		return nil, nil, false, fmt.Errorf("directory claims %d tags", numTags)
	}

	entrySize, inline := 12, 4
	if bigtiff {
		entrySize, inline = 20, 8
	}
	raw := make([]byte, int(numTags)*entrySize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, false, err
	}

	entries := make([]dirEntry, 0, numTags)
	type fixup struct {
		index  int
		offset uint64
	}
	var fixups []fixup
	for i := 0; i < int(numTags); i++ {
		b := raw[i*entrySize : (i+1)*entrySize]
		e := dirEntry{
			tag: order.Uint16(b[0:2]),
			typ: order.Uint16(b[2:4]),
		}
		var field []byte
		if bigtiff {
			e.count = order.Uint64(b[4:12])
			field = b[12:20]
		} else {
			e.count = uint64(order.Uint32(b[4:8]))
			field = b[8:12]
		}
		size := 0
		if int(e.typ) < len(typeSize) {
			size = typeSize[e.typ]
		}
		if size == 0 {
			continue // unknown field type, not ours to interpret
		}
		// Division form, so a huge count cannot overflow the product.
		if e.count > maxTagPayload/uint64(size) {
			return nil, nil, false, fmt.Errorf("tag %d payload of %d values is too large", e.tag, e.count)
		}
		byteSize := e.count * uint64(size)
		if byteSize <= uint64(inline) {
			e.data = append([]byte(nil), field[:byteSize]...)
		} else {
			var off uint64
			if bigtiff {
				off = order.Uint64(field)
			} else {
				off = uint64(order.Uint32(field))
			}
			fixups = append(fixups, fixup{len(entries), off})
			e.data = make([]byte, byteSize)
		}
		entries = append(entries, e)
	}

	// Out-of-line payloads are read after the walk so the walk itself
	// never has to seek back and forth.
	for _, f := range fixups {
		if _, err := r.Seek(int64(f.offset), io.SeekStart); err != nil {
			return nil, nil, false, err
		}
		if _, err := io.ReadFull(r, entries[f.index].data); err != nil {
			return nil, nil, false, fmt.Errorf("tag %d: %w", entries[f.index].tag, err)
		}
	}
	return entries, order, bigtiff, nil
}

// uints decodes the payload as an array of unsigned integers.
func (e dirEntry) uints(order binary.ByteOrder) ([]uint64, error) {
	vals := make([]uint64, 0, e.count)
	switch e.typ {
	case typeByte:
		for _, b := range e.data {
			vals = append(vals, uint64(b))
		}
	case typeShort:
		for i := 0; i+2 <= len(e.data); i += 2 {
			vals = append(vals, uint64(order.Uint16(e.data[i:])))
		}
	case typeLong, typeIFD:
		for i := 0; i+4 <= len(e.data); i += 4 {
			vals = append(vals, uint64(order.Uint32(e.data[i:])))
		}
	case typeLong8, typeIFD8:
		for i := 0; i+8 <= len(e.data); i += 8 {
			vals = append(vals, order.Uint64(e.data[i:]))
		}
	default:
		return nil, fmt.Errorf("tag %d: got type=%d, want an integer type", e.tag, e.typ)
	}
	return vals, nil
}

// uint decodes the payload as a single unsigned integer.
func (e dirEntry) uint(order binary.ByteOrder) (uint64, error) {
	vals, err := e.uints(order)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("tag %d: empty value", e.tag)
	}
	return vals[0], nil
}

// tiffSource serves pixels from a TIFF file on local disk. Tiled and
// stripped layouts are both handled; decoded blocks are kept in a small
// cache since consecutive output tiles tend to hit the same blocks.
type tiffSource struct {
	f     *os.File
	order binary.ByteOrder

	width, height, bands int
	bits                 int
	kind                 SampleKind
	photometric          uint16
	compression          uint16
	predictor            uint16
	extras               []uint64
	nodata               float64
	hasNodata            bool
	geoTags              []GeoTag

	blockWidth, blockHeight  int
	blocksAcross, blocksDown int
	blockOffsets             []uint64
	blockCounts              []uint64

	zstdDec *zstd.Decoder
	cache   *ccache.Cache[[]byte]
}

var _ RasterSource = (*tiffSource)(nil)
var _ geoTagged = (*tiffSource)(nil)

func newTiffSource(path string) (*tiffSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := parseTiff(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func parseTiff(f *os.File) (*tiffSource, error) {
	entries, order, _, err := readDirectory(f)
	if err != nil {
		return nil, err
	}
	byTag := make(map[uint16]dirEntry, len(entries))
	for _, e := range entries {
		byTag[e.tag] = e
	}
	need := func(tag uint16, name string) (uint64, error) {
		e, ok := byTag[tag]
		if !ok {
			return 0, fmt.Errorf("missing tag %s", name)
		}
		return e.uint(order)
	}
	opt := func(tag uint16, def uint64) uint64 {
		e, ok := byTag[tag]
		if !ok {
			return def
		}
		v, err := e.uint(order)
		if err != nil {
			return def
		}
		return v
	}

	s := &tiffSource{
		f:       f,
		order:   order,
		geoTags: geoTagsFromEntries(entries, order),
		cache:   ccache.New(ccache.Configure[[]byte]().MaxSize(64).ItemsToPrune(8)),
	}

	width, err := need(tagImageWidth, "ImageWidth")
	if err != nil {
		return nil, err
	}
	height, err := need(tagImageLength, "ImageLength")
	if err != nil {
		return nil, err
	}
	s.width, s.height = int(width), int(height)
	s.bands = int(opt(tagSamplesPerPixel, 1))
	if s.width < 1 || s.height < 1 || s.bands < 1 {
		return nil, fmt.Errorf("bad raster geometry %dx%d with %d bands", s.width, s.height, s.bands)
	}

	s.bits = 8
	if e, ok := byTag[tagBitsPerSample]; ok {
		vals, err := e.uints(order)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, fmt.Errorf("empty BitsPerSample tag")
		}
		for _, v := range vals[1:] {
			if v != vals[0] {
				return nil, fmt.Errorf("bands with differing sample sizes are not supported")
			}
		}
		s.bits = int(vals[0])
	}
	if s.bits < 8 || s.bits > 64 || s.bits%8 != 0 {
		return nil, fmt.Errorf("unsupported sample size of %d bits", s.bits)
	}

	sf := opt(tagSampleFormat, sampleFormatUint)
	switch sf {
	case sampleFormatUint:
		s.kind = SampleUint
	case sampleFormatInt:
		s.kind = SampleInt
	case sampleFormatFloat:
		s.kind = SampleFloat
	case sampleFormatComplexInt:
		s.kind = SampleComplexInt
	case sampleFormatComplexFloat:
		s.kind = SampleComplexFloat
	default:
		return nil, fmt.Errorf("unsupported sample format %d", sf)
	}

	s.compression = uint16(opt(tagCompression, compressionNone))
	switch s.compression {
	case compressionNone, compressionDeflate, compressionDeflateOld:
	case compressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		s.zstdDec = dec
	default:
		return nil, fmt.Errorf("unsupported compression %d", s.compression)
	}

	s.photometric = uint16(opt(tagPhotometric, photometricMinIsBlack))
	if s.photometric == photometricPalette {
		return nil, fmt.Errorf("palette images are not supported")
	}
	if planar := opt(tagPlanarConfig, planarContiguous); planar != planarContiguous {
		return nil, fmt.Errorf("separate sample planes are not supported")
	}
	s.predictor = uint16(opt(tagPredictor, predictorNone))
	switch s.predictor {
	case predictorNone:
	case predictorHorizontal:
		if s.kind != SampleUint && s.kind != SampleInt {
			return nil, fmt.Errorf("horizontal predictor on non-integer samples is not supported")
		}
	default:
		return nil, fmt.Errorf("unsupported predictor %d", s.predictor)
	}

	if e, ok := byTag[tagExtraSamples]; ok {
		if s.extras, err = e.uints(order); err != nil {
			return nil, err
		}
	}
	if e, ok := byTag[tagGDALNoData]; ok && e.typ == typeASCII {
		str := strings.TrimRight(string(e.data), "\x00 ")
		if v, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			s.nodata, s.hasNodata = v, true
		}
	}

	var offsetsTag, countsTag dirEntry
	if e, tiled := byTag[tagTileWidth]; tiled {
		bw, err := e.uint(order)
		if err != nil {
			return nil, err
		}
		s.blockWidth = int(bw)
		bh, err := need(tagTileLength, "TileLength")
		if err != nil {
			return nil, err
		}
		s.blockHeight = int(bh)
		var ok bool
		if offsetsTag, ok = byTag[tagTileOffsets]; !ok {
			return nil, fmt.Errorf("missing tag TileOffsets")
		}
		if countsTag, ok = byTag[tagTileByteCounts]; !ok {
			return nil, fmt.Errorf("missing tag TileByteCounts")
		}
	} else {
		rows := opt(tagRowsPerStrip, height)
		if rows > height {
			rows = height
		}
		s.blockWidth = s.width
		s.blockHeight = int(rows)
		var ok bool
		if offsetsTag, ok = byTag[tagStripOffsets]; !ok {
			return nil, fmt.Errorf("missing tag StripOffsets")
		}
		if countsTag, ok = byTag[tagStripByteCounts]; !ok {
			return nil, fmt.Errorf("missing tag StripByteCounts")
		}
	}
	if s.blockWidth < 1 || s.blockHeight < 1 {
		return nil, fmt.Errorf("bad block geometry %dx%d", s.blockWidth, s.blockHeight)
	}
	if int64(s.blockWidth)*int64(s.blockHeight)*int64(s.bands)*int64(s.bits/8) > 1<<30 {
		return nil, fmt.Errorf("blocks of %dx%d pixels are too large", s.blockWidth, s.blockHeight)
	}
	s.blocksAcross = (s.width + s.blockWidth - 1) / s.blockWidth
	s.blocksDown = (s.height + s.blockHeight - 1) / s.blockHeight

	if s.blockOffsets, err = offsetsTag.uints(order); err != nil {
		return nil, err
	}
	if s.blockCounts, err = countsTag.uints(order); err != nil {
		return nil, err
	}
	want := s.blocksAcross * s.blocksDown
	if len(s.blockOffsets) != want || len(s.blockCounts) != want {
		return nil, fmt.Errorf("got %d block offsets and %d byte counts, want %d",
			len(s.blockOffsets), len(s.blockCounts), want)
	}
	return s, nil
}

func (s *tiffSource) Width() int  { return s.width }
func (s *tiffSource) Height() int { return s.height }
func (s *tiffSource) Bands() int  { return s.bands }

func (s *tiffSource) SampleKind() SampleKind { return s.kind }
func (s *tiffSource) BitsPerSample() int     { return s.bits }
func (s *tiffSource) GeoTags() []GeoTag      { return s.geoTags }

func (s *tiffSource) NoDataValue() (float64, bool) {
	return s.nodata, s.hasNodata
}

// GeoRef is never consulted for TIFF sources; their georeferencing tags
// are passed through verbatim.
func (s *tiffSource) GeoRef() (GeoRef, bool) {
	return GeoRef{}, false
}

func (s *tiffSource) ColorInterpretation(band int) ColorInterp {
	if s.photometric == photometricRGB {
		switch band {
		case 0:
			return ColorRed
		case 1:
			return ColorGreen
		case 2:
			return ColorBlue
		case 3:
			if s.firstExtraIsAlpha() {
				return ColorAlpha
			}
		}
		return ColorUndefined
	}
	if band == 0 {
		return ColorGray
	}
	if band == 1 && s.firstExtraIsAlpha() {
		return ColorAlpha
	}
	return ColorUndefined
}

func (s *tiffSource) firstExtraIsAlpha() bool {
	return len(s.extras) > 0 &&
		(s.extras[0] == extraSampleAssociatedAlpha || s.extras[0] == extraSampleUnassociated)
}

func (s *tiffSource) Close() error {
	if s.zstdDec != nil {
		s.zstdDec.Close()
	}
	return s.f.Close()
}

func (s *tiffSource) ReadWindow(xoff, yoff, xsize, ysize int, buf []byte, pixelStride, lineStride, bandStride int) error {
	if xoff < 0 || yoff < 0 || xsize < 1 || ysize < 1 ||
		xoff+xsize > s.width || yoff+ysize > s.height {
		return fmt.Errorf("window %d,%d %dx%d outside %dx%d raster",
			xoff, yoff, xsize, ysize, s.width, s.height)
	}
	sampleBytes := s.bits / 8
	srcPixel := s.bands * sampleBytes
	rowBytes := s.blockWidth * srcPixel
	for by := yoff / s.blockHeight; by <= (yoff+ysize-1)/s.blockHeight; by++ {
		for bx := xoff / s.blockWidth; bx <= (xoff+xsize-1)/s.blockWidth; bx++ {
			data, err := s.block(by*s.blocksAcross + bx)
			if err != nil {
				return err
			}
			x0 := max(xoff, bx*s.blockWidth)
			x1 := min(xoff+xsize, (bx+1)*s.blockWidth)
			y0 := max(yoff, by*s.blockHeight)
			y1 := min(yoff+ysize, (by+1)*s.blockHeight)
			for y := y0; y < y1; y++ {
				src := (y-by*s.blockHeight)*rowBytes + (x0-bx*s.blockWidth)*srcPixel
				dst := (y-yoff)*lineStride + (x0-xoff)*pixelStride
				if pixelStride == srcPixel && bandStride == sampleBytes {
					copy(buf[dst:dst+(x1-x0)*srcPixel], data[src:src+(x1-x0)*srcPixel])
					continue
				}
				for x := x0; x < x1; x++ {
					for b := 0; b < s.bands; b++ {
						copy(buf[dst+b*bandStride:], data[src+b*sampleBytes:src+(b+1)*sampleBytes])
					}
					src += srcPixel
					dst += pixelStride
				}
			}
		}
	}
	return nil
}

// block returns the decoded pixels of one block, padded to full block
// size, band-interleaved, in little-endian byte order.
func (s *tiffSource) block(i int) ([]byte, error) {
	key := strconv.Itoa(i)
	if item := s.cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	data, err := s.loadBlock(i)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, data, 10*time.Minute)
	return data, nil
}

func (s *tiffSource) loadBlock(i int) ([]byte, error) {
	expected := s.blockWidth * s.blockHeight * s.bands * (s.bits / 8)
	if s.blockCounts[i] == 0 {
		return make([]byte, expected), nil // sparse block
	}
	raw := make([]byte, s.blockCounts[i])
	if _, err := s.f.ReadAt(raw, int64(s.blockOffsets[i])); err != nil {
		return nil, fmt.Errorf("block %d: %w", i, err)
	}

	var data []byte
	switch s.compression {
	case compressionNone:
		data = raw
	case compressionDeflate, compressionDeflateOld:
		z, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		data, err = io.ReadAll(z)
		z.Close()
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	case compressionZstd:
		var err error
		if data, err = s.zstdDec.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}

	elem := s.bits / 8
	if s.kind == SampleComplexInt || s.kind == SampleComplexFloat {
		elem /= 2 // real and imaginary parts are swapped separately
	}
	if s.order == binary.BigEndian && elem > 1 {
		swapInPlace(data, elem)
	}
	if s.predictor == predictorHorizontal {
		undoHorizontalPredictor(data, s.blockWidth, s.bands, s.bits/8)
	}

	if len(data) < expected {
		padded := make([]byte, expected)
		copy(padded, data)
		data = padded
	} else if len(data) > expected {
		data = data[:expected]
	}
	return data, nil
}

// swapInPlace reverses the byte order of every size-byte element.
func swapInPlace(data []byte, size int) {
	for i := 0; i+size <= len(data); i += size {
		for j, k := 0, size-1; j < k; j, k = j+1, k-1 {
			data[i+j], data[i+k] = data[i+k], data[i+j]
		}
	}
}

// undoHorizontalPredictor reverses TIFF predictor 2, adding each sample
// to the sample of the same band one pixel to the left. Sample values
// must already be little-endian.
func undoHorizontalPredictor(data []byte, width, bands, sampleBytes int) {
	rowBytes := width * bands * sampleBytes
	stride := bands * sampleBytes
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		switch sampleBytes {
		case 1:
			for i := row + stride; i < row+rowBytes; i++ {
				data[i] += data[i-stride]
			}
		case 2:
			for i := row + stride; i+2 <= row+rowBytes; i += 2 {
				v := binary.LittleEndian.Uint16(data[i:]) + binary.LittleEndian.Uint16(data[i-stride:])
				binary.LittleEndian.PutUint16(data[i:], v)
			}
		case 4:
			for i := row + stride; i+4 <= row+rowBytes; i += 4 {
				v := binary.LittleEndian.Uint32(data[i:]) + binary.LittleEndian.Uint32(data[i-stride:])
				binary.LittleEndian.PutUint32(data[i:], v)
			}
		case 8:
			for i := row + stride; i+8 <= row+rowBytes; i += 8 {
				v := binary.LittleEndian.Uint64(data[i:]) + binary.LittleEndian.Uint64(data[i-stride:])
				binary.LittleEndian.PutUint64(data[i:], v)
			}
		}
	}
}
