// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// GeoTag is one georeferencing tag to be emitted verbatim into the served
// file. Data holds the out-of-line payload in little-endian byte order.
type GeoTag struct {
	ID    uint16
	Type  uint16
	Count uint32
	Data  []byte
}

// geoTagged is implemented by sources whose container already carries
// TIFF georeferencing tags. Their payloads are passed through unchanged.
type geoTagged interface {
	GeoTags() []GeoTag
}

// harvestGeoTags collects the georeferencing tags for src. Sources backed
// by TIFF files hand us their tags directly. For everything else we build
// a one-pixel GeoTIFF in memory from the source's GeoRef and extract the
// tags a real writer would have produced.
func harvestGeoTags(src RasterSource) ([]GeoTag, error) {
	if gt, ok := src.(geoTagged); ok {
		tags := gt.GeoTags()
		sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
		return tags, nil
	}
	ref, ok := src.GeoRef()
	if !ok {
		return nil, nil
	}
	probe := encodeGeoProbe(ref)
	if probe == nil {
		return nil, nil
	}
	tags, err := extractGeoTags(bytes.NewReader(probe))
	if err != nil {
		return nil, fmt.Errorf("bad georeferencing probe: %w", err)
	}
	return tags, nil
}

// encodeGeoProbe builds a little-endian TIFF containing a single gray
// pixel plus the georeferencing tags for ref. Returns nil if ref carries
// nothing worth encoding.
func encodeGeoProbe(ref GeoRef) []byte {
	if !ref.HasTransform && ref.EPSG <= 0 && ref.Citation == "" {
		return nil
	}

	le := binary.LittleEndian
	packDoubles := func(vals []float64) []byte {
		buf := new(bytes.Buffer)
		binary.Write(buf, le, vals)
		return buf.Bytes()
	}

	type pending struct {
		id, typ uint16
		count   uint32
		data    []byte
	}
	var geo []pending

	if ref.HasTransform {
		t := ref.Transform
		if t[2] == 0 && t[4] == 0 && t[5] < 0 {
			// North-up rasters get the compact scale and tiepoint form.
			geo = append(geo,
				pending{tagModelPixelScale, typeDouble, 3,
					packDoubles([]float64{t[1], -t[5], 0})},
				pending{tagModelTiepoint, typeDouble, 6,
					packDoubles([]float64{0, 0, 0, t[0], t[3], 0})})
		} else {
			m := []float64{
				t[1], t[2], 0, t[0],
				t[4], t[5], 0, t[3],
				0, 0, 0, 0,
				0, 0, 0, 1,
			}
			geo = append(geo, pending{tagModelTransformation, typeDouble, 16, packDoubles(m)})
		}
	}

	keydir, ascii := buildGeoKeys(ref)
	dirbuf := new(bytes.Buffer)
	binary.Write(dirbuf, le, keydir)
	geo = append(geo, pending{tagGeoKeyDirectory, typeShort, uint32(len(keydir)), dirbuf.Bytes()})
	if ascii != "" {
		geo = append(geo, pending{tagGeoASCIIParams, typeASCII, uint32(len(ascii)), []byte(ascii)})
	}

	numTags := 9 + len(geo)
	cursor := uint32(8 + 2 + 12*numTags + 4)
	offsets := make([]uint32, len(geo))
	for i, g := range geo {
		if len(g.data) > 4 {
			offsets[i] = cursor
			cursor += uint32(len(g.data))
			cursor += cursor % 2 // keep offsets word-aligned
		}
	}
	pixelOffset := cursor

	buf := new(bytes.Buffer)
	buf.WriteString("II*\x00")
	binary.Write(buf, le, uint32(8))
	binary.Write(buf, le, uint16(numTags))
	entry := func(id, typ uint16, count, value uint32) {
		binary.Write(buf, le, id)
		binary.Write(buf, le, typ)
		binary.Write(buf, le, count)
		binary.Write(buf, le, value)
	}
	entry(tagImageWidth, typeLong, 1, 1)
	entry(tagImageLength, typeLong, 1, 1)
	entry(tagBitsPerSample, typeShort, 1, 8)
	entry(tagCompression, typeShort, 1, compressionNone)
	entry(tagPhotometric, typeShort, 1, photometricMinIsBlack)
	entry(tagStripOffsets, typeLong, 1, pixelOffset)
	entry(tagSamplesPerPixel, typeShort, 1, 1)
	entry(tagRowsPerStrip, typeLong, 1, 1)
	entry(tagStripByteCounts, typeLong, 1, 1)
	for i, g := range geo {
		if len(g.data) > 4 {
			entry(g.id, g.typ, g.count, offsets[i])
		} else {
			binary.Write(buf, le, g.id)
			binary.Write(buf, le, g.typ)
			binary.Write(buf, le, g.count)
			var field [4]byte
			copy(field[:], g.data)
			buf.Write(field[:])
		}
	}
	binary.Write(buf, le, uint32(0)) // no further image directories
	for _, g := range geo {
		if len(g.data) > 4 {
			buf.Write(g.data)
			if buf.Len()%2 != 0 {
				buf.WriteByte(0)
			}
		}
	}
	buf.WriteByte(0) // the single pixel
	return buf.Bytes()
}

// buildGeoKeys assembles the GeoKeyDirectory and GeoAsciiParams content
// for ref. Keys must appear in ascending order.
func buildGeoKeys(ref GeoRef) ([]uint16, string) {
	modelType := uint16(2) // geographic
	if ref.Projected {
		modelType = 1
	}
	type geoKey struct {
		id, loc, count, value uint16
	}
	keys := []geoKey{
		{1024, 0, 1, modelType},
		{1025, 0, 1, 1}, // pixels are areas, not points
	}
	var ascii string
	if ref.Citation != "" {
		ascii = ref.Citation + "|\x00"
		keys = append(keys, geoKey{1026, tagGeoASCIIParams, uint16(len(ref.Citation) + 1), 0})
	}
	if ref.EPSG > 0 && ref.EPSG <= 0xFFFF {
		if ref.Projected {
			keys = append(keys, geoKey{3072, 0, 1, uint16(ref.EPSG)})
		} else {
			keys = append(keys, geoKey{2048, 0, 1, uint16(ref.EPSG)})
		}
	}
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k.id, k.loc, k.count, k.value)
	}
	return dir, ascii
}

// extractGeoTags parses a TIFF image directory and returns the contained
// georeferencing tags with payloads normalized to little-endian. Used
// both on the in-memory probe and on TIFF files served from disk.
func extractGeoTags(r io.ReadSeeker) ([]GeoTag, error) {
	entries, order, _, err := readDirectory(r)
	if err != nil {
		return nil, err
	}
	return geoTagsFromEntries(entries, order), nil
}

// geoTagsFromEntries picks the georeferencing tags out of a parsed image
// directory.
func geoTagsFromEntries(entries []dirEntry, order binary.ByteOrder) []GeoTag {
	var tags []GeoTag
	for _, e := range entries {
		switch e.tag {
		case tagModelPixelScale, tagModelTiepoint, tagModelTransformation,
			tagGeoKeyDirectory, tagGeoDoubleParams, tagGeoASCIIParams:
			tags = append(tags, GeoTag{
				ID:    e.tag,
				Type:  e.typ,
				Count: uint32(e.count),
				Data:  swapToLittleEndian(e.typ, e.data, order),
			})
		}
	}
	return tags
}

// swapToLittleEndian converts a tag payload read from a big-endian file
// into little-endian, element by element. Little-endian input is returned
// unchanged.
func swapToLittleEndian(typ uint16, data []byte, order binary.ByteOrder) []byte {
	if order == binary.ByteOrder(binary.LittleEndian) {
		return data
	}
	size := 0
	if int(typ) < len(typeSize) {
		size = typeSize[typ]
	}
	if size <= 1 {
		return data
	}
	out := make([]byte, len(data))
	for i := 0; i+size <= len(data); i += size {
		for j := 0; j < size; j++ {
			out[i+j] = data[i+size-1-j]
		}
	}
	return out
}
