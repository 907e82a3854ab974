// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"testing"
)

// checkSegments verifies that a layout's segments start at zero, are
// contiguous without gaps or overlaps, and sum up to the file size.
func checkSegments(t *testing.T, l *VirtualFileLayout) {
	t.Helper()
	var pos int64
	for _, seg := range l.Segments {
		if seg.Start != pos {
			t.Errorf("segment %s starts at %d, want %d", seg.Name, seg.Start, pos)
		}
		if seg.Length < 0 {
			t.Errorf("segment %s has negative length %d", seg.Name, seg.Length)
		}
		pos += seg.Length
	}
	if pos != l.FileSize {
		t.Errorf("segment lengths sum to %d, want file size %d", pos, l.FileSize)
	}
	if want := l.TileDataStart + int64(l.TileCount)*l.TileSize; l.FileSize != want {
		t.Errorf("got file size %d, want %d", l.FileSize, want)
	}
}

func TestPlanLayout_Segments(t *testing.T) {
	sources := []RasterSource{
		testRaster(1, 1, 1),
		testRaster(512, 512, 1),
		testRaster(1500, 1200, 3),
		testRaster(600, 520, 2),
		testRaster(3000, 2000, 4),
	}
	nodata := testRaster(700, 700, 1)
	nodata.nodata, nodata.hasNodata = -1, true
	sources = append(sources, nodata)
	sources = append(sources, &taggedSource{
		memRaster: *testRaster(900, 300, 3),
		tags: []GeoTag{
			{ID: tagModelPixelScale, Type: typeDouble, Count: 3, Data: make([]byte, 24)},
			{ID: tagGeoKeyDirectory, Type: typeShort, Count: 20, Data: make([]byte, 40)},
		},
	})

	for _, src := range sources {
		d, err := NewRasterDescriptor(src)
		if err != nil {
			t.Fatal(err)
		}
		for _, mode := range []FormatMode{ClassicTiff, BigTiff} {
			l := planLayout(d, mode)
			checkSegments(t, l)
			if l.HeaderSize != l.Segments[0].Length+l.Segments[1].Length+l.Segments[2].Length {
				t.Errorf("%dx%d %s: header size %d does not cover signature, IFD and tag data",
					d.Width, d.Height, mode, l.HeaderSize)
			}
			if d.TileCount > 1 {
				if l.OffsetTableStart != l.HeaderSize {
					t.Errorf("%dx%d %s: offset table at %d, want %d",
						d.Width, d.Height, mode, l.OffsetTableStart, l.HeaderSize)
				}
				if l.ByteCountTableStart != l.OffsetTableStart+int64(d.TileCount)*mode.offsetSize() {
					t.Errorf("%dx%d %s: byte count table at %d after offset table at %d",
						d.Width, d.Height, mode, l.ByteCountTableStart, l.OffsetTableStart)
				}
			} else if l.OffsetTableStart != 0 || l.ByteCountTableStart != 0 {
				t.Errorf("%dx%d %s: single tile should not get offset tables",
					d.Width, d.Height, mode)
			}
		}
	}
}

func TestPlanLayout_SingleTile(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(512, 512, 1))
	if err != nil {
		t.Fatal(err)
	}
	l := planLayout(d, ClassicTiff)
	checkSegments(t, l)

	if l.NumTags != 12 {
		t.Errorf("got %d tags, want 12", l.NumTags)
	}
	// 4 signature + 4 offset + 2 tag count + 12*12 entries + 4 next.
	if l.HeaderSize != 158 {
		t.Errorf("got header size %d, want 158", l.HeaderSize)
	}
	if l.TileDataStart != 158 {
		t.Errorf("got tile data at %d, want 158", l.TileDataStart)
	}
	if l.FileSize != 158+512*512 {
		t.Errorf("got file size %d, want %d", l.FileSize, 158+512*512)
	}
}

func TestPlanLayout_RGBGrid(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(1500, 1200, 3))
	if err != nil {
		t.Fatal(err)
	}
	l := planLayout(d, ClassicTiff)
	checkSegments(t, l)

	if l.NumTags != 12 {
		t.Errorf("got %d tags, want 12", l.NumTags)
	}
	if l.BitsPerSampleOffset != 158 {
		t.Errorf("got bits-per-sample array at %d, want 158", l.BitsPerSampleOffset)
	}
	if l.HeaderSize != 170 {
		t.Errorf("got header size %d, want 170", l.HeaderSize)
	}
	if l.OffsetTableStart != 170 || l.ByteCountTableStart != 206 {
		t.Errorf("got tables at %d and %d, want 170 and 206",
			l.OffsetTableStart, l.ByteCountTableStart)
	}
	if l.TileDataStart != 242 {
		t.Errorf("got tile data at %d, want 242", l.TileDataStart)
	}
	if want := int64(242 + 9*3*512*512); l.FileSize != want {
		t.Errorf("got file size %d, want %d", l.FileSize, want)
	}
}

func TestPlanLayout_BigTiffWidths(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(1500, 1200, 3))
	if err != nil {
		t.Fatal(err)
	}
	l := planLayout(d, BigTiff)
	checkSegments(t, l)

	// 8 signature + 8 offset + 8 tag count + 12*20 entries + 8 next,
	// then twelve bytes of bits-per-sample array.
	if l.BitsPerSampleOffset != 272 {
		t.Errorf("got bits-per-sample array at %d, want 272", l.BitsPerSampleOffset)
	}
	if l.HeaderSize != 284 {
		t.Errorf("got header size %d, want 284", l.HeaderSize)
	}
	if l.OffsetTableStart != 284 || l.ByteCountTableStart != 356 {
		t.Errorf("got tables at %d and %d, want 284 and 356",
			l.OffsetTableStart, l.ByteCountTableStart)
	}
	if l.TileDataStart != 428 {
		t.Errorf("got tile data at %d, want 428", l.TileDataStart)
	}
}

func TestPlanLayout_ExtraSamplesInline(t *testing.T) {
	two, err := NewRasterDescriptor(testRaster(600, 520, 2)) // one extra sample
	if err != nil {
		t.Fatal(err)
	}
	five, err := NewRasterDescriptor(testRaster(600, 520, 5)) // two extra samples
	if err != nil {
		t.Fatal(err)
	}

	// Four bytes of extra-sample values fit a classic value field,
	// eight do not; BigTIFF fields hold both.
	if l := planLayout(two, ClassicTiff); l.ExtraSamplesOffset != 0 {
		t.Errorf("classic, one extra sample: got offset %d, want inline", l.ExtraSamplesOffset)
	}
	if l := planLayout(five, ClassicTiff); l.ExtraSamplesOffset == 0 {
		t.Errorf("classic, two extra samples: got inline, want out of line")
	}
	if l := planLayout(five, BigTiff); l.ExtraSamplesOffset != 0 {
		t.Errorf("BigTIFF, two extra samples: got offset %d, want inline", l.ExtraSamplesOffset)
	}
}

func TestChooseLayout_SmallStaysClassic(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(3000, 2000, 3))
	if err != nil {
		t.Fatal(err)
	}
	l := chooseLayout(d)
	if l.Mode != ClassicTiff {
		t.Errorf("got %s, want TIFF", l.Mode)
	}
}

func TestChooseLayout_BigTiffThreshold(t *testing.T) {
	// A raster whose classic rendition almost reaches four gigabytes,
	// plus one georeferencing payload whose length is tuned so the
	// classic file size lands exactly on the boundary.
	d := &RasterDescriptor{
		Width: 16383 * 512, Height: 512, Bands: 1,
		Kind: SampleUint, BitsPerSample: 8,
		Photometric: photometricMinIsBlack,
		TileWidth: tileEdge, TileHeight: tileEdge,
		TileXCount: 16383, TileYCount: 1, TileCount: 16383,
		GeoTags: []GeoTag{{ID: tagGeoASCIIParams, Type: typeASCII}},
	}
	pad := bigTiffThreshold - 1 - planLayout(d, ClassicTiff).FileSize
	d.GeoTags[0].Data = make([]byte, pad)
	d.GeoTags[0].Count = uint32(pad)

	l := chooseLayout(d)
	if l.Mode != ClassicTiff {
		t.Errorf("got %s for size %d, want TIFF", l.Mode, l.FileSize)
	}
	if l.FileSize != bigTiffThreshold-1 {
		t.Errorf("got classic size %d, want %d", l.FileSize, bigTiffThreshold-1)
	}
	checkSegments(t, l)

	// One more byte pushes the classic size to 2^32. That switches the
	// plan to BigTIFF, whose wider fields grow the file well past the
	// boundary; the re-derived layout must still be self-consistent.
	d.GeoTags[0].Data = append(d.GeoTags[0].Data, 0)
	d.GeoTags[0].Count++
	l = chooseLayout(d)
	if l.Mode != BigTiff {
		t.Errorf("got %s, want BigTIFF", l.Mode)
	}
	if l.FileSize < bigTiffThreshold {
		t.Errorf("got BigTIFF size %d, want at least %d", l.FileSize, bigTiffThreshold)
	}
	checkSegments(t, l)
}
