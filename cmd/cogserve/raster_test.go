// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"
	"testing"
)

// testRaster builds an in-memory raster whose samples follow a fixed
// pattern, so tests can compute expected bytes on their own.
func testRaster(width, height, bands int) *memRaster {
	pix := make([]byte, width*height*bands)
	for i := range pix {
		pix[i] = testPixel(i)
	}
	return &memRaster{
		width: width, height: height, bands: bands, bits: 8,
		kind:   SampleUint,
		interp: testInterp(bands),
		pix:    pix,
	}
}

func testPixel(i int) byte { return byte(i*7 + 3) }

func testInterp(bands int) []ColorInterp {
	switch bands {
	case 1:
		return []ColorInterp{ColorGray}
	case 2:
		return []ColorInterp{ColorGray, ColorAlpha}
	default:
		interp := []ColorInterp{ColorRed, ColorGreen, ColorBlue, ColorAlpha}
		for len(interp) < bands {
			interp = append(interp, ColorUndefined)
		}
		return interp[:bands]
	}
}

func TestNewRasterDescriptor_TileGrid(t *testing.T) {
	tests := []struct {
		width, height        int
		wantAcross, wantDown int
	}{
		{1, 1, 1, 1},
		{512, 512, 1, 1},
		{513, 512, 2, 1},
		{512, 513, 1, 2},
		{1500, 1200, 3, 3},
		{3000, 2000, 6, 4},
	}
	for _, tc := range tests {
		d, err := NewRasterDescriptor(testRaster(tc.width, tc.height, 1))
		if err != nil {
			t.Fatal(err)
		}
		if d.TileXCount != tc.wantAcross || d.TileYCount != tc.wantDown {
			t.Errorf("%dx%d: got %dx%d tiles, want %dx%d",
				tc.width, tc.height, d.TileXCount, d.TileYCount, tc.wantAcross, tc.wantDown)
		}
		if d.TileCount != tc.wantAcross*tc.wantDown {
			t.Errorf("%dx%d: got TileCount %d, want %d",
				tc.width, tc.height, d.TileCount, tc.wantAcross*tc.wantDown)
		}
	}
}

func TestNewRasterDescriptor_Photometric(t *testing.T) {
	tests := []struct {
		name            string
		interp          []ColorInterp
		wantPhotometric uint16
		wantExtras      []uint32
	}{
		{"gray", []ColorInterp{ColorGray}, photometricMinIsBlack, nil},
		{"grayAlpha", []ColorInterp{ColorGray, ColorAlpha}, photometricMinIsBlack, []uint32{extraSampleUnassociated}},
		{"grayPlus", []ColorInterp{ColorGray, ColorUndefined}, photometricMinIsBlack, []uint32{extraSampleUnspecified}},
		{"rgb", []ColorInterp{ColorRed, ColorGreen, ColorBlue}, photometricRGB, nil},
		{"threeGray", []ColorInterp{ColorGray, ColorUndefined, ColorUndefined}, photometricMinIsBlack,
			[]uint32{extraSampleUnspecified, extraSampleUnspecified}},
		{"rgba", []ColorInterp{ColorRed, ColorGreen, ColorBlue, ColorAlpha}, photometricRGB,
			[]uint32{extraSampleUnassociated}},
		{"rgbPlus", []ColorInterp{ColorRed, ColorGreen, ColorBlue, ColorUndefined}, photometricRGB,
			[]uint32{extraSampleUnspecified}},
		{"rgbPlusTwo", []ColorInterp{ColorRed, ColorGreen, ColorBlue, ColorUndefined, ColorUndefined},
			photometricRGB, []uint32{extraSampleUnspecified, extraSampleUnspecified}},
	}
	for _, tc := range tests {
		src := &memRaster{
			width: 64, height: 64, bands: len(tc.interp), bits: 8,
			kind: SampleUint, interp: tc.interp,
		}
		d, err := NewRasterDescriptor(src)
		if err != nil {
			t.Fatal(err)
		}
		if d.Photometric != tc.wantPhotometric {
			t.Errorf("%s: got photometric %d, want %d", tc.name, d.Photometric, tc.wantPhotometric)
		}
		if got, want := fmt.Sprintf("%v", d.ExtraSamples), fmt.Sprintf("%v", tc.wantExtras); got != want {
			t.Errorf("%s: got extra samples %s, want %s", tc.name, got, want)
		}
	}
}

func TestNewRasterDescriptor_NoData(t *testing.T) {
	src := testRaster(64, 64, 1)
	src.nodata, src.hasNodata = -9999, true
	d, err := NewRasterDescriptor(src)
	if err != nil {
		t.Fatal(err)
	}

	want := "-9999" + strings.Repeat(" ", 7) + "\x00"
	if string(d.NoData) != want {
		t.Errorf("got %q, want %q", d.NoData, want)
	}

	// The padding must push the string past the widest inline value
	// field, so the nodata payload always lives out of line.
	if len(d.NoData) <= 8 {
		t.Errorf("got %d nodata bytes, want more than 8", len(d.NoData))
	}
}

func TestNewRasterDescriptor_NoDataAbsent(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(64, 64, 1))
	if err != nil {
		t.Fatal(err)
	}
	if d.NoData != nil {
		t.Errorf("got nodata %q, want none", d.NoData)
	}
}

func TestNewRasterDescriptor_BadInput(t *testing.T) {
	tests := []struct {
		name string
		src  *memRaster
	}{
		{"zeroWidth", &memRaster{width: 0, height: 64, bands: 1, bits: 8, kind: SampleUint}},
		{"zeroHeight", &memRaster{width: 64, height: 0, bands: 1, bits: 8, kind: SampleUint}},
		{"zeroBands", &memRaster{width: 64, height: 64, bands: 0, bits: 8, kind: SampleUint}},
		{"oddBits", &memRaster{width: 64, height: 64, bands: 1, bits: 12, kind: SampleUint}},
		{"zeroBits", &memRaster{width: 64, height: 64, bands: 1, bits: 0, kind: SampleUint}},
		{"badKind", &memRaster{width: 64, height: 64, bands: 1, bits: 8, kind: SampleKind(99)}},
	}
	for _, tc := range tests {
		if _, err := NewRasterDescriptor(tc.src); err == nil {
			t.Errorf("%s: got no error, want one", tc.name)
		}
	}
}

func TestRasterDescriptor_TileSize(t *testing.T) {
	d, err := NewRasterDescriptor(testRaster(1500, 1200, 3))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.TileSize(), int64(3*512*512); got != want {
		t.Errorf("got tile size %d, want %d", got, want)
	}

	f := &memRaster{
		width: 100, height: 100, bands: 1, bits: 32,
		kind: SampleFloat, interp: []ColorInterp{ColorGray},
	}
	d, err = NewRasterDescriptor(f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.TileSize(), int64(4*512*512); got != want {
		t.Errorf("got tile size %d, want %d", got, want)
	}
}

func TestRasterDescriptor_SampleFormat(t *testing.T) {
	tests := []struct {
		kind SampleKind
		want uint16
	}{
		{SampleUint, sampleFormatUint},
		{SampleInt, sampleFormatInt},
		{SampleFloat, sampleFormatFloat},
		{SampleComplexInt, sampleFormatComplexInt},
		{SampleComplexFloat, sampleFormatComplexFloat},
	}
	for _, tc := range tests {
		d := &RasterDescriptor{Kind: tc.kind}
		if got := d.SampleFormat(); got != tc.want {
			t.Errorf("kind %d: got sample format %d, want %d", tc.kind, got, tc.want)
		}
	}
}

// taggedSource pretends to be a raster whose container already carries
// georeferencing tags, like a GeoTIFF file would.
type taggedSource struct {
	memRaster
	tags []GeoTag
}

func (s *taggedSource) GeoTags() []GeoTag { return s.tags }

func TestNewRasterDescriptor_TagsPassedThrough(t *testing.T) {
	src := &taggedSource{
		memRaster: *testRaster(64, 64, 1),
		tags: []GeoTag{
			{ID: tagGeoKeyDirectory, Type: typeShort, Count: 4, Data: []byte{1, 0, 1, 0, 0, 0, 0, 0}},
			{ID: tagModelPixelScale, Type: typeDouble, Count: 3, Data: make([]byte, 24)},
		},
	}
	d, err := NewRasterDescriptor(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.GeoTags) != 2 {
		t.Fatalf("got %d geo tags, want 2", len(d.GeoTags))
	}
	if d.GeoTags[0].ID != tagModelPixelScale || d.GeoTags[1].ID != tagGeoKeyDirectory {
		t.Errorf("got tag order %d, %d; want ascending ids", d.GeoTags[0].ID, d.GeoTags[1].ID)
	}
}
