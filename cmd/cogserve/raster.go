// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SampleKind tells how the bits of one sample are to be interpreted.
type SampleKind int

const (
	SampleUint SampleKind = iota
	SampleInt
	SampleFloat
	SampleComplexInt
	SampleComplexFloat
)

// ColorInterp is the visual meaning of one band.
type ColorInterp int

const (
	ColorUndefined ColorInterp = iota
	ColorGray
	ColorRed
	ColorGreen
	ColorBlue
	ColorAlpha
)

// GeoRef places a raster on Earth: an affine pixel-to-model transform in
// GDAL order (originX, pixelWidth, rotX, originY, rotY, pixelHeight) and
// the EPSG code of the coordinate system. Projected tells whether that
// code names a projected rather than a geographic system.
type GeoRef struct {
	Transform    [6]float64
	HasTransform bool
	EPSG         int
	Projected    bool
	Citation     string
}

// RasterSource supplies pixel data and metadata for one open dataset.
// Implementations need not be safe for concurrent use; the tile provider
// serializes all access.
type RasterSource interface {
	Width() int
	Height() int
	Bands() int
	SampleKind() SampleKind
	BitsPerSample() int
	ColorInterpretation(band int) ColorInterp
	NoDataValue() (float64, bool)
	GeoRef() (GeoRef, bool)

	// ReadWindow decodes the given pixel window into buf. The sample for
	// band b of window pixel (x, y) starts at y*lineStride + x*pixelStride
	// + b*bandStride. Bytes not covered by the window are left untouched.
	ReadWindow(xoff, yoff, xsize, ysize int, buf []byte, pixelStride, lineStride, bandStride int) error

	Close() error
}

// tileEdge is the fixed width and height of the tiles we serve.
const tileEdge = 512

// RasterDescriptor is the immutable description of the served raster from
// which the whole virtual file derives. It is built once at startup.
type RasterDescriptor struct {
	Width, Height int
	Bands         int
	Kind          SampleKind
	BitsPerSample int

	Photometric  uint16
	ExtraSamples []uint32 // nil when the tag is absent
	NoData       []byte   // padded ASCII encoding, nil when absent
	GeoTags      []GeoTag

	TileWidth, TileHeight  int
	TileXCount, TileYCount int
	TileCount              int
}

// NewRasterDescriptor validates src and derives everything the layout
// planner needs. Errors here are configuration errors; the caller should
// treat them as fatal.
func NewRasterDescriptor(src RasterSource) (*RasterDescriptor, error) {
	d := &RasterDescriptor{
		Width:         src.Width(),
		Height:        src.Height(),
		Bands:         src.Bands(),
		Kind:          src.SampleKind(),
		BitsPerSample: src.BitsPerSample(),
		TileWidth:     tileEdge,
		TileHeight:    tileEdge,
	}
	if d.Width < 1 || d.Height < 1 {
		return nil, fmt.Errorf("bad raster size %dx%d", d.Width, d.Height)
	}
	if int64(d.Width) > 0xFFFFFFFF || int64(d.Height) > 0xFFFFFFFF {
		return nil, fmt.Errorf("raster size %dx%d exceeds what TIFF can express", d.Width, d.Height)
	}
	if d.Bands < 1 {
		return nil, fmt.Errorf("bad band count %d", d.Bands)
	}
	if d.BitsPerSample < 8 || d.BitsPerSample%8 != 0 {
		return nil, fmt.Errorf("bad sample size of %d bits", d.BitsPerSample)
	}
	switch d.Kind {
	case SampleUint, SampleInt, SampleFloat, SampleComplexInt, SampleComplexFloat:
	default:
		return nil, fmt.Errorf("unsupported sample kind %d", d.Kind)
	}

	d.TileXCount = (d.Width + d.TileWidth - 1) / d.TileWidth
	d.TileYCount = (d.Height + d.TileHeight - 1) / d.TileHeight
	d.TileCount = d.TileXCount * d.TileYCount

	d.Photometric = photometricMinIsBlack
	if d.Bands >= 3 && src.ColorInterpretation(0) == ColorRed {
		d.Photometric = photometricRGB
	}

	// Bands beyond the ones the photometric interpretation accounts for
	// must be declared as extra samples.
	if d.Bands == 2 ||
		(d.Bands >= 3 && d.Photometric == photometricMinIsBlack) ||
		(d.Bands > 3 && d.Photometric == photometricRGB) {
		numExtra := d.Bands - 1
		firstExtraBand := 1
		if d.Photometric == photometricRGB {
			numExtra = d.Bands - 3
			firstExtraBand = 3
		}
		d.ExtraSamples = make([]uint32, numExtra)
		if src.ColorInterpretation(firstExtraBand) == ColorAlpha {
			d.ExtraSamples[0] = extraSampleUnassociated
		}
	}

	if nv, ok := src.NoDataValue(); ok {
		// Padding keeps the string longer than any inline value field,
		// so the nodata payload always lives out of line.
		s := strconv.FormatFloat(nv, 'g', -1, 64)
		d.NoData = append([]byte(s+strings.Repeat(" ", 7)), 0)
	}

	tags, err := harvestGeoTags(src)
	if err != nil {
		return nil, err
	}
	d.GeoTags = tags

	return d, nil
}

// BytesPerSample is the storage size of one sample of one band.
func (d *RasterDescriptor) BytesPerSample() int {
	return d.BitsPerSample / 8
}

// SampleFormat maps the sample kind to the TIFF SampleFormat tag value.
func (d *RasterDescriptor) SampleFormat() uint16 {
	switch d.Kind {
	case SampleUint:
		return sampleFormatUint
	case SampleInt:
		return sampleFormatInt
	case SampleFloat:
		return sampleFormatFloat
	case SampleComplexInt:
		return sampleFormatComplexInt
	case SampleComplexFloat:
		return sampleFormatComplexFloat
	}
	panic("unsupported sample kind")
}

// TileSize is the byte size of every tile: uncompressed, band-interleaved,
// edge tiles padded to full width and height.
func (d *RasterDescriptor) TileSize() int64 {
	return int64(d.Bands) * int64(d.TileWidth) * int64(d.TileHeight) * int64(d.BytesPerSample())
}

// openRaster opens the raster at path, sniffing the container format.
// The magic name "demo" yields the built-in demo raster.
func openRaster(path string, epsg int) (RasterSource, error) {
	if path == "demo" {
		return newDemoSource(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	n, _ := f.Read(magic[:])
	f.Close()
	if n >= 4 {
		s := string(magic[:])
		if s == "II*\x00" || s == "MM\x00*" || s == "II+\x00" || s == "MM\x00+" {
			return newTiffSource(path)
		}
	}
	return newImageSource(path, epsg)
}
