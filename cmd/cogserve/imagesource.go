// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// memRaster holds a fully decoded raster in memory, band-interleaved,
// one sample per band per pixel.
type memRaster struct {
	width, height, bands int
	bits                 int
	kind                 SampleKind
	interp               []ColorInterp
	nodata               float64
	hasNodata            bool
	georef               GeoRef
	hasGeoref            bool
	pix                  []byte
}

var _ RasterSource = (*memRaster)(nil)

func (m *memRaster) Width() int             { return m.width }
func (m *memRaster) Height() int            { return m.height }
func (m *memRaster) Bands() int             { return m.bands }
func (m *memRaster) SampleKind() SampleKind { return m.kind }
func (m *memRaster) BitsPerSample() int     { return m.bits }
func (m *memRaster) Close() error           { return nil }

func (m *memRaster) ColorInterpretation(band int) ColorInterp {
	if band < 0 || band >= len(m.interp) {
		return ColorUndefined
	}
	return m.interp[band]
}

func (m *memRaster) NoDataValue() (float64, bool) {
	return m.nodata, m.hasNodata
}

func (m *memRaster) GeoRef() (GeoRef, bool) {
	return m.georef, m.hasGeoref
}

func (m *memRaster) ReadWindow(xoff, yoff, xsize, ysize int, buf []byte, pixelStride, lineStride, bandStride int) error {
	if xoff < 0 || yoff < 0 || xsize < 1 || ysize < 1 ||
		xoff+xsize > m.width || yoff+ysize > m.height {
		return fmt.Errorf("window %d,%d %dx%d outside %dx%d raster",
			xoff, yoff, xsize, ysize, m.width, m.height)
	}
	bys := m.bits / 8
	srcPixel := m.bands * bys
	srcRow := m.width * srcPixel
	for y := 0; y < ysize; y++ {
		src := (yoff+y)*srcRow + xoff*srcPixel
		dst := y * lineStride
		if pixelStride == srcPixel && bandStride == bys {
			copy(buf[dst:dst+xsize*srcPixel], m.pix[src:src+xsize*srcPixel])
			continue
		}
		for x := 0; x < xsize; x++ {
			for b := 0; b < m.bands; b++ {
				copy(buf[dst+b*bandStride:], m.pix[src+b*bys:src+(b+1)*bys])
			}
			src += srcPixel
			dst += pixelStride
		}
	}
	return nil
}

// newImageSource decodes an ordinary image file (PNG, JPEG, GIF, BMP or
// WebP) into memory. Georeferencing comes from an ESRI world file next
// to the image, if present, plus the EPSG code passed on the command
// line.
func newImageSource(path string, epsg int) (*memRaster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m := rasterFromImage(img)

	if tf, ok := readWorldFile(path); ok {
		m.georef.Transform = tf
		m.georef.HasTransform = true
		m.hasGeoref = true
	}
	if epsg > 0 {
		m.georef.EPSG = epsg
		m.georef.Projected = isProjected(epsg)
		if epsg == 4326 {
			m.georef.Citation = "WGS 84"
		}
		m.hasGeoref = true
	}
	return m, nil
}

// isProjected guesses whether an EPSG code names a projected coordinate
// system. Geographic systems cluster in the 4000s.
func isProjected(epsg int) bool {
	return epsg < 4000 || epsg >= 5000
}

func rasterFromImage(img image.Image) *memRaster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if gray, ok := img.(*image.Gray); ok {
		m := &memRaster{
			width: w, height: h, bands: 1, bits: 8,
			kind:   SampleUint,
			interp: []ColorInterp{ColorGray},
			pix:    make([]byte, w*h),
		}
		for y := 0; y < h; y++ {
			copy(m.pix[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
		return m
	}

	if gray, ok := img.(*image.Gray16); ok {
		m := &memRaster{
			width: w, height: h, bands: 1, bits: 16,
			kind:   SampleUint,
			interp: []ColorInterp{ColorGray},
			pix:    make([]byte, w*h*2),
		}
		// image.Gray16 keeps samples big-endian; our buffers are
		// little-endian.
		i := 0
		for y := 0; y < h; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+w*2]
			for x := 0; x < w; x++ {
				m.pix[i] = row[x*2+1]
				m.pix[i+1] = row[x*2]
				i += 2
			}
		}
		return m
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	opaque := true
	for i := 3; i < len(rgba.Pix); i += 4 {
		if rgba.Pix[i] != 0xFF {
			opaque = false
			break
		}
	}

	bands := 4
	interp := []ColorInterp{ColorRed, ColorGreen, ColorBlue, ColorAlpha}
	if opaque {
		bands = 3
		interp = interp[:3]
	}
	m := &memRaster{
		width: w, height: h, bands: bands, bits: 8,
		kind:   SampleUint,
		interp: interp,
		pix:    make([]byte, w*h*bands),
	}
	i := 0
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			m.pix[i] = row[x*4]
			m.pix[i+1] = row[x*4+1]
			m.pix[i+2] = row[x*4+2]
			if bands == 4 {
				m.pix[i+3] = row[x*4+3]
			}
			i += bands
		}
	}
	return m
}

// readWorldFile looks for an ESRI world file next to the image, trying
// the derived name first and ".wld" second.
func readWorldFile(imagePath string) ([6]float64, bool) {
	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	if len(ext) >= 3 {
		e := ext[1:]
		derived := base + "." + string(e[0]) + string(e[len(e)-1]) + "w"
		if tf, ok := parseWorldFile(derived); ok {
			return tf, true
		}
	}
	return parseWorldFile(base + ".wld")
}

// parseWorldFile reads the six world file coefficients. World files give
// the center of the top left pixel; the returned transform uses the
// corner, following the usual geotransform convention.
func parseWorldFile(path string) ([6]float64, bool) {
	var tf [6]float64
	f, err := os.Open(path)
	if err != nil {
		return tf, false
	}
	defer f.Close()

	var vals [6]float64
	scanner := bufio.NewScanner(f)
	for i := 0; i < 6; i++ {
		if !scanner.Scan() {
			return tf, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
		if err != nil {
			return tf, false
		}
		vals[i] = v
	}

	// Rows are x size, y rotation, x rotation, y size, center x and
	// center y of the top left pixel.
	a, d, b, e, c, fy := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
	tf[0] = c - a/2 - b/2
	tf[1] = a
	tf[2] = b
	tf[3] = fy - d/2 - e/2
	tf[4] = d
	tf[5] = e
	return tf, true
}
