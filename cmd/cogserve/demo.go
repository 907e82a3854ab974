// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"image"
	"math"

	"github.com/fogleman/gg"
)

// newDemoSource paints a built-in raster so the server can be tried
// without any input data. The grid spacing matches the tile size, which
// makes tile boundaries easy to recognize in a viewer, and the whole
// image is georeferenced to span the full WGS 84 globe.
func newDemoSource() RasterSource {
	const width, height = 3000, 2000
	dc := gg.NewContext(width, height)

	for y := 0; y < height; y++ {
		t := float64(y) / height
		dc.SetRGB(0.15+0.55*t, 0.25+0.45*t, 0.75-0.35*t)
		dc.DrawLine(0, float64(y)+0.5, width, float64(y)+0.5)
		dc.Stroke()
	}

	dc.SetRGBA(1, 1, 1, 0.4)
	dc.SetLineWidth(1)
	for x := tileEdge; x < width; x += tileEdge {
		dc.DrawLine(float64(x)+0.5, 0, float64(x)+0.5, height)
		dc.Stroke()
	}
	for y := tileEdge; y < height; y += tileEdge {
		dc.DrawLine(0, float64(y)+0.5, width, float64(y)+0.5)
		dc.Stroke()
	}

	dc.SetLineWidth(6)
	dc.SetRGB(0.9, 0.2, 0.1)
	dc.DrawCircle(width/2, height/2, 420)
	dc.Stroke()
	for i := 0; i < 12; i++ {
		a := float64(i) * math.Pi / 6
		dc.DrawCircle(width/2+math.Cos(a)*420, height/2+math.Sin(a)*420, 30)
		dc.Fill()
	}
	dc.SetRGB(1, 0.8, 0.1)
	dc.DrawCircle(width/2, height/2, 60)
	dc.Fill()

	img := dc.Image().(*image.RGBA)
	pix := make([]byte, width*height*3)
	i := 0
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			pix[i] = row[x*4]
			pix[i+1] = row[x*4+1]
			pix[i+2] = row[x*4+2]
			i += 3
		}
	}

	return &memRaster{
		width: width, height: height, bands: 3, bits: 8,
		kind:   SampleUint,
		interp: []ColorInterp{ColorRed, ColorGreen, ColorBlue},
		georef: GeoRef{
			Transform:    [6]float64{-180, 360.0 / width, 0, 90, 0, -180.0 / height},
			HasTransform: true,
			EPSG:         4326,
			Citation:     "WGS 84",
		},
		hasGeoref: true,
		pix:       pix,
	}
}
