// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestImageSource_Gray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 6))
	for i := range img.Pix {
		img.Pix[i] = testPixel(i)
	}
	path := filepath.Join(t.TempDir(), "gray.png")
	writePNG(t, path, img)

	src, err := newImageSource(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Width() != 10 || src.Height() != 6 || src.Bands() != 1 {
		t.Errorf("got %dx%d with %d bands, want 10x6 with 1",
			src.Width(), src.Height(), src.Bands())
	}
	if src.BitsPerSample() != 8 {
		t.Errorf("got %d bits per sample, want 8", src.BitsPerSample())
	}
	if got := src.ColorInterpretation(0); got != ColorGray {
		t.Errorf("got interpretation %d, want gray", got)
	}
	if !bytes.Equal(src.pix, img.Pix) {
		t.Errorf("decoded pixels differ from the image")
	}
	if _, ok := src.GeoRef(); ok {
		t.Errorf("got a georeference, want none")
	}

	// Windows outside the raster must be refused.
	buf := make([]byte, 10)
	if err := src.ReadWindow(5, 0, 10, 1, buf, 1, 10, 1); err == nil {
		t.Errorf("got no error for an out-of-bounds window")
	}
}

func TestImageSource_Gray16(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16((y*6 + x) * 2500)})
		}
	}
	path := filepath.Join(t.TempDir(), "gray16.png")
	writePNG(t, path, img)

	src, err := newImageSource(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Bands() != 1 || src.BitsPerSample() != 16 {
		t.Fatalf("got %d bands with %d bits, want 1 band with 16",
			src.Bands(), src.BitsPerSample())
	}
	want := make([]byte, 6*4*2)
	for i := 0; i < 6*4; i++ {
		binary.LittleEndian.PutUint16(want[2*i:], uint16(i*2500))
	}
	if !bytes.Equal(src.pix, want) {
		t.Errorf("16-bit samples are not little-endian or lost precision")
	}
}

func TestImageSource_Opaque(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 0xFF
		} else {
			img.Pix[i] = testPixel(i)
		}
	}
	path := filepath.Join(t.TempDir(), "opaque.png")
	writePNG(t, path, img)

	src, err := newImageSource(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Bands() != 3 {
		t.Fatalf("got %d bands, want 3 for a fully opaque image", src.Bands())
	}
	wantInterp := []ColorInterp{ColorRed, ColorGreen, ColorBlue}
	for band, want := range wantInterp {
		if got := src.ColorInterpretation(band); got != want {
			t.Errorf("band %d: got interpretation %d, want %d", band, got, want)
		}
	}
	want := make([]byte, 0, 4*3*3)
	for i, b := range img.Pix {
		if i%4 != 3 {
			want = append(want, b)
		}
	}
	if !bytes.Equal(src.pix, want) {
		t.Errorf("decoded pixels differ from the image")
	}
}

func TestImageSource_Alpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for i := range img.Pix {
		img.Pix[i] = testPixel(i)
	}
	path := filepath.Join(t.TempDir(), "alpha.png")
	writePNG(t, path, img)

	src, err := newImageSource(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Bands() != 4 {
		t.Fatalf("got %d bands, want 4 for an image with transparency", src.Bands())
	}
	if got := src.ColorInterpretation(3); got != ColorAlpha {
		t.Errorf("band 3: got interpretation %d, want alpha", got)
	}
	if !bytes.Equal(src.pix, img.Pix) {
		t.Errorf("decoded pixels differ from the image")
	}
}

func TestImageSource_WorldFile(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "map.png"), image.NewGray(image.Rect(0, 0, 4, 4)))
	worldfile := "0.5\n0\n0\n-0.5\n100.25\n199.75\n"
	if err := os.WriteFile(filepath.Join(dir, "map.pgw"), []byte(worldfile), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := newImageSource(filepath.Join(dir, "map.png"), 4326)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ref, ok := src.GeoRef()
	if !ok || !ref.HasTransform {
		t.Fatal("got no georeference")
	}
	// World files give pixel centers; the transform uses the corner.
	want := [6]float64{100, 0.5, 0, 200, 0, -0.5}
	if ref.Transform != want {
		t.Errorf("got transform %v, want %v", ref.Transform, want)
	}
	if ref.EPSG != 4326 || ref.Projected {
		t.Errorf("got EPSG %d projected=%v, want 4326 geographic", ref.EPSG, ref.Projected)
	}
	if ref.Citation != "WGS 84" {
		t.Errorf(`got citation %q, want "WGS 84"`, ref.Citation)
	}
}

func TestImageSource_WldFallback(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "map.png"), image.NewGray(image.Rect(0, 0, 4, 4)))
	worldfile := "1\n0\n0\n-1\n0.5\n0.5\n"
	if err := os.WriteFile(filepath.Join(dir, "map.wld"), []byte(worldfile), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := newImageSource(filepath.Join(dir, "map.png"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ref, ok := src.GeoRef()
	if !ok || !ref.HasTransform {
		t.Fatal("got no georeference")
	}
	want := [6]float64{0, 1, 0, 1, 0, -1}
	if ref.Transform != want {
		t.Errorf("got transform %v, want %v", ref.Transform, want)
	}
}

func TestImageSource_ForcedEPSG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.png")
	writePNG(t, path, image.NewGray(image.Rect(0, 0, 4, 4)))

	src, err := newImageSource(path, 3857)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ref, ok := src.GeoRef()
	if !ok {
		t.Fatal("got no georeference")
	}
	if ref.HasTransform {
		t.Errorf("got a transform from nowhere")
	}
	if ref.EPSG != 3857 || !ref.Projected {
		t.Errorf("got EPSG %d projected=%v, want 3857 projected", ref.EPSG, ref.Projected)
	}
}

func TestImageSource_NotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.png")
	if err := os.WriteFile(path, []byte("definitely not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := newImageSource(path, 0); err == nil {
		t.Error("got no error")
	}
}

func TestIsProjected(t *testing.T) {
	for _, tc := range []struct {
		epsg int
		want bool
	}{
		{3857, true},
		{2056, true},
		{32632, true},
		{4326, false},
		{4269, false},
	} {
		if got := isProjected(tc.epsg); got != tc.want {
			t.Errorf("isProjected(%d): got %v, want %v", tc.epsg, got, tc.want)
		}
	}
}
