// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tileProvider produces the uncompressed payload of output tiles on
// demand. Concurrent requests for the same tile share one read; access
// to the underlying source is serialized.
type tileProvider struct {
	src  RasterSource
	desc *RasterDescriptor

	mu     sync.Mutex
	flight singleflight.Group
}

func newTileProvider(src RasterSource, desc *RasterDescriptor) *tileProvider {
	return &tileProvider{src: src, desc: desc}
}

// tile returns the payload of one tile in row-major tile order:
// band-interleaved samples, edge tiles zero-padded to full tile size.
func (p *tileProvider) tile(index int) ([]byte, error) {
	if index < 0 || index >= p.desc.TileCount {
		return nil, fmt.Errorf("tile %d out of range", index)
	}
	v, err, _ := p.flight.Do(strconv.Itoa(index), func() (interface{}, error) {
		return p.readTile(index)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *tileProvider) readTile(index int) ([]byte, error) {
	start := time.Now()
	d := p.desc
	tx := index % d.TileXCount
	ty := index / d.TileXCount
	xoff := tx * d.TileWidth
	yoff := ty * d.TileHeight
	xsize := min(d.TileWidth, d.Width-xoff)
	ysize := min(d.TileHeight, d.Height-yoff)

	bys := d.BytesPerSample()
	pixelStride := d.Bands * bys
	buf := make([]byte, d.TileSize())

	p.mu.Lock()
	err := p.src.ReadWindow(xoff, yoff, xsize, ysize, buf, pixelStride, d.TileWidth*pixelStride, bys)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", index, err)
	}
	tileReadSeconds.Observe(time.Since(start).Seconds())
	return buf, nil
}
