// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"io"
)

// rangeStreamer serves byte ranges of the virtual file. Everything
// before the first tile payload is precomputed at startup; tile payloads
// are produced on demand and never stored.
type rangeStreamer struct {
	layout *VirtualFileLayout
	tiles  *tileProvider
	prefix []byte
}

func newRangeStreamer(d *RasterDescriptor, l *VirtualFileLayout, tiles *tileProvider) *rangeStreamer {
	var prefix bytes.Buffer
	prefix.Write(encodeHeader(d, l))
	if l.TileCount > 1 {
		prefix.Write(encodeTileOffsets(l))
		prefix.Write(encodeTileByteCounts(l))
	}
	if int64(prefix.Len()) != l.TileDataStart {
		panic("non-tile prefix size mismatch")
	}
	return &rangeStreamer{layout: l, tiles: tiles, prefix: prefix.Bytes()}
}

// size returns the total size of the virtual file in bytes.
func (s *rangeStreamer) size() int64 {
	return s.layout.FileSize
}

// stream writes up to size bytes of the virtual file to w, starting at
// byte position start. Ranges reaching past the end of the file are
// clamped. Returns the number of bytes written; an error from w aborts
// the transfer.
func (s *rangeStreamer) stream(w io.Writer, start, size int64) (int64, error) {
	if start < 0 || size < 1 || start >= s.layout.FileSize {
		return 0, nil
	}
	if start+size > s.layout.FileSize {
		size = s.layout.FileSize - start
	}
	var written int64

	if start < s.layout.TileDataStart {
		n := min(size, s.layout.TileDataStart-start)
		m, err := w.Write(s.prefix[start : start+n])
		written += int64(m)
		if err != nil {
			return written, err
		}
		start += n
		size -= n
	}
	if size < 1 {
		return written, nil
	}

	first := (start - s.layout.TileDataStart) / s.layout.TileSize
	last := (start + size - 1 - s.layout.TileDataStart) / s.layout.TileSize
	for i := first; i <= last; i++ {
		data, err := s.tiles.tile(int(i))
		if err != nil {
			return written, err
		}
		if tileStart := s.layout.TileDataStart + i*s.layout.TileSize; tileStart < start {
			data = data[start-tileStart:]
		}
		if int64(len(data)) > size {
			data = data[:size]
		}
		m, err := w.Write(data)
		written += int64(m)
		if err != nil {
			return written, err
		}
		size -= int64(len(data))
	}
	return written, nil
}
