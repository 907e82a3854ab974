// Tool for inspecting TIFF and BigTIFF files, either on local disk or
// served over HTTP. It reports the file structure and can verify that
// every tile is actually retrievable through range requests.
//
// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func main() {
	url := flag.String("url", "", "URL of the TIFF file to inspect")
	file := flag.String("file", "", "path of a local TIFF file to inspect")
	tiles := flag.Bool("tiles", false, "fetch every tile and check its size")
	asJSON := flag.Bool("json", false, "print machine-readable JSON")
	flag.Parse()

	var src ranges
	switch {
	case *url != "" && *file != "":
		log.Fatal("pass either -url or -file, not both")
	case *url != "":
		src = &httpRanges{client: http.DefaultClient, url: *url}
	case *file != "":
		f, err := os.Open(*file)
		if err != nil {
			log.Fatal(err)
		}
		src = &fileRanges{f: f}
	default:
		log.Fatal("pass -url or -file to say what should be inspected")
	}
	defer src.Close()

	info, err := readStructure(src)
	if err != nil {
		log.Fatal(err)
	}
	if *tiles {
		if err := verifyTiles(src, info); err != nil {
			log.Fatal(err)
		}
	}

	if *asJSON {
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(out))
		return
	}
	printReport(info)
}

// ranges fetches byte ranges of the inspected file.
type ranges interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

type fileRanges struct {
	f *os.File
}

func (r *fileRanges) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *fileRanges) Size() (int64, error) {
	st, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (r *fileRanges) Close() error {
	return r.f.Close()
}

// httpRanges reads from a web server through HTTP range requests, the
// same way a real client would access a Cloud-Optimized GeoTIFF.
type httpRanges struct {
	client  *http.Client
	url     string
	fetched atomic.Int64
}

func (r *httpRanges) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("got HTTP status %d, want 206", resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p)
	r.fetched.Add(int64(n))
	return n, err
}

func (r *httpRanges) Size() (int64, error) {
	resp, err := r.client.Head(r.url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("got HTTP status %d, want 200", resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("missing Content-Length header")
	}
	return resp.ContentLength, nil
}

func (r *httpRanges) Close() error {
	return nil
}

type tiffInfo struct {
	FileSize        int64    `json:"fileSize"`
	Format          string   `json:"format"`
	ByteOrder       string   `json:"byteOrder"`
	ImageWidth      int64    `json:"imageWidth"`
	ImageHeight     int64    `json:"imageHeight"`
	Bands           int64    `json:"bands"`
	BitsPerSample   int64    `json:"bitsPerSample"`
	SampleFormat    int64    `json:"sampleFormat"`
	Compression     int64    `json:"compression"`
	Photometric     int64    `json:"photometricInterpretation"`
	TileWidth       int64    `json:"tileWidth,omitempty"`
	TileHeight      int64    `json:"tileHeight,omitempty"`
	TileCount       int      `json:"tileCount,omitempty"`
	ContiguousTiles bool     `json:"contiguousTiles"`
	GeoTags         []uint16 `json:"geoTags,omitempty"`
	NoData          string   `json:"noData,omitempty"`
	VerifiedTiles   int      `json:"verifiedTiles,omitempty"`
	VerifiedBytes   int64    `json:"verifiedBytes,omitempty"`

	tileOffsets    []uint64
	tileByteCounts []uint64
}

var geoTagNames = map[uint16]string{
	33550: "ModelPixelScale",
	33922: "ModelTiepoint",
	34264: "ModelTransformation",
	34735: "GeoKeyDirectory",
	34736: "GeoDoubleParams",
	34737: "GeoAsciiParams",
}

// fieldTypeSize gives the byte size of every TIFF field type.
var fieldTypeSize = [19]int{
	0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8, 4, 0, 0, 8, 8, 8,
}

// readStructure parses the header and first image directory.
func readStructure(ra ranges) (*tiffInfo, error) {
	size, err := ra.Size()
	if err != nil {
		return nil, err
	}
	info := &tiffInfo{FileSize: size}
	r := io.NewSectionReader(ra, 0, size)

	var head [8]byte
	if _, err := io.ReadFull(r, head[:4]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch {
	case head[0] == 'I' && head[1] == 'I':
		order, info.ByteOrder = binary.LittleEndian, "little-endian"
	case head[0] == 'M' && head[1] == 'M':
		order, info.ByteOrder = binary.BigEndian, "big-endian"
	default:
		return nil, fmt.Errorf("not a TIFF file")
	}

	bigtiff := false
	var dirOffset uint64
	switch version := order.Uint16(head[2:4]); version {
	case 42:
		info.Format = "TIFF"
		if _, err := io.ReadFull(r, head[:4]); err != nil {
			return nil, err
		}
		dirOffset = uint64(order.Uint32(head[:4]))
	case 43:
		info.Format = "BigTIFF"
		bigtiff = true
		if _, err := io.ReadFull(r, head[:4]); err != nil {
			return nil, err
		}
		if order.Uint16(head[:2]) != 8 || order.Uint16(head[2:4]) != 0 {
			return nil, fmt.Errorf("unsupported BigTIFF header")
		}
		if _, err := io.ReadFull(r, head[:8]); err != nil {
			return nil, err
		}
		dirOffset = order.Uint64(head[:8])
	default:
		return nil, fmt.Errorf("bad TIFF version %d", version)
	}

	if _, err := r.Seek(int64(dirOffset), io.SeekStart); err != nil {
		return nil, err
	}
	var numTags uint64
	if bigtiff {
		if err := binary.Read(r, order, &numTags); err != nil {
			return nil, err
		}
	} else {
		var n uint16
		if err := binary.Read(r, order, &n); err != nil {
			return nil, err
		}
		numTags = uint64(n)
	}
	if numTags > 4096 {
		return nil, fmt.Errorf("directory claims %d tags", numTags)
	}

	entrySize := 12
	if bigtiff {
		entrySize = 20
	}
	raw := make([]byte, int(numTags)*entrySize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	for i := 0; i < int(numTags); i++ {
		b := raw[i*entrySize : (i+1)*entrySize]
		tag := order.Uint16(b[0:2])
		typ := order.Uint16(b[2:4])
		var count uint64
		var field []byte
		if bigtiff {
			count = order.Uint64(b[4:12])
			field = b[12:20]
		} else {
			count = uint64(order.Uint32(b[4:8]))
			field = b[8:12]
		}

		switch tag {
		case 256: // ImageWidth
			info.ImageWidth = scalar(order, typ, field)
		case 257: // ImageLength
			info.ImageHeight = scalar(order, typ, field)
		case 258: // BitsPerSample
			if count == 1 {
				info.BitsPerSample = scalar(order, typ, field)
			} else {
				vals, err := payload(ra, order, bigtiff, typ, count, field)
				if err != nil {
					return nil, err
				}
				if len(vals) == 0 {
					return nil, fmt.Errorf("empty BitsPerSample tag")
				}
				info.BitsPerSample = int64(vals[0])
			}
		case 259: // Compression
			info.Compression = scalar(order, typ, field)
		case 262: // PhotometricInterpretation
			info.Photometric = scalar(order, typ, field)
		case 277: // SamplesPerPixel
			info.Bands = scalar(order, typ, field)
		case 322: // TileWidth
			info.TileWidth = scalar(order, typ, field)
		case 323: // TileLength
			info.TileHeight = scalar(order, typ, field)
		case 324: // TileOffsets
			vals, err := payload(ra, order, bigtiff, typ, count, field)
			if err != nil {
				return nil, err
			}
			info.tileOffsets = vals
		case 325: // TileByteCounts
			vals, err := payload(ra, order, bigtiff, typ, count, field)
			if err != nil {
				return nil, err
			}
			info.tileByteCounts = vals
		case 339: // SampleFormat
			info.SampleFormat = scalar(order, typ, field)
		case 33550, 33922, 34264, 34735, 34736, 34737:
			info.GeoTags = append(info.GeoTags, tag)
		case 42113: // GDAL nodata
			data, err := payloadBytes(ra, order, bigtiff, typ, count, field)
			if err != nil {
				return nil, err
			}
			info.NoData = string(bytes.TrimRight(data, "\x00 "))
		}
	}

	// The two tile tables are indexed in lockstep below and by
	// verifyTiles, so they must pair up.
	if len(info.tileOffsets) != len(info.tileByteCounts) {
		return nil, fmt.Errorf("got %d tile offsets but %d byte counts",
			len(info.tileOffsets), len(info.tileByteCounts))
	}

	if info.Bands == 0 {
		info.Bands = 1
	}
	if info.BitsPerSample == 0 {
		info.BitsPerSample = 8
	}
	if info.SampleFormat == 0 {
		info.SampleFormat = 1
	}
	if info.Compression == 0 {
		info.Compression = 1
	}
	info.TileCount = len(info.tileOffsets)

	info.ContiguousTiles = len(info.tileOffsets) > 0
	for i := 1; i < len(info.tileOffsets); i++ {
		if info.tileOffsets[i] != info.tileOffsets[i-1]+info.tileByteCounts[i-1] {
			info.ContiguousTiles = false
			break
		}
	}
	return info, nil
}

// scalar decodes an inline integer value from an entry's value field.
func scalar(order binary.ByteOrder, typ uint16, field []byte) int64 {
	switch typ {
	case 1: // BYTE
		return int64(field[0])
	case 3: // SHORT
		return int64(order.Uint16(field))
	case 4: // LONG
		return int64(order.Uint32(field))
	case 16: // LONG8
		return int64(order.Uint64(field))
	}
	return 0
}

// payload resolves an entry's integer array, whether stored inline or
// out of line.
func payload(ra ranges, order binary.ByteOrder, bigtiff bool, typ uint16, count uint64, field []byte) ([]uint64, error) {
	data, err := payloadBytes(ra, order, bigtiff, typ, count, field)
	if err != nil {
		return nil, err
	}
	vals := make([]uint64, 0, count)
	switch typ {
	case 3: // SHORT
		for i := 0; i+2 <= len(data); i += 2 {
			vals = append(vals, uint64(order.Uint16(data[i:])))
		}
	case 4: // LONG
		for i := 0; i+4 <= len(data); i += 4 {
			vals = append(vals, uint64(order.Uint32(data[i:])))
		}
	case 16: // LONG8
		for i := 0; i+8 <= len(data); i += 8 {
			vals = append(vals, order.Uint64(data[i:]))
		}
	default:
		return nil, fmt.Errorf("got type=%d, want 3, 4 or 16", typ)
	}
	return vals, nil
}

func payloadBytes(ra ranges, order binary.ByteOrder, bigtiff bool, typ uint16, count uint64, field []byte) ([]byte, error) {
	size := 0
	if int(typ) < len(fieldTypeSize) {
		size = fieldTypeSize[typ]
	}
	if size == 0 {
		return nil, fmt.Errorf("unknown field type %d", typ)
	}
	// Division form, so a huge count cannot overflow the product.
	if count > (1<<26)/uint64(size) {
		return nil, fmt.Errorf("payload of %d values is too large", count)
	}
	byteSize := count * uint64(size)
	if byteSize <= uint64(len(field)) {
		return field[:byteSize], nil
	}
	var off uint64
	if bigtiff {
		off = order.Uint64(field)
	} else {
		off = uint64(order.Uint32(field))
	}
	data := make([]byte, byteSize)
	if _, err := ra.ReadAt(data, int64(off)); err != nil {
		return nil, err
	}
	return data, nil
}

// verifyTiles fetches every tile and checks that the advertised number
// of bytes can actually be read.
func verifyTiles(ra ranges, info *tiffInfo) error {
	if len(info.tileOffsets) == 0 {
		return fmt.Errorf("file has no tiles to verify")
	}
	var verified atomic.Int64
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(8)
	for i := range info.tileOffsets {
		tile := i
		g.Go(func() error {
			count := info.tileByteCounts[tile]
			if count == 0 {
				return fmt.Errorf("tile %d is empty", tile)
			}
			buf := make([]byte, count)
			if _, err := ra.ReadAt(buf, int64(info.tileOffsets[tile])); err != nil {
				return fmt.Errorf("tile %d: %w", tile, err)
			}
			verified.Add(int64(count))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	info.VerifiedTiles = len(info.tileOffsets)
	info.VerifiedBytes = verified.Load()
	return nil
}

func printReport(info *tiffInfo) {
	p := message.NewPrinter(language.English)
	p.Printf("%s, %s, %d bytes\n", info.Format, info.ByteOrder, info.FileSize)
	p.Printf("image: %d x %d pixels, %d bands, %d bits per sample\n",
		info.ImageWidth, info.ImageHeight, info.Bands, info.BitsPerSample)
	p.Printf("compression=%d photometric=%d sampleformat=%d\n",
		info.Compression, info.Photometric, info.SampleFormat)
	if info.TileCount > 0 {
		layout := "scattered"
		if info.ContiguousTiles {
			layout = "contiguous"
		}
		p.Printf("tiles: %d x %d pixels, %d tiles, %s\n",
			info.TileWidth, info.TileHeight, info.TileCount, layout)
	} else {
		p.Printf("no tiles, striped layout\n")
	}
	if info.NoData != "" {
		p.Printf("nodata: %s\n", info.NoData)
	}
	for _, tag := range info.GeoTags {
		// Plain strconv here; tag ids should not get digit grouping.
		p.Printf("geotag %s (%s)\n", strconv.Itoa(int(tag)), geoTagNames[tag])
	}
	if info.VerifiedTiles > 0 {
		p.Printf("verified %d tiles, %d bytes\n", info.VerifiedTiles, info.VerifiedBytes)
	}
}
