// Serves an arbitrary raster dataset as a Cloud-Optimized GeoTIFF,
// synthesizing the requested bytes on the fly. The complete file is
// never materialized; clients fetching byte ranges only ever cause the
// tiles overlapping their range to be read from the source.
//
// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	port := flag.Int("port", 0, "port for serving HTTP requests")
	raster := flag.String("raster", "demo",
		`raster to serve: a local file, s3://bucket/object, or "demo"`)
	epsg := flag.Int("epsg", 0,
		"EPSG code of the coordinate system, for rasters that carry none themselves")
	storagekey := flag.String("storage-key", "keys/storage-key", "path to key with storage access credentials")
	workdir := flag.String("workdir", "cogserve-workdir", "path to working directory on local disk")
	flag.Parse()

	if *port == 0 {
		*port, _ = strconv.Atoi(os.Getenv("PORT"))
	}
	if *port == 0 {
		*port = 8080
	}

	path, err := fetchRaster(context.Background(), *raster, *storagekey, *workdir)
	if err != nil {
		log.Fatal(err)
	}
	src, err := openRaster(path, *epsg)
	if err != nil {
		log.Fatal(err)
	}
	desc, err := NewRasterDescriptor(src)
	if err != nil {
		log.Fatal(err)
	}
	layout := chooseLayout(desc)
	streamer := newRangeStreamer(desc, layout, newTileProvider(src, desc))

	server := NewWebserver(streamer)
	http.HandleFunc("/", server.HandleTiff)
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Serving %dx%d raster with %d bands as %s: %d tiles, %d bytes",
		desc.Width, desc.Height, desc.Bands, layout.Mode, desc.TileCount, layout.FileSize)
	log.Printf("Listening for HTTP requests on port %d", *port)
	log.Fatal(http.ListenAndServe(":"+strconv.Itoa(*port), nil))
}
