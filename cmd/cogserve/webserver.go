// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Webserver answers HTTP requests with bytes of the virtual file.
type Webserver struct {
	streamer *rangeStreamer
}

func NewWebserver(streamer *rangeStreamer) *Webserver {
	return &Webserver{streamer: streamer}
}

// HandleTiff serves GET and HEAD requests for the virtual file. Any
// path ending in ".tif" works, so clients may pick whatever file name
// they like.
func (ws *Webserver) HandleTiff(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, ".tif") {
		requestCount.WithLabelValues(r.Method, "404").Inc()
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		requestCount.WithLabelValues(r.Method, "405").Inc()
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	size := ws.streamer.size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "image/geo+tiff")

	if r.Method == http.MethodHead {
		// Range headers are deliberately ignored for HEAD.
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		requestCount.WithLabelValues(r.Method, "200").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		requestCount.WithLabelValues(r.Method, "200").Inc()
		written, _ := ws.streamer.stream(w, 0, size)
		streamedBytes.Add(float64(written))
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		requestCount.WithLabelValues(r.Method, "416").Inc()
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	requestCount.WithLabelValues(r.Method, "206").Inc()
	w.WriteHeader(http.StatusPartialContent)
	written, _ := ws.streamer.stream(w, start, end-start+1)
	streamedBytes.Add(float64(written))
}

// parseRange interprets a Range request header. Only single ranges of
// the form "bytes=first-last" or "bytes=first-" are supported; last is
// clamped to the end of the file. Suffix ranges, multiple ranges and
// ranges starting at or beyond the end of the file are rejected.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found || strings.TrimSpace(first) == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if strings.TrimSpace(last) == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, true
}
