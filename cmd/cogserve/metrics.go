// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cogserve_requests_total",
		Help: "Number of handled HTTP requests by method and status code",
	}, []string{"method", "status"})

	streamedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cogserve_streamed_bytes_total",
		Help: "Number of virtual file bytes written to clients",
	})

	tileReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cogserve_tile_read_seconds",
		Help:    "Time spent reading one tile from the raster source",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)
