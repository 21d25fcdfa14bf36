/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package data

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultDurationBuckets = []float64{.1, .15, .2, .3, .5, 1, 1.5, 2, 3, 5, 10, 25, 60}

	persistOpLabel      = "op"
	demotionReasonLabel = "reason"
)

var (
	IncrementalFlushTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_incremental_flush_total",
			Help: "Completed incremental flushes.",
		},
	)

	FlushPagesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_flush_pages_written_total",
			Help: "Pages written by incremental flushes.",
		},
	)

	FlushBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_flush_bytes_written_total",
			Help: "Bytes written by incremental flushes.",
		},
	)

	FullPersistTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_full_persist_total",
			Help: "Whole-file persists, including demotion fallbacks.",
		},
	)

	DemotionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_demotion_total",
			Help: "Incremental flushes demoted to whole-file persistence.",
		},
		[]string{demotionReasonLabel},
	)

	WorkerTimeoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_worker_timeout_total",
			Help: "Worker requests that hit the per-request timeout.",
		},
	)

	PersistElapsedHists = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_persist_elapsed_milliseconds",
			Help:    "The elapsed time for persist operations.",
			Buckets: defaultDurationBuckets,
		},
		[]string{persistOpLabel},
	)
)
