/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wasmdb/sqlite-pagestore/pkg/metrics/data"
)

var (
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		data.IncrementalFlushTotal,
		data.FlushPagesWritten,
		data.FlushBytesWritten,
		data.FullPersistTotal,
		data.DemotionTotal,
		data.WorkerTimeoutTotal,
		data.PersistElapsedHists,
	)
}
