/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Defaults shared by the pagestore config and the worker CLI.

package constant

import "time"

const (
	// DefaultPageSize matches SQLite's default database page size.
	DefaultPageSize int64 = 4096

	DefaultLogLevel string = "warning"

	// DefaultVFSName is the name the tracking shim registers under;
	// connections select it with `?vfs=tracking`.
	DefaultVFSName string = "tracking"

	// DefaultBaseVFSName is the in-memory image VFS the shim wraps.
	DefaultBaseVFSName string = "memimage"

	DefaultRequestTimeout = 30 * time.Second

	// DefaultCapacityBytes of zero leaves the backing store unlimited.
	DefaultCapacityBytes int64 = 0

	DefaultRootDir string = "/var/lib/sqlite-pagestore"
)
