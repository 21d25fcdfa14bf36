/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package tracker owns per-file dirty-page accounting.
//
// A Tracker pairs a logical filename with the bitmap of pages written since
// the last successful flush. Trackers are created by the Registry on first
// open or first dirty mark and live until registry shutdown; closing every
// descriptor on a file keeps its bitmap, so dirty state survives
// close/reopen cycles within one process.
package tracker

import (
	"github.com/wasmdb/sqlite-pagestore/pkg/bitmap"
)

// Tracker is the dirty-page accounting state for one logical file.
type Tracker struct {
	name      string
	pageSize  int64
	bits      *bitmap.Bitmap
	openCount int
}

func newTracker(name string, pageSize int64) *Tracker {
	return &Tracker{
		name:     name,
		pageSize: pageSize,
		bits:     bitmap.New(pageSize),
	}
}

// Name returns the normalised logical filename.
func (t *Tracker) Name() string {
	return t.name
}

// PageSize returns the page size copied from the registry at creation.
func (t *Tracker) PageSize() int64 {
	return t.pageSize
}

// MarkRange records a successful write of [off, off+length).
func (t *Tracker) MarkRange(off, length int64) error {
	return t.bits.MarkRange(off, length)
}

// MarkTruncate records a truncation to size bytes. Marking one byte at the
// new end of file pages in the boundary page; regions grown past the old
// EOF read back as zeros from both the image and the backing store, so
// absence already represents them.
func (t *Tracker) MarkTruncate(size int64) error {
	return t.bits.MarkRange(size, 1)
}

// DirtyPages returns the dirty page indices in ascending order.
func (t *Tracker) DirtyPages() []uint32 {
	return t.bits.CollectDirty()
}

// ResetDirty clears the bitmap in place.
func (t *Tracker) ResetDirty() {
	t.bits.Reset()
}

// Contains reports whether a single page is dirty.
func (t *Tracker) Contains(page uint32) bool {
	return t.bits.Contains(page)
}

// TotalPages returns the highest page index ever touched plus one.
func (t *Tracker) TotalPages() uint32 {
	return t.bits.TotalPages()
}

// Ref records a newly opened descriptor on the file.
func (t *Tracker) Ref() {
	t.openCount++
}

// Unref records a closed descriptor.
func (t *Tracker) Unref() {
	if t.openCount > 0 {
		t.openCount--
	}
}

// OpenCount returns the number of currently open descriptors.
func (t *Tracker) OpenCount() int {
	return t.openCount
}
