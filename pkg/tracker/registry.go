/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package tracker

import (
	"math/bits"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// DefaultPageSize matches the SQLite default database page size.
const DefaultPageSize int64 = 4096

// MinPageSize is the smallest page size SQLite supports.
const MinPageSize int64 = 512

// Registry owns the set of file trackers for one registered shim.
//
// The flush protocol runs on a cooperative single-threaded scheduler, so
// the registry does not synchronise tracker contents; the mutex only guards
// the map itself against concurrent lookups from tests and metrics.
type Registry struct {
	mu       sync.Mutex
	pageSize int64
	trackers map[string]*Tracker
}

// ValidatePageSize checks that n is a power of two within SQLite's limits.
func ValidatePageSize(n int64) error {
	if n < MinPageSize || bits.OnesCount64(uint64(n)) != 1 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "page size %d is not a power of two >= %d", n, MinPageSize)
	}
	return nil
}

// NewRegistry creates a registry whose trackers use the given page size.
// A zero pageSize selects DefaultPageSize.
func NewRegistry(pageSize int64) (*Registry, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if err := ValidatePageSize(pageSize); err != nil {
		return nil, err
	}
	return &Registry{
		pageSize: pageSize,
		trackers: make(map[string]*Tracker),
	}, nil
}

// PageSize returns the registry-wide page size. Immutable after creation.
func (r *Registry) PageSize() int64 {
	return r.pageSize
}

// Normalize strips leading path separators so the shim and the coordinator
// agree on the logical name. Lookups afterwards are byte-exact.
func Normalize(name string) string {
	return strings.TrimLeft(name, "/")
}

// GetOrCreate returns the tracker for name, allocating a zero-state one on
// first sight.
func (r *Registry) GetOrCreate(name string) *Tracker {
	name = Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[name]; ok {
		return t
	}
	t := newTracker(name, r.pageSize)
	r.trackers[name] = t
	return t
}

// Lookup returns the tracker for name if one exists.
func (r *Registry) Lookup(name string) (*Tracker, bool) {
	name = Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[name]
	return t, ok
}

// DirtyPages enumerates the dirty pages of name in ascending order.
// Unknown filenames yield an empty result.
func (r *Registry) DirtyPages(name string) []uint32 {
	t, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return t.DirtyPages()
}

// ResetDirty clears the bitmap of name. No-op on unknown filenames.
func (r *Registry) ResetDirty(name string) {
	if t, ok := r.Lookup(name); ok {
		t.ResetDirty()
	}
}

// Names returns the tracked filenames. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.trackers))
	for name := range r.trackers {
		out = append(out, name)
	}
	return out
}

// Shutdown drops every tracker. Callers must have unregistered the shim
// first; handles obtained before shutdown are invalid afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers = make(map[string]*Tracker)
}
