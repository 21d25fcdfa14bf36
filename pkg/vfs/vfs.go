/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package vfs implements the tracking shim: a SQLite VFS that delegates
// every operation to a base VFS and records successful writes in the
// tracker registry.
//
// Tracking at the VFS layer catches every physical write regardless of
// which SQL statement caused it, including journal and vacuum writes, and
// needs no cooperation from the SQL engine.
package vfs

import (
	"github.com/pkg/errors"

	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
	"github.com/wasmdb/sqlite-pagestore/pkg/tracker"
)

// DefaultName is the VFS name connections select with `?vfs=tracking`.
const DefaultName = "tracking"

// Shim is the tracking VFS. It holds the wrapped base VFS and the registry
// that owns the per-file bitmaps.
type Shim struct {
	base sqlitevfs.VFS
	reg  *tracker.Registry
}

// Register resolves baseName, wraps it, and registers the shim under name.
// Calling it again with the same arguments is a no-op; re-registering an
// existing name over a different base or registry is rejected.
func Register(name, baseName string, reg *tracker.Registry) error {
	if reg == nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, "nil registry")
	}
	if existing := sqlitevfs.Find(name); existing != nil {
		if s, ok := existing.(*Shim); ok && s.reg == reg && s.base == sqlitevfs.Find(baseName) {
			return nil
		}
		return errors.Wrapf(errdefs.ErrAlreadyExists, "vfs %q", name)
	}
	base := sqlitevfs.Find(baseName)
	if base == nil {
		return errors.Wrapf(errdefs.ErrUnknownBaseVFS, "%q", baseName)
	}
	sqlitevfs.Register(name, &Shim{base: base, reg: reg})
	return nil
}

// Unregister removes the shim registration. Open connections keep their
// file handles; only new opens are affected.
func Unregister(name string) {
	sqlitevfs.Unregister(name)
}

// Wrap returns a shim over an already-resolved base VFS without touching
// the process-wide registration table. Used by tests and embedders that
// manage registration themselves.
func Wrap(base sqlitevfs.VFS, reg *tracker.Registry) *Shim {
	return &Shim{base: base, reg: reg}
}

// Open delegates to the base VFS and, on success, attaches the tracker for
// the logical filename. Nameless files (temp databases, transient indices)
// are passed through untracked.
func (s *Shim) Open(name string, flags sqlitevfs.OpenFlag) (sqlitevfs.File, sqlitevfs.OpenFlag, error) {
	f, flags, err := s.base.Open(name, flags)
	if err != nil {
		return nil, flags, err
	}
	if name == "" {
		return f, flags, nil
	}
	tk := s.reg.GetOrCreate(name)
	tk.Ref()
	return &trackedFile{File: f, tk: tk}, flags, nil
}

func (s *Shim) Delete(name string, syncDir bool) error {
	return s.base.Delete(name, syncDir)
}

func (s *Shim) Access(name string, flags sqlitevfs.AccessFlag) (bool, error) {
	return s.base.Access(name, flags)
}

func (s *Shim) FullPathname(name string) (string, error) {
	return s.base.FullPathname(name)
}

// trackedFile delegates all file I/O to the base handle; interface
// embedding stands in for the copied dispatch table, so reads, syncs,
// locks, and device queries reach the base untouched.
type trackedFile struct {
	sqlitevfs.File
	tk *tracker.Tracker
}

// WriteAt marks the written pages dirty if and only if the base accepted
// the write. The base's error is returned unchanged.
func (f *trackedFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.File.WriteAt(p, off)
	if err == nil {
		if merr := f.tk.MarkRange(off, int64(n)); merr != nil {
			return n, merr
		}
	}
	return n, err
}

// Truncate marks the page containing the new end of file on success.
func (f *trackedFile) Truncate(size int64) error {
	if err := f.File.Truncate(size); err != nil {
		return err
	}
	return f.tk.MarkTruncate(size)
}

// Close releases the base handle and drops this descriptor from the open
// count. The tracker itself stays in the registry; bitmap state survives
// close/reopen cycles.
func (f *trackedFile) Close() error {
	f.tk.Unref()
	return f.File.Close()
}

// The optional capability interfaces below are forwarded explicitly: a
// wrapper that hides a base capability would change engine behaviour the
// same way a null dispatch entry does in the C ABI.

func (f *trackedFile) LockState() sqlitevfs.LockLevel {
	if h, ok := f.File.(sqlitevfs.FileLockState); ok {
		return h.LockState()
	}
	return sqlitevfs.LOCK_NONE
}

func (f *trackedFile) SizeHint(size int64) error {
	if h, ok := f.File.(sqlitevfs.FileSizeHint); ok {
		return h.SizeHint(size)
	}
	return nil
}

func (f *trackedFile) HasMoved() (bool, error) {
	if h, ok := f.File.(sqlitevfs.FileHasMoved); ok {
		return h.HasMoved()
	}
	return false, nil
}

func (f *trackedFile) PersistentWAL() bool {
	if h, ok := f.File.(sqlitevfs.FilePersistentWAL); ok {
		return h.PersistentWAL()
	}
	return false
}

func (f *trackedFile) SetPersistentWAL(keep bool) {
	if h, ok := f.File.(sqlitevfs.FilePersistentWAL); ok {
		h.SetPersistentWAL(keep)
	}
}

func (f *trackedFile) PowersafeOverwrite() bool {
	if h, ok := f.File.(sqlitevfs.FilePowersafeOverwrite); ok {
		return h.PowersafeOverwrite()
	}
	return false
}

func (f *trackedFile) SetPowersafeOverwrite(psow bool) {
	if h, ok := f.File.(sqlitevfs.FilePowersafeOverwrite); ok {
		h.SetPowersafeOverwrite(psow)
	}
}

func (f *trackedFile) ChunkSize(size int) {
	if h, ok := f.File.(sqlitevfs.FileChunkSize); ok {
		h.ChunkSize(size)
	}
}

func (f *trackedFile) SharedMemory() sqlitevfs.SharedMemory {
	if h, ok := f.File.(sqlitevfs.FileSharedMemory); ok {
		return h.SharedMemory()
	}
	return nil
}
