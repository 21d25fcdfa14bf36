/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package image is the in-memory file system the SQL engine runs against.
//
// It implements the SQLite VFS contract for the tracking shim to wrap and
// additionally exposes the raw byte views the persistence coordinator
// reads at flush time. Files are flat byte slices: a page view inside the
// current size is a subslice of the live image, not a copy.
package image

import (
	"io"
	"strings"
	"sync"

	"github.com/ncruces/go-sqlite3"
	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"
	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// FS is a named in-memory file system.
//
// The SQL engine, the shim, and the coordinator share one cooperative
// scheduler; the mutex only guards the name table against test goroutines.
type FS struct {
	mu    sync.Mutex
	files map[string]*fileData
}

type fileData struct {
	data     []byte
	refs     int
	shared   int
	reserved bool
	pending  bool
}

// New creates an empty image.
func New() *FS {
	return &FS{files: make(map[string]*fileData)}
}

func normalize(name string) string {
	return strings.TrimLeft(name, "/")
}

func (fs *FS) lookup(name string) *fileData {
	return fs.files[normalize(name)]
}

// Open implements sqlitevfs.VFS.
func (fs *FS) Open(name string, flags sqlitevfs.OpenFlag) (sqlitevfs.File, sqlitevfs.OpenFlag, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fd := fs.lookup(name)
	if fd == nil {
		if flags&sqlitevfs.OPEN_CREATE == 0 {
			return nil, flags, sqlite3.CANTOPEN
		}
		fd = &fileData{}
		if name != "" {
			fs.files[normalize(name)] = fd
		}
	}
	fd.refs++

	return &file{
		fs:       fs,
		fd:       fd,
		name:     normalize(name),
		readOnly: flags&sqlitevfs.OPEN_READONLY != 0,
	}, flags | sqlitevfs.OPEN_MEMORY, nil
}

// Delete implements sqlitevfs.VFS. SQLite uses it to remove journals.
func (fs *FS) Delete(name string, _ bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.lookup(name) == nil {
		return sqlite3.IOERR_DELETE_NOENT
	}
	delete(fs.files, normalize(name))
	return nil
}

// Access implements sqlitevfs.VFS. SQLite uses it to probe for journals.
func (fs *FS) Access(name string, _ sqlitevfs.AccessFlag) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookup(name) != nil, nil
}

// FullPathname implements sqlitevfs.VFS.
func (fs *FS) FullPathname(name string) (string, error) {
	return name, nil
}

// Exists reports whether the image holds name.
func (fs *FS) Exists(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookup(name) != nil
}

// Size returns the current byte size of name.
func (fs *FS) Size(name string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fd := fs.lookup(name)
	if fd == nil {
		return 0, errors.Wrapf(errdefs.ErrFileImageMissing, "%q", name)
	}
	return int64(len(fd.data)), nil
}

// Snapshot returns the complete current content of name as a view into the
// live image. Valid until the engine writes again.
func (fs *FS) Snapshot(name string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fd := fs.lookup(name)
	if fd == nil {
		return nil, errors.Wrapf(errdefs.ErrFileImageMissing, "%q", name)
	}
	return fd.data, nil
}

// PageView returns exactly n bytes starting at off. Inside the file it is
// a zero-copy subslice; a tail page extending past EOF is zero-padded into
// a fresh page buffer, which is the only case that copies.
func (fs *FS) PageView(name string, off, n int64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fd := fs.lookup(name)
	if fd == nil {
		return nil, errors.Wrapf(errdefs.ErrFileImageMissing, "%q", name)
	}
	size := int64(len(fd.data))
	if off < 0 || n <= 0 {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "page view [%d,+%d)", off, n)
	}
	if off+n <= size {
		return fd.data[off : off+n], nil
	}
	page := make([]byte, n)
	if off < size {
		copy(page, fd.data[off:])
	}
	return page, nil
}

// Load installs bytes for name, replacing any current content. Used when
// the worker hands back a persisted file.
func (fs *FS) Load(name string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fd := fs.lookup(name)
	if fd == nil {
		fd = &fileData{}
		fs.files[normalize(name)] = fd
	}
	fd.data = append(fd.data[:0], data...)
}

// file is one open descriptor on an image file.
type file struct {
	fs       *FS
	fd       *fileData
	name     string
	lock     sqlitevfs.LockLevel
	readOnly bool
}

var (
	_ sqlitevfs.File          = (*file)(nil)
	_ sqlitevfs.FileLockState = (*file)(nil)
	_ sqlitevfs.FileSizeHint  = (*file)(nil)
)

func (f *file) Close() error {
	err := f.Unlock(sqlitevfs.LOCK_NONE)
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fd.refs--
	return err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if off < 0 {
		return 0, sqlite3.IOERR_READ
	}
	size := int64(len(f.fd.data))
	if off >= size {
		return 0, io.EOF
	}
	n := copy(p, f.fd.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.readOnly {
		return 0, sqlite3.READONLY
	}
	if off < 0 {
		return 0, sqlite3.IOERR_WRITE
	}
	if end := off + int64(len(p)); end > int64(len(f.fd.data)) {
		grown := make([]byte, end)
		copy(grown, f.fd.data)
		f.fd.data = grown
	}
	return copy(f.fd.data[off:], p), nil
}

func (f *file) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if size < 0 {
		size = 0
	}
	if size < int64(len(f.fd.data)) {
		f.fd.data = f.fd.data[:size]
	} else if size > int64(len(f.fd.data)) {
		grown := make([]byte, size)
		copy(grown, f.fd.data)
		f.fd.data = grown
	}
	return nil
}

func (f *file) Sync(sqlitevfs.SyncFlag) error {
	return nil
}

func (f *file) Size() (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(len(f.fd.data)), nil
}

func (f *file) Lock(lock sqlitevfs.LockLevel) error {
	if f.lock >= lock {
		return nil
	}
	if f.readOnly && lock >= sqlitevfs.LOCK_RESERVED {
		return sqlite3.IOERR_LOCK
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	switch lock {
	case sqlitevfs.LOCK_SHARED:
		if f.fd.pending {
			return sqlite3.BUSY
		}
		f.fd.shared++
	case sqlitevfs.LOCK_RESERVED:
		if f.fd.reserved {
			return sqlite3.BUSY
		}
		f.fd.reserved = true
	case sqlitevfs.LOCK_EXCLUSIVE:
		if f.lock < sqlitevfs.LOCK_PENDING {
			f.fd.pending = true
		}
		if f.fd.shared > 1 {
			return sqlite3.BUSY
		}
	}
	f.lock = lock
	return nil
}

func (f *file) Unlock(lock sqlitevfs.LockLevel) error {
	if f.lock <= lock {
		return nil
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.lock >= sqlitevfs.LOCK_RESERVED {
		f.fd.reserved = false
	}
	if f.lock >= sqlitevfs.LOCK_PENDING {
		f.fd.pending = false
	}
	if lock < sqlitevfs.LOCK_SHARED && f.lock >= sqlitevfs.LOCK_SHARED {
		f.fd.shared--
	}
	f.lock = lock
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fd.reserved, nil
}

func (f *file) SectorSize() int {
	return 512
}

func (f *file) DeviceCharacteristics() sqlitevfs.DeviceCharacteristic {
	return 0
}

func (f *file) LockState() sqlitevfs.LockLevel {
	return f.lock
}

func (f *file) SizeHint(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if size > int64(cap(f.fd.data)) {
		grown := make([]byte, len(f.fd.data), size)
		copy(grown, f.fd.data)
		f.fd.data = grown
	}
	return nil
}
