/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package image

import (
	"bytes"
	"errors"
	"io"
	"testing"

	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

func openFile(t *testing.T, fs *FS, name string) sqlitevfs.File {
	t.Helper()
	f, _, err := fs.Open(name, sqlitevfs.OPEN_READWRITE|sqlitevfs.OPEN_CREATE|sqlitevfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	return f
}

func TestOpenWithoutCreateFails(t *testing.T) {
	A := assert.New(t)

	fs := New()
	_, _, err := fs.Open("missing.db", sqlitevfs.OPEN_READWRITE)
	A.Error(err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	payload := bytes.Repeat([]byte{0xab}, 8192)
	n, err := f.WriteAt(payload, 0)
	A.NoError(err)
	A.Equal(len(payload), n)

	got := make([]byte, len(payload))
	n, err = f.ReadAt(got, 0)
	A.NoError(err)
	A.Equal(len(payload), n)
	A.Equal(payload, got)

	size, err := f.Size()
	A.NoError(err)
	A.Equal(int64(8192), size)
}

func TestReadPastEOF(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	_, err := f.WriteAt([]byte("hello"), 0)
	A.NoError(err)

	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 0)
	A.Equal(io.EOF, err)
	A.Equal(5, n)

	_, err = f.ReadAt(buf, 100)
	A.Equal(io.EOF, err)
}

func TestSparseWriteZeroFills(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	_, err := f.WriteAt([]byte{1}, 4096)
	A.NoError(err)

	buf := make([]byte, 4096)
	n, err := f.ReadAt(buf, 0)
	A.NoError(err)
	A.Equal(4096, n)
	A.Equal(make([]byte, 4096), buf)
}

func TestTruncate(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	_, err := f.WriteAt(bytes.Repeat([]byte{7}, 20480), 0)
	A.NoError(err)
	A.NoError(f.Truncate(12288))

	size, err := fs.Size("app.db")
	A.NoError(err)
	A.Equal(int64(12288), size)

	// Growing back exposes zeros, not stale bytes.
	A.NoError(f.Truncate(16384))
	buf := make([]byte, 4096)
	_, err = f.ReadAt(buf, 12288)
	A.NoError(err)
	A.Equal(make([]byte, 4096), buf)
}

func TestPageView(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	payload := bytes.Repeat([]byte{0x5c}, 8192)
	_, err := f.WriteAt(payload, 0)
	A.NoError(err)

	view, err := fs.PageView("app.db", 4096, 4096)
	A.NoError(err)
	A.Equal(payload[4096:], view)

	// A view inside the file aliases the live image.
	_, err = f.WriteAt([]byte{0xff}, 4096)
	A.NoError(err)
	A.Equal(byte(0xff), view[0])

	// The tail page past EOF comes back zero-padded.
	tail, err := fs.PageView("app.db", 8192, 4096)
	A.NoError(err)
	A.Equal(make([]byte, 4096), tail)

	_, err = fs.PageView("missing.db", 0, 4096)
	A.True(errors.Is(err, errdefs.ErrFileImageMissing))
}

func TestLoadInstallsContent(t *testing.T) {
	A := assert.New(t)

	fs := New()
	fs.Load("app.db", []byte("persisted"))

	snap, err := fs.Snapshot("app.db")
	A.NoError(err)
	A.Equal([]byte("persisted"), snap)
	A.True(fs.Exists("app.db"))
}

func TestDeleteAndAccess(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db-journal")
	require.NoError(t, f.Close())

	ok, err := fs.Access("app.db-journal", sqlitevfs.ACCESS_EXISTS)
	A.NoError(err)
	A.True(ok)

	A.NoError(fs.Delete("app.db-journal", false))
	ok, err = fs.Access("app.db-journal", sqlitevfs.ACCESS_EXISTS)
	A.NoError(err)
	A.False(ok)

	A.Error(fs.Delete("app.db-journal", false))
}

func TestLockLifecycle(t *testing.T) {
	A := assert.New(t)

	fs := New()
	f := openFile(t, fs, "app.db")
	defer f.Close()

	A.NoError(f.Lock(sqlitevfs.LOCK_SHARED))
	A.NoError(f.Lock(sqlitevfs.LOCK_RESERVED))

	reserved, err := f.CheckReservedLock()
	A.NoError(err)
	A.True(reserved)

	A.NoError(f.Unlock(sqlitevfs.LOCK_NONE))
	reserved, err = f.CheckReservedLock()
	A.NoError(err)
	A.False(reserved)
}
