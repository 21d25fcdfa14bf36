/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

func TestNewRegistryValidatesPageSize(t *testing.T) {
	A := assert.New(t)

	for _, bad := range []int64{-1, 1, 256, 1000, 4095} {
		_, err := NewRegistry(bad)
		A.Error(err, "page size %d", bad)
		A.True(errdefs.IsInvalidArgument(err))
	}

	for _, good := range []int64{0, 512, 4096, 65536} {
		r, err := NewRegistry(good)
		A.NoError(err, "page size %d", good)
		A.NotNil(r)
	}

	r, err := NewRegistry(0)
	require.NoError(t, err)
	A.Equal(DefaultPageSize, r.PageSize())
}

func TestNormalize(t *testing.T) {
	A := assert.New(t)

	A.Equal("app.db", Normalize("/app.db"))
	A.Equal("app.db", Normalize("app.db"))
	A.Equal("dir/app.db", Normalize("/dir/app.db"))
}

func TestGetOrCreateIsStable(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("/app.db")
	A.Equal("app.db", tk.Name())
	A.Equal(int64(4096), tk.PageSize())

	// Same tracker regardless of leading separator.
	A.Same(tk, r.GetOrCreate("app.db"))
	A.Same(tk, r.GetOrCreate("/app.db"))
}

func TestDirtyPagesUnknownName(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	A.Empty(r.DirtyPages("missing.db"))
	r.ResetDirty("missing.db") // must not panic
}

func TestDirtyRoundTrip(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("app.db")
	A.NoError(tk.MarkRange(0, 8192))
	A.Equal([]uint32{0, 1}, r.DirtyPages("/app.db"))

	r.ResetDirty("app.db")
	A.Empty(r.DirtyPages("app.db"))
	A.Equal(uint32(2), tk.TotalPages())
}

func TestMarkTruncateMarksBoundaryPage(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("app.db")
	// 20 KB file truncated to 12 KB: page 3 holds the new boundary.
	A.NoError(tk.MarkRange(0, 20480))
	tk.ResetDirty()
	A.NoError(tk.MarkTruncate(12288))
	A.Equal([]uint32{3}, tk.DirtyPages())
}

func TestOpenCount(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("app.db")
	A.Equal(0, tk.OpenCount())
	tk.Ref()
	tk.Ref()
	A.Equal(2, tk.OpenCount())
	tk.Unref()
	tk.Unref()
	tk.Unref() // must not go negative
	A.Equal(0, tk.OpenCount())
}

func TestShutdownDropsTrackers(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("app.db")
	A.NoError(tk.MarkRange(0, 1))
	r.Shutdown()

	A.Empty(r.Names())
	A.Empty(r.DirtyPages("app.db"))
}

func TestBitmapSurvivesCloseReopen(t *testing.T) {
	A := assert.New(t)

	r, err := NewRegistry(4096)
	require.NoError(t, err)

	tk := r.GetOrCreate("app.db")
	tk.Ref()
	A.NoError(tk.MarkRange(4096, 1))
	tk.Unref()

	// Reopening the same logical file sees the same dirty state.
	again := r.GetOrCreate("app.db")
	again.Ref()
	A.Equal([]uint32{1}, again.DirtyPages())
}
