/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package bitmap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestMarkRangeSinglePage(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	A.NoError(b.MarkRange(0, pageSize))
	A.Equal([]uint32{0}, b.CollectDirty())
	A.Equal(uint32(1), b.TotalPages())
}

func TestMarkRangeSpansBoundary(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	// One byte each side of the first page boundary.
	A.NoError(b.MarkRange(pageSize-1, 2))
	A.Equal([]uint32{0, 1}, b.CollectDirty())
}

func TestMarkRangeSuffixPlusPrefix(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	// Tail of page 2 through head of page 4.
	off := int64(2*pageSize + 100)
	length := int64(2 * pageSize)
	A.NoError(b.MarkRange(off, length))
	A.Equal([]uint32{2, 3, 4}, b.CollectDirty())
}

func TestMarkRangeZeroLength(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	A.NoError(b.MarkRange(0, 0))
	A.NoError(b.MarkRange(100, -5))
	A.Empty(b.CollectDirty())
	A.Equal(uint32(0), b.TotalPages())
}

func TestMarkRangeIdempotent(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	A.NoError(b.MarkRange(0, 10))
	A.NoError(b.MarkRange(0, 10))
	A.Equal([]uint32{0}, b.CollectDirty())
}

func TestGrowthZeroFillsBelow(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	// Jump straight to a large page index; everything below stays clean.
	const page = 1 << 20
	A.NoError(b.MarkRange(int64(page)*pageSize, 1))
	A.Equal([]uint32{page}, b.CollectDirty())
	A.Equal(uint32(page+1), b.TotalPages())
	A.False(b.Contains(page - 1))
	A.True(b.Contains(page))
}

func TestResetKeepsTotalPages(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	A.NoError(b.MarkRange(0, 17*pageSize))
	total := b.TotalPages()

	b.Reset()
	A.Empty(b.CollectDirty())
	A.Equal(total, b.TotalPages())

	// Bits can be set again after reset.
	A.NoError(b.MarkRange(3*pageSize, 1))
	A.Equal([]uint32{3}, b.CollectDirty())
}

func TestContainsBeyondTotalPages(t *testing.T) {
	A := assert.New(t)

	b := New(pageSize)
	A.NoError(b.MarkRange(0, 1))
	A.False(b.Contains(1))
	A.False(b.Contains(1 << 30))
}

func TestSmallPageSize(t *testing.T) {
	A := assert.New(t)

	b := New(512)
	A.NoError(b.MarkRange(511, 2))
	A.Equal([]uint32{0, 1}, b.CollectDirty())
}

// Random write patterns: CollectDirty must return exactly the pages
// intersecting any marked range, strictly ascending.
func TestCollectDirtyMatchesModel(t *testing.T) {
	R := require.New(t)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		b := New(pageSize)
		model := map[uint32]bool{}

		for i := 0; i < 40; i++ {
			off := rng.Int63n(256 * pageSize)
			length := rng.Int63n(8 * pageSize)
			R.NoError(b.MarkRange(off, length))
			if length > 0 {
				for p := off / pageSize; p <= (off+length-1)/pageSize; p++ {
					model[uint32(p)] = true
				}
			}
		}

		want := make([]uint32, 0, len(model))
		for p := range model {
			want = append(want, p)
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		got := b.CollectDirty()
		R.Equal(want, got, "trial %d", trial)
		for i := 1; i < len(got); i++ {
			R.Less(got[i-1], got[i])
		}
	}
}
