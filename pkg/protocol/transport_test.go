/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

func TestStreamPreservesMessageBoundaries(t *testing.T) {
	A := assert.New(t)

	a, b := net.Pipe()
	ta := NewStream(a)
	tb := NewStream(b)

	frames := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0x7f}, 70000),
		[]byte("last"),
	}

	go func() {
		for _, f := range frames {
			if err := ta.Send(f); err != nil {
				return
			}
		}
	}()

	for _, want := range frames {
		got, err := tb.Recv()
		require.NoError(t, err)
		A.Equal(len(want), len(got))
		A.Equal(append([]byte{}, want...), append([]byte{}, got...))
	}
}

func TestStreamRecvAfterClose(t *testing.T) {
	A := assert.New(t)

	a, b := net.Pipe()
	ta := NewStream(a)
	tb := NewStream(b)

	require.NoError(t, ta.Close())
	_, err := tb.Recv()
	A.Equal(io.EOF, err)
}

func TestPipeCloseUnblocksBothEnds(t *testing.T) {
	A := assert.New(t)

	a, b := Pipe()
	require.NoError(t, a.Close())

	_, err := b.Recv()
	A.Equal(io.EOF, err)
	A.True(errdefs.IsWorkerUnavailable(b.Send([]byte("x"))))
	A.True(errdefs.IsWorkerUnavailable(a.Send([]byte("x"))))
}

func TestPipeDrainsQueuedFramesOnClose(t *testing.T) {
	A := assert.New(t)

	a, b := Pipe()
	require.NoError(t, a.Send([]byte("queued")))
	require.NoError(t, a.Close())

	frame, err := b.Recv()
	A.NoError(err)
	A.Equal([]byte("queued"), frame)

	_, err = b.Recv()
	A.Equal(io.EOF, err)
}
