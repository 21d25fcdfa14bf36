/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// scriptedTransport answers every request through the script function,
// optionally delaying or swallowing responses.
type scriptedTransport struct {
	script func(*Request) *Response
	out    chan []byte
	closed atomic.Bool
}

func newScripted(script func(*Request) *Response) *scriptedTransport {
	return &scriptedTransport{script: script, out: make(chan []byte, 16)}
}

func (s *scriptedTransport) Send(frame []byte) error {
	if s.closed.Load() {
		return errdefs.ErrWorkerUnavailable
	}
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	if resp := s.script(&req); resp != nil {
		s.inject(resp)
	}
	return nil
}

func (s *scriptedTransport) inject(resp *Response) {
	frame, _ := json.Marshal(resp)
	s.out <- frame
}

func (s *scriptedTransport) Recv() ([]byte, error) {
	frame, ok := <-s.out
	if !ok {
		return nil, errdefs.ErrWorkerUnavailable
	}
	return frame, nil
}

func (s *scriptedTransport) Close() error {
	if !s.closed.Swap(true) {
		close(s.out)
	}
	return nil
}

func echoScript(req *Request) *Response {
	resp := &Response{ID: req.ID, Kind: req.Kind}
	switch req.Kind {
	case KindExists:
		resp.Exists = &ExistsResult{Exists: true}
	case KindList:
		resp.List = &ListResult{Files: []string{"app.db"}}
	case KindWriteFullFile:
		resp.WriteFull = &WriteFullFileResult{BytesWritten: int64(len(req.WriteFull.Data))}
	case KindWriteDirtyPages:
		resp.DirtyPages = &WriteDirtyPagesResult{
			PagesWritten: len(req.DirtyPages.Pages),
			BytesWritten: int64(len(req.DirtyPages.Pages)) * req.DirtyPages.PageSize,
		}
	}
	return resp
}

func TestCorrelationIDsAreMonotonic(t *testing.T) {
	A := assert.New(t)

	var ids []uint32
	tr := newScripted(func(req *Request) *Response {
		ids = append(ids, req.ID)
		return echoScript(req)
	})
	c := NewClient(tr)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Exists(ctx, "app.db")
		A.NoError(err)
	}
	A.Equal([]uint32{1, 2, 3}, ids)
}

func TestOutOfOrderResponses(t *testing.T) {
	A := assert.New(t)

	// Hold the first request's response until the second arrives; both
	// callers must still get their own answers.
	var held atomic.Pointer[Response]
	tr := newScripted(nil)
	tr.script = func(req *Request) *Response {
		resp := echoScript(req)
		if req.Kind == KindExists {
			held.Store(resp)
			return nil
		}
		tr.inject(resp)
		return held.Load()
	}
	c := NewClient(tr)
	defer c.Close()

	ctx := context.Background()
	existsDone := make(chan error, 1)
	go func() {
		ok, err := c.Exists(ctx, "app.db")
		if err == nil && !ok {
			err = errdefs.ErrInvalidArgument
		}
		existsDone <- err
	}()

	// Wait for the exists request to be parked in the script.
	require.Eventually(t, func() bool { return held.Load() != nil }, time.Second, time.Millisecond)

	files, err := c.List(ctx)
	A.NoError(err)
	A.Equal([]string{"app.db"}, files)
	A.NoError(<-existsDone)
}

func TestTimeoutRetiresCorrelationID(t *testing.T) {
	A := assert.New(t)

	var parked *Request
	tr := newScripted(func(req *Request) *Response {
		parked = req
		return nil // never answer
	})
	c := NewClient(tr, WithTimeout(30*time.Millisecond))
	defer c.Close()

	_, err := c.Exists(context.Background(), "app.db")
	A.True(errdefs.IsWorkerTimeout(err))

	// A late response for the retired id is silently dropped; the next
	// request still works.
	tr.inject(&Response{ID: parked.ID, Kind: KindExists, Exists: &ExistsResult{Exists: true}})
	tr.script = echoScript
	ok, err := c.Exists(context.Background(), "app.db")
	A.NoError(err)
	A.True(ok)
}

func TestUnknownCorrelationIDDropped(t *testing.T) {
	A := assert.New(t)

	tr := newScripted(echoScript)
	c := NewClient(tr)
	defer c.Close()

	tr.inject(&Response{ID: 9999, Kind: KindExists, Exists: &ExistsResult{}})

	ok, err := c.Exists(context.Background(), "app.db")
	A.NoError(err)
	A.True(ok)
}

func TestContextCancellation(t *testing.T) {
	A := assert.New(t)

	tr := newScripted(func(*Request) *Response { return nil })
	c := NewClient(tr)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Exists(ctx, "app.db")
	A.ErrorIs(err, context.Canceled)
}

func TestCallAfterCloseFails(t *testing.T) {
	A := assert.New(t)

	tr := newScripted(echoScript)
	c := NewClient(tr)
	require.NoError(t, c.Close())

	// Give the receive loop a moment to observe the closed transport.
	require.Eventually(t, func() bool {
		_, err := c.Exists(context.Background(), "app.db")
		return errdefs.IsWorkerUnavailable(err)
	}, time.Second, time.Millisecond)
	A.True(true)
}

func TestWorkerErrorSurfaces(t *testing.T) {
	A := assert.New(t)

	tr := newScripted(func(req *Request) *Response {
		return &Response{ID: req.ID, Kind: req.Kind, Err: &ErrorInfo{Reason: "quota", Quota: true}}
	})
	c := NewClient(tr)
	defer c.Close()

	_, err := c.WriteFullFile(context.Background(), "app.db", []byte("x"))
	A.True(errdefs.IsQuotaExceeded(err))
}

func TestPartialWriteErrorSurfaces(t *testing.T) {
	A := assert.New(t)

	idx := uint32(7)
	tr := newScripted(func(req *Request) *Response {
		return &Response{ID: req.ID, Kind: req.Kind, Err: &ErrorInfo{Reason: "disk", PageIndex: &idx}}
	})
	c := NewClient(tr)
	defer c.Close()

	_, err := c.WriteDirtyPages(context.Background(), "app.db", 4096, 4096, []PageWrite{{PageIndex: 7, Bytes: make([]byte, 4096)}})
	A.True(errdefs.IsPartialWrite(err))
}

func TestReadFullFileNotFoundIsBenign(t *testing.T) {
	A := assert.New(t)

	tr := newScripted(func(req *Request) *Response {
		return &Response{ID: req.ID, Kind: req.Kind, Err: &ErrorInfo{Reason: "no such file", NotFound: true}}
	})
	c := NewClient(tr)
	defer c.Close()

	data, found, err := c.ReadFullFile(context.Background(), "missing.db")
	A.NoError(err)
	A.False(found)
	A.Nil(data)
}

func TestPipeRoundTrip(t *testing.T) {
	A := assert.New(t)

	a, b := Pipe()
	go func() {
		frame, err := b.Recv()
		if err != nil {
			return
		}
		var req Request
		if json.Unmarshal(frame, &req) != nil {
			return
		}
		out, _ := json.Marshal(echoScript(&req))
		b.Send(out)
	}()

	c := NewClient(a)
	defer c.Close()

	ok, err := c.Exists(context.Background(), "app.db")
	A.NoError(err)
	A.True(ok)
}
