/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// Transport carries opaque frames between the coordinator and the worker.
// Implementations must preserve message boundaries and must not reorder
// frames relative to their own direction.
type Transport interface {
	// Send delivers one frame. It returns errdefs.ErrWorkerUnavailable
	// (possibly wrapped) once the transport is closed.
	Send(frame []byte) error
	// Recv blocks for the next frame and returns io.EOF once the
	// transport is closed and drained.
	Recv() ([]byte, error)
	Close() error
}

const pipeDepth = 64

type pipeEnd struct {
	send chan<- []byte
	recv <-chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process transports: the browser runtime's
// main-thread/worker message channel, and what tests wire the client and
// worker together with. Frames pass through whole; closing either end
// unblocks both.
func Pipe() (Transport, Transport) {
	a2b := make(chan []byte, pipeDepth)
	b2a := make(chan []byte, pipeDepth)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{send: a2b, recv: b2a, done: done, once: once}
	b := &pipeEnd{send: b2a, recv: a2b, done: done, once: once}
	return a, b
}

func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.done:
		return errors.Wrap(errdefs.ErrWorkerUnavailable, "pipe closed")
	default:
	}
	select {
	case p.send <- frame:
		return nil
	case <-p.done:
		return errors.Wrap(errdefs.ErrWorkerUnavailable, "pipe closed")
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.done:
		// Drain anything already queued before reporting EOF.
		select {
		case frame := <-p.recv:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// streamTransport frames messages over a byte stream with a big-endian
// uint32 length prefix. Used by the native worker binary on stdio or a
// unix socket.
type streamTransport struct {
	rw io.ReadWriter
	wm sync.Mutex
	rm sync.Mutex
}

// maxFrameSize bounds a single message; a full-file write of a large
// database still fits comfortably.
const maxFrameSize = 1 << 30

// NewStream wraps a byte stream in a length-prefixed frame transport.
func NewStream(rw io.ReadWriter) Transport {
	return &streamTransport{rw: rw}
}

func (s *streamTransport) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "frame of %d bytes", len(frame))
	}
	s.wm.Lock()
	defer s.wm.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := s.rw.Write(hdr[:]); err != nil {
		return errors.Wrap(errdefs.ErrWorkerUnavailable, err.Error())
	}
	if _, err := s.rw.Write(frame); err != nil {
		return errors.Wrap(errdefs.ErrWorkerUnavailable, err.Error())
	}
	return nil
}

func (s *streamTransport) Recv() ([]byte, error) {
	s.rm.Lock()
	defer s.rm.Unlock()
	var hdr [4]byte
	if _, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "frame of %d bytes", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.rw, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *streamTransport) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
