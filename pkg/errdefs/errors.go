/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")

	// ErrUnknownBaseVFS is returned by registry init when the named base
	// VFS has not been registered with the SQLite runtime.
	ErrUnknownBaseVFS = errors.New("unknown base vfs")

	// ErrAllocation is returned when a bitmap or request buffer cannot grow.
	ErrAllocation = errors.New("allocation failure")

	// ErrFileImageMissing is returned when the in-memory image has no entry
	// for the file being flushed.
	ErrFileImageMissing = errors.New("file image missing")

	// ErrWorkerUnavailable is returned when the persistence worker has not
	// been connected or its channel is closed.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrWorkerTimeout is returned when a worker request timer expires.
	// The correlation id is retired; a late response is dropped.
	ErrWorkerTimeout = errors.New("worker request timed out")

	ErrQuotaExceeded = errors.New("store capacity exceeded")

	ErrNotPaused     = errors.New("coordinator is not paused")
	ErrAlreadyPaused = errors.New("coordinator is already paused")

	ErrClosedHandle = errors.New("handle is closed or unknown")
)

// PartialWriteError reports the page index at which a write_dirty_pages
// sequence aborted. The coordinator treats it as a total failure.
type PartialWriteError struct {
	PageIndex uint32
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write failed at page %d: %v", e.PageIndex, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// WorkerError is a structured error returned by the worker side of the
// protocol. Reason survives the wire round trip.
type WorkerError struct {
	Reason string
}

func (e *WorkerError) Error() string {
	return "worker error: " + e.Reason
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnknownBaseVFS(err error) bool {
	return errors.Is(err, ErrUnknownBaseVFS)
}

func IsWorkerUnavailable(err error) bool {
	return errors.Is(err, ErrWorkerUnavailable)
}

func IsWorkerTimeout(err error) bool {
	return errors.Is(err, ErrWorkerTimeout)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func IsPartialWrite(err error) bool {
	var pw *PartialWriteError
	return errors.As(err, &pw)
}

func IsWorkerError(err error) bool {
	var we *WorkerError
	return errors.As(err, &we)
}
