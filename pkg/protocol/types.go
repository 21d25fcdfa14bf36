/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package protocol defines the request/response contract between the
// persistence coordinator and the worker that holds exclusive handles to
// the backing store, plus the client side of that contract.
//
// Every request carries a monotonically increasing correlation id and a
// discriminated operation kind; responses echo the id and carry either a
// typed success payload or a structured error. The wire form is a JSON
// envelope inside a boundary-preserving frame.
package protocol

import (
	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// Kind discriminates the operation a request asks for.
type Kind string

const (
	KindOpen            Kind = "open"
	KindClose           Kind = "close"
	KindReadFullFile    Kind = "read_full_file"
	KindWriteFullFile   Kind = "write_full_file"
	KindWriteDirtyPages Kind = "write_dirty_pages"
	KindDelete          Kind = "delete"
	KindExists          Kind = "exists"
	KindList            Kind = "list"
	KindGetCapacity     Kind = "get_capacity"
	KindAddCapacity     Kind = "add_capacity"
	KindSetLogLevel     Kind = "set_log_level"
	KindCleanup         Kind = "cleanup"
)

// PageWrite is one entry of a write_dirty_pages request: exactly one page
// of content at the given index. Entries in a request are strictly
// ascending and pairwise distinct.
type PageWrite struct {
	PageIndex uint32 `json:"page_index"`
	Bytes     []byte `json:"bytes"`
}

type OpenRequest struct {
	Filename string `json:"filename"`
	Create   bool   `json:"create"`
}

type CloseRequest struct {
	Handle int32 `json:"handle"`
}

type ReadFullFileRequest struct {
	Filename string `json:"filename"`
}

type WriteFullFileRequest struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

type WriteDirtyPagesRequest struct {
	Filename string `json:"filename"`
	PageSize int64  `json:"page_size"`
	// FileSize is the logical size of the file image at flush time. The
	// worker truncates to it after writing the pages so that shrinks
	// persist and the on-disk bytes match a whole-file persist.
	FileSize int64       `json:"file_size"`
	Pages    []PageWrite `json:"pages"`
}

type DeleteRequest struct {
	Filename string `json:"filename"`
}

type ExistsRequest struct {
	Filename string `json:"filename"`
}

type AddCapacityRequest struct {
	Bytes int64 `json:"bytes"`
}

type SetLogLevelRequest struct {
	Level string `json:"level"`
}

// Request is the envelope for every worker-bound message. Exactly one
// payload field matching Kind is set; kinds without parameters (list,
// get_capacity, cleanup) carry none.
type Request struct {
	ID   uint32 `json:"id"`
	Kind Kind   `json:"kind"`

	Open        *OpenRequest            `json:"open,omitempty"`
	Close       *CloseRequest           `json:"close,omitempty"`
	ReadFull    *ReadFullFileRequest    `json:"read_full_file,omitempty"`
	WriteFull   *WriteFullFileRequest   `json:"write_full_file,omitempty"`
	DirtyPages  *WriteDirtyPagesRequest `json:"write_dirty_pages,omitempty"`
	Delete      *DeleteRequest          `json:"delete,omitempty"`
	Exists      *ExistsRequest          `json:"exists,omitempty"`
	AddCapacity *AddCapacityRequest     `json:"add_capacity,omitempty"`
	SetLogLevel *SetLogLevelRequest     `json:"set_log_level,omitempty"`
}

type OpenResult struct {
	Handle int32 `json:"handle"`
}

type ReadFullFileResult struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data"`
}

type WriteFullFileResult struct {
	BytesWritten int64 `json:"bytes_written"`
}

type WriteDirtyPagesResult struct {
	PagesWritten int   `json:"pages_written"`
	BytesWritten int64 `json:"bytes_written"`
}

type ExistsResult struct {
	Exists bool `json:"exists"`
}

type ListResult struct {
	Files []string `json:"files"`
}

type CapacityResult struct {
	CapacityBytes int64 `json:"capacity_bytes"`
	UsedBytes     int64 `json:"used_bytes"`
}

// ErrorInfo is the structured error a worker returns in place of a result.
type ErrorInfo struct {
	Reason string `json:"reason"`
	// NotFound marks the benign read_full_file miss.
	NotFound bool `json:"not_found,omitempty"`
	// Quota marks capacity exhaustion.
	Quota bool `json:"quota,omitempty"`
	// PageIndex is set when a write_dirty_pages sequence aborted
	// mid-request; it names the failing page.
	PageIndex *uint32 `json:"page_index,omitempty"`
}

// Response is the envelope for every coordinator-bound message.
type Response struct {
	ID   uint32 `json:"id"`
	Kind Kind   `json:"kind"`

	Err *ErrorInfo `json:"error,omitempty"`

	Open       *OpenResult            `json:"open,omitempty"`
	ReadFull   *ReadFullFileResult    `json:"read_full_file,omitempty"`
	WriteFull  *WriteFullFileResult   `json:"write_full_file,omitempty"`
	DirtyPages *WriteDirtyPagesResult `json:"write_dirty_pages,omitempty"`
	Exists     *ExistsResult          `json:"exists,omitempty"`
	List       *ListResult            `json:"list,omitempty"`
	Capacity   *CapacityResult        `json:"capacity,omitempty"`
}

// Error converts the response's ErrorInfo into the coordinator-side error
// taxonomy. A nil return means the response is a success payload.
func (r *Response) Error() error {
	if r.Err == nil {
		return nil
	}
	switch {
	case r.Err.NotFound:
		return errdefs.ErrNotFound
	case r.Err.Quota:
		return errdefs.ErrQuotaExceeded
	case r.Err.PageIndex != nil:
		return &errdefs.PartialWriteError{
			PageIndex: *r.Err.PageIndex,
			Err:       &errdefs.WorkerError{Reason: r.Err.Reason},
		}
	default:
		return &errdefs.WorkerError{Reason: r.Err.Reason}
	}
}
