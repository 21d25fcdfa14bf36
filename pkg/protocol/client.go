/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

// DefaultRequestTimeout bounds a single worker round trip.
const DefaultRequestTimeout = 30 * time.Second

// ClientOpt configures a Client.
type ClientOpt func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOpt {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client is the coordinator side of the worker protocol. It assigns
// correlation ids, keeps the pending-request table, and enforces the
// per-request timeout. Safe for concurrent use; responses for outstanding
// requests may arrive in any order.
type Client struct {
	t       Transport
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan *Response

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient starts the receive loop over t and returns the client.
func NewClient(t Transport, opts ...ClientOpt) *Client {
	c := &Client{
		t:       t,
		timeout: DefaultRequestTimeout,
		pending: make(map[uint32]chan *Response),
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		frame, err := c.t.Recv()
		if err != nil {
			return
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			log.L.WithError(err).Warn("Dropping undecodable worker response")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Retired by timeout or never issued. Late responses are
			// dropped by design.
			log.L.Warnf("Dropping worker response with unknown correlation id %d", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// Close tears down the transport; every outstanding and future call fails
// with ErrWorkerUnavailable.
func (c *Client) Close() error {
	err := c.t.Close()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}

// Call sends one request and blocks for its response, the timeout, or ctx
// cancellation, whichever comes first. On timeout or cancellation the
// correlation id is retired so a late response is silently dropped.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-c.closed:
		return nil, errors.Wrap(errdefs.ErrWorkerUnavailable, "client closed")
	default:
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(req)
	if err != nil {
		c.retire(req.ID)
		return nil, errors.Wrapf(err, "encode %s request", req.Kind)
	}
	if err := c.t.Send(frame); err != nil {
		c.retire(req.ID)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Kind != req.Kind {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
				"response kind %q for %q request %d", resp.Kind, req.Kind, req.ID)
		}
		return resp, nil
	case <-timer.C:
		c.retire(req.ID)
		return nil, errors.Wrapf(errdefs.ErrWorkerTimeout, "%s request %d after %v", req.Kind, req.ID, c.timeout)
	case <-ctx.Done():
		c.retire(req.ID)
		return nil, ctx.Err()
	case <-c.closed:
		c.retire(req.ID)
		return nil, errors.Wrap(errdefs.ErrWorkerUnavailable, "transport closed")
	}
}

func (c *Client) retire(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp, nil
}

// OpenFile asks the worker for a handle on filename.
func (c *Client) OpenFile(ctx context.Context, filename string, create bool) (int32, error) {
	resp, err := c.call(ctx, &Request{Kind: KindOpen, Open: &OpenRequest{Filename: filename, Create: create}})
	if err != nil {
		return -1, err
	}
	if resp.Open == nil {
		return -1, errors.Wrap(errdefs.ErrInvalidArgument, "truncated open response")
	}
	return resp.Open.Handle, nil
}

// CloseFile releases a worker handle.
func (c *Client) CloseFile(ctx context.Context, handle int32) error {
	_, err := c.call(ctx, &Request{Kind: KindClose, Close: &CloseRequest{Handle: handle}})
	return err
}

// ReadFullFile fetches the complete content of filename. A missing file is
// reported as found=false with no error.
func (c *Client) ReadFullFile(ctx context.Context, filename string) ([]byte, bool, error) {
	resp, err := c.call(ctx, &Request{Kind: KindReadFullFile, ReadFull: &ReadFullFileRequest{Filename: filename}})
	if errdefs.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if resp.ReadFull == nil {
		return nil, false, errors.Wrap(errdefs.ErrInvalidArgument, "truncated read_full_file response")
	}
	return resp.ReadFull.Data, resp.ReadFull.Found, nil
}

// WriteFullFile persists the complete image of filename.
func (c *Client) WriteFullFile(ctx context.Context, filename string, data []byte) (*WriteFullFileResult, error) {
	resp, err := c.call(ctx, &Request{Kind: KindWriteFullFile, WriteFull: &WriteFullFileRequest{Filename: filename, Data: data}})
	if err != nil {
		return nil, err
	}
	if resp.WriteFull == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "truncated write_full_file response")
	}
	return resp.WriteFull, nil
}

// WriteDirtyPages persists a partial-write batch. fileSize is the logical
// image size at flush time; the worker truncates to it after the pages
// land so shrinks persist.
func (c *Client) WriteDirtyPages(ctx context.Context, filename string, pageSize, fileSize int64, pages []PageWrite) (*WriteDirtyPagesResult, error) {
	req := &Request{Kind: KindWriteDirtyPages, DirtyPages: &WriteDirtyPagesRequest{
		Filename: filename,
		PageSize: pageSize,
		FileSize: fileSize,
		Pages:    pages,
	}}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.DirtyPages == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "truncated write_dirty_pages response")
	}
	return resp.DirtyPages, nil
}

// DeleteFile removes filename from the backing store.
func (c *Client) DeleteFile(ctx context.Context, filename string) error {
	_, err := c.call(ctx, &Request{Kind: KindDelete, Delete: &DeleteRequest{Filename: filename}})
	return err
}

// Exists probes the backing store for filename.
func (c *Client) Exists(ctx context.Context, filename string) (bool, error) {
	resp, err := c.call(ctx, &Request{Kind: KindExists, Exists: &ExistsRequest{Filename: filename}})
	if err != nil {
		return false, err
	}
	if resp.Exists == nil {
		return false, errors.Wrap(errdefs.ErrInvalidArgument, "truncated exists response")
	}
	return resp.Exists.Exists, nil
}

// List enumerates the backing store's logical filenames.
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, &Request{Kind: KindList})
	if err != nil {
		return nil, err
	}
	if resp.List == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "truncated list response")
	}
	return resp.List.Files, nil
}

// GetCapacity reports the store quota and current usage.
func (c *Client) GetCapacity(ctx context.Context) (*CapacityResult, error) {
	resp, err := c.call(ctx, &Request{Kind: KindGetCapacity})
	if err != nil {
		return nil, err
	}
	if resp.Capacity == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "truncated get_capacity response")
	}
	return resp.Capacity, nil
}

// AddCapacity grows the store quota and returns the new figures.
func (c *Client) AddCapacity(ctx context.Context, bytes int64) (*CapacityResult, error) {
	resp, err := c.call(ctx, &Request{Kind: KindAddCapacity, AddCapacity: &AddCapacityRequest{Bytes: bytes}})
	if err != nil {
		return nil, err
	}
	if resp.Capacity == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "truncated add_capacity response")
	}
	return resp.Capacity, nil
}

// SetLogLevel adjusts the worker's log verbosity at runtime.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.call(ctx, &Request{Kind: KindSetLogLevel, SetLogLevel: &SetLogLevelRequest{Level: level}})
	return err
}

// Cleanup asks the worker to release its backing-store handles. Sent
// best-effort before the process terminates.
func (c *Client) Cleanup(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Kind: KindCleanup})
	return err
}
