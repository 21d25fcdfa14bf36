/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package coordinator converts "please persist file F" into either a
// precise partial-write request to the worker or a correct whole-file
// fallback. It is the only component that knows both sides: tracking
// (registry bitmaps, the file image) and persistence (the worker client).
//
// Demotion to a whole-file persist is the sole recovery mechanism and is
// always safe: a whole-file persist is a superset of any subset of dirty
// pages, and the bitmap is left untouched so a later incremental flush
// still covers everything.
package coordinator

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
	"github.com/wasmdb/sqlite-pagestore/pkg/metrics/data"
	"github.com/wasmdb/sqlite-pagestore/pkg/protocol"
	"github.com/wasmdb/sqlite-pagestore/pkg/tracker"
)

// Image is the in-memory file system the SQL engine runs against. Page
// views are live slices, not copies; they stay valid for the lifetime of
// one flush request.
type Image interface {
	PageView(name string, off, n int64) ([]byte, error)
	Snapshot(name string) ([]byte, error)
	Size(name string) (int64, error)
	Load(name string, data []byte)
}

// Opt configures a Coordinator.
type Opt func(*Coordinator)

// WithIncremental toggles the partial-write path. When disabled every
// persist is whole-file.
func WithIncremental(enabled bool) Opt {
	return func(c *Coordinator) { c.incremental = enabled }
}

// Coordinator orchestrates per-flush operations.
//
// Concurrent persists for different filenames may interleave at worker
// await points; persists for the same filename must be serialised by the
// caller.
type Coordinator struct {
	client      *protocol.Client
	reg         *tracker.Registry
	img         Image
	incremental bool

	paused     bool
	pending    []string
	pendingSet map[string]struct{}
}

// New wires a coordinator to the worker client, the tracker registry, and
// the file image.
func New(client *protocol.Client, reg *tracker.Registry, img Image, opts ...Opt) *Coordinator {
	c := &Coordinator{
		client:      client,
		reg:         reg,
		img:         img,
		incremental: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Persist flushes the modifications of name to the backing store. With an
// empty dirty set it is a no-op; with the pause set active it only records
// the name for Resume.
func (c *Coordinator) Persist(ctx context.Context, name string) error {
	name = tracker.Normalize(name)

	if c.paused {
		if _, seen := c.pendingSet[name]; !seen {
			c.pendingSet[name] = struct{}{}
			c.pending = append(c.pending, name)
		}
		return nil
	}

	if !c.incremental || c.reg == nil {
		return c.persistFull(ctx, name)
	}

	pages := c.reg.DirtyPages(name)
	if len(pages) == 0 {
		return nil
	}

	start := time.Now()
	pageSize := c.reg.PageSize()

	size, err := c.img.Size(name)
	if err != nil {
		return c.demote(ctx, name, err)
	}
	entries := make([]protocol.PageWrite, 0, len(pages))
	for _, p := range pages {
		view, err := c.img.PageView(name, int64(p)*pageSize, pageSize)
		if err != nil {
			return c.demote(ctx, name, err)
		}
		entries = append(entries, protocol.PageWrite{PageIndex: p, Bytes: view})
	}

	res, err := c.client.WriteDirtyPages(ctx, name, pageSize, size, entries)
	if err != nil {
		return c.demote(ctx, name, err)
	}
	if res.PagesWritten != len(entries) {
		return c.demote(ctx, name,
			errors.Errorf("worker acknowledged %d of %d pages", res.PagesWritten, len(entries)))
	}

	c.reg.ResetDirty(name)

	data.IncrementalFlushTotal.Inc()
	data.FlushPagesWritten.Add(float64(res.PagesWritten))
	data.FlushBytesWritten.Add(float64(res.BytesWritten))
	data.PersistElapsedHists.WithLabelValues("incremental").
		Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// demote logs the cause and falls back to a whole-file persist. The dirty
// bitmap is intentionally not reset: a later successful incremental flush
// resends those pages, and a successful whole-file persist supersedes them.
func (c *Coordinator) demote(ctx context.Context, name string, cause error) error {
	reason := demotionReason(cause)
	if errdefs.IsWorkerTimeout(cause) {
		data.WorkerTimeoutTotal.Inc()
	}
	data.DemotionTotal.WithLabelValues(reason).Inc()
	log.G(ctx).WithError(cause).Warnf("Demoting persist of %q to whole-file (%s)", name, reason)
	return c.persistFull(ctx, name)
}

func demotionReason(err error) string {
	switch {
	case errdefs.IsWorkerTimeout(err):
		return "timeout"
	case errdefs.IsWorkerUnavailable(err):
		return "worker_unavailable"
	case errdefs.IsPartialWrite(err):
		return "partial_write"
	case errdefs.IsQuotaExceeded(err):
		return "quota"
	case errors.Is(err, errdefs.ErrFileImageMissing):
		return "image_missing"
	case errdefs.IsWorkerError(err):
		return "worker_error"
	default:
		return "other"
	}
}

func (c *Coordinator) persistFull(ctx context.Context, name string) error {
	start := time.Now()
	content, err := c.img.Snapshot(name)
	if err != nil {
		return errors.Wrapf(err, "whole-file persist of %q", name)
	}
	res, err := c.client.WriteFullFile(ctx, name, content)
	if err != nil {
		return errors.Wrapf(err, "whole-file persist of %q", name)
	}
	if res.BytesWritten != int64(len(content)) {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"whole-file persist of %q wrote %d of %d bytes", name, res.BytesWritten, len(content))
	}
	data.FullPersistTotal.Inc()
	data.PersistElapsedHists.WithLabelValues("full").
		Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// Load fetches the persisted bytes of name into the file image. A file
// the worker has never seen is a successful no-op; the SQL engine creates
// it on first write. Transient timeouts are retried — the read is
// idempotent.
func (c *Coordinator) Load(ctx context.Context, name string) error {
	name = tracker.Normalize(name)
	var content []byte
	var found bool
	err := retry.Do(
		func() (err error) {
			content, found, err = c.client.ReadFullFile(ctx, name)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.IsWorkerTimeout),
	)
	if err != nil {
		return errors.Wrapf(err, "load %q", name)
	}
	if !found {
		return nil
	}
	c.img.Load(name, content)
	return nil
}

// Pause switches Persist into record-only mode. Nested pause is not
// supported.
func (c *Coordinator) Pause() error {
	if c.paused {
		return errdefs.ErrAlreadyPaused
	}
	c.paused = true
	c.pending = nil
	c.pendingSet = make(map[string]struct{})
	return nil
}

// Resume replays the recorded names in first-appearance order, issuing
// one persist per distinct filename. Persist failures are logged and do
// not stop the replay; the first one is returned.
func (c *Coordinator) Resume(ctx context.Context) error {
	if !c.paused {
		return errdefs.ErrNotPaused
	}
	names := c.pending
	c.paused = false
	c.pending = nil
	c.pendingSet = nil

	var first error
	for _, name := range names {
		if err := c.Persist(ctx, name); err != nil {
			log.G(ctx).WithError(err).Errorf("Deferred persist of %q failed", name)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Cleanup tells the worker to release its backing-store handles.
// Best-effort: failures are logged and swallowed.
func (c *Coordinator) Cleanup(ctx context.Context) {
	if err := c.client.Cleanup(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("Worker cleanup failed")
	}
}
