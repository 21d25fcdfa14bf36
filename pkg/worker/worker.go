/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package worker services the persistence protocol against the backing
// store. It is the only component with handles on durable files and knows
// nothing about dirty tracking: a request either succeeds completely or
// reports a structured error the coordinator can act on.
package worker

import (
	"context"
	"encoding/json"
	"io"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
	"github.com/wasmdb/sqlite-pagestore/pkg/protocol"
	"github.com/wasmdb/sqlite-pagestore/pkg/store"
)

// Worker binds a backing store to a protocol transport.
type Worker struct {
	store *store.Store
}

// New returns a worker over the given store.
func New(s *store.Store) *Worker {
	return &Worker{store: s}
}

// Serve processes requests from t until the transport closes or ctx is
// cancelled. Each request is answered exactly once; undecodable frames
// are logged and dropped because there is no id to answer on.
func (w *Worker) Serve(ctx context.Context, t protocol.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		t.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			frame, err := t.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return errors.Wrap(err, "receive request")
			}
			var req protocol.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				log.G(ctx).WithError(err).Warn("Dropping undecodable request frame")
				continue
			}
			resp := w.handle(ctx, &req)
			out, err := json.Marshal(resp)
			if err != nil {
				return errors.Wrapf(err, "encode %s response %d", resp.Kind, resp.ID)
			}
			if err := t.Send(out); err != nil {
				return errors.Wrapf(err, "send %s response %d", resp.Kind, resp.ID)
			}
		}
	})
	return g.Wait()
}

func errorInfo(err error) *protocol.ErrorInfo {
	info := &protocol.ErrorInfo{Reason: err.Error()}
	var pw *errdefs.PartialWriteError
	switch {
	case errdefs.IsNotFound(err):
		info.NotFound = true
	case errdefs.IsQuotaExceeded(err):
		info.Quota = true
	case errors.As(err, &pw):
		idx := pw.PageIndex
		info.PageIndex = &idx
	}
	return info
}

func (w *Worker) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	resp := &protocol.Response{ID: req.ID, Kind: req.Kind}
	if err := w.dispatch(ctx, req, resp); err != nil {
		log.G(ctx).WithError(err).Warnf("Request %s/%d failed", req.Kind, req.ID)
		resp.Err = errorInfo(err)
	}
	return resp
}

func (w *Worker) dispatch(ctx context.Context, req *protocol.Request, resp *protocol.Response) error {
	switch req.Kind {
	case protocol.KindOpen:
		if req.Open == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing open payload")
		}
		h, err := w.store.OpenFile(req.Open.Filename, req.Open.Create)
		if err != nil {
			return err
		}
		resp.Open = &protocol.OpenResult{Handle: h}

	case protocol.KindClose:
		if req.Close == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing close payload")
		}
		return w.store.CloseFile(req.Close.Handle)

	case protocol.KindReadFullFile:
		if req.ReadFull == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing read_full_file payload")
		}
		data, found, err := w.store.ReadFull(req.ReadFull.Filename)
		if err != nil {
			return err
		}
		resp.ReadFull = &protocol.ReadFullFileResult{Found: found, Data: data}

	case protocol.KindWriteFullFile:
		if req.WriteFull == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing write_full_file payload")
		}
		n, err := w.store.WriteFull(req.WriteFull.Filename, req.WriteFull.Data)
		if err != nil {
			return err
		}
		resp.WriteFull = &protocol.WriteFullFileResult{BytesWritten: n}

	case protocol.KindWriteDirtyPages:
		return w.writeDirtyPages(req, resp)

	case protocol.KindDelete:
		if req.Delete == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing delete payload")
		}
		return w.store.Delete(req.Delete.Filename)

	case protocol.KindExists:
		if req.Exists == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing exists payload")
		}
		found, err := w.store.Exists(req.Exists.Filename)
		if err != nil {
			return err
		}
		resp.Exists = &protocol.ExistsResult{Exists: found}

	case protocol.KindList:
		files, err := w.store.List()
		if err != nil {
			return err
		}
		resp.List = &protocol.ListResult{Files: files}

	case protocol.KindGetCapacity:
		capacity, used, err := w.store.Capacity()
		if err != nil {
			return err
		}
		resp.Capacity = &protocol.CapacityResult{CapacityBytes: capacity, UsedBytes: used}

	case protocol.KindAddCapacity:
		if req.AddCapacity == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing add_capacity payload")
		}
		capacity, used, err := w.store.AddCapacity(req.AddCapacity.Bytes)
		if err != nil {
			return err
		}
		resp.Capacity = &protocol.CapacityResult{CapacityBytes: capacity, UsedBytes: used}

	case protocol.KindSetLogLevel:
		if req.SetLogLevel == nil {
			return errors.Wrap(errdefs.ErrInvalidArgument, "missing set_log_level payload")
		}
		lvl, err := logrus.ParseLevel(req.SetLogLevel.Level)
		if err != nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "log level %q", req.SetLogLevel.Level)
		}
		logrus.SetLevel(lvl)

	case protocol.KindCleanup:
		if err := w.store.Cleanup(); err != nil {
			// Best-effort by contract: log, report success.
			log.G(ctx).WithError(err).Warn("Cleanup failed")
		}

	default:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown request kind %q", req.Kind)
	}
	return nil
}

func (w *Worker) writeDirtyPages(req *protocol.Request, resp *protocol.Response) error {
	body := req.DirtyPages
	if body == nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, "missing write_dirty_pages payload")
	}
	pages := make([]store.PageWrite, len(body.Pages))
	for i, pw := range body.Pages {
		if i > 0 && pw.PageIndex <= body.Pages[i-1].PageIndex {
			return errors.Wrapf(errdefs.ErrInvalidArgument,
				"page indices not strictly ascending at entry %d", i)
		}
		pages[i] = store.PageWrite{Index: pw.PageIndex, Data: pw.Bytes}
	}
	if err := w.store.WritePages(body.Filename, body.PageSize, body.FileSize, pages); err != nil {
		return err
	}
	resp.DirtyPages = &protocol.WriteDirtyPagesResult{
		PagesWritten: len(pages),
		BytesWritten: int64(len(pages)) * body.PageSize,
	}
	return nil
}
