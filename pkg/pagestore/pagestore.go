/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pagestore wires the persistence engine together for embedders:
// the in-memory image VFS, the tracking shim registered over it, the
// worker client, and the coordinator, all configured from one Config.
//
// Registration with the SQLite runtime is inherently process-global; the
// Engine value carries everything else explicitly.
package pagestore

import (
	"context"
	"sync"

	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"
	"github.com/pkg/errors"

	"github.com/wasmdb/sqlite-pagestore/config"
	"github.com/wasmdb/sqlite-pagestore/pkg/coordinator"
	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
	"github.com/wasmdb/sqlite-pagestore/pkg/image"
	"github.com/wasmdb/sqlite-pagestore/pkg/protocol"
	"github.com/wasmdb/sqlite-pagestore/pkg/tracker"
	"github.com/wasmdb/sqlite-pagestore/pkg/vfs"
)

// Engine bundles the live components of one initialised persistence
// stack.
type Engine struct {
	Config      *config.Config
	Registry    *tracker.Registry
	Image       *image.FS
	Coordinator *coordinator.Coordinator

	client *protocol.Client
}

// Registration with the SQL runtime is process-global, so live engines
// are tracked by shim name to make repeated Init calls idempotent.
var (
	enginesMu sync.Mutex
	engines   = make(map[string]*Engine)
)

// Init validates cfg, registers the image VFS and the tracking shim, and
// connects the worker client over t. A repeated Init with the same shim
// name, base VFS and page size returns the existing engine; conflicting
// reuse is an error.
func Init(cfg *config.Config, t protocol.Transport) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	enginesMu.Lock()
	defer enginesMu.Unlock()
	if e, ok := engines[cfg.VFSName]; ok {
		if e.Config.BaseVFS != cfg.BaseVFS || e.Config.PageSize != cfg.PageSize {
			return nil, errors.Wrapf(errdefs.ErrAlreadyExists,
				"vfs %q is initialised with a different configuration", cfg.VFSName)
		}
		return e, nil
	}

	img, err := baseImage(cfg.BaseVFS)
	if err != nil {
		return nil, err
	}

	reg, err := tracker.NewRegistry(cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if err := vfs.Register(cfg.VFSName, cfg.BaseVFS, reg); err != nil {
		return nil, errors.Wrapf(err, "register tracking vfs %q", cfg.VFSName)
	}

	client := protocol.NewClient(t, protocol.WithTimeout(cfg.RequestTimeout))
	coord := coordinator.New(client, reg, img,
		coordinator.WithIncremental(cfg.IncrementalEnabled))

	e := &Engine{
		Config:      cfg,
		Registry:    reg,
		Image:       img,
		Coordinator: coord,
		client:      client,
	}
	engines[cfg.VFSName] = e
	return e, nil
}

// baseImage registers a fresh image VFS under name, or reuses one that a
// previous Init registered. A foreign VFS under the same name is the
// unknown-base failure mode.
func baseImage(name string) (*image.FS, error) {
	if existing := sqlitevfs.Find(name); existing != nil {
		img, ok := existing.(*image.FS)
		if !ok {
			return nil, errors.Wrapf(errdefs.ErrUnknownBaseVFS,
				"vfs %q is not an image file system", name)
		}
		return img, nil
	}
	img := image.New()
	sqlitevfs.Register(name, img)
	return img, nil
}

// Shutdown sends a best-effort cleanup to the worker, unregisters both
// VFS names, and drops all trackers. Handles obtained before Shutdown are
// invalid afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	enginesMu.Lock()
	delete(engines, e.Config.VFSName)
	enginesMu.Unlock()

	e.Coordinator.Cleanup(ctx)
	vfs.Unregister(e.Config.VFSName)
	sqlitevfs.Unregister(e.Config.BaseVFS)
	e.Registry.Shutdown()
	return e.client.Close()
}
