/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// pagestore-worker hosts the persistence worker outside a browser: it
// serves the worker protocol over stdio or a unix socket against a local
// backing store, and offers maintenance commands for store inspection.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wasmdb/sqlite-pagestore/config"
	"github.com/wasmdb/sqlite-pagestore/internal/logging"
	"github.com/wasmdb/sqlite-pagestore/pkg/metrics"
	"github.com/wasmdb/sqlite-pagestore/pkg/protocol"
	"github.com/wasmdb/sqlite-pagestore/pkg/store"
	"github.com/wasmdb/sqlite-pagestore/pkg/worker"
	"github.com/wasmdb/sqlite-pagestore/version"
)

func main() {
	app := &cli.App{
		Name:    "pagestore-worker",
		Usage:   "SQLite page persistence worker",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the TOML configuration file"},
			&cli.StringFlag{Name: "root", Usage: "backing store directory"},
			&cli.StringFlag{Name: "log-level", Usage: "logging level: trace, debug, info, warning, error, fatal, panic"},
			&cli.BoolFlag{Name: "log-to-stdout", Usage: "log to stdout instead of the rotating file"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the worker protocol",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sock", Usage: "unix socket to listen on; stdio when empty"},
					&cli.StringFlag{Name: "metrics-addr", Usage: "address to expose prometheus metrics on"},
				},
				Action: serveAction,
			},
			{
				Name:   "list",
				Usage:  "list the files in the backing store",
				Action: listAction,
			},
			{
				Name:  "capacity",
				Usage: "show the store quota and usage",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "add", Usage: "grow the quota by this many bytes"},
				},
				Action: capacityAction,
			},
			{
				Name:   "cleanup",
				Usage:  "flush the backing store and release handles",
				Action: cleanupAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("pagestore-worker failed")
	}
}

func setup(c *cli.Context) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}
	if v := c.String("root"); v != "" {
		cfg.Root = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.Bool("log-to-stdout") {
		cfg.LogToStdout = true
	}
	cfg.FillUpWithDefaults()

	if err := logging.SetUp(cfg.LogLevel, cfg.LogToStdout, cfg.LogDir, cfg.RotateLogArgs()); err != nil {
		return nil, nil, errors.Wrap(err, "set up logger")
	}

	s, err := store.Open(cfg.Root,
		store.WithPageSize(cfg.PageSize),
		store.WithCapacity(cfg.CapacityBytes),
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open backing store under %q", cfg.Root)
	}
	return cfg, s, nil
}

func serveAction(c *cli.Context) error {
	_, s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(logging.WithContext(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(s)
	log.G(ctx).Infof("Starting pagestore-worker. PID %d Version %s", os.Getpid(), version.Version)

	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				log.G(ctx).WithError(err).Error("Metrics server failed")
			}
		}()
	}

	sock := c.String("sock")
	if sock == "" {
		return w.Serve(ctx, protocol.NewStream(stdio{}))
	}

	if err := os.RemoveAll(sock); err != nil {
		return errors.Wrapf(err, "remove stale socket %q", sock)
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", sock)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept connection")
			}
			if err := w.Serve(ctx, protocol.NewStream(conn)); err != nil {
				log.G(ctx).WithError(err).Warn("Connection ended with error")
			}
		}
	})
	return g.Wait()
}

func listAction(c *cli.Context) error {
	_, s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.Close()

	files, err := s.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

func capacityAction(c *cli.Context) error {
	_, s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.Close()

	capacity, used, err := s.Capacity()
	if add := c.Int64("add"); err == nil && add > 0 {
		capacity, used, err = s.AddCapacity(add)
	}
	if err != nil {
		return err
	}
	if capacity == 0 {
		fmt.Printf("capacity: unlimited, used: %d bytes\n", used)
	} else {
		fmt.Printf("capacity: %d bytes, used: %d bytes\n", capacity, used)
	}
	return nil
}

func cleanupAction(c *cli.Context) error {
	_, s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Cleanup()
}

// stdio adapts the process's standard streams to a ReadWriteCloser for
// the frame transport.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdout.Close() }

var _ io.ReadWriteCloser = stdio{}
