/*
 * Copyright (c) 2025. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"math/bits"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wasmdb/sqlite-pagestore/internal/constant"
	"github.com/wasmdb/sqlite-pagestore/internal/logging"
)

// Config is the surface the outer system tunes. TOML keys match the
// file shipped under misc/pagestore/config.toml.
type Config struct {
	Root string `toml:"root"`

	// PageSize is the flush granularity. Power of two, at least 512;
	// fixed for the lifetime of a backing store.
	PageSize int64 `toml:"page_size"`

	// IncrementalEnabled selects the partial-write path. When false
	// every persist is whole-file.
	IncrementalEnabled bool `toml:"incremental_enabled"`

	VFSName string `toml:"vfs_name"`
	BaseVFS string `toml:"base_vfs"`

	RequestTimeout time.Duration `toml:"request_timeout"`

	CapacityBytes int64 `toml:"capacity_bytes"`

	LogLevel    string `toml:"log_level"`
	LogDir      string `toml:"log_dir"`
	LogToStdout bool   `toml:"log_to_stdout"`

	RotateLogMaxSize    int  `toml:"log_rotate_max_size"`
	RotateLogMaxBackups int  `toml:"log_rotate_max_backups"`
	RotateLogMaxAge     int  `toml:"log_rotate_max_age"`
	RotateLogLocalTime  bool `toml:"log_rotate_local_time"`
	RotateLogCompress   bool `toml:"log_rotate_compress"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Root:               constant.DefaultRootDir,
		PageSize:           constant.DefaultPageSize,
		IncrementalEnabled: true,
		VFSName:            constant.DefaultVFSName,
		BaseVFS:            constant.DefaultBaseVFSName,
		RequestTimeout:     constant.DefaultRequestTimeout,
		CapacityBytes:      constant.DefaultCapacityBytes,
		LogLevel:           constant.DefaultLogLevel,
		RotateLogMaxSize:   100, // megabytes
		RotateLogMaxAge:    7,   // days
	}
}

// Load overlays the TOML file at path onto the defaults. A missing file
// keeps the defaults; a present but broken one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, errors.Wrapf(err, "load config file %q", path)
	}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config file %q", path)
	}
	return cfg, cfg.Validate()
}

// FillUpWithDefaults backfills empty fields on a hand-built Config.
func (c *Config) FillUpWithDefaults() {
	d := Default()
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.VFSName == "" {
		c.VFSName = d.VFSName
	}
	if c.BaseVFS == "" {
		c.BaseVFS = d.BaseVFS
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.Root, logging.DefaultLogDirName)
	}
}

func (c *Config) Validate() error {
	if c.PageSize < 512 || bits.OnesCount64(uint64(c.PageSize)) != 1 {
		return errors.Errorf("page_size %d is not a power of two >= 512", c.PageSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request_timeout %v is not positive", c.RequestTimeout)
	}
	if c.CapacityBytes < 0 {
		return errors.Errorf("capacity_bytes %d is negative", c.CapacityBytes)
	}
	return nil
}

// RotateLogArgs bundles the lumberjack knobs for logging.SetUp.
func (c *Config) RotateLogArgs() *logging.RotateLogArgs {
	return &logging.RotateLogArgs{
		RotateLogMaxSize:    c.RotateLogMaxSize,
		RotateLogMaxBackups: c.RotateLogMaxBackups,
		RotateLogMaxAge:     c.RotateLogMaxAge,
		RotateLogLocalTime:  c.RotateLogLocalTime,
		RotateLogCompress:   c.RotateLogCompress,
	}
}
