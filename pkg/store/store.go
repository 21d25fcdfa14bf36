/*
 * Copyright (c) 2024. WasmDB Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store is the worker-side backing store: a directory-scoped bbolt
// database holding one page-indexed bucket per logical file. It implements
// the narrow capability set the worker exposes over the protocol and
// nothing else; tracking is invisible here.
package store

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/wasmdb/sqlite-pagestore/pkg/errdefs"
)

const databaseFileName = "pagestore.db"

// Bucket hierarchy:
//	- v1
//		- config          (page_size, capacity, used)
//		- files
//			- <name>
//				- meta    (json fileMeta)
//				- pages   (u32 BE page index -> page bytes)
var (
	v1RootBucket = []byte("v1")
	configBucket = []byte("config")
	filesBucket  = []byte("files")
	metaKey      = []byte("meta")
	pagesBucket  = []byte("pages")

	pageSizeKey = []byte("page_size")
	capacityKey = []byte("capacity")
	usedKey     = []byte("used")
)

const metaCacheEntries = 256

type fileMeta struct {
	Size int64 `json:"size"`
}

// PageWrite is one page of a partial flush.
type PageWrite struct {
	Index uint32
	Data  []byte
}

// Store owns the backing files for one origin. All methods are safe for
// concurrent use.
type Store struct {
	db       *bolt.DB
	pageSize int64

	mu         sync.Mutex
	handles    map[int32]string
	nextHandle int32
	metaCache  *lru.Cache
}

// Opt configures Open.
type Opt func(*options)

type options struct {
	pageSize int64
	capacity int64
}

// WithPageSize sets the page granularity for partial writes. Must match
// the registry's page size; persisted on first open.
func WithPageSize(n int64) Opt {
	return func(o *options) { o.pageSize = n }
}

// WithCapacity sets the initial byte quota. Zero means unlimited.
func WithCapacity(n int64) Opt {
	return func(o *options) { o.capacity = n }
}

// Open creates or opens the backing database under rootDir.
func Open(rootDir string, opts ...Opt) (*Store, error) {
	o := options{pageSize: 4096}
	for _, fn := range opts {
		fn(&o)
	}
	if err := ensureDirectory(rootDir); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(rootDir, databaseFileName), 0600, &bolt.Options{Timeout: 4 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open backing database")
	}
	s := &Store{
		db:        db,
		pageSize:  o.pageSize,
		handles:   make(map[int32]string),
		metaCache: lru.New(metaCacheEntries),
	}
	if err := s.init(o); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize backing database")
	}
	return s, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

func (s *Store) init(o options) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(v1RootBucket)
		if err != nil {
			return err
		}
		cfg, err := root.CreateBucketIfNotExists(configBucket)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}
		if v := cfg.Get(pageSizeKey); v != nil {
			stored := int64(binary.BigEndian.Uint64(v))
			if stored != o.pageSize {
				return errors.Wrapf(errdefs.ErrInvalidArgument,
					"store was created with page size %d, got %d", stored, o.pageSize)
			}
		} else {
			if err := putInt64(cfg, pageSizeKey, o.pageSize); err != nil {
				return err
			}
		}
		if cfg.Get(capacityKey) == nil {
			if err := putInt64(cfg, capacityKey, o.capacity); err != nil {
				return err
			}
		}
		if cfg.Get(usedKey) == nil {
			if err := putInt64(cfg, usedKey, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func putInt64(b *bolt.Bucket, key []byte, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return b.Put(key, buf[:])
}

func getInt64(b *bolt.Bucket, key []byte) int64 {
	v := b.Get(key)
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func pageKey(index uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], index)
	return k[:]
}

func getConfigBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(configBucket)
}

func getFilesBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(filesBucket)
}

func getFileBucket(tx *bolt.Tx, name string) *bolt.Bucket {
	return getFilesBucket(tx).Bucket([]byte(name))
}

func createFileBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	fb, err := getFilesBucket(tx).CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if _, err := fb.CreateBucketIfNotExists(pagesBucket); err != nil {
		return nil, err
	}
	if fb.Get(metaKey) == nil {
		if err := putMeta(fb, &fileMeta{}); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

func putMeta(fb *bolt.Bucket, m *fileMeta) error {
	v, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal file meta")
	}
	return fb.Put(metaKey, v)
}

func getMeta(fb *bolt.Bucket) (*fileMeta, error) {
	v := fb.Get(metaKey)
	if v == nil {
		return nil, errdefs.ErrNotFound
	}
	var m fileMeta
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal file meta")
	}
	return &m, nil
}

// adjustUsed moves the global usage counter by delta and enforces the
// quota when delta is positive. A zero capacity is unlimited.
func adjustUsed(cfg *bolt.Bucket, delta int64) error {
	used := getInt64(cfg, usedKey) + delta
	if used < 0 {
		used = 0
	}
	capacity := getInt64(cfg, capacityKey)
	if delta > 0 && capacity > 0 && used > capacity {
		return errors.Wrapf(errdefs.ErrQuotaExceeded, "used %d of %d bytes", used, capacity)
	}
	return putInt64(cfg, usedKey, used)
}

func (s *Store) cacheMeta(name string, m *fileMeta) {
	s.mu.Lock()
	s.metaCache.Add(name, m)
	s.mu.Unlock()
}

func (s *Store) cachedMeta(name string) (*fileMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.metaCache.Get(name); ok {
		return v.(*fileMeta), true
	}
	return nil, false
}

func (s *Store) dropMeta(name string) {
	s.mu.Lock()
	s.metaCache.Remove(name)
	s.mu.Unlock()
}

// OpenFile returns a handle on name, creating the file when asked.
func (s *Store) OpenFile(name string, create bool) (int32, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if getFileBucket(tx, name) != nil {
			return nil
		}
		if !create {
			return errors.Wrapf(errdefs.ErrNotFound, "file %q", name)
		}
		_, err := createFileBucket(tx, name)
		return err
	})
	if err != nil {
		return -1, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	s.handles[s.nextHandle] = name
	return s.nextHandle, nil
}

// CloseFile releases a handle.
func (s *Store) CloseFile(h int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[h]; !ok {
		return errors.Wrapf(errdefs.ErrClosedHandle, "handle %d", h)
	}
	delete(s.handles, h)
	return nil
}

func (s *Store) handleName(h int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.handles[h]
	if !ok {
		return "", errors.Wrapf(errdefs.ErrClosedHandle, "handle %d", h)
	}
	return name, nil
}

// WriteAt writes p at offset off through a handle, growing the file as
// needed. Partial pages are read-modify-written.
func (s *Store) WriteAt(h int32, p []byte, off int64) (int, error) {
	name, err := s.handleName(h)
	if err != nil {
		return 0, err
	}
	if err := s.writeAt(name, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Store) writeAt(name string, p []byte, off int64) error {
	if off < 0 {
		return errors.Wrap(errdefs.ErrInvalidArgument, "negative offset")
	}
	if len(p) == 0 {
		return nil
	}
	var newMeta *fileMeta
	err := s.db.Update(func(tx *bolt.Tx) error {
		fb, err := createFileBucket(tx, name)
		if err != nil {
			return err
		}
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		end := off + int64(len(p))
		if end > m.Size {
			if err := adjustUsed(getConfigBucket(tx), end-m.Size); err != nil {
				return err
			}
			m.Size = end
		}
		pages := fb.Bucket(pagesBucket)
		for cur := off; cur < end; {
			idx := uint32(cur / s.pageSize)
			pageOff := cur % s.pageSize
			n := s.pageSize - pageOff
			if rem := end - cur; rem < n {
				n = rem
			}
			page := make([]byte, s.pageSize)
			if prev := pages.Get(pageKey(idx)); prev != nil {
				copy(page, prev)
			}
			copy(page[pageOff:], p[cur-off:cur-off+n])
			if err := pages.Put(pageKey(idx), page); err != nil {
				return err
			}
			cur += n
		}
		if err := putMeta(fb, m); err != nil {
			return err
		}
		newMeta = m
		return nil
	})
	if err != nil {
		return err
	}
	s.cacheMeta(name, newMeta)
	return nil
}

// ReadAt fills p from offset off. Bytes past EOF and holes read as zeros;
// n counts only bytes inside the file.
func (s *Store) ReadAt(h int32, p []byte, off int64) (int, error) {
	name, err := s.handleName(h)
	if err != nil {
		return 0, err
	}
	data, found, err := s.ReadFull(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Wrapf(errdefs.ErrNotFound, "file %q", name)
	}
	n := 0
	if off < int64(len(data)) {
		n = copy(p, data[off:])
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return n, nil
}

// Truncate sets the file size through a handle.
func (s *Store) Truncate(h int32, size int64) error {
	name, err := s.handleName(h)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		fb := getFileBucket(tx, name)
		if fb == nil {
			return errors.Wrapf(errdefs.ErrNotFound, "file %q", name)
		}
		_, err := s.truncateLocked(tx, fb, size)
		if err != nil {
			return err
		}
		s.dropMeta(name)
		return nil
	})
}

// truncateLocked shrinks or grows a file inside an open transaction and
// drops pages wholly past the new end.
func (s *Store) truncateLocked(tx *bolt.Tx, fb *bolt.Bucket, size int64) (*fileMeta, error) {
	if size < 0 {
		size = 0
	}
	m, err := getMeta(fb)
	if err != nil {
		return nil, err
	}
	if err := adjustUsed(getConfigBucket(tx), size-m.Size); err != nil {
		return nil, err
	}
	pages := fb.Bucket(pagesBucket)
	if size < m.Size {
		lastPage := int64(-1)
		if size > 0 {
			lastPage = (size - 1) / s.pageSize
		}
		c := pages.Cursor()
		var drop [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint32(k)) > lastPage {
				drop = append(drop, append([]byte(nil), k...))
			}
		}
		for _, k := range drop {
			if err := pages.Delete(k); err != nil {
				return nil, err
			}
		}
		// Zero the tail of the boundary page so reads past EOF stay zero
		// after a later grow.
		if size > 0 && size%s.pageSize != 0 {
			if prev := pages.Get(pageKey(uint32(lastPage))); prev != nil {
				page := make([]byte, s.pageSize)
				copy(page, prev[:size%s.pageSize])
				if err := pages.Put(pageKey(uint32(lastPage)), page); err != nil {
					return nil, err
				}
			}
		}
	}
	m.Size = size
	if err := putMeta(fb, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Sync flushes the database file. bbolt commits synchronously, so this is
// a barrier only.
func (s *Store) Sync(h int32) error {
	if _, err := s.handleName(h); err != nil {
		return err
	}
	return s.db.Sync()
}

// FileSize reports the logical size behind a handle.
func (s *Store) FileSize(h int32) (int64, error) {
	name, err := s.handleName(h)
	if err != nil {
		return 0, err
	}
	if m, ok := s.cachedMeta(name); ok {
		return m.Size, nil
	}
	var size int64
	err = s.db.View(func(tx *bolt.Tx) error {
		fb := getFileBucket(tx, name)
		if fb == nil {
			return errors.Wrapf(errdefs.ErrNotFound, "file %q", name)
		}
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		size = m.Size
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// Delete removes name and releases its quota.
func (s *Store) Delete(name string) error {
	s.dropMeta(name)
	return s.db.Update(func(tx *bolt.Tx) error {
		fb := getFileBucket(tx, name)
		if fb == nil {
			return errors.Wrapf(errdefs.ErrNotFound, "file %q", name)
		}
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		if err := adjustUsed(getConfigBucket(tx), -m.Size); err != nil {
			return err
		}
		return getFilesBucket(tx).DeleteBucket([]byte(name))
	})
}

// Exists probes for name without opening it.
func (s *Store) Exists(name string) (bool, error) {
	if _, ok := s.cachedMeta(name); ok {
		return true, nil
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = getFileBucket(tx, name) != nil
		return nil
	})
	return found, err
}

// List returns every logical filename in lexical order.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return getFilesBucket(tx).ForEach(func(k, v []byte) error {
			if v == nil { // nested buckets carry a nil value
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// Capacity reports the quota and current usage in bytes.
func (s *Store) Capacity() (capacity, used int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		cfg := getConfigBucket(tx)
		capacity = getInt64(cfg, capacityKey)
		used = getInt64(cfg, usedKey)
		return nil
	})
	return capacity, used, err
}

// AddCapacity grows the quota by n bytes and returns the new figures.
func (s *Store) AddCapacity(n int64) (capacity, used int64, err error) {
	if n < 0 {
		return 0, 0, errors.Wrap(errdefs.ErrInvalidArgument, "negative capacity delta")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		cfg := getConfigBucket(tx)
		capacity = getInt64(cfg, capacityKey) + n
		used = getInt64(cfg, usedKey)
		return putInt64(cfg, capacityKey, capacity)
	})
	return capacity, used, err
}

// WriteFull replaces the complete content of name.
func (s *Store) WriteFull(name string, data []byte) (int64, error) {
	var written int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		fb, err := createFileBucket(tx, name)
		if err != nil {
			return err
		}
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		if err := adjustUsed(getConfigBucket(tx), int64(len(data))-m.Size); err != nil {
			return err
		}
		if err := fb.DeleteBucket(pagesBucket); err != nil {
			return err
		}
		pages, err := fb.CreateBucket(pagesBucket)
		if err != nil {
			return err
		}
		for off := int64(0); off < int64(len(data)); off += s.pageSize {
			end := off + s.pageSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			page := make([]byte, s.pageSize)
			copy(page, data[off:end])
			if err := pages.Put(pageKey(uint32(off/s.pageSize)), page); err != nil {
				return err
			}
		}
		m.Size = int64(len(data))
		written = m.Size
		return putMeta(fb, m)
	})
	if err != nil {
		s.dropMeta(name)
		return 0, err
	}
	s.cacheMeta(name, &fileMeta{Size: written})
	return written, nil
}

// ReadFull assembles the complete content of name. Missing files return
// found=false with no error; holes read as zeros.
func (s *Store) ReadFull(name string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		fb := getFileBucket(tx, name)
		if fb == nil {
			return nil
		}
		found = true
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		data = make([]byte, m.Size)
		return fb.Bucket(pagesBucket).ForEach(func(k, v []byte) error {
			off := int64(binary.BigEndian.Uint32(k)) * s.pageSize
			if off >= m.Size {
				return nil
			}
			copy(data[off:], v)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// WritePages services the partial-write protocol: open (creating), write
// every page, truncate to fileSize, one sync, close — all one atomic
// transaction. The first failing page aborts the whole batch and is named
// in the error.
func (s *Store) WritePages(name string, pageSize, fileSize int64, pages []PageWrite) error {
	if pageSize != s.pageSize {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"flush page size %d does not match store page size %d", pageSize, s.pageSize)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		fb, err := createFileBucket(tx, name)
		if err != nil {
			return err
		}
		m, err := getMeta(fb)
		if err != nil {
			return err
		}
		pb := fb.Bucket(pagesBucket)
		size := m.Size
		for _, pw := range pages {
			if int64(len(pw.Data)) != s.pageSize {
				return &errdefs.PartialWriteError{
					PageIndex: pw.Index,
					Err:       errors.Wrapf(errdefs.ErrInvalidArgument, "page of %d bytes", len(pw.Data)),
				}
			}
			if err := pb.Put(pageKey(pw.Index), pw.Data); err != nil {
				return &errdefs.PartialWriteError{PageIndex: pw.Index, Err: err}
			}
			if end := (int64(pw.Index) + 1) * s.pageSize; end > size {
				size = end
			}
		}
		if err := adjustUsed(getConfigBucket(tx), size-m.Size); err != nil {
			return err
		}
		m.Size = size
		if err := putMeta(fb, m); err != nil {
			return err
		}
		if _, err := s.truncateLocked(tx, fb, fileSize); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.dropMeta(name)
		return err
	}
	s.cacheMeta(name, &fileMeta{Size: fileSize})
	return nil
}

// Cleanup closes every open handle and flushes the database without
// closing it. Sent best-effort before the hosting process terminates.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	s.handles = make(map[int32]string)
	s.mu.Unlock()
	return s.db.Sync()
}

// Close releases the database. Open handles are invalidated.
func (s *Store) Close() error {
	s.mu.Lock()
	s.handles = make(map[int32]string)
	s.metaCache = lru.New(metaCacheEntries)
	s.mu.Unlock()
	return s.db.Close()
}

// PageSize returns the store's page granularity.
func (s *Store) PageSize() int64 {
	return s.pageSize
}
