// Copyright 2026 The Userspacefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boltfs provides a persistent backend over a single-file bolt
// store. Object metadata lives in one bucket keyed by rooted path, file
// content in another, so directory listings and subtree renames are
// ordered key scans inside one transaction.
//
// Open handles address their object by path key. An object renamed away
// or removed while a handle is open reads as stale through that handle;
// hosts that need POSIX unlinked-but-open semantics should front this
// backend with memfs instead.
package boltfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

const blockSize = 4096

var (
	attrBucket = []byte("attrs")
	dataBucket = []byte("data")
)

// nodeRec is the stored metadata of one object.
type nodeRec struct {
	mode   os.FileMode
	uid    uint32
	gid    uint32
	size   uint64
	atime  time.Time
	mtime  time.Time
	ctime  time.Time
	crtime time.Time
	target string // symlinks only
}

const recFixedLen = 4 + 4 + 4 + 8 + 4*8

func encodeNode(n nodeRec) []byte {
	buf := make([]byte, 0, recFixedLen+len(n.target))
	buf = binary.BigEndian.AppendUint32(buf, uint32(n.mode))
	buf = binary.BigEndian.AppendUint32(buf, n.uid)
	buf = binary.BigEndian.AppendUint32(buf, n.gid)
	buf = binary.BigEndian.AppendUint64(buf, n.size)
	for _, t := range []time.Time{n.atime, n.mtime, n.ctime, n.crtime} {
		buf = binary.BigEndian.AppendUint64(buf, uint64(t.UnixNano()))
	}
	return append(buf, n.target...)
}

func decodeNode(op, path string, buf []byte) (nodeRec, error) {
	if len(buf) < recFixedLen {
		return nodeRec{}, fs.E(fs.IOError, op, path)
	}
	var n nodeRec
	n.mode = os.FileMode(binary.BigEndian.Uint32(buf[0:4]))
	n.uid = binary.BigEndian.Uint32(buf[4:8])
	n.gid = binary.BigEndian.Uint32(buf[8:12])
	n.size = binary.BigEndian.Uint64(buf[12:20])
	times := []*time.Time{&n.atime, &n.mtime, &n.ctime, &n.crtime}
	for i, t := range times {
		*t = time.Unix(0, int64(binary.BigEndian.Uint64(buf[20+8*i:])))
	}
	n.target = string(buf[recFixedLen:])
	return n, nil
}

func (n nodeRec) attr() fs.Attr {
	return fs.Attr{
		Size:      n.size,
		Blocks:    (n.size + 511) / 512,
		Mode:      n.mode,
		Nlink:     1,
		Uid:       n.uid,
		Gid:       n.gid,
		Atime:     n.atime,
		Mtime:     n.mtime,
		Ctime:     n.ctime,
		Crtime:    n.crtime,
		BlockSize: blockSize,
	}
}

// FS is a bolt-backed filesystem.
type FS struct {
	db  *bolt.DB
	uid uint32
	gid uint32
}

var _ fs.FileSystem = (*FS)(nil)

// Open opens (creating if needed) the store at file and ensures the root
// directory record exists.
func Open(file string) (*FS, error) {
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", file, err)
	}
	m := &FS{
		db:  db,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		attrs, err := tx.CreateBucketIfNotExists(attrBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		if attrs.Get([]byte("/")) != nil {
			return nil
		}
		now := time.Now()
		root := nodeRec{
			mode: os.ModeDir | 0o755, uid: m.uid, gid: m.gid,
			atime: now, mtime: now, ctime: now, crtime: now,
		}
		return attrs.Put([]byte("/"), encodeNode(root))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store %s: %w", file, err)
	}
	return m, nil
}

// Close releases the store file.
func (m *FS) Close() error {
	return m.db.Close()
}

func normalize(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	return "/" + strings.Trim(path, "/")
}

// childPrefix is the key prefix under which a directory's descendants sort.
func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// parentOf splits a non-root path into its parent key and final name.
func parentOf(op, path string) (string, string, error) {
	if path == "/" {
		return "", "", fs.E(fs.InvalidArgument, op, path)
	}
	i := strings.LastIndexByte(path, '/')
	parent := path[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, path[i+1:], nil
}

func getNode(op string, attrs *bolt.Bucket, path string) (nodeRec, error) {
	v := attrs.Get([]byte(path))
	if v == nil {
		return nodeRec{}, fs.E(fs.NotFound, op, path)
	}
	return decodeNode(op, path, v)
}

// requireDir verifies the parent of path exists and is a directory.
func requireDir(op string, attrs *bolt.Bucket, path string) (nodeRec, error) {
	n, err := getNode(op, attrs, path)
	if err != nil {
		return nodeRec{}, err
	}
	if !n.mode.IsDir() {
		return nodeRec{}, fs.E(fs.NotADirectory, op, path)
	}
	return n, nil
}

// dirEmpty reports whether the directory at path has no entries.
func dirEmpty(attrs *bolt.Bucket, path string) bool {
	prefix := []byte(childPrefix(path))
	k, _ := attrs.Cursor().Seek(prefix)
	return k == nil || !bytes.HasPrefix(k, prefix)
}

func touchParent(op string, attrs *bolt.Bucket, parent string) error {
	n, err := getNode(op, attrs, parent)
	if err != nil {
		return err
	}
	n.mtime = time.Now()
	return attrs.Put([]byte(parent), encodeNode(n))
}

func (m *FS) Stat(ctx context.Context, path string) (fs.Attr, error) {
	path = normalize(path)
	var attr fs.Attr
	err := m.db.View(func(tx *bolt.Tx) error {
		n, err := getNode("stat", tx.Bucket(attrBucket), path)
		if err != nil {
			return err
		}
		attr = n.attr()
		return nil
	})
	return attr, err
}

func (m *FS) SetAttr(ctx context.Context, path string, sa fs.SetAttr) (fs.Attr, error) {
	path = normalize(path)
	var attr fs.Attr
	err := m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		n, err := getNode("setattr", attrs, path)
		if err != nil {
			return err
		}
		if sa.Mode != nil {
			n.mode = n.mode&os.ModeType | *sa.Mode&os.ModePerm
		}
		if sa.Uid != nil {
			n.uid = *sa.Uid
		}
		if sa.Gid != nil {
			n.gid = *sa.Gid
		}
		if sa.Size != nil {
			if n.mode.IsDir() {
				return fs.E(fs.IsADirectory, "setattr", path)
			}
			data := tx.Bucket(dataBucket)
			if err := data.Put([]byte(path), resize(data.Get([]byte(path)), *sa.Size)); err != nil {
				return err
			}
			n.size = *sa.Size
			n.mtime = time.Now()
		}
		if sa.Atime != nil {
			n.atime = *sa.Atime
		}
		if sa.Mtime != nil {
			n.mtime = *sa.Mtime
		}
		n.ctime = time.Now()
		attr = n.attr()
		return attrs.Put([]byte(path), encodeNode(n))
	})
	return attr, err
}

// resize copies data to the requested size. bolt values are only valid
// inside their transaction, so the result never aliases the stored slice.
func resize(data []byte, size uint64) []byte {
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

func (m *FS) Lookup(ctx context.Context, dir string, name string) (fs.Attr, error) {
	dir = normalize(dir)
	path := childPrefix(dir) + name
	var attr fs.Attr
	err := m.db.View(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		if _, err := requireDir("lookup", attrs, dir); err != nil {
			return err
		}
		n, err := getNode("lookup", attrs, path)
		if err != nil {
			return err
		}
		attr = n.attr()
		return nil
	})
	return attr, err
}

func (m *FS) Open(ctx context.Context, path string, flags fs.OpenFlags) (fs.FileHandle, error) {
	path = normalize(path)
	err := m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		n, err := getNode("open", attrs, path)
		if err != nil {
			return err
		}
		if n.mode.IsDir() {
			return fs.E(fs.IsADirectory, "open", path)
		}
		if flags&fs.Truncate != 0 && flags.Writable() && n.size > 0 {
			if err := tx.Bucket(dataBucket).Put([]byte(path), nil); err != nil {
				return err
			}
			n.size = 0
			n.mtime = time.Now()
			return attrs.Put([]byte(path), encodeNode(n))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fileHandle{fs: m, key: path, flags: flags}, nil
}

func (m *FS) Create(ctx context.Context, path string, flags fs.OpenFlags, mode os.FileMode) (fs.FileHandle, fs.Attr, error) {
	path = normalize(path)
	var attr fs.Attr
	err := m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		parent, _, err := parentOf("create", path)
		if err != nil {
			return err
		}
		if _, err := requireDir("create", attrs, parent); err != nil {
			return err
		}
		if v := attrs.Get([]byte(path)); v != nil {
			if flags&fs.Exclusive != 0 {
				return fs.E(fs.Exists, "create", path)
			}
			n, err := decodeNode("create", path, v)
			if err != nil {
				return err
			}
			if n.mode.IsDir() {
				return fs.E(fs.IsADirectory, "create", path)
			}
			if flags&fs.Truncate != 0 && n.size > 0 {
				if err := tx.Bucket(dataBucket).Put([]byte(path), nil); err != nil {
					return err
				}
				n.size = 0
				n.mtime = time.Now()
				if err := attrs.Put([]byte(path), encodeNode(n)); err != nil {
					return err
				}
			}
			attr = n.attr()
			return nil
		}
		now := time.Now()
		n := nodeRec{
			mode: mode & os.ModePerm, uid: m.uid, gid: m.gid,
			atime: now, mtime: now, ctime: now, crtime: now,
		}
		if err := attrs.Put([]byte(path), encodeNode(n)); err != nil {
			return err
		}
		attr = n.attr()
		return touchParent("create", attrs, parent)
	})
	if err != nil {
		return nil, fs.Attr{}, err
	}
	return &fileHandle{fs: m, key: path, flags: flags}, attr, nil
}

func (m *FS) OpenDir(ctx context.Context, path string) (fs.DirHandle, error) {
	path = normalize(path)
	err := m.db.View(func(tx *bolt.Tx) error {
		_, err := requireDir("opendir", tx.Bucket(attrBucket), path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &dirHandle{fs: m, key: path}, nil
}

func (m *FS) Mkdir(ctx context.Context, path string, mode os.FileMode) (fs.Attr, error) {
	path = normalize(path)
	var attr fs.Attr
	err := m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		parent, _, err := parentOf("mkdir", path)
		if err != nil {
			return err
		}
		if _, err := requireDir("mkdir", attrs, parent); err != nil {
			return err
		}
		if attrs.Get([]byte(path)) != nil {
			return fs.E(fs.Exists, "mkdir", path)
		}
		now := time.Now()
		n := nodeRec{
			mode: os.ModeDir | mode&os.ModePerm, uid: m.uid, gid: m.gid,
			atime: now, mtime: now, ctime: now, crtime: now,
		}
		if err := attrs.Put([]byte(path), encodeNode(n)); err != nil {
			return err
		}
		attr = n.attr()
		return touchParent("mkdir", attrs, parent)
	})
	return attr, err
}

func (m *FS) Rmdir(ctx context.Context, path string) error {
	path = normalize(path)
	return m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		parent, _, err := parentOf("rmdir", path)
		if err != nil {
			return err
		}
		n, err := getNode("rmdir", attrs, path)
		if err != nil {
			return err
		}
		if !n.mode.IsDir() {
			return fs.E(fs.NotADirectory, "rmdir", path)
		}
		if !dirEmpty(attrs, path) {
			return fs.E(fs.NotEmpty, "rmdir", path)
		}
		if err := attrs.Delete([]byte(path)); err != nil {
			return err
		}
		return touchParent("rmdir", attrs, parent)
	})
}

func (m *FS) Unlink(ctx context.Context, path string) error {
	path = normalize(path)
	return m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		parent, _, err := parentOf("unlink", path)
		if err != nil {
			return err
		}
		n, err := getNode("unlink", attrs, path)
		if err != nil {
			return err
		}
		if n.mode.IsDir() {
			return fs.E(fs.IsADirectory, "unlink", path)
		}
		if err := attrs.Delete([]byte(path)); err != nil {
			return err
		}
		if err := tx.Bucket(dataBucket).Delete([]byte(path)); err != nil {
			return err
		}
		return touchParent("unlink", attrs, parent)
	})
}

func (m *FS) Rename(ctx context.Context, oldpath, newpath string, replace bool) error {
	oldpath = normalize(oldpath)
	newpath = normalize(newpath)
	if oldpath == newpath {
		return m.db.View(func(tx *bolt.Tx) error {
			_, err := getNode("rename", tx.Bucket(attrBucket), oldpath)
			return err
		})
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		data := tx.Bucket(dataBucket)

		src, err := getNode("rename", attrs, oldpath)
		if err != nil {
			return err
		}
		newParent, _, err := parentOf("rename", newpath)
		if err != nil {
			return err
		}
		if _, err := requireDir("rename", attrs, newParent); err != nil {
			return err
		}

		if v := attrs.Get([]byte(newpath)); v != nil {
			if !replace {
				return fs.E(fs.Exists, "rename", newpath)
			}
			dst, err := decodeNode("rename", newpath, v)
			if err != nil {
				return err
			}
			if dst.mode.IsDir() {
				if !src.mode.IsDir() {
					return fs.E(fs.IsADirectory, "rename", newpath)
				}
				if !dirEmpty(attrs, newpath) {
					return fs.E(fs.NotEmpty, "rename", newpath)
				}
			} else if src.mode.IsDir() {
				return fs.E(fs.NotADirectory, "rename", newpath)
			}
			if err := attrs.Delete([]byte(newpath)); err != nil {
				return err
			}
			if err := data.Delete([]byte(newpath)); err != nil {
				return err
			}
		}

		// Move the object, then re-key every descendant in both buckets.
		if err := moveKey(attrs, oldpath, newpath); err != nil {
			return err
		}
		if err := moveKey(data, oldpath, newpath); err != nil {
			return err
		}
		if src.mode.IsDir() {
			oldPrefix := childPrefix(oldpath)
			newPrefix := childPrefix(newpath)
			for _, b := range []*bolt.Bucket{attrs, data} {
				if err := moveSubtree(b, oldPrefix, newPrefix); err != nil {
					return err
				}
			}
		}

		oldParent, _, err := parentOf("rename", oldpath)
		if err != nil {
			return err
		}
		if err := touchParent("rename", attrs, oldParent); err != nil {
			return err
		}
		if newParent != oldParent {
			return touchParent("rename", attrs, newParent)
		}
		return nil
	})
}

func moveKey(b *bolt.Bucket, from, to string) error {
	v := b.Get([]byte(from))
	if v == nil {
		return nil
	}
	if err := b.Put([]byte(to), append([]byte(nil), v...)); err != nil {
		return err
	}
	return b.Delete([]byte(from))
}

// moveSubtree re-keys every entry under oldPrefix. Keys are collected
// before rewriting; bolt cursors don't tolerate concurrent mutation of
// the range they walk.
func moveSubtree(b *bolt.Bucket, oldPrefix, newPrefix string) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek([]byte(oldPrefix)); k != nil && bytes.HasPrefix(k, []byte(oldPrefix)); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		to := newPrefix + string(k[len(oldPrefix):])
		if err := moveKey(b, string(k), to); err != nil {
			return err
		}
	}
	return nil
}

func (m *FS) Symlink(ctx context.Context, target, path string) (fs.Attr, error) {
	path = normalize(path)
	var attr fs.Attr
	err := m.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		parent, _, err := parentOf("symlink", path)
		if err != nil {
			return err
		}
		if _, err := requireDir("symlink", attrs, parent); err != nil {
			return err
		}
		if attrs.Get([]byte(path)) != nil {
			return fs.E(fs.Exists, "symlink", path)
		}
		now := time.Now()
		n := nodeRec{
			mode: os.ModeSymlink | 0o777, uid: m.uid, gid: m.gid,
			atime: now, mtime: now, ctime: now, crtime: now,
			size: uint64(len(target)), target: target,
		}
		if err := attrs.Put([]byte(path), encodeNode(n)); err != nil {
			return err
		}
		attr = n.attr()
		return touchParent("symlink", attrs, parent)
	})
	return attr, err
}

func (m *FS) Readlink(ctx context.Context, path string) (string, error) {
	path = normalize(path)
	var target string
	err := m.db.View(func(tx *bolt.Tx) error {
		n, err := getNode("readlink", tx.Bucket(attrBucket), path)
		if err != nil {
			return err
		}
		if n.mode&os.ModeSymlink == 0 {
			return fs.E(fs.InvalidArgument, "readlink", path)
		}
		target = n.target
		return nil
	})
	return target, err
}

func (m *FS) StatFS(ctx context.Context) (fs.StatFS, error) {
	var files uint64
	m.db.View(func(tx *bolt.Tx) error {
		files = uint64(tx.Bucket(attrBucket).Stats().KeyN)
		return nil
	})
	return fs.StatFS{
		Blocks:      1 << 24,
		BlocksFree:  1 << 23,
		BlocksAvail: 1 << 23,
		Files:       files + 1<<20,
		FilesFree:   1 << 20,
		BlockSize:   blockSize,
		NameMax:     255,
	}, nil
}

// fileHandle is one open file, addressed by its path key at open time.
type fileHandle struct {
	fs    *FS
	key   string
	flags fs.OpenFlags
}

// stale converts a missing key into StaleHandle: the object was renamed or
// removed after this handle was opened.
func stale(op string, err error) error {
	if fs.KindOf(err) == fs.NotFound {
		return fs.E(fs.StaleHandle, op, "")
	}
	return err
}

func (h *fileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.flags.Readable() {
		return 0, fs.E(fs.PermissionDenied, "read", h.key)
	}
	var n int
	err := h.fs.db.View(func(tx *bolt.Tx) error {
		if _, err := getNode("read", tx.Bucket(attrBucket), h.key); err != nil {
			return stale("read", err)
		}
		data := tx.Bucket(dataBucket).Get([]byte(h.key))
		if off >= int64(len(data)) {
			return nil
		}
		n = copy(p, data[off:])
		return nil
	})
	return n, err
}

func (h *fileHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.flags.Writable() {
		return 0, fs.E(fs.PermissionDenied, "write", h.key)
	}
	err := h.fs.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		rec, err := getNode("write", attrs, h.key)
		if err != nil {
			return stale("write", err)
		}
		data := tx.Bucket(dataBucket)
		old := data.Get([]byte(h.key))
		if h.flags&fs.Append != 0 {
			off = int64(len(old))
		}
		end := off + int64(len(p))
		buf := old
		if end > int64(len(old)) {
			buf = resize(old, uint64(end))
		} else {
			buf = append([]byte(nil), old...)
		}
		copy(buf[off:], p)
		if err := data.Put([]byte(h.key), buf); err != nil {
			return err
		}
		rec.size = uint64(len(buf))
		rec.mtime = time.Now()
		return attrs.Put([]byte(h.key), encodeNode(rec))
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *fileHandle) Attr(ctx context.Context) (fs.Attr, error) {
	var attr fs.Attr
	err := h.fs.db.View(func(tx *bolt.Tx) error {
		n, err := getNode("fstat", tx.Bucket(attrBucket), h.key)
		if err != nil {
			return stale("fstat", err)
		}
		attr = n.attr()
		return nil
	})
	return attr, err
}

func (h *fileHandle) Flush(ctx context.Context) error { return nil }

// Fsync is a no-op: every update transaction commits through an fsync of
// the store file before it returns.
func (h *fileHandle) Fsync(ctx context.Context, dataOnly bool) error { return nil }

func (h *fileHandle) Close(ctx context.Context) error { return nil }

// dirHandle lists a directory by scanning its key range.
type dirHandle struct {
	fs  *FS
	key string
}

func (h *dirHandle) ReadDir(ctx context.Context) ([]fs.DirEntry, error) {
	var entries []fs.DirEntry
	err := h.fs.db.View(func(tx *bolt.Tx) error {
		attrs := tx.Bucket(attrBucket)
		if _, err := requireDir("readdir", attrs, h.key); err != nil {
			return stale("readdir", err)
		}
		prefix := []byte(childPrefix(h.key))
		c := attrs.Cursor()
		k, v := c.Seek(prefix)
		for k != nil && bytes.HasPrefix(k, prefix) {
			rest := k[len(prefix):]
			if len(rest) == 0 {
				// The root record is its own prefix.
				k, v = c.Next()
				continue
			}
			if i := bytes.IndexByte(rest, '/'); i >= 0 {
				// A descendant: skip past this child's subtree.
				// '/'+1 == '0', so bumping the separator seeks to
				// the first key after every key under the child.
				skip := append([]byte(nil), k[:len(prefix)+i]...)
				skip = append(skip, '0')
				k, v = c.Seek(skip)
				continue
			}
			n, err := decodeNode("readdir", string(k), v)
			if err != nil {
				return err
			}
			entries = append(entries, fs.DirEntry{
				Name: string(rest),
				Mode: n.mode & os.ModeType,
			})
			k, v = c.Next()
		}
		return nil
	})
	return entries, err
}

func (h *dirHandle) Close(ctx context.Context) error { return nil }
