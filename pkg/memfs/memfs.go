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

// Package memfs provides an in-memory reference backend. It implements the
// full fs.FileSystem surface and is primarily used by tests and as a
// scratch filesystem for trying out the host transports.
package memfs

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

const blockSize = 4096

// memNode is one object in the tree. Directories carry an ordered entry
// set; files carry data; symlinks carry a target.
type memNode struct {
	mode   os.FileMode
	uid    uint32
	gid    uint32
	atime  time.Time
	mtime  time.Time
	ctime  time.Time
	crtime time.Time

	data     []byte       // regular files
	target   string       // symlinks
	children *btree.BTree // directories, ordered by entry name
	nlink    uint32
}

type dirent struct {
	name string
	node *memNode
}

func (d *dirent) Less(than btree.Item) bool {
	return d.name < than.(*dirent).name
}

// FS is an in-memory filesystem. A single mutex guards the whole tree;
// this backend optimizes for predictability, not throughput.
type FS struct {
	mu   sync.Mutex
	root *memNode
	uid  uint32
	gid  uint32
}

var _ fs.FileSystem = (*FS)(nil)

// New constructs an empty in-memory filesystem. New objects are owned by
// the current process's uid/gid.
func New() *FS {
	m := &FS{
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
	m.root = m.newNode(os.ModeDir | 0o755)
	return m
}

func (m *FS) newNode(mode os.FileMode) *memNode {
	now := time.Now()
	n := &memNode{
		mode:   mode,
		uid:    m.uid,
		gid:    m.gid,
		atime:  now,
		mtime:  now,
		ctime:  now,
		crtime: now,
		nlink:  1,
	}
	if mode.IsDir() {
		n.children = btree.New(8)
		n.nlink = 2
	}
	return n
}

// split breaks a rooted path into segments; the root is the empty slice.
func split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// resolve walks the tree to the node at path.
func (m *FS) resolve(op, path string) (*memNode, error) {
	n := m.root
	for _, seg := range split(path) {
		if !n.mode.IsDir() {
			return nil, fs.E(fs.NotADirectory, op, path)
		}
		item := n.children.Get(&dirent{name: seg})
		if item == nil {
			return nil, fs.E(fs.NotFound, op, path)
		}
		n = item.(*dirent).node
	}
	return n, nil
}

// resolveParent walks to the directory containing path and returns it with
// the final path segment.
func (m *FS) resolveParent(op, path string) (*memNode, string, error) {
	segs := split(path)
	if len(segs) == 0 {
		return nil, "", fs.E(fs.InvalidArgument, op, path)
	}
	dir := m.root
	for _, seg := range segs[:len(segs)-1] {
		if !dir.mode.IsDir() {
			return nil, "", fs.E(fs.NotADirectory, op, path)
		}
		item := dir.children.Get(&dirent{name: seg})
		if item == nil {
			return nil, "", fs.E(fs.NotFound, op, path)
		}
		dir = item.(*dirent).node
	}
	if !dir.mode.IsDir() {
		return nil, "", fs.E(fs.NotADirectory, op, path)
	}
	return dir, segs[len(segs)-1], nil
}

func (n *memNode) attr() fs.Attr {
	size := uint64(len(n.data))
	if n.mode&os.ModeSymlink != 0 {
		size = uint64(len(n.target))
	}
	return fs.Attr{
		Size:      size,
		Blocks:    (size + 511) / 512,
		Mode:      n.mode,
		Nlink:     n.nlink,
		Uid:       n.uid,
		Gid:       n.gid,
		Atime:     n.atime,
		Mtime:     n.mtime,
		Ctime:     n.ctime,
		Crtime:    n.crtime,
		BlockSize: blockSize,
	}
}

func (m *FS) Stat(ctx context.Context, path string) (fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve("stat", path)
	if err != nil {
		return fs.Attr{}, err
	}
	return n.attr(), nil
}

func (m *FS) SetAttr(ctx context.Context, path string, attr fs.SetAttr) (fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve("setattr", path)
	if err != nil {
		return fs.Attr{}, err
	}
	if attr.Mode != nil {
		n.mode = n.mode&os.ModeType | *attr.Mode&os.ModePerm
	}
	if attr.Uid != nil {
		n.uid = *attr.Uid
	}
	if attr.Gid != nil {
		n.gid = *attr.Gid
	}
	if attr.Size != nil {
		if n.mode.IsDir() {
			return fs.Attr{}, fs.E(fs.IsADirectory, "setattr", path)
		}
		n.data = resize(n.data, *attr.Size)
		n.mtime = time.Now()
	}
	if attr.Atime != nil {
		n.atime = *attr.Atime
	}
	if attr.Mtime != nil {
		n.mtime = *attr.Mtime
	}
	n.ctime = time.Now()
	return n.attr(), nil
}

func resize(data []byte, size uint64) []byte {
	if size <= uint64(len(data)) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

func (m *FS) Lookup(ctx context.Context, dir string, name string) (fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.resolve("lookup", dir)
	if err != nil {
		return fs.Attr{}, err
	}
	if !d.mode.IsDir() {
		return fs.Attr{}, fs.E(fs.NotADirectory, "lookup", dir)
	}
	item := d.children.Get(&dirent{name: name})
	if item == nil {
		return fs.Attr{}, fs.E(fs.NotFound, "lookup", dir+"/"+name)
	}
	return item.(*dirent).node.attr(), nil
}

func (m *FS) Open(ctx context.Context, path string, flags fs.OpenFlags) (fs.FileHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve("open", path)
	if err != nil {
		return nil, err
	}
	if n.mode.IsDir() {
		return nil, fs.E(fs.IsADirectory, "open", path)
	}
	if flags&fs.Truncate != 0 && flags.Writable() {
		n.data = nil
		n.mtime = time.Now()
	}
	return &fileHandle{fs: m, node: n, flags: flags}, nil
}

func (m *FS) Create(ctx context.Context, path string, flags fs.OpenFlags, mode os.FileMode) (fs.FileHandle, fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, name, err := m.resolveParent("create", path)
	if err != nil {
		return nil, fs.Attr{}, err
	}
	if item := dir.children.Get(&dirent{name: name}); item != nil {
		if flags&fs.Exclusive != 0 {
			return nil, fs.Attr{}, fs.E(fs.Exists, "create", path)
		}
		n := item.(*dirent).node
		if n.mode.IsDir() {
			return nil, fs.Attr{}, fs.E(fs.IsADirectory, "create", path)
		}
		if flags&fs.Truncate != 0 {
			n.data = nil
			n.mtime = time.Now()
		}
		return &fileHandle{fs: m, node: n, flags: flags}, n.attr(), nil
	}
	n := m.newNode(mode & os.ModePerm)
	dir.children.ReplaceOrInsert(&dirent{name: name, node: n})
	dir.mtime = time.Now()
	return &fileHandle{fs: m, node: n, flags: flags}, n.attr(), nil
}

func (m *FS) OpenDir(ctx context.Context, path string) (fs.DirHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve("opendir", path)
	if err != nil {
		return nil, err
	}
	if !n.mode.IsDir() {
		return nil, fs.E(fs.NotADirectory, "opendir", path)
	}
	return &dirHandle{fs: m, node: n}, nil
}

func (m *FS) Mkdir(ctx context.Context, path string, mode os.FileMode) (fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, name, err := m.resolveParent("mkdir", path)
	if err != nil {
		return fs.Attr{}, err
	}
	if dir.children.Get(&dirent{name: name}) != nil {
		return fs.Attr{}, fs.E(fs.Exists, "mkdir", path)
	}
	n := m.newNode(os.ModeDir | mode&os.ModePerm)
	dir.children.ReplaceOrInsert(&dirent{name: name, node: n})
	dir.nlink++
	dir.mtime = time.Now()
	return n.attr(), nil
}

func (m *FS) Rmdir(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, name, err := m.resolveParent("rmdir", path)
	if err != nil {
		return err
	}
	item := dir.children.Get(&dirent{name: name})
	if item == nil {
		return fs.E(fs.NotFound, "rmdir", path)
	}
	n := item.(*dirent).node
	if !n.mode.IsDir() {
		return fs.E(fs.NotADirectory, "rmdir", path)
	}
	if n.children.Len() > 0 {
		return fs.E(fs.NotEmpty, "rmdir", path)
	}
	dir.children.Delete(&dirent{name: name})
	dir.nlink--
	dir.mtime = time.Now()
	return nil
}

func (m *FS) Unlink(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, name, err := m.resolveParent("unlink", path)
	if err != nil {
		return err
	}
	item := dir.children.Get(&dirent{name: name})
	if item == nil {
		return fs.E(fs.NotFound, "unlink", path)
	}
	if item.(*dirent).node.mode.IsDir() {
		return fs.E(fs.IsADirectory, "unlink", path)
	}
	dir.children.Delete(&dirent{name: name})
	dir.mtime = time.Now()
	return nil
}

func (m *FS) Rename(ctx context.Context, oldpath, newpath string, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldDir, oldName, err := m.resolveParent("rename", oldpath)
	if err != nil {
		return err
	}
	newDir, newName, err := m.resolveParent("rename", newpath)
	if err != nil {
		return err
	}
	item := oldDir.children.Get(&dirent{name: oldName})
	if item == nil {
		return fs.E(fs.NotFound, "rename", oldpath)
	}
	src := item.(*dirent).node

	if existing := newDir.children.Get(&dirent{name: newName}); existing != nil {
		if !replace {
			return fs.E(fs.Exists, "rename", newpath)
		}
		dst := existing.(*dirent).node
		if dst.mode.IsDir() {
			if !src.mode.IsDir() {
				return fs.E(fs.IsADirectory, "rename", newpath)
			}
			if dst.children.Len() > 0 {
				return fs.E(fs.NotEmpty, "rename", newpath)
			}
			newDir.nlink--
		} else if src.mode.IsDir() {
			return fs.E(fs.NotADirectory, "rename", newpath)
		}
		newDir.children.Delete(&dirent{name: newName})
	}

	oldDir.children.Delete(&dirent{name: oldName})
	newDir.children.ReplaceOrInsert(&dirent{name: newName, node: src})
	if src.mode.IsDir() && oldDir != newDir {
		oldDir.nlink--
		newDir.nlink++
	}
	now := time.Now()
	oldDir.mtime = now
	newDir.mtime = now
	src.ctime = now
	return nil
}

func (m *FS) Symlink(ctx context.Context, target, path string) (fs.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, name, err := m.resolveParent("symlink", path)
	if err != nil {
		return fs.Attr{}, err
	}
	if dir.children.Get(&dirent{name: name}) != nil {
		return fs.Attr{}, fs.E(fs.Exists, "symlink", path)
	}
	n := m.newNode(os.ModeSymlink | 0o777)
	n.target = target
	dir.children.ReplaceOrInsert(&dirent{name: name, node: n})
	dir.mtime = time.Now()
	return n.attr(), nil
}

func (m *FS) Readlink(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve("readlink", path)
	if err != nil {
		return "", err
	}
	if n.mode&os.ModeSymlink == 0 {
		return "", fs.E(fs.InvalidArgument, "readlink", path)
	}
	return n.target, nil
}

func (m *FS) StatFS(ctx context.Context) (fs.StatFS, error) {
	return fs.StatFS{
		Blocks:      1 << 20,
		BlocksFree:  1 << 19,
		BlocksAvail: 1 << 19,
		Files:       1 << 20,
		FilesFree:   1 << 19,
		BlockSize:   blockSize,
		NameMax:     255,
	}, nil
}

// fileHandle is one open file. The node pointer stays valid across renames
// and unlinks; data is reachable until the last handle closes.
type fileHandle struct {
	fs    *FS
	node  *memNode
	flags fs.OpenFlags
}

func (h *fileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.flags.Readable() {
		return 0, fs.E(fs.PermissionDenied, "read", "")
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if off >= int64(len(h.node.data)) {
		return 0, nil
	}
	n := copy(p, h.node.data[off:])
	h.node.atime = time.Now()
	return n, nil
}

func (h *fileHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.flags.Writable() {
		return 0, fs.E(fs.PermissionDenied, "write", "")
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.flags&fs.Append != 0 {
		off = int64(len(h.node.data))
	}
	end := off + int64(len(p))
	if end > int64(len(h.node.data)) {
		h.node.data = resize(h.node.data, uint64(end))
	}
	copy(h.node.data[off:], p)
	h.node.mtime = time.Now()
	return len(p), nil
}

func (h *fileHandle) Attr(ctx context.Context) (fs.Attr, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	return h.node.attr(), nil
}

func (h *fileHandle) Flush(ctx context.Context) error { return nil }

func (h *fileHandle) Fsync(ctx context.Context, dataOnly bool) error { return nil }

func (h *fileHandle) Close(ctx context.Context) error { return nil }

// dirHandle lists a directory. The listing is taken when ReadDir runs, in
// entry name order.
type dirHandle struct {
	fs   *FS
	node *memNode
}

func (h *dirHandle) ReadDir(ctx context.Context) ([]fs.DirEntry, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	entries := make([]fs.DirEntry, 0, h.node.children.Len())
	h.node.children.Ascend(func(item btree.Item) bool {
		de := item.(*dirent)
		entries = append(entries, fs.DirEntry{
			Name: de.name,
			Mode: de.node.mode & os.ModeType,
		})
		return true
	})
	return entries, nil
}

func (h *dirHandle) Close(ctx context.Context) error { return nil }
