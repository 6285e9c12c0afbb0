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

// Package fs defines the capability interface a userspace filesystem
// backend implements, together with the attribute types and the closed
// error taxonomy shared by every host transport.
//
// Backends are path-keyed: every object is addressed by a rooted,
// slash-separated path ("/" is the root directory). The dispatch layer owns
// the mapping between host-visible numeric identities and these paths;
// backends never see host handles or inode numbers.
package fs

import (
	"context"
	"os"
	"time"
)

// Attr holds the metadata of a single file, directory or symlink.
type Attr struct {
	// Ino is the stable file ID surfaced to hosts. Backends may leave it
	// zero; the dispatcher then derives one from the object's path key.
	Ino uint64

	Size   uint64
	Blocks uint64 // size in 512-byte units

	Mode  os.FileMode // type and permission bits
	Nlink uint32
	Uid   uint32
	Gid   uint32

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time // creation time; zero if the backend doesn't track it

	BlockSize uint32
}

// SetAttr describes an attribute update. Only non-nil fields are applied.
type SetAttr struct {
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// DirEntry is a single entry returned from a directory enumeration.
// Backends never report "." or ".."; the dispatcher synthesizes those.
type DirEntry struct {
	Name string
	// Mode only needs the type bits (os.ModeDir, os.ModeSymlink, or zero
	// for a regular file); hosts use it to avoid per-entry stat calls.
	Mode os.FileMode
}

// StatFS reports filesystem-wide usage figures.
type StatFS struct {
	Blocks      uint64 // total blocks, in units of BlockSize
	BlocksFree  uint64
	BlocksAvail uint64 // free blocks available to unprivileged callers
	Files       uint64
	FilesFree   uint64
	BlockSize   uint32
	NameMax     uint32
}

// OpenFlags is the transport-independent encoding of open(2) flags. Codecs
// translate each host's native flag bits into this space before the request
// reaches a backend.
type OpenFlags uint32

const (
	// Low two bits are the access mode.
	ReadOnly  OpenFlags = 0
	WriteOnly OpenFlags = 1
	ReadWrite OpenFlags = 2

	AccessModeMask OpenFlags = 3

	Append    OpenFlags = 1 << 2
	Create    OpenFlags = 1 << 3
	Exclusive OpenFlags = 1 << 4
	Truncate  OpenFlags = 1 << 5
)

// Readable reports whether the flags permit reads.
func (f OpenFlags) Readable() bool {
	mode := f & AccessModeMask
	return mode == ReadOnly || mode == ReadWrite
}

// Writable reports whether the flags permit writes.
func (f OpenFlags) Writable() bool {
	mode := f & AccessModeMask
	return mode == WriteOnly || mode == ReadWrite
}

// FileSystem is the operation façade a backend implements. The dispatcher
// is the only caller.
//
// Methods must be safe to invoke concurrently for different paths. The
// dispatcher serializes mutations of a common parent directory and all
// operations on a single open handle, but otherwise calls arrive in
// parallel. Backends signal failures with the taxonomy errors in this
// package; any operation a backend does not support must return a
// NotSupported error rather than panicking.
type FileSystem interface {
	// Stat returns the attributes of the object at path.
	Stat(ctx context.Context, path string) (Attr, error)

	// SetAttr applies the non-nil fields of attr and returns the updated
	// attributes.
	SetAttr(ctx context.Context, path string, attr SetAttr) (Attr, error)

	// Lookup returns the attributes of the named child of dir. It fails
	// with NotFound if absent and NotADirectory if dir is not a directory.
	Lookup(ctx context.Context, dir string, name string) (Attr, error)

	// Open opens an existing file. The returned handle carries any
	// backend-private state (cursors, lock tokens) for the open.
	Open(ctx context.Context, path string, flags OpenFlags) (FileHandle, error)

	// Create creates and opens a regular file. It fails with Exists if the
	// path is already occupied and flags include Exclusive.
	Create(ctx context.Context, path string, flags OpenFlags, mode os.FileMode) (FileHandle, Attr, error)

	// OpenDir starts an enumeration of the directory at path.
	OpenDir(ctx context.Context, path string) (DirHandle, error)

	Mkdir(ctx context.Context, path string, mode os.FileMode) (Attr, error)
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error

	// Rename moves oldpath to newpath. With replace unset it fails with
	// Exists if newpath is occupied; with replace set it overwrites a
	// non-directory target. Validation of directory-overwrite cases is the
	// dispatcher's job and happens before this call.
	Rename(ctx context.Context, oldpath, newpath string, replace bool) error

	// Symlink creates a symbolic link at path pointing at target.
	Symlink(ctx context.Context, target, path string) (Attr, error)

	// Readlink returns the target of the symlink at path.
	Readlink(ctx context.Context, path string) (string, error)

	// StatFS returns filesystem-wide usage figures.
	StatFS(ctx context.Context) (StatFS, error)
}

// FileHandle is the backend-private state of one open() result. The
// dispatcher guarantees calls on a single handle are serialized in host
// submission order, and that Close is called exactly once per logical open
// even when the host issues duplicate releases.
type FileHandle interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Attr returns the current attributes of the open object; the fstat
	// analogue for hosts that stat through a handle.
	Attr(ctx context.Context) (Attr, error)

	// Flush is invoked when a host file descriptor is closed. It may be
	// called multiple times for one handle.
	Flush(ctx context.Context) error

	// Fsync commits the handle's data (and, unless dataOnly, metadata) to
	// stable storage.
	Fsync(ctx context.Context, dataOnly bool) error

	Close(ctx context.Context) error
}

// DirHandle is an in-progress directory enumeration. ReadDir returns the
// full listing as of some instant at or after the open; it need not be a
// snapshot, and entries created or removed while the handle is open may or
// may not appear.
type DirHandle interface {
	ReadDir(ctx context.Context) ([]DirEntry, error)
	Close(ctx context.Context) error
}
