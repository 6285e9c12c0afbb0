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

package fuse

// This file mirrors the kernel's FUSE interface definitions
// (include/uapi/linux/fuse.h). Struct layouts must match the kernel ABI
// byte for byte; fields are read and written through unsafe pointer casts.

import (
	"fmt"
	"unsafe"
)

// Protocol is a FUSE protocol version number.
type Protocol struct {
	Major uint32
	Minor uint32
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// LT returns whether a is less than b.
func (a Protocol) LT(b Protocol) bool {
	return a.Major < b.Major ||
		(a.Major == b.Major && a.Minor < b.Minor)
}

// GE returns whether a is greater than or equal to b.
func (a Protocol) GE(b Protocol) bool {
	return !a.LT(b)
}

var (
	protoVersionMin = Protocol{7, 8}
	protoVersionMax = Protocol{7, 12}
)

// maxWrite is the largest write payload we advertise to the kernel. The
// receive buffer must fit a write of this size plus headers.
const maxWrite = 128 * 1024

// rootID is the node ID of the mount root; fixed by the protocol.
const rootID = 1

const (
	opLookup      = 1
	opForget      = 2 // no reply
	opGetattr     = 3
	opSetattr     = 4
	opReadlink    = 5
	opSymlink     = 6
	opMknod       = 8
	opMkdir       = 9
	opUnlink      = 10
	opRmdir       = 11
	opRename      = 12
	opLink        = 13
	opOpen        = 14
	opRead        = 15
	opWrite       = 16
	opStatfs      = 17
	opRelease     = 18
	opFsync       = 20
	opSetxattr    = 21
	opGetxattr    = 22
	opListxattr   = 23
	opRemovexattr = 24
	opFlush       = 25
	opInit        = 26
	opOpendir     = 27
	opReaddir     = 28
	opReleasedir  = 29
	opFsyncdir    = 30
	opGetlk       = 31
	opSetlk       = 32
	opSetlkw      = 33
	opAccess      = 34
	opCreate      = 35
	opInterrupt   = 36
	opBmap        = 37
	opDestroy     = 38
)

type inHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	Nodeid  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

const inHeaderSize = int(unsafe.Sizeof(inHeader{}))

type outHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const outHeaderSize = int(unsafe.Sizeof(outHeader{}))

type attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32 // protocol 7.9 and later
	padding   uint32
}

// attrSize is the wire size of attr for the negotiated protocol; Blksize
// and its padding only exist from 7.9 on.
func attrSize(p Protocol) uintptr {
	size := unsafe.Sizeof(attr{})
	if p.LT(Protocol{7, 9}) {
		size -= 8
	}
	return size
}

type entryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           attr
}

func entryOutSize(p Protocol) uintptr {
	return unsafe.Sizeof(entryOut{}) - unsafe.Sizeof(attr{}) + attrSize(p)
}

type attrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          attr
}

func attrOutSize(p Protocol) uintptr {
	return unsafe.Sizeof(attrOut{}) - unsafe.Sizeof(attr{}) + attrSize(p)
}

type getattrIn struct {
	GetattrFlags uint32
	Dummy        uint32
	Fh           uint64
}

const getattrFh = 1 << 0

type setattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Unused2   uint64
	AtimeNsec uint32
	MtimeNsec uint32
	Unused3   uint32
	Mode      uint32
	Unused4   uint32
	Uid       uint32
	Gid       uint32
	Unused5   uint32
}

const (
	fattrMode     = 1 << 0
	fattrUid      = 1 << 1
	fattrGid      = 1 << 2
	fattrSize     = 1 << 3
	fattrAtime    = 1 << 4
	fattrMtime    = 1 << 5
	fattrFh       = 1 << 6
	fattrAtimeNow = 1 << 7
	fattrMtimeNow = 1 << 8
)

type forgetIn struct {
	Nlookup uint64
}

type mkdirIn struct {
	Mode  uint32
	Umask uint32 // protocol 7.12 and later; padding before that
}

type renameIn struct {
	Newdir uint64
}

type openIn struct {
	Flags  uint32
	Unused uint32
}

type openOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type createIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32 // protocol 7.12 and later
	Padding uint32
}

func createInSize(p Protocol) uintptr {
	size := unsafe.Sizeof(createIn{})
	if p.LT(Protocol{7, 12}) {
		size -= 8
	}
	return size
}

type readIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64 // protocol 7.9 and later
	Flags     uint32
	Padding   uint32
}

func readInSize(p Protocol) uintptr {
	size := unsafe.Sizeof(readIn{})
	if p.LT(Protocol{7, 9}) {
		size -= 16
	}
	return size
}

type writeIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64 // protocol 7.9 and later
	Flags      uint32
	Padding    uint32
}

func writeInSize(p Protocol) uintptr {
	size := unsafe.Sizeof(writeIn{})
	if p.LT(Protocol{7, 9}) {
		size -= 16
	}
	return size
}

type writeOut struct {
	Size    uint32
	Padding uint32
}

type releaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type flushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type fsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

// fsyncFdatasync asks for a data-only sync, skipping metadata.
const fsyncFdatasync = 1 << 0

type accessIn struct {
	Mask    uint32
	Padding uint32
}

type interruptIn struct {
	Unique uint64
}

type initIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

const initInSize = int(unsafe.Sizeof(initIn{}))

const (
	initAsyncRead = 1 << 0
	initBigWrites = 1 << 5
)

type initOut struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	Unused       uint32
	MaxWrite     uint32
}

type kstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type statfsOut struct {
	St kstatfs
}

type dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

const direntSize = int(unsafe.Sizeof(dirent{}))

// Directory entry types, d_type values: S_IF* shifted down 12 bits.
const (
	dtUnknown = 0
	dtDir     = 4
	dtReg     = 8
	dtLink    = 10
)
