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

import (
	"bytes"
	"errors"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// errCorrupt is returned for messages that fail length or framing checks.
// Do not trust the kernel to hand us well-formed data.
var errCorrupt = errors.New("fuse: malformed message")

// unsupportedOpError marks opcodes we answer locally with ENOSYS instead of
// forwarding: xattr operations, locking, mknod, link, and anything the
// negotiated protocol doesn't define.
type unsupportedOpError struct {
	opcode uint32
}

func (e *unsupportedOpError) Error() string {
	return "fuse: unsupported opcode " + itoa(e.opcode)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// hostOpenFlags translates the kernel's O_* bits into the portable flag
// space backends see.
func hostOpenFlags(flags uint32) fs.OpenFlags {
	var of fs.OpenFlags
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		of = fs.ReadOnly
	case unix.O_WRONLY:
		of = fs.WriteOnly
	case unix.O_RDWR:
		of = fs.ReadWrite
	}
	if flags&unix.O_APPEND != 0 {
		of |= fs.Append
	}
	if flags&unix.O_CREAT != 0 {
		of |= fs.Create
	}
	if flags&unix.O_EXCL != 0 {
		of |= fs.Exclusive
	}
	if flags&unix.O_TRUNC != 0 {
		of |= fs.Truncate
	}
	return of
}

// hostMode translates portable attributes into the kernel's S_IF* encoding.
func hostMode(m os.FileMode) uint32 {
	mode := uint32(m & os.ModePerm)
	switch {
	case m.IsDir():
		mode |= unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= unix.S_IFLNK
	default:
		mode |= unix.S_IFREG
	}
	if m&os.ModeSetuid != 0 {
		mode |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= unix.S_ISVTX
	}
	return mode
}

// fileModeFromHost is the inverse translation, for setattr mode updates.
func fileModeFromHost(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	}
	if mode&unix.S_ISUID != 0 {
		fm |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		fm |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

// decodeRequest converts one raw kernel message into the uniform operation
// model. Strings and write payloads are copied out, so the message buffer
// may be reused as soon as decode returns.
func decodeRequest(proto Protocol, m *message) (*ops.Request, error) {
	req := &ops.Request{
		ID:   ops.RequestID(m.hdr.Unique),
		Node: ops.NodeID(m.hdr.Nodeid),
		Uid:  m.hdr.Uid,
		Gid:  m.hdr.Gid,
		Pid:  m.hdr.Pid,
	}

	switch m.hdr.Opcode {
	case opLookup:
		name, ok := nulString(m.bytes())
		if !ok {
			return nil, errCorrupt
		}
		req.Kind = ops.KindLookup
		req.Name = name

	case opForget:
		in := (*forgetIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		req.Kind = ops.KindForget
		req.ForgetN = in.Nlookup

	case opGetattr:
		req.Kind = ops.KindGetAttr
		if proto.GE(Protocol{7, 9}) {
			in := (*getattrIn)(m.data())
			if m.len() < unsafe.Sizeof(*in) {
				return nil, errCorrupt
			}
			if in.GetattrFlags&getattrFh != 0 {
				req.Handle = ops.HandleID(in.Fh)
			}
		}

	case opSetattr:
		in := (*setattrIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		req.Kind = ops.KindSetAttr
		if in.Valid&fattrFh != 0 {
			req.Handle = ops.HandleID(in.Fh)
		}
		if in.Valid&fattrMode != 0 {
			mode := fileModeFromHost(in.Mode)
			req.Attr.Mode = &mode
		}
		if in.Valid&fattrUid != 0 {
			uid := in.Uid
			req.Attr.Uid = &uid
		}
		if in.Valid&fattrGid != 0 {
			gid := in.Gid
			req.Attr.Gid = &gid
		}
		if in.Valid&fattrSize != 0 {
			size := in.Size
			req.Attr.Size = &size
		}
		if in.Valid&fattrAtime != 0 {
			t := time.Unix(int64(in.Atime), int64(in.AtimeNsec))
			if in.Valid&fattrAtimeNow != 0 {
				t = time.Now()
			}
			req.Attr.Atime = &t
		}
		if in.Valid&fattrMtime != 0 {
			t := time.Unix(int64(in.Mtime), int64(in.MtimeNsec))
			if in.Valid&fattrMtimeNow != 0 {
				t = time.Now()
			}
			req.Attr.Mtime = &t
		}

	case opReadlink:
		if len(m.bytes()) > 0 {
			return nil, errCorrupt
		}
		req.Kind = ops.KindReadlink

	case opSymlink:
		// payload is "name\x00target\x00"
		names := m.bytes()
		if len(names) == 0 || names[len(names)-1] != '\x00' {
			return nil, errCorrupt
		}
		i := bytes.IndexByte(names, '\x00')
		if i < 0 {
			return nil, errCorrupt
		}
		req.Kind = ops.KindSymlink
		req.Name = string(names[:i])
		req.Target = string(names[i+1 : len(names)-1])

	case opMkdir:
		in := (*mkdirIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		name, ok := nulString(m.bytes()[unsafe.Sizeof(*in):])
		if !ok {
			return nil, errCorrupt
		}
		req.Kind = ops.KindMkdir
		req.Name = name
		req.Mode = in.Mode & 0777

	case opUnlink, opRmdir:
		name, ok := nulString(m.bytes())
		if !ok {
			return nil, errCorrupt
		}
		if m.hdr.Opcode == opRmdir {
			req.Kind = ops.KindRmdir
		} else {
			req.Kind = ops.KindUnlink
		}
		req.Name = name

	case opRename:
		in := (*renameIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		// payload after the header is "old\x00new\x00"
		oldNew := m.bytes()[unsafe.Sizeof(*in):]
		if len(oldNew) < 4 || oldNew[len(oldNew)-1] != '\x00' {
			return nil, errCorrupt
		}
		i := bytes.IndexByte(oldNew, '\x00')
		if i < 0 {
			return nil, errCorrupt
		}
		req.Kind = ops.KindRename
		req.Name = string(oldNew[:i])
		req.NewDir = ops.NodeID(in.Newdir)
		req.NewName = string(oldNew[i+1 : len(oldNew)-1])
		// rename(2) overwrites an existing target
		req.Replace = true

	case opOpen, opOpendir:
		in := (*openIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		if m.hdr.Opcode == opOpendir {
			req.Kind = ops.KindOpenDir
		} else {
			req.Kind = ops.KindOpen
			req.Flags = hostOpenFlags(in.Flags)
		}

	case opCreate:
		size := createInSize(proto)
		if m.len() < size {
			return nil, errCorrupt
		}
		in := (*createIn)(m.data())
		name, ok := nulString(m.bytes()[size:])
		if !ok {
			return nil, errCorrupt
		}
		req.Kind = ops.KindCreate
		req.Name = name
		req.Flags = hostOpenFlags(in.Flags) | fs.Create
		req.Mode = in.Mode & 0777

	case opRead, opReaddir:
		in := (*readIn)(m.data())
		if m.len() < readInSize(proto) {
			return nil, errCorrupt
		}
		if m.hdr.Opcode == opReaddir {
			req.Kind = ops.KindReadDir
		} else {
			req.Kind = ops.KindRead
		}
		req.Handle = ops.HandleID(in.Fh)
		req.Offset = in.Offset
		req.Size = in.Size

	case opWrite:
		in := (*writeIn)(m.data())
		if m.len() < writeInSize(proto) {
			return nil, errCorrupt
		}
		buf := m.bytes()[writeInSize(proto):]
		if uint32(len(buf)) < in.Size {
			return nil, errCorrupt
		}
		req.Kind = ops.KindWrite
		req.Handle = ops.HandleID(in.Fh)
		req.Offset = in.Offset
		req.Size = in.Size
		// The message buffer is pooled; the payload must outlive it.
		req.Data = append([]byte(nil), buf[:in.Size]...)

	case opStatfs:
		req.Kind = ops.KindStatFS

	case opRelease, opReleasedir:
		in := (*releaseIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		if m.hdr.Opcode == opReleasedir {
			req.Kind = ops.KindReleaseDir
		} else {
			req.Kind = ops.KindRelease
		}
		req.Handle = ops.HandleID(in.Fh)

	case opFsync, opFsyncdir:
		in := (*fsyncIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		if m.hdr.Opcode == opFsyncdir {
			req.Kind = ops.KindFsyncDir
		} else {
			req.Kind = ops.KindFsync
		}
		req.Handle = ops.HandleID(in.Fh)
		req.DataOnly = in.FsyncFlags&fsyncFdatasync != 0

	case opFlush:
		in := (*flushIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		req.Kind = ops.KindFlush
		req.Handle = ops.HandleID(in.Fh)

	case opAccess:
		in := (*accessIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		req.Kind = ops.KindAccess
		req.Mode = in.Mask

	case opInterrupt:
		in := (*interruptIn)(m.data())
		if m.len() < unsafe.Sizeof(*in) {
			return nil, errCorrupt
		}
		req.Kind = ops.KindInterrupt
		req.IntrID = ops.RequestID(in.Unique)

	case opDestroy:
		req.Kind = ops.KindDestroy

	default:
		return nil, &unsupportedOpError{opcode: m.hdr.Opcode}
	}

	return req, nil
}

// nulString extracts a NUL-terminated name from buf.
func nulString(buf []byte) (string, bool) {
	n := len(buf)
	if n == 0 || buf[n-1] != '\x00' {
		return "", false
	}
	return string(buf[:n-1]), true
}

// attrValidSecs is how long the kernel may cache attributes and entries.
const attrValidSecs = 1

// storeAttr fills one wire attr from portable attributes.
func storeAttr(out *attr, a fs.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	if out.Blocks == 0 {
		out.Blocks = (a.Size + 511) / 512
	}
	storeTime(&out.Atime, &out.AtimeNsec, a.Atime)
	storeTime(&out.Mtime, &out.MtimeNsec, a.Mtime)
	storeTime(&out.Ctime, &out.CtimeNsec, a.Ctime)
	out.Mode = hostMode(a.Mode)
	out.Nlink = a.Nlink
	if out.Nlink == 0 {
		out.Nlink = 1
	}
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Blksize = a.BlockSize
	if out.Blksize == 0 {
		out.Blksize = 4096
	}
}

func storeTime(sec *uint64, nsec *uint32, t time.Time) {
	if t.IsZero() {
		return
	}
	*sec = uint64(t.Unix())
	*nsec = uint32(t.Nanosecond())
}

func storeEntry(out *entryOut, e ops.Entry) {
	out.Nodeid = uint64(e.Node)
	out.Generation = e.Generation
	out.EntryValid = attrValidSecs
	out.AttrValid = attrValidSecs
	storeAttr(&out.Attr, e.Attr)
}

// encodeResponse builds the wire reply for one response. dirLimit is the
// byte budget of the readdir reply being answered, zero for other kinds.
func encodeResponse(proto Protocol, resp *ops.Response, dirLimit uint32) []byte {
	if resp.Err != nil {
		buf := newBuffer(0)
		h := (*outHeader)(unsafe.Pointer(&buf[0]))
		h.Unique = uint64(resp.ID)
		h.Error = -int32(errnoFor(resp.Err))
		return buf.finish()
	}

	var buf buffer
	switch resp.Kind {
	case ops.KindLookup, ops.KindMkdir, ops.KindSymlink:
		buf = newBuffer(entryOutSize(proto))
		out := (*entryOut)(buf.alloc(entryOutSize(proto)))
		storeEntry(out, resp.Entry)

	case ops.KindCreate:
		buf = newBuffer(entryOutSize(proto) + unsafe.Sizeof(openOut{}))
		e := (*entryOut)(buf.alloc(entryOutSize(proto)))
		storeEntry(e, resp.Created)
		o := (*openOut)(buf.alloc(unsafe.Sizeof(openOut{})))
		o.Fh = uint64(resp.Handle)

	case ops.KindGetAttr, ops.KindSetAttr:
		buf = newBuffer(attrOutSize(proto))
		out := (*attrOut)(buf.alloc(attrOutSize(proto)))
		out.AttrValid = attrValidSecs
		storeAttr(&out.Attr, resp.Attr)

	case ops.KindOpen, ops.KindOpenDir:
		buf = newBuffer(unsafe.Sizeof(openOut{}))
		out := (*openOut)(buf.alloc(unsafe.Sizeof(openOut{})))
		out.Fh = uint64(resp.Handle)

	case ops.KindRead, ops.KindReadlink:
		buf = newBuffer(uintptr(len(resp.Data)))
		buf = append(buf, resp.Data...)

	case ops.KindWrite:
		buf = newBuffer(unsafe.Sizeof(writeOut{}))
		out := (*writeOut)(buf.alloc(unsafe.Sizeof(writeOut{})))
		out.Size = resp.Written

	case ops.KindReadDir:
		buf = newBuffer(uintptr(dirLimit))
		buf = appendDirents(buf, resp.Entries, dirLimit)

	case ops.KindStatFS:
		buf = newBuffer(unsafe.Sizeof(statfsOut{}))
		out := (*statfsOut)(buf.alloc(unsafe.Sizeof(statfsOut{})))
		out.St = kstatfs{
			Blocks:  resp.FS.Blocks,
			Bfree:   resp.FS.BlocksFree,
			Bavail:  resp.FS.BlocksAvail,
			Files:   resp.FS.Files,
			Ffree:   resp.FS.FilesFree,
			Bsize:   resp.FS.BlockSize,
			Namelen: resp.FS.NameMax,
			Frsize:  resp.FS.BlockSize,
		}

	default:
		// setattr-less successes: flush, fsync, release, rename, unlink,
		// rmdir, access and friends answer with a bare header.
		buf = newBuffer(0)
	}

	h := (*outHeader)(unsafe.Pointer(&buf[0]))
	h.Unique = uint64(resp.ID)
	return buf.finish()
}

// appendDirents packs entries into the kernel's readdir record format,
// 8-byte aligned, stopping at the reply's byte budget. Each record's Off is
// the entry's resume cookie: the position the kernel passes back to
// continue the listing after this entry.
func appendDirents(buf buffer, entries []ops.DirEntry, limit uint32) buffer {
	max := outHeaderSize + int(limit)
	for _, e := range entries {
		recLen := direntSize + (len(e.Name)+7)&^7
		if len(buf)+recLen > max {
			break
		}
		de := dirent{
			Ino:     e.Ino,
			Off:     e.Cookie,
			Namelen: uint32(len(e.Name)),
			Type:    direntType(e.Type),
		}
		buf = append(buf, (*(*[direntSize]byte)(unsafe.Pointer(&de)))[:]...)
		buf = append(buf, e.Name...)
		for len(buf)%8 != 0 {
			buf = append(buf, '\x00')
		}
	}
	return buf
}

func direntType(t uint32) uint32 {
	switch t {
	case ops.TypeDir:
		return dtDir
	case ops.TypeFile:
		return dtReg
	case ops.TypeSymlink:
		return dtLink
	}
	return dtUnknown
}
