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

// Package ops defines the uniform operation model exchanged between host
// transport codecs and the dispatcher. A codec decodes each native host
// frame into exactly one Request; the dispatcher answers with exactly one
// Response (or none, for fire-and-forget kinds), which the codec encodes
// back into the host's native framing.
package ops

import (
	"fmt"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

// NodeID names one live identity in the registry. The root directory is
// always RootNode; 0 is never valid.
type NodeID uint64

// HandleID names one open file or directory cursor in the registry.
// 0 is never valid.
type HandleID uint64

// RequestID is the host's tag for one in-flight request. Responses carry
// the RequestID of the request they answer. IDs may be reused by the host
// once answered.
type RequestID uint64

// RootNode is the identity of the backend root directory. Hosts learn it
// out of band (FUSE defines node 1 as the root; the NFS MOUNT procedure
// returns a handle for it).
const RootNode NodeID = 1

// Kind enumerates the operations hosts can submit.
type Kind int

const (
	KindInvalid Kind = iota

	KindLookup   // Node=dir, Name
	KindForget   // Node, ForgetN; no response
	KindGetAttr  // Node, optionally Handle
	KindSetAttr  // Node, Attr, optionally Handle
	KindReadlink // Node
	KindSymlink  // Node=dir, Name, Target
	KindMkdir    // Node=dir, Name, Mode
	KindUnlink   // Node=dir, Name
	KindRmdir    // Node=dir, Name
	KindRename   // Node=old dir, Name, NewDir, NewName, Replace
	KindOpen     // Node, Flags
	KindCreate   // Node=dir, Name, Flags, Mode
	KindRead     // Node, Handle, Offset, Size
	KindWrite    // Node, Handle, Offset, Data
	KindFlush    // Node, Handle
	KindFsync    // Node, Handle, DataOnly
	KindRelease  // Node, Handle
	KindOpenDir  // Node
	KindReadDir  // Node, Handle, Offset=cookie, Size
	KindReleaseDir
	KindFsyncDir  // Node, Handle, DataOnly
	KindAccess    // Node, Mode=mask
	KindStatFS    // Node
	KindInterrupt // IntrID; no response of its own
	KindDestroy   // no response; transport is shutting down

	kindSentinel
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindLookup:     "lookup",
	KindForget:     "forget",
	KindGetAttr:    "getattr",
	KindSetAttr:    "setattr",
	KindReadlink:   "readlink",
	KindSymlink:    "symlink",
	KindMkdir:      "mkdir",
	KindUnlink:     "unlink",
	KindRmdir:      "rmdir",
	KindRename:     "rename",
	KindOpen:       "open",
	KindCreate:     "create",
	KindRead:       "read",
	KindWrite:      "write",
	KindFlush:      "flush",
	KindFsync:      "fsync",
	KindRelease:    "release",
	KindOpenDir:    "opendir",
	KindReadDir:    "readdir",
	KindReleaseDir: "releasedir",
	KindFsyncDir:   "fsyncdir",
	KindAccess:     "access",
	KindStatFS:     "statfs",
	KindInterrupt:  "interrupt",
	KindDestroy:    "destroy",
}

func (k Kind) String() string {
	if k <= KindInvalid || k >= kindSentinel {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every valid operation kind, for exhaustiveness checks in
// codec tests.
func Kinds() []Kind {
	kinds := make([]Kind, 0, int(kindSentinel)-1)
	for k := KindInvalid + 1; k < kindSentinel; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// NoReply reports whether the kind is fire-and-forget: the host expects no
// response frame and the dispatcher must not produce one.
func (k Kind) NoReply() bool {
	return k == KindForget || k == KindDestroy
}

// Request is one decoded host operation. A Request is immutable once the
// codec hands it to the dispatcher; Data aliases the transport's receive
// buffer only until the dispatcher returns, so backends must not retain it.
type Request struct {
	ID   RequestID
	Kind Kind

	Node   NodeID
	Handle HandleID

	Name    string // child name for directory-entry operations
	NewDir  NodeID // rename destination directory
	NewName string // rename destination name
	Target  string // symlink target

	Offset uint64
	Size   uint32
	Data   []byte

	Flags   fs.OpenFlags
	Replace bool // rename may overwrite an existing target

	Attr     fs.SetAttr // setattr payload
	Mode     uint32     // create/mkdir permission bits, access mask
	DataOnly bool       // fsync: skip metadata

	ForgetN uint64    // forget: number of lookups to drop
	IntrID  RequestID // interrupt: the request to cancel

	// Requesting process identity as reported by the host, for logging.
	Uid, Gid, Pid uint32
}

// Entry is the result of an identity-producing operation (lookup, mkdir,
// symlink, create): the identity plus its attributes. Generation
// disambiguates reuse of NodeIDs across reclaims.
type Entry struct {
	Node       NodeID
	Generation uint64
	Attr       fs.Attr
}

// Host-portable directory entry types. Transport codecs translate these
// into their native type encodings (FUSE DT_* values, NFS ftype3).
const (
	TypeUnknown uint32 = iota
	TypeFile
	TypeDir
	TypeSymlink
)

// DirEntry is one directory record as surfaced to hosts. Cookie is the
// opaque resume position a host passes back to continue the listing.
type DirEntry struct {
	Name   string
	Ino    uint64
	Type   uint32 // TypeFile, TypeDir, TypeSymlink or TypeUnknown
	Cookie uint64
}

// Response is the dispatcher's answer to one Request. Err carries a
// taxonomy error (or nil); exactly one payload field group is populated,
// selected by Kind.
type Response struct {
	ID   RequestID
	Kind Kind
	Err  error

	Attr    fs.Attr  // getattr, setattr
	Entry   Entry    // lookup, mkdir, symlink
	Handle  HandleID // open, opendir
	Created Entry    // create, alongside Handle

	Data    []byte     // read, readlink
	Written uint32     // write
	Entries []DirEntry // readdir
	FS      fs.StatFS  // statfs

	// NoReply is set for cancelled-before-start requests and for kinds
	// that never answer; the transport must not emit a frame.
	NoReply bool
}
