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

package nfs

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rianhunter/userspacefs/pkg/dispatch"
	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

const (
	nfsProgram   = 100003
	nfsVersion   = 3
	mountProgram = 100005
	mountVersion = 3
)

// NFSv3 procedure numbers, RFC 1813.
const (
	nfs3Null        = 0
	nfs3Getattr     = 1
	nfs3Setattr     = 2
	nfs3Lookup      = 3
	nfs3Access      = 4
	nfs3Readlink    = 5
	nfs3Read        = 6
	nfs3Write       = 7
	nfs3Create      = 8
	nfs3Mkdir       = 9
	nfs3Symlink     = 10
	nfs3Mknod       = 11
	nfs3Remove      = 12
	nfs3Rmdir       = 13
	nfs3Rename      = 14
	nfs3Link        = 15
	nfs3Readdir     = 16
	nfs3Readdirplus = 17
	nfs3Fsstat      = 18
	nfs3Fsinfo      = 19
	nfs3Pathconf    = 20
	nfs3Commit      = 21
)

// MOUNT3 procedure numbers, RFC 1813 appendix I.
const (
	mount3Null    = 0
	mount3Mnt     = 1
	mount3Umnt    = 3
	mount3UmntAll = 4
)

const (
	// maxData bounds READ/WRITE transfers; advertised through FSINFO.
	maxData    = 128 * 1024
	maxNameLen = 255
	maxPathLen = 4096
	maxHandle  = 64 // NFS3_FHSIZE
)

// ftype3 values for the types the backend façade can produce.
const (
	nf3Reg = 1
	nf3Dir = 2
	nf3Lnk = 5
)

const fileSync = 2 // stable_how: every write is durable before it's answered

// synthBit marks transport-generated request IDs; their responses carry no
// client-visible frame. Client xids are 32-bit, so the spaces can't collide.
const synthBit = uint64(1) << 63

// callInfo is the per-call state needed to frame the reply: the procedure
// selects the reply shape, count carries the READ/READDIR budget (and the
// requested ACCESS mask).
type callInfo struct {
	proc  uint32
	count uint32
}

// conn adapts one accepted TCP connection to dispatch.Transport. A reader
// goroutine reassembles records and answers everything that never touches
// the dispatcher (MOUNT, FSINFO, PATHCONF, stale handles, RPC-level
// errors) locally; decoded operations flow out through ReadRequest.
type conn struct {
	nc      net.Conn
	reg     *dispatch.Registry
	handles *handleCodec
	verf    [8]byte
	logger  *log.Logger

	wmu sync.Mutex // serializes reply records

	mu      sync.Mutex
	pending map[ops.RequestID]callInfo

	incoming chan *ops.Request
	synth    chan *ops.Request
	closed   chan struct{}
	once     sync.Once
	readErr  error

	synthID uint64 // atomic
}

func newConn(nc net.Conn, reg *dispatch.Registry, handles *handleCodec, verf [8]byte, logger *log.Logger) *conn {
	c := &conn{
		nc:       nc,
		reg:      reg,
		handles:  handles,
		verf:     verf,
		logger:   logger,
		pending:  make(map[ops.RequestID]callInfo),
		incoming: make(chan *ops.Request),
		synth:    make(chan *ops.Request, 64),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.nc.Close()
}

func (c *conn) readLoop() {
	for {
		record, err := readRecord(c.nc)
		if err != nil {
			c.readErr = err
			close(c.incoming)
			return
		}
		req, err := c.handleRecord(record)
		if err != nil {
			c.logger.Warnf("nfs %s: dropping call: %v", c.nc.RemoteAddr(), err)
			continue
		}
		if req == nil {
			continue // answered locally
		}
		select {
		case c.incoming <- req:
		case <-c.closed:
			return
		}
	}
}

// ReadRequest hands the dispatcher the next operation. Transport-internal
// requests (handle cleanup after CREATE) take priority over client calls.
func (c *conn) ReadRequest(ctx context.Context) (*ops.Request, error) {
	select {
	case req := <-c.synth:
		return req, nil
	default:
	}
	select {
	case req := <-c.synth:
		return req, nil
	case req, ok := <-c.incoming:
		if !ok {
			err := c.readErr
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteResponse frames one reply per the originating procedure. Responses
// to synthetic requests and to calls we no longer track are dropped.
func (c *conn) WriteResponse(resp *ops.Response) error {
	if uint64(resp.ID)&synthBit != 0 {
		return nil
	}
	c.mu.Lock()
	info, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if info.proc == nfs3Create && resp.Err == nil && resp.Handle != 0 {
		// NFS holds no open state; retire the create's backend handle.
		id := ops.RequestID(synthBit | atomic.AddUint64(&c.synthID, 1))
		rel := &ops.Request{ID: id, Kind: ops.KindRelease, Node: resp.Created.Node, Handle: resp.Handle}
		select {
		case c.synth <- rel:
		case <-c.closed:
		}
	}

	return c.writeReply(c.encodeReply(uint32(resp.ID), info, statusFor(resp.Err), resp))
}

func (c *conn) writeReply(record []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeRecord(c.nc, record)
}

// handleRecord decodes one call. It returns a request for the dispatcher,
// or nil after answering locally.
func (c *conn) handleRecord(record []byte) (*ops.Request, error) {
	r := newXDRReader(record)
	call, err := decodeCallHeader(r)
	if err != nil {
		switch {
		case errors.Is(err, errRPCMismatch):
			c.writeReply(deniedReply(call.xid, rejectRPCMismatch, 0))
		case errors.Is(err, errBadAuth):
			c.writeReply(deniedReply(call.xid, rejectAuthError, authBadCred))
		}
		return nil, err
	}

	switch call.prog {
	case mountProgram:
		if call.vers != mountVersion {
			return nil, c.writeReply(progMismatchReply(call.xid, mountVersion, mountVersion))
		}
		return nil, c.mountProc(call, r)
	case nfsProgram:
		if call.vers != nfsVersion {
			return nil, c.writeReply(progMismatchReply(call.xid, nfsVersion, nfsVersion))
		}
		return c.nfsProc(call, r)
	}
	return nil, c.writeReply(acceptedReply(call.xid, acceptProgUnavail).bytes())
}

// mountProc answers the MOUNT3 program entirely locally. There is a single
// export, the backend root; the requested path is accepted as given.
func (c *conn) mountProc(call rpcCall, r *xdrReader) error {
	switch call.proc {
	case mount3Null:
		return c.writeReply(acceptedReply(call.xid, acceptSuccess).bytes())

	case mount3Mnt:
		if _, err := r.str(maxPathLen); err != nil {
			return c.writeReply(acceptedReply(call.xid, acceptGarbageArgs).bytes())
		}
		gen, err := c.reg.Generation(ops.RootNode)
		if err != nil {
			return err
		}
		w := acceptedReply(call.xid, acceptSuccess)
		w.uint32(0) // MNT3_OK
		w.opaque(c.handles.encode(ops.RootNode, gen))
		w.uint32(1).uint32(authSys)
		return c.writeReply(w.bytes())

	case mount3Umnt, mount3UmntAll:
		return c.writeReply(acceptedReply(call.xid, acceptSuccess).bytes())
	}
	return c.writeReply(acceptedReply(call.xid, acceptProcUnavail).bytes())
}

// resolveHandle verifies a client file handle and checks the identity is
// still current. Anything that fails reads as stale.
func (c *conn) resolveHandle(r *xdrReader) (ops.NodeID, uint32, error) {
	fh, err := r.opaque(maxHandle)
	if err != nil {
		return 0, 0, err
	}
	node, gen, derr := c.handles.decode(fh)
	if derr != nil {
		return 0, nfs3ErrStale, nil
	}
	cur, gerr := c.reg.Generation(node)
	if gerr != nil || cur != gen {
		return 0, nfs3ErrStale, nil
	}
	return node, 0, nil
}

// nfsProc decodes one NFS3 call into an operation, or answers it locally.
func (c *conn) nfsProc(call rpcCall, r *xdrReader) (*ops.Request, error) {
	garbage := func() (*ops.Request, error) {
		return nil, c.writeReply(acceptedReply(call.xid, acceptGarbageArgs).bytes())
	}
	localErr := func(status uint32) (*ops.Request, error) {
		return nil, c.writeReply(c.encodeReply(call.xid, callInfo{proc: call.proc}, status, nil))
	}

	if call.proc == nfs3Null {
		return nil, c.writeReply(acceptedReply(call.xid, acceptSuccess).bytes())
	}

	req := &ops.Request{ID: ops.RequestID(call.xid)}
	info := callInfo{proc: call.proc}

	// Every remaining procedure starts with a file handle.
	node, status, err := c.resolveHandle(r)
	if err != nil {
		return garbage()
	}
	if status != 0 {
		return localErr(status)
	}
	req.Node = node

	switch call.proc {
	case nfs3Getattr:
		req.Kind = ops.KindGetAttr

	case nfs3Setattr:
		req.Kind = ops.KindSetAttr
		if err := decodeSattr(r, &req.Attr); err != nil {
			return garbage()
		}
		// sattrguard3: decode for consumption, trust the client otherwise.
		guarded, err := r.bool()
		if err != nil {
			return garbage()
		}
		if guarded {
			if err := r.skip(8); err != nil {
				return garbage()
			}
		}

	case nfs3Lookup:
		req.Kind = ops.KindLookup
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name

	case nfs3Access:
		req.Kind = ops.KindAccess
		mask, err := r.uint32()
		if err != nil {
			return garbage()
		}
		req.Mode = mask
		info.count = mask

	case nfs3Readlink:
		req.Kind = ops.KindReadlink

	case nfs3Read:
		req.Kind = ops.KindRead
		if req.Offset, err = r.uint64(); err != nil {
			return garbage()
		}
		count, err := r.uint32()
		if err != nil {
			return garbage()
		}
		if count > maxData {
			count = maxData
		}
		req.Size = count
		info.count = count

	case nfs3Write:
		req.Kind = ops.KindWrite
		if req.Offset, err = r.uint64(); err != nil {
			return garbage()
		}
		count, err := r.uint32()
		if err != nil {
			return garbage()
		}
		if _, err := r.uint32(); err != nil { // stable_how; every write is FILE_SYNC
			return garbage()
		}
		data, err := r.opaque(maxData)
		if err != nil {
			return garbage()
		}
		if uint32(len(data)) < count {
			count = uint32(len(data))
		}
		req.Data = data[:count]
		req.Size = count

	case nfs3Create:
		req.Kind = ops.KindCreate
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name
		how, err := r.uint32()
		if err != nil {
			return garbage()
		}
		switch how {
		case 0: // UNCHECKED
			req.Flags = fs.ReadWrite | fs.Create
		case 1: // GUARDED
			req.Flags = fs.ReadWrite | fs.Create | fs.Exclusive
		default: // EXCLUSIVE needs verifier replay state we don't keep
			return localErr(nfs3ErrNotSupp)
		}
		var attr fs.SetAttr
		if err := decodeSattr(r, &attr); err != nil {
			return garbage()
		}
		req.Mode = 0644
		if attr.Mode != nil {
			req.Mode = uint32(*attr.Mode & os.ModePerm)
		}

	case nfs3Mkdir:
		req.Kind = ops.KindMkdir
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name
		var attr fs.SetAttr
		if err := decodeSattr(r, &attr); err != nil {
			return garbage()
		}
		req.Mode = 0755
		if attr.Mode != nil {
			req.Mode = uint32(*attr.Mode & os.ModePerm)
		}

	case nfs3Symlink:
		req.Kind = ops.KindSymlink
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name
		var attr fs.SetAttr
		if err := decodeSattr(r, &attr); err != nil {
			return garbage()
		}
		target, err := r.str(maxPathLen)
		if err != nil {
			return garbage()
		}
		req.Target = target

	case nfs3Remove, nfs3Rmdir:
		if call.proc == nfs3Rmdir {
			req.Kind = ops.KindRmdir
		} else {
			req.Kind = ops.KindUnlink
		}
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name

	case nfs3Rename:
		req.Kind = ops.KindRename
		req.Replace = true
		name, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.Name = name
		newDir, status, err := c.resolveHandle(r)
		if err != nil {
			return garbage()
		}
		if status != 0 {
			return localErr(status)
		}
		req.NewDir = newDir
		newName, err := r.str(maxNameLen)
		if err != nil {
			return garbage()
		}
		req.NewName = newName

	case nfs3Readdir:
		req.Kind = ops.KindReadDir
		if req.Offset, err = r.uint64(); err != nil {
			return garbage()
		}
		if err := r.skip(8); err != nil { // cookieverf; listings are re-snapshot per call
			return garbage()
		}
		count, err := r.uint32()
		if err != nil {
			return garbage()
		}
		if count > maxData {
			count = maxData
		}
		req.Size = count
		info.count = count

	case nfs3Fsstat:
		req.Kind = ops.KindStatFS

	case nfs3Commit:
		// Data was already synced when the write was answered; commit
		// re-syncs through a transient open and returns the verifier.
		req.Kind = ops.KindFsync

	case nfs3Fsinfo:
		return nil, c.writeReply(c.fsinfoReply(call.xid))
	case nfs3Pathconf:
		return nil, c.writeReply(c.pathconfReply(call.xid))
	case nfs3Readdirplus, nfs3Mknod, nfs3Link:
		// Clients fall back to READDIR when READDIRPLUS is unsupported.
		return localErr(nfs3ErrNotSupp)
	default:
		return nil, c.writeReply(acceptedReply(call.xid, acceptProcUnavail).bytes())
	}

	c.mu.Lock()
	if _, dup := c.pending[req.ID]; dup {
		// Retransmission of an in-flight xid on the same connection;
		// the original reply will serve it.
		c.mu.Unlock()
		return nil, nil
	}
	c.pending[req.ID] = info
	c.mu.Unlock()
	return req, nil
}

// decodeSattr decodes a sattr3 into the portable attribute update.
func decodeSattr(r *xdrReader, attr *fs.SetAttr) error {
	set, err := r.bool()
	if err != nil {
		return err
	}
	if set {
		mode, err := r.uint32()
		if err != nil {
			return err
		}
		m := os.FileMode(mode & 0777)
		attr.Mode = &m
	}
	if set, err = r.bool(); err != nil {
		return err
	}
	if set {
		uid, err := r.uint32()
		if err != nil {
			return err
		}
		attr.Uid = &uid
	}
	if set, err = r.bool(); err != nil {
		return err
	}
	if set {
		gid, err := r.uint32()
		if err != nil {
			return err
		}
		attr.Gid = &gid
	}
	if set, err = r.bool(); err != nil {
		return err
	}
	if set {
		size, err := r.uint64()
		if err != nil {
			return err
		}
		attr.Size = &size
	}
	for _, field := range []**time.Time{&attr.Atime, &attr.Mtime} {
		how, err := r.uint32()
		if err != nil {
			return err
		}
		switch how {
		case 1: // SET_TO_SERVER_TIME
			now := time.Now()
			*field = &now
		case 2: // SET_TO_CLIENT_TIME
			sec, err := r.uint32()
			if err != nil {
				return err
			}
			nsec, err := r.uint32()
			if err != nil {
				return err
			}
			t := time.Unix(int64(sec), int64(nsec))
			*field = &t
		}
	}
	return nil
}

func ftype(m os.FileMode) uint32 {
	switch {
	case m.IsDir():
		return nf3Dir
	case m&os.ModeSymlink != 0:
		return nf3Lnk
	}
	return nf3Reg
}

func writeTime(w *xdrWriter, t time.Time) {
	if t.IsZero() {
		w.uint32(0).uint32(0)
		return
	}
	w.uint32(uint32(t.Unix())).uint32(uint32(t.Nanosecond()))
}

func writeFattr(w *xdrWriter, a fs.Attr) {
	w.uint32(ftype(a.Mode))
	w.uint32(uint32(a.Mode & os.ModePerm))
	nlink := a.Nlink
	if nlink == 0 {
		nlink = 1
	}
	w.uint32(nlink)
	w.uint32(a.Uid).uint32(a.Gid)
	w.uint64(a.Size)
	used := a.Blocks * 512
	if used == 0 {
		used = a.Size
	}
	w.uint64(used)
	w.uint32(0).uint32(0) // rdev
	w.uint64(fsid)
	w.uint64(a.Ino)
	writeTime(w, a.Atime)
	writeTime(w, a.Mtime)
	writeTime(w, a.Ctime)
}

// fsid is the constant filesystem ID reported in attributes; the service
// exports a single filesystem.
const fsid = 0x75736673

func writePostOpAttr(w *xdrWriter, a *fs.Attr) {
	if a == nil {
		w.bool(false)
		return
	}
	w.bool(true)
	writeFattr(w, *a)
}

func writeWcc(w *xdrWriter, post *fs.Attr) {
	w.bool(false) // pre-op attributes are not tracked
	writePostOpAttr(w, post)
}

// encodeReply frames one procedure reply. resp is nil for locally decided
// errors (stale handles, unsupported create modes); the shape of the error
// body still follows the procedure.
func (c *conn) encodeReply(xid uint32, info callInfo, status uint32, resp *ops.Response) []byte {
	w := acceptedReply(xid, acceptSuccess)
	w.uint32(status)
	ok := status == nfs3OK && resp != nil

	switch info.proc {
	case nfs3Getattr:
		if ok {
			writeFattr(w, resp.Attr)
		}

	case nfs3Setattr:
		if ok {
			writeWcc(w, &resp.Attr)
		} else {
			writeWcc(w, nil)
		}

	case nfs3Lookup:
		if ok {
			w.opaque(c.handles.encode(resp.Entry.Node, resp.Entry.Generation))
			writePostOpAttr(w, &resp.Entry.Attr)
			writePostOpAttr(w, nil) // directory attributes
		} else {
			writePostOpAttr(w, nil)
		}

	case nfs3Access:
		writePostOpAttr(w, nil)
		if ok {
			// Existence confirmed; the backend has no per-caller
			// permission model, so grant what was asked.
			w.uint32(info.count)
		}

	case nfs3Readlink:
		writePostOpAttr(w, nil)
		if ok {
			w.opaque(resp.Data)
		}

	case nfs3Read:
		writePostOpAttr(w, nil)
		if ok {
			n := uint32(len(resp.Data))
			w.uint32(n)
			w.bool(n < info.count) // eof
			w.opaque(resp.Data)
		}

	case nfs3Write:
		writeWcc(w, nil)
		if ok {
			w.uint32(resp.Written)
			w.uint32(fileSync)
			w.buf = append(w.buf, c.verf[:]...)
		}

	case nfs3Create, nfs3Mkdir, nfs3Symlink:
		if ok {
			entry := resp.Entry
			if info.proc == nfs3Create {
				entry = resp.Created
			}
			w.bool(true)
			w.opaque(c.handles.encode(entry.Node, entry.Generation))
			writePostOpAttr(w, &entry.Attr)
		}
		writeWcc(w, nil)

	case nfs3Remove, nfs3Rmdir, nfs3Commit:
		writeWcc(w, nil)
		if ok && info.proc == nfs3Commit {
			w.buf = append(w.buf, c.verf[:]...)
		}

	case nfs3Rename:
		writeWcc(w, nil)
		writeWcc(w, nil)

	case nfs3Readdir:
		writePostOpAttr(w, nil)
		if ok {
			w.buf = append(w.buf, make([]byte, 8)...) // cookieverf
			c.writeDirList(w, resp.Entries, info.count)
		}

	case nfs3Fsstat:
		writePostOpAttr(w, nil)
		if ok {
			bs := uint64(resp.FS.BlockSize)
			if bs == 0 {
				bs = 4096
			}
			w.uint64(resp.FS.Blocks * bs)
			w.uint64(resp.FS.BlocksFree * bs)
			w.uint64(resp.FS.BlocksAvail * bs)
			w.uint64(resp.FS.Files)
			w.uint64(resp.FS.FilesFree)
			w.uint64(resp.FS.FilesFree)
			w.uint32(0) // invarsec
		}

	case nfs3Readdirplus:
		writePostOpAttr(w, nil)
	}

	return w.bytes()
}

// writeDirList packs directory entries into a dirlist3, stopping at the
// client's byte budget. eof is set only when every remaining entry fit.
func (c *conn) writeDirList(w *xdrWriter, entries []ops.DirEntry, budget uint32) {
	// Reserve room for the reply scaffolding around the list.
	used := uint32(128)
	complete := true
	for _, e := range entries {
		entrySize := uint32(4 + 8 + 4 + ((len(e.Name) + 3) &^ 3) + 8)
		if used+entrySize > budget {
			complete = false
			break
		}
		used += entrySize
		w.bool(true)
		w.uint64(e.Ino)
		w.str(e.Name)
		w.uint64(e.Cookie)
	}
	w.bool(false)    // end of entries
	w.bool(complete) // eof
}

func (c *conn) fsinfoReply(xid uint32) []byte {
	w := acceptedReply(xid, acceptSuccess)
	w.uint32(nfs3OK)
	writePostOpAttr(w, nil)
	w.uint32(maxData).uint32(maxData).uint32(4096) // rtmax, rtpref, rtmult
	w.uint32(maxData).uint32(maxData).uint32(4096) // wtmax, wtpref, wtmult
	w.uint32(maxData)                              // dtpref
	w.uint64(1 << 62)                              // maxfilesize
	w.uint32(0).uint32(1)                          // time_delta: 1ns granularity
	// FSF3_SYMLINK | FSF3_HOMOGENEOUS | FSF3_CANSETTIME
	w.uint32(2 | 8 | 16)
	return w.bytes()
}

func (c *conn) pathconfReply(xid uint32) []byte {
	w := acceptedReply(xid, acceptSuccess)
	w.uint32(nfs3OK)
	writePostOpAttr(w, nil)
	w.uint32(1)          // linkmax: no hard links
	w.uint32(maxNameLen) // name_max
	w.bool(true)         // no_trunc
	w.bool(true)         // chown_restricted
	w.bool(false)        // case_insensitive
	w.bool(true)         // case_preserving
	return w.bytes()
}
