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

// End-to-end tests: a real nfs server on a loopback listener, driven by a
// minimal ONC RPC client implemented here, over the persistent backend.
package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rianhunter/userspacefs/pkg/boltfs"
	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/nfs"
)

const (
	nfsProgram   = 100003
	mountProgram = 100005

	procMnt = 1

	procGetattr = 1
	procLookup  = 3
	procRead    = 6
	procWrite   = 7
	procCreate  = 8
	procMkdir   = 9
	procRemove  = 12
	procRename  = 14
	procReaddir = 16

	statOK    = 0
	statNoEnt = 2
	statStale = 70

	fattrLen = 84
)

// XDR building blocks for the client side.

func u32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }
func u64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

func opaque(b, p []byte) []byte {
	b = u32(b, uint32(len(p)))
	b = append(b, p...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func str(b []byte, s string) []byte { return opaque(b, []byte(s)) }

// emptySattr appends a sattr3 with every field unset.
func emptySattr(b []byte) []byte {
	for i := 0; i < 6; i++ {
		b = u32(b, 0)
	}
	return b
}

// xr is a fatal-on-short-read reply parser.
type xr struct {
	t   *testing.T
	buf []byte
	off int
}

func (r *xr) u32() uint32 {
	r.t.Helper()
	if len(r.buf)-r.off < 4 {
		r.t.Fatal("short reply")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *xr) u64() uint64 {
	r.t.Helper()
	if len(r.buf)-r.off < 8 {
		r.t.Fatal("short reply")
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *xr) opaque() []byte {
	r.t.Helper()
	n := int(r.u32())
	padded := (n + 3) &^ 3
	if len(r.buf)-r.off < padded {
		r.t.Fatal("short reply")
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += padded
	return out
}

func (r *xr) skip(n int) {
	r.t.Helper()
	if len(r.buf)-r.off < n {
		r.t.Fatal("short reply")
	}
	r.off += n
}

// skipPostOpAttr consumes a post_op_attr.
func (r *xr) skipPostOpAttr() {
	if r.u32() != 0 {
		r.skip(fattrLen)
	}
}

// skipWcc consumes a wcc_data.
func (r *xr) skipWcc() {
	if r.u32() != 0 {
		r.skip(24) // wcc_attr
	}
	r.skipPostOpAttr()
}

// client is a minimal NFS3/MOUNT3 RPC client over one TCP connection.
type client struct {
	t   *testing.T
	c   net.Conn
	xid uint32
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &client{t: t, c: c, xid: 100}
}

// call performs one RPC and returns a parser positioned at the procedure
// results (after the accept status, which must be SUCCESS).
func (cl *client) call(prog, vers, proc uint32, args []byte) *xr {
	cl.t.Helper()
	cl.xid++

	var body []byte
	body = u32(body, cl.xid)
	body = u32(body, 0) // CALL
	body = u32(body, 2) // RPC version
	body = u32(body, prog)
	body = u32(body, vers)
	body = u32(body, proc)
	body = u32(body, 0) // AUTH_NONE cred
	body = u32(body, 0)
	body = u32(body, 0) // AUTH_NONE verf
	body = u32(body, 0)
	body = append(body, args...)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body))|1<<31)
	if _, err := cl.c.Write(hdr[:]); err != nil {
		cl.t.Fatal(err)
	}
	if _, err := cl.c.Write(body); err != nil {
		cl.t.Fatal(err)
	}

	cl.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(cl.c, hdr[:]); err != nil {
		cl.t.Fatal(err)
	}
	size := binary.BigEndian.Uint32(hdr[:]) &^ (1 << 31)
	reply := make([]byte, size)
	if _, err := io.ReadFull(cl.c, reply); err != nil {
		cl.t.Fatal(err)
	}

	r := &xr{t: cl.t, buf: reply}
	if xid := r.u32(); xid != cl.xid {
		cl.t.Fatalf("reply xid %d, want %d", xid, cl.xid)
	}
	if mtype := r.u32(); mtype != 1 {
		cl.t.Fatalf("message type %d", mtype)
	}
	if rstat := r.u32(); rstat != 0 {
		cl.t.Fatalf("reply rejected: %d", rstat)
	}
	r.skip(8) // null verifier
	if accept := r.u32(); accept != 0 {
		cl.t.Fatalf("accept status %d", accept)
	}
	return r
}

func (cl *client) mount() []byte {
	cl.t.Helper()
	r := cl.call(mountProgram, 3, procMnt, str(nil, "/"))
	if status := r.u32(); status != 0 {
		cl.t.Fatalf("MNT status %d", status)
	}
	return r.opaque()
}

func (cl *client) create(dir []byte, name string) []byte {
	cl.t.Helper()
	args := opaque(nil, dir)
	args = str(args, name)
	args = u32(args, 0) // UNCHECKED
	args = emptySattr(args)
	r := cl.call(nfsProgram, 3, procCreate, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("CREATE %s: status %d", name, status)
	}
	if r.u32() != 1 {
		cl.t.Fatalf("CREATE %s: no handle", name)
	}
	fh := r.opaque()
	r.skipPostOpAttr()
	r.skipWcc()
	return fh
}

func (cl *client) mkdir(dir []byte, name string) []byte {
	cl.t.Helper()
	args := opaque(nil, dir)
	args = str(args, name)
	args = emptySattr(args)
	r := cl.call(nfsProgram, 3, procMkdir, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("MKDIR %s: status %d", name, status)
	}
	if r.u32() != 1 {
		cl.t.Fatalf("MKDIR %s: no handle", name)
	}
	return r.opaque()
}

func (cl *client) lookup(dir []byte, name string) ([]byte, uint32) {
	cl.t.Helper()
	args := opaque(nil, dir)
	args = str(args, name)
	r := cl.call(nfsProgram, 3, procLookup, args)
	status := r.u32()
	if status != statOK {
		return nil, status
	}
	return r.opaque(), statOK
}

func (cl *client) write(fh []byte, off uint64, data []byte) {
	cl.t.Helper()
	args := opaque(nil, fh)
	args = u64(args, off)
	args = u32(args, uint32(len(data)))
	args = u32(args, 0) // UNSTABLE
	args = opaque(args, data)
	r := cl.call(nfsProgram, 3, procWrite, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("WRITE: status %d", status)
	}
	r.skipWcc()
	if count := r.u32(); count != uint32(len(data)) {
		cl.t.Fatalf("WRITE: count %d of %d", count, len(data))
	}
	if committed := r.u32(); committed != 2 {
		cl.t.Fatalf("WRITE: committed %d, want FILE_SYNC", committed)
	}
}

func (cl *client) read(fh []byte, off uint64, count uint32) ([]byte, bool) {
	cl.t.Helper()
	args := opaque(nil, fh)
	args = u64(args, off)
	args = u32(args, count)
	r := cl.call(nfsProgram, 3, procRead, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("READ: status %d", status)
	}
	r.skipPostOpAttr()
	n := r.u32()
	eof := r.u32() != 0
	data := r.opaque()
	if uint32(len(data)) != n {
		cl.t.Fatalf("READ: count %d but %d bytes", n, len(data))
	}
	return data, eof
}

func (cl *client) readdir(fh []byte) []string {
	cl.t.Helper()
	args := opaque(nil, fh)
	args = u64(args, 0)
	args = append(args, make([]byte, 8)...) // cookieverf
	args = u32(args, 65536)
	r := cl.call(nfsProgram, 3, procReaddir, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("READDIR: status %d", status)
	}
	r.skipPostOpAttr()
	r.skip(8) // cookieverf
	var names []string
	for r.u32() == 1 {
		r.u64() // fileid
		names = append(names, string(r.opaque()))
		r.u64() // cookie
	}
	if eof := r.u32(); eof != 1 {
		cl.t.Fatal("READDIR: listing not complete")
	}
	return names
}

func (cl *client) rename(from []byte, fromName string, to []byte, toName string) {
	cl.t.Helper()
	args := opaque(nil, from)
	args = str(args, fromName)
	args = opaque(args, to)
	args = str(args, toName)
	r := cl.call(nfsProgram, 3, procRename, args)
	if status := r.u32(); status != statOK {
		cl.t.Fatalf("RENAME: status %d", status)
	}
}

func (cl *client) remove(dir []byte, name string) uint32 {
	cl.t.Helper()
	args := opaque(nil, dir)
	args = str(args, name)
	r := cl.call(nfsProgram, 3, procRemove, args)
	return r.u32()
}

// getattrSize stats through a file handle and returns the reported size.
func (cl *client) getattrSize(fh []byte) (uint64, uint32) {
	cl.t.Helper()
	r := cl.call(nfsProgram, 3, procGetattr, opaque(nil, fh))
	status := r.u32()
	if status != statOK {
		return 0, status
	}
	r.skip(20) // type, mode, nlink, uid, gid
	return r.u64(), statOK
}

func startServer(t *testing.T, backend fs.FileSystem, key []byte) string {
	t.Helper()
	server, err := nfs.NewServer(nfs.Config{
		Backend:   backend,
		Logger:    log.Discarder(),
		HandleKey: key,
	})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestLoopbackLifecycle(t *testing.T) {
	m, err := boltfs.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	addr := startServer(t, m, nil)
	cl := dial(t, addr)
	root := cl.mount()

	// Create, write, read back.
	fh := cl.create(root, "hello.txt")
	payload := []byte("written over loopback nfs")
	cl.write(fh, 0, payload)
	data, eof := cl.read(fh, 0, 4096)
	if !bytes.Equal(data, payload) || !eof {
		t.Fatalf("read %q eof=%v", data, eof)
	}
	if size, status := cl.getattrSize(fh); status != statOK || size != uint64(len(payload)) {
		t.Fatalf("size %d status %d", size, status)
	}

	// Directory structure and listing.
	dfh := cl.mkdir(root, "docs")
	names := cl.readdir(root)
	want := map[string]bool{".": false, "..": false, "hello.txt": false, "docs": false}
	for _, n := range names {
		if _, ok := want[n]; !ok {
			t.Fatalf("unexpected entry %q in %v", n, names)
		}
		want[n] = true
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("missing entry %q in %v", n, names)
		}
	}

	// Rename across directories, then resolve at the new location only.
	cl.rename(root, "hello.txt", dfh, "moved.txt")
	if _, status := cl.lookup(root, "hello.txt"); status != statNoEnt {
		t.Fatalf("old name status %d", status)
	}
	moved, status := cl.lookup(dfh, "moved.txt")
	if status != statOK {
		t.Fatalf("new name status %d", status)
	}
	data, _ = cl.read(moved, 0, 4096)
	if !bytes.Equal(data, payload) {
		t.Fatalf("content after rename: %q", data)
	}

	// The pre-rename file handle still addresses the same object.
	if size, status := cl.getattrSize(fh); status != statOK || size != uint64(len(payload)) {
		t.Fatalf("pre-rename handle: size %d status %d", size, status)
	}

	// Remove it and confirm it's gone.
	if status := cl.remove(dfh, "moved.txt"); status != statOK {
		t.Fatalf("REMOVE status %d", status)
	}
	if _, status := cl.lookup(dfh, "moved.txt"); status != statNoEnt {
		t.Fatalf("after remove: status %d", status)
	}
}

func TestPersistenceAcrossServerRestart(t *testing.T) {
	store := filepath.Join(t.TempDir(), "store.db")

	m, err := boltfs.Open(store)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, m, nil)
	cl := dial(t, addr)
	root := cl.mount()
	fh := cl.create(root, "keep.txt")
	cl.write(fh, 0, []byte("kept"))
	oldFh := append([]byte(nil), fh...)

	// Tear down the first server completely before reopening the store.
	cl.c.Close()
	m.Close()

	m2, err := boltfs.Open(store)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	addr2 := startServer(t, m2, nil)
	cl2 := dial(t, addr2)

	// Handles from the previous run fail the MAC and read as stale.
	if _, status := cl2.getattrSize(oldFh); status != statStale {
		t.Fatalf("old handle status %d, want NFS3ERR_STALE", status)
	}

	// The data survived; a fresh mount resolves it.
	root2 := cl2.mount()
	fh2, status := cl2.lookup(root2, "keep.txt")
	if status != statOK {
		t.Fatalf("lookup after restart: status %d", status)
	}
	data, _ := cl2.read(fh2, 0, 64)
	if string(data) != "kept" {
		t.Fatalf("content after restart: %q", data)
	}
}

func TestConcurrentClients(t *testing.T) {
	m, err := boltfs.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	addr := startServer(t, m, nil)

	// Two connections share one identity space: what one creates, the
	// other resolves.
	a := dial(t, addr)
	b := dial(t, addr)
	rootA := a.mount()
	rootB := b.mount()

	fh := a.create(rootA, "shared.txt")
	a.write(fh, 0, []byte("from a"))

	got, status := b.lookup(rootB, "shared.txt")
	if status != statOK {
		t.Fatalf("cross-connection lookup: status %d", status)
	}
	data, _ := b.read(got, 0, 64)
	if string(data) != "from a" {
		t.Fatalf("cross-connection read: %q", data)
	}
}
