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

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/memfs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// pipeTransport is an in-process Transport fed from a channel.
type pipeTransport struct {
	reqs chan *ops.Request
	out  chan *ops.Response

	mu      sync.Mutex
	stashed map[ops.RequestID]*ops.Response
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		reqs:    make(chan *ops.Request, 128),
		out:     make(chan *ops.Response, 128),
		stashed: make(map[ops.RequestID]*ops.Response),
	}
}

func (p *pipeTransport) ReadRequest(ctx context.Context) (*ops.Request, error) {
	select {
	case req, ok := <-p.reqs:
		if !ok {
			return nil, io.EOF
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteResponse(resp *ops.Response) error {
	p.out <- resp
	return nil
}

func (p *pipeTransport) Close() error { return nil }

func (p *pipeTransport) send(req *ops.Request) { p.reqs <- req }

// await returns the response for the given request ID, stashing any other
// responses that arrive first.
func (p *pipeTransport) await(t *testing.T, id ops.RequestID) *ops.Response {
	t.Helper()
	p.mu.Lock()
	if resp, ok := p.stashed[id]; ok {
		delete(p.stashed, id)
		p.mu.Unlock()
		return resp
	}
	p.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case resp := <-p.out:
			if resp.ID == id {
				return resp
			}
			p.mu.Lock()
			p.stashed[resp.ID] = resp
			p.mu.Unlock()
		case <-deadline:
			t.Fatalf("timed out waiting for response %d", id)
		}
	}
}

// received reports whether a response for id has arrived, without blocking.
func (p *pipeTransport) received(id ops.RequestID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case resp := <-p.out:
			p.stashed[resp.ID] = resp
		default:
			_, ok := p.stashed[id]
			return ok
		}
	}
}

// gate delays one specific write payload until released, standing in for a
// slow backend operation.
type gate struct {
	payload []byte
	ch      chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGate(payload string) *gate {
	return &gate{
		payload: []byte(payload),
		ch:      make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (g *gate) release() { g.once.Do(func() { close(g.ch) }) }

// gatedBackend wraps a backend so writes of the gated payload block until
// released or their context is cancelled.
type gatedBackend struct {
	fs.FileSystem
	g *gate
}

func (b *gatedBackend) Open(ctx context.Context, path string, flags fs.OpenFlags) (fs.FileHandle, error) {
	h, err := b.FileSystem.Open(ctx, path, flags)
	if err != nil {
		return nil, err
	}
	return &gatedFile{FileHandle: h, g: b.g}, nil
}

type gatedFile struct {
	fs.FileHandle
	g *gate
}

func (f *gatedFile) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if bytes.Equal(p, f.g.payload) {
		f.g.started <- struct{}{}
		select {
		case <-f.g.ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.FileHandle.WriteAt(ctx, p, off)
}

type harness struct {
	tr     *pipeTransport
	disp   *Dispatcher
	done   chan error
	nextID ops.RequestID
}

func start(t *testing.T, backend fs.FileSystem, maxHandles int) *harness {
	t.Helper()
	tr := newPipeTransport()
	d := New(backend, NewRegistry(maxHandles), log.Discarder(), 4)
	h := &harness{tr: tr, disp: d, done: make(chan error, 1)}
	go func() { h.done <- d.Serve(context.Background(), tr) }()
	t.Cleanup(func() {
		close(tr.reqs)
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("serve did not drain")
		}
	})
	return h
}

func (h *harness) id() ops.RequestID {
	h.nextID++
	return h.nextID
}

func (h *harness) do(t *testing.T, req *ops.Request) *ops.Response {
	t.Helper()
	req.ID = h.id()
	h.tr.send(req)
	return h.tr.await(t, req.ID)
}

func (h *harness) mustDo(t *testing.T, req *ops.Request) *ops.Response {
	t.Helper()
	resp := h.do(t, req)
	if resp.Err != nil {
		t.Fatalf("%s: %v", req.Kind, resp.Err)
	}
	return resp
}

func (h *harness) createFile(t *testing.T, name string) (ops.NodeID, ops.HandleID) {
	t.Helper()
	resp := h.mustDo(t, &ops.Request{
		Kind:  ops.KindCreate,
		Node:  ops.RootNode,
		Name:  name,
		Flags: fs.ReadWrite | fs.Create,
		Mode:  0o644,
	})
	return resp.Created.Node, resp.Handle
}

func TestLookupGetAttr(t *testing.T) {
	h := start(t, memfs.New(), 0)
	node, _ := h.createFile(t, "f")

	resp := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	if resp.Entry.Node != node {
		t.Fatalf("expected node %d, got %d", node, resp.Entry.Node)
	}
	if resp.Entry.Attr.Ino == 0 {
		t.Fatal("expected a derived ino")
	}

	attr := h.mustDo(t, &ops.Request{Kind: ops.KindGetAttr, Node: node})
	if attr.Attr.Ino != resp.Entry.Attr.Ino {
		t.Fatal("expected stable ino between lookup and getattr")
	}

	miss := h.do(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "missing"})
	if fs.KindOf(miss.Err) != fs.NotFound {
		t.Fatalf("expected NotFound, got %v", miss.Err)
	}
}

func TestWriteReadThroughDispatcher(t *testing.T) {
	h := start(t, memfs.New(), 0)
	_, handle := h.createFile(t, "f")

	payload := []byte("the quick brown fox")
	w := h.mustDo(t, &ops.Request{Kind: ops.KindWrite, Handle: handle, Data: payload})
	if w.Written != uint32(len(payload)) {
		t.Fatalf("expected %d written, got %d", len(payload), w.Written)
	}

	r := h.mustDo(t, &ops.Request{Kind: ops.KindRead, Handle: handle, Size: 64})
	if !bytes.Equal(r.Data, payload) {
		t.Fatalf("expected %q, got %q", payload, r.Data)
	}
}

func TestSameHandleWriteOrdering(t *testing.T) {
	g := newGate("first")
	h := start(t, &gatedBackend{FileSystem: memfs.New(), g: g}, 0)

	h.mustDo(t, &ops.Request{
		Kind: ops.KindCreate, Node: ops.RootNode, Name: "f",
		Flags: fs.ReadWrite | fs.Create, Mode: 0o644,
	})
	// Open via lookup so the gated Open wrapper is used; the handle the
	// create returned goes through the ungated embedded backend.
	look := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	opened := h.mustDo(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadWrite})
	handle := opened.Handle

	w1 := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: handle, Offset: 0, Data: []byte("first")}
	w2 := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: handle, Offset: 0, Data: []byte("SECON")}
	h.tr.send(w1)
	h.tr.send(w2)

	<-g.started // w1 is executing and blocked
	if h.tr.received(w2.ID) {
		t.Fatal("second write completed while the first was still executing")
	}
	g.release()

	if resp := h.tr.await(t, w1.ID); resp.Err != nil {
		t.Fatal(resp.Err)
	}
	if resp := h.tr.await(t, w2.ID); resp.Err != nil {
		t.Fatal(resp.Err)
	}

	// The second write lands last.
	r := h.mustDo(t, &ops.Request{Kind: ops.KindRead, Handle: handle, Size: 16})
	if string(r.Data) != "SECON" {
		t.Fatalf("expected SECON, got %q", r.Data)
	}
}

func TestDistinctHandlesRunInParallel(t *testing.T) {
	g := newGate("slow")
	h := start(t, &gatedBackend{FileSystem: memfs.New(), g: g}, 0)

	for _, name := range []string{"a", "b"} {
		h.mustDo(t, &ops.Request{
			Kind: ops.KindCreate, Node: ops.RootNode, Name: name,
			Flags: fs.ReadWrite | fs.Create, Mode: 0o644,
		})
	}
	openOn := func(name string) ops.HandleID {
		look := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: name})
		return h.mustDo(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadWrite}).Handle
	}
	ha, hb := openOn("a"), openOn("b")

	slow := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: ha, Data: []byte("slow")}
	h.tr.send(slow)
	<-g.started

	// The other handle makes progress while the first is blocked.
	fast := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: hb, Data: []byte("fast")}
	h.tr.send(fast)
	if resp := h.tr.await(t, fast.ID); resp.Err != nil {
		t.Fatal(resp.Err)
	}

	g.release()
	if resp := h.tr.await(t, slow.ID); resp.Err != nil {
		t.Fatal(resp.Err)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	g := newGate("blocker")
	h := start(t, &gatedBackend{FileSystem: memfs.New(), g: g}, 0)

	h.mustDo(t, &ops.Request{
		Kind: ops.KindCreate, Node: ops.RootNode, Name: "f",
		Flags: fs.ReadWrite | fs.Create, Mode: 0o644,
	})
	look := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	handle := h.mustDo(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadWrite}).Handle

	w1 := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: handle, Data: []byte("blocker")}
	w2 := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: handle, Data: []byte("queued")}
	h.tr.send(w1)
	h.tr.send(w2)
	<-g.started

	// w2 is queued behind w1; cancelling it now skips it entirely.
	h.tr.send(&ops.Request{ID: h.id(), Kind: ops.KindInterrupt, IntrID: w2.ID})
	g.release()

	if resp := h.tr.await(t, w1.ID); resp.Err != nil {
		t.Fatal(resp.Err)
	}
	// A barrier operation on the same handle proves w2's slot has drained.
	h.mustDo(t, &ops.Request{Kind: ops.KindRead, Handle: handle, Size: 4})
	if h.tr.received(w2.ID) {
		t.Fatal("cancelled-before-start request produced a response frame")
	}
}

func TestCancelDuringExecution(t *testing.T) {
	g := newGate("hang")
	h := start(t, &gatedBackend{FileSystem: memfs.New(), g: g}, 0)

	h.mustDo(t, &ops.Request{
		Kind: ops.KindCreate, Node: ops.RootNode, Name: "f",
		Flags: fs.ReadWrite | fs.Create, Mode: 0o644,
	})
	look := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	handle := h.mustDo(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadWrite}).Handle

	w := &ops.Request{ID: h.id(), Kind: ops.KindWrite, Handle: handle, Data: []byte("hang")}
	h.tr.send(w)
	<-g.started

	// Cancelling an executing request unblocks it via its context; the
	// result is discarded without a response frame.
	h.tr.send(&ops.Request{ID: h.id(), Kind: ops.KindInterrupt, IntrID: w.ID})

	h.mustDo(t, &ops.Request{Kind: ops.KindRead, Handle: handle, Size: 4})
	if h.tr.received(w.ID) {
		t.Fatal("cancelled request produced a response frame")
	}
}

func TestReadDirSynthesizesDotEntries(t *testing.T) {
	h := start(t, memfs.New(), 0)
	h.mustDo(t, &ops.Request{Kind: ops.KindMkdir, Node: ops.RootNode, Name: "sub", Mode: 0o755})
	h.createFile(t, "file")

	od := h.mustDo(t, &ops.Request{Kind: ops.KindOpenDir, Node: ops.RootNode})
	rd := h.mustDo(t, &ops.Request{Kind: ops.KindReadDir, Handle: od.Handle})

	names := make([]string, len(rd.Entries))
	for i, e := range rd.Entries {
		names[i] = e.Name
		if e.Cookie != uint64(i+1) {
			t.Fatalf("entry %d: expected cookie %d, got %d", i, i+1, e.Cookie)
		}
	}
	want := []string{".", "..", "file", "sub"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
	if rd.Entries[0].Type != ops.TypeDir || rd.Entries[3].Type != ops.TypeDir {
		t.Fatal("expected directory type bits on dot and sub entries")
	}
	if rd.Entries[2].Type != ops.TypeFile {
		t.Fatal("expected file type bits on file entry")
	}

	// Resuming from a cookie skips what came before it.
	resumed := h.mustDo(t, &ops.Request{Kind: ops.KindReadDir, Handle: od.Handle, Offset: 2})
	if len(resumed.Entries) != 2 || resumed.Entries[0].Name != "file" {
		t.Fatalf("expected resume at 'file', got %v", resumed.Entries)
	}

	h.mustDo(t, &ops.Request{Kind: ops.KindReleaseDir, Handle: od.Handle})
}

func TestRenameValidation(t *testing.T) {
	h := start(t, memfs.New(), 0)
	h.mustDo(t, &ops.Request{Kind: ops.KindMkdir, Node: ops.RootNode, Name: "d", Mode: 0o755})
	h.createFile(t, "f")
	h.createFile(t, "g")

	// Overwrite without replace is refused.
	resp := h.do(t, &ops.Request{
		Kind: ops.KindRename, Node: ops.RootNode, Name: "f",
		NewDir: ops.RootNode, NewName: "g",
	})
	if fs.KindOf(resp.Err) != fs.Exists {
		t.Fatalf("expected Exists, got %v", resp.Err)
	}

	// A file can't replace a directory.
	resp = h.do(t, &ops.Request{
		Kind: ops.KindRename, Node: ops.RootNode, Name: "f",
		NewDir: ops.RootNode, NewName: "d", Replace: true,
	})
	if fs.KindOf(resp.Err) != fs.IsADirectory {
		t.Fatalf("expected IsADirectory, got %v", resp.Err)
	}

	// A directory can't be moved beneath itself.
	resp = h.do(t, &ops.Request{
		Kind: ops.KindRename, Node: ops.RootNode, Name: "d",
		NewDir:  h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "d"}).Entry.Node,
		NewName: "loop", Replace: false,
	})
	if fs.KindOf(resp.Err) != fs.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", resp.Err)
	}

	// Replacing a file works and the replaced identity goes stale.
	gLook := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "g"})
	h.mustDo(t, &ops.Request{
		Kind: ops.KindRename, Node: ops.RootNode, Name: "f",
		NewDir: ops.RootNode, NewName: "g", Replace: true,
	})
	// The g identity now points at an orphaned key; a fresh lookup of
	// "g" resolves to the moved file's identity instead.
	fresh := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "g"})
	if fresh.Entry.Node == gLook.Entry.Node {
		t.Fatal("expected the overwritten identity to be retired")
	}
}

func TestRenameRekeysOpenNodes(t *testing.T) {
	h := start(t, memfs.New(), 0)
	h.mustDo(t, &ops.Request{Kind: ops.KindMkdir, Node: ops.RootNode, Name: "dir", Mode: 0o755})
	dir := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "dir"}).Entry.Node
	h.mustDo(t, &ops.Request{
		Kind: ops.KindCreate, Node: dir, Name: "f",
		Flags: fs.ReadWrite | fs.Create, Mode: 0o644,
	})
	inner := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: dir, Name: "f"}).Entry.Node

	h.mustDo(t, &ops.Request{
		Kind: ops.KindRename, Node: ops.RootNode, Name: "dir",
		NewDir: ops.RootNode, NewName: "moved",
	})

	// Identities held across the rename keep working.
	h.mustDo(t, &ops.Request{Kind: ops.KindGetAttr, Node: dir})
	h.mustDo(t, &ops.Request{Kind: ops.KindGetAttr, Node: inner})

	// And they resolve under the new name.
	moved := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "moved"})
	if moved.Entry.Node != dir {
		t.Fatal("expected the moved directory to keep its identity")
	}
}

func TestForgetRetiresIdentity(t *testing.T) {
	h := start(t, memfs.New(), 0)
	h.createFile(t, "f")

	l1 := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	l2 := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	if l1.Entry.Node != l2.Entry.Node {
		t.Fatal("expected one identity per key")
	}

	// Forget is advisory and carries the host's accumulated count. It has
	// no response; use a barrier op to sequence the assertion.
	h.tr.send(&ops.Request{ID: h.id(), Kind: ops.KindForget, Node: l1.Entry.Node, ForgetN: 2})
	h.mustDo(t, &ops.Request{Kind: ops.KindStatFS, Node: ops.RootNode})

	resp := h.do(t, &ops.Request{Kind: ops.KindGetAttr, Node: l1.Entry.Node})
	if fs.KindOf(resp.Err) != fs.StaleHandle {
		t.Fatalf("expected StaleHandle after forget, got %v", resp.Err)
	}
}

func TestReleaseIdempotentThroughDispatcher(t *testing.T) {
	h := start(t, memfs.New(), 0)
	_, handle := h.createFile(t, "f")

	h.mustDo(t, &ops.Request{Kind: ops.KindRelease, Handle: handle})
	// Duplicate release succeeds without effect.
	h.mustDo(t, &ops.Request{Kind: ops.KindRelease, Handle: handle})

	resp := h.do(t, &ops.Request{Kind: ops.KindRead, Handle: handle, Size: 1})
	if fs.KindOf(resp.Err) != fs.StaleHandle {
		t.Fatalf("expected StaleHandle reading a released handle, got %v", resp.Err)
	}
}

func TestHandleCeilingSurfaced(t *testing.T) {
	h := start(t, memfs.New(), 2)
	_, _ = h.createFile(t, "f") // create consumes one handle

	look := h.mustDo(t, &ops.Request{Kind: ops.KindLookup, Node: ops.RootNode, Name: "f"})
	h.mustDo(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadOnly})

	resp := h.do(t, &ops.Request{Kind: ops.KindOpen, Node: look.Entry.Node, Flags: fs.ReadOnly})
	if fs.KindOf(resp.Err) != fs.TooManyOpenFiles {
		t.Fatalf("expected TooManyOpenFiles, got %v", resp.Err)
	}
}

func TestStaleNodeRejected(t *testing.T) {
	h := start(t, memfs.New(), 0)
	resp := h.do(t, &ops.Request{Kind: ops.KindGetAttr, Node: ops.NodeID(4242)})
	if fs.KindOf(resp.Err) != fs.StaleHandle {
		t.Fatalf("expected StaleHandle, got %v", resp.Err)
	}
}

var errWriteRefused = errors.New("response channel broken")

// brokenWriteTransport reads normally but refuses every response, the
// shape of a channel whose write side has failed while reads still work.
type brokenWriteTransport struct {
	*pipeTransport
}

func (b *brokenWriteTransport) WriteResponse(resp *ops.Response) error {
	return errWriteRefused
}

func TestWriteFailureTearsDownTransport(t *testing.T) {
	tr := &brokenWriteTransport{pipeTransport: newPipeTransport()}
	d := New(memfs.New(), NewRegistry(0), log.Discarder(), 4)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), tr) }()

	tr.send(&ops.Request{ID: 1, Kind: ops.KindGetAttr, Node: ops.RootNode})

	select {
	case err := <-done:
		if !errors.Is(err, errWriteRefused) {
			t.Fatalf("expected the write failure from Serve, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept reading after a failed response write")
	}
}
