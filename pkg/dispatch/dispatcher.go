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

// Package dispatch executes decoded host operations against a backend. It
// owns the mapping between host-visible numeric identities and backend path
// keys (the Registry), bounds operation concurrency with a worker pool, and
// enforces the ordering contract: operations on one open handle run in host
// submission order, mutations of a common parent directory are serialized,
// and everything else runs in parallel.
package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// DefaultWorkers bounds concurrent backend operations when a Dispatcher is
// constructed with a non-positive worker count.
const DefaultWorkers = 8

// Transport is one attached host: a source of decoded requests and a sink
// for responses. ReadRequest blocks until a request arrives; it returns
// io.EOF when the host detaches. WriteResponse must be safe for concurrent
// use, workers call it directly.
type Transport interface {
	ReadRequest(ctx context.Context) (*ops.Request, error)
	WriteResponse(resp *ops.Response) error
	Close() error
}

type pendingState int

const (
	statePending pendingState = iota
	stateExecuting
	stateCancelled
)

type pendingReq struct {
	state  pendingState
	cancel context.CancelFunc
}

// chainSignal is one ordering obligation a request holds: the channel it
// closes when done, registered under key in one of the chain maps.
type chainSignal struct {
	key uint64
	ch  chan struct{}
}

// Dispatcher routes decoded requests to a backend through a bounded worker
// pool. One Dispatcher can serve several transports concurrently, all
// sharing the same Registry and backend.
type Dispatcher struct {
	backend fs.FileSystem
	reg     *Registry
	logger  *log.Logger
	sem     chan struct{}

	mu           sync.Mutex
	pending      map[ops.RequestID]*pendingReq
	handleChains map[uint64]chan struct{}
	parentChains map[uint64]chan struct{}
}

// New constructs a Dispatcher over the given backend and registry, with at
// most workers concurrent backend operations (DefaultWorkers if
// non-positive).
func New(backend fs.FileSystem, reg *Registry, logger *log.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		backend:      backend,
		reg:          reg,
		logger:       logger,
		sem:          make(chan struct{}, workers),
		pending:      make(map[ops.RequestID]*pendingReq),
		handleChains: make(map[uint64]chan struct{}),
		parentChains: make(map[uint64]chan struct{}),
	}
}

// Registry returns the dispatcher's identity registry. Transports that
// mint their own identity material (NFS file handles) resolve through it.
func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// sink is the response side of one attached transport. The first failed
// WriteResponse poisons the connection: the serve context is cancelled so
// the read loop stops, and Serve reports the failure after in-flight
// workers drain.
type sink struct {
	t      Transport
	cancel context.CancelFunc

	mu   sync.Mutex
	werr error
}

func (s *sink) fail(err error) {
	s.mu.Lock()
	if s.werr == nil {
		s.werr = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *sink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.werr
}

// Serve reads requests from the transport until it detaches, the context
// is cancelled, a destroy request arrives, or a response write fails. A
// failed write is fatal to the connection and is returned once all
// in-flight workers have drained.
func (d *Dispatcher) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &sink{t: t, cancel: cancel}
	var wg sync.WaitGroup

	loopErr := d.readLoop(ctx, &wg, s)
	wg.Wait()
	if err := s.err(); err != nil {
		return err
	}
	return loopErr
}

func (d *Dispatcher) readLoop(ctx context.Context, wg *sync.WaitGroup, s *sink) error {
	for {
		req, err := s.t.ReadRequest(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch req.Kind {
		case ops.KindDestroy:
			d.logger.Debug("transport destroy received")
			return nil
		case ops.KindForget:
			d.reg.Forget(req.Node, req.ForgetN)
			continue
		case ops.KindInterrupt:
			d.interrupt(req.IntrID)
			continue
		}

		d.enqueue(ctx, wg, s, req)
	}
}

// interrupt cancels the identified request. Still-pending requests are
// skipped outright and produce no response frame; executing requests have
// their context cancelled and their eventual result discarded.
func (d *Dispatcher) interrupt(id ops.RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return
	}
	if p.state == stateExecuting {
		p.cancel()
	}
	p.state = stateCancelled
}

// mutatesParent reports whether the kind mutates the entries of its Node
// directory and therefore must be serialized against other mutations of
// the same parent.
func mutatesParent(k ops.Kind) bool {
	switch k {
	case ops.KindMkdir, ops.KindCreate, ops.KindSymlink,
		ops.KindUnlink, ops.KindRmdir, ops.KindRename:
		return true
	}
	return false
}

// enqueue runs on the single reader goroutine. Because ordering
// predecessors are assigned here, in arrival order, the waits-on relation
// between requests follows submission order exactly and can never cycle,
// even for renames that chain on two parents.
func (d *Dispatcher) enqueue(ctx context.Context, wg *sync.WaitGroup, s *sink, req *ops.Request) {
	pinned, err := d.pinNodes(req)
	if err != nil {
		d.logger.Warnf("request %d (%s): unknown node %d", req.ID, req.Kind, req.Node)
		d.write(s, &ops.Response{ID: req.ID, Kind: req.Kind, Err: err})
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	p := &pendingReq{state: statePending, cancel: cancel}

	d.mu.Lock()
	d.pending[req.ID] = p

	var waits []chan struct{}
	var handleSignals, parentSignals []chainSignal
	chain := func(m map[uint64]chan struct{}, key uint64, signals *[]chainSignal) {
		if prev, ok := m[key]; ok {
			waits = append(waits, prev)
		}
		ch := make(chan struct{})
		m[key] = ch
		*signals = append(*signals, chainSignal{key: key, ch: ch})
	}
	if req.Handle != 0 {
		chain(d.handleChains, uint64(req.Handle), &handleSignals)
	}
	if mutatesParent(req.Kind) {
		chain(d.parentChains, uint64(req.Node), &parentSignals)
		if req.Kind == ops.KindRename && req.NewDir != req.Node {
			chain(d.parentChains, uint64(req.NewDir), &parentSignals)
		}
	}
	d.mu.Unlock()

	wg.Add(1)
	go d.run(rctx, s, req, p, pinned, waits, handleSignals, parentSignals, wg)
}

// pinNodes pins every node the request references so the registry can't
// reclaim them while the request is queued or executing.
func (d *Dispatcher) pinNodes(req *ops.Request) ([]ops.NodeID, error) {
	var pinned []ops.NodeID
	pin := func(id ops.NodeID) error {
		if id == 0 {
			return nil
		}
		if err := d.reg.Pin(id); err != nil {
			return err
		}
		pinned = append(pinned, id)
		return nil
	}
	if err := pin(req.Node); err != nil {
		return nil, err
	}
	if req.Kind == ops.KindRename && req.NewDir != req.Node {
		if err := pin(req.NewDir); err != nil {
			for _, id := range pinned {
				d.reg.Unpin(id)
			}
			return nil, err
		}
	}
	return pinned, nil
}

func (d *Dispatcher) run(ctx context.Context, s *sink, req *ops.Request, p *pendingReq,
	pinned []ops.NodeID, waits []chan struct{},
	handleSignals, parentSignals []chainSignal, wg *sync.WaitGroup) {

	defer wg.Done()
	defer p.cancel()

	// Pins are released on every exit path, after ordering successors
	// have been signalled.
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ID)
		for _, s := range handleSignals {
			if d.handleChains[s.key] == s.ch {
				delete(d.handleChains, s.key)
			}
			close(s.ch)
		}
		for _, s := range parentSignals {
			if d.parentChains[s.key] == s.ch {
				delete(d.parentChains, s.key)
			}
			close(s.ch)
		}
		d.mu.Unlock()
		for _, id := range pinned {
			d.reg.Unpin(id)
		}
	}()

	// Ordering predecessors complete (or are skipped) before we take a
	// worker slot, so a deep queue on one handle can't starve the pool.
	for _, w := range waits {
		<-w
	}

	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	d.mu.Lock()
	if p.state == stateCancelled {
		d.mu.Unlock()
		d.logger.Debugf("request %d (%s): cancelled before start", req.ID, req.Kind)
		return
	}
	p.state = stateExecuting
	d.mu.Unlock()

	resp := d.execute(ctx, req)

	d.mu.Lock()
	discarded := p.state == stateCancelled
	d.mu.Unlock()
	if discarded || ctx.Err() != nil {
		d.logger.Debugf("request %d (%s): result discarded after cancellation", req.ID, req.Kind)
		return
	}
	if resp.Err != nil {
		d.logger.Debugf("request %d (%s): %v", req.ID, req.Kind, resp.Err)
	}
	d.write(s, resp)
}

// write delivers one response. A transport that can no longer accept
// responses is torn down: the failure cancels the serve context and Serve
// returns it.
func (d *Dispatcher) write(s *sink, resp *ops.Response) {
	if resp.NoReply {
		return
	}
	if err := s.t.WriteResponse(resp); err != nil {
		d.logger.Errorf("writing response for request %d: %v; detaching transport", resp.ID, err)
		s.fail(err)
	}
}

// execute performs one operation against the backend and builds its
// response. Taxonomy errors are carried in Response.Err; the transport
// codec maps them to its native error space.
func (d *Dispatcher) execute(ctx context.Context, req *ops.Request) *ops.Response {
	resp := &ops.Response{ID: req.ID, Kind: req.Kind}

	var err error
	switch req.Kind {
	case ops.KindLookup:
		resp.Entry, err = d.lookup(ctx, req)
	case ops.KindGetAttr:
		resp.Attr, err = d.getattr(ctx, req)
	case ops.KindSetAttr:
		resp.Attr, err = d.setattr(ctx, req)
	case ops.KindReadlink:
		resp.Data, err = d.readlink(ctx, req)
	case ops.KindSymlink:
		resp.Entry, err = d.symlink(ctx, req)
	case ops.KindMkdir:
		resp.Entry, err = d.mkdir(ctx, req)
	case ops.KindUnlink:
		err = d.removeEntry(ctx, req, false)
	case ops.KindRmdir:
		err = d.removeEntry(ctx, req, true)
	case ops.KindRename:
		err = d.rename(ctx, req)
	case ops.KindOpen:
		resp.Handle, err = d.open(ctx, req)
	case ops.KindCreate:
		resp.Created, resp.Handle, err = d.create(ctx, req)
	case ops.KindRead:
		resp.Data, err = d.read(ctx, req)
	case ops.KindWrite:
		resp.Written, err = d.writeData(ctx, req)
	case ops.KindFlush:
		err = d.flush(ctx, req)
	case ops.KindFsync:
		err = d.fsync(ctx, req)
	case ops.KindRelease, ops.KindReleaseDir:
		err = d.release(ctx, req)
	case ops.KindOpenDir:
		resp.Handle, err = d.opendir(ctx, req)
	case ops.KindReadDir:
		resp.Entries, err = d.readdir(ctx, req)
	case ops.KindFsyncDir:
		// Directory cursors have no sync obligation of their own.
		err = nil
	case ops.KindAccess:
		err = d.access(ctx, req)
	case ops.KindStatFS:
		resp.FS, err = d.backend.StatFS(ctx)
	default:
		err = fs.E(fs.NotSupported, "dispatch", "")
	}

	resp.Err = err
	return resp
}

// childKey joins a directory key and an entry name.
func childKey(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// parentKey returns the directory key containing key; the root is its own
// parent.
func parentKey(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "/"
	}
	return key[:i]
}

// validName rejects entry names that could escape the parent directory or
// collide with the synthesized dot entries.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fs.E(fs.InvalidArgument, "name", name)
	}
	return nil
}

// fillIno stamps the derived file ID onto attributes from backends that
// don't assign their own.
func fillIno(attr fs.Attr, key string) fs.Attr {
	if attr.Ino == 0 {
		attr.Ino = InoForKey(key)
	}
	return attr
}

func entryType(mode os.FileMode) uint32 {
	switch {
	case mode.IsDir():
		return ops.TypeDir
	case mode&os.ModeSymlink != 0:
		return ops.TypeSymlink
	case mode.IsRegular() || mode&os.ModeType == 0:
		return ops.TypeFile
	}
	return ops.TypeUnknown
}

func (d *Dispatcher) lookup(ctx context.Context, req *ops.Request) (ops.Entry, error) {
	dir, err := d.reg.Path(req.Node)
	if err != nil {
		return ops.Entry{}, err
	}

	// "." and ".." resolve within the registry; backends never see them.
	var key string
	var attr fs.Attr
	switch req.Name {
	case ".":
		key = dir
		attr, err = d.backend.Stat(ctx, key)
	case "..":
		key = parentKey(dir)
		attr, err = d.backend.Stat(ctx, key)
	default:
		if err := validName(req.Name); err != nil {
			return ops.Entry{}, err
		}
		key = childKey(dir, req.Name)
		attr, err = d.backend.Lookup(ctx, dir, req.Name)
	}
	if err != nil {
		return ops.Entry{}, err
	}

	id, gen := d.reg.Ref(key)
	return ops.Entry{Node: id, Generation: gen, Attr: fillIno(attr, key)}, nil
}

func (d *Dispatcher) getattr(ctx context.Context, req *ops.Request) (fs.Attr, error) {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return fs.Attr{}, err
	}
	if req.Handle != 0 {
		h, err := d.reg.Handle(req.Handle)
		if err == nil && h.File != nil {
			attr, err := h.File.Attr(ctx)
			if err != nil {
				return fs.Attr{}, err
			}
			return fillIno(attr, key), nil
		}
		// Fall through to a path stat for directory cursors and handles
		// the host already released.
	}
	attr, err := d.backend.Stat(ctx, key)
	if err != nil {
		return fs.Attr{}, err
	}
	return fillIno(attr, key), nil
}

func (d *Dispatcher) setattr(ctx context.Context, req *ops.Request) (fs.Attr, error) {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return fs.Attr{}, err
	}
	attr, err := d.backend.SetAttr(ctx, key, req.Attr)
	if err != nil {
		return fs.Attr{}, err
	}
	return fillIno(attr, key), nil
}

func (d *Dispatcher) readlink(ctx context.Context, req *ops.Request) ([]byte, error) {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return nil, err
	}
	target, err := d.backend.Readlink(ctx, key)
	if err != nil {
		return nil, err
	}
	return []byte(target), nil
}

func (d *Dispatcher) symlink(ctx context.Context, req *ops.Request) (ops.Entry, error) {
	dir, err := d.reg.Path(req.Node)
	if err != nil {
		return ops.Entry{}, err
	}
	if err := validName(req.Name); err != nil {
		return ops.Entry{}, err
	}
	key := childKey(dir, req.Name)
	attr, err := d.backend.Symlink(ctx, req.Target, key)
	if err != nil {
		return ops.Entry{}, err
	}
	id, gen := d.reg.Ref(key)
	return ops.Entry{Node: id, Generation: gen, Attr: fillIno(attr, key)}, nil
}

func (d *Dispatcher) mkdir(ctx context.Context, req *ops.Request) (ops.Entry, error) {
	dir, err := d.reg.Path(req.Node)
	if err != nil {
		return ops.Entry{}, err
	}
	if err := validName(req.Name); err != nil {
		return ops.Entry{}, err
	}
	key := childKey(dir, req.Name)
	attr, err := d.backend.Mkdir(ctx, key, os.FileMode(req.Mode)&os.ModePerm)
	if err != nil {
		return ops.Entry{}, err
	}
	id, gen := d.reg.Ref(key)
	return ops.Entry{Node: id, Generation: gen, Attr: fillIno(attr, key)}, nil
}

func (d *Dispatcher) removeEntry(ctx context.Context, req *ops.Request, dir bool) error {
	parent, err := d.reg.Path(req.Node)
	if err != nil {
		return err
	}
	if err := validName(req.Name); err != nil {
		return err
	}
	key := childKey(parent, req.Name)
	if dir {
		err = d.backend.Rmdir(ctx, key)
	} else {
		err = d.backend.Unlink(ctx, key)
	}
	if err != nil {
		return err
	}
	d.reg.Drop(key)
	return nil
}

// rename validates the overwrite cases the backend contract leaves to the
// dispatcher, then re-keys the moved subtree so open handles and live
// identities survive the move.
func (d *Dispatcher) rename(ctx context.Context, req *ops.Request) error {
	oldDir, err := d.reg.Path(req.Node)
	if err != nil {
		return err
	}
	newDir, err := d.reg.Path(req.NewDir)
	if err != nil {
		return err
	}
	if err := validName(req.Name); err != nil {
		return err
	}
	if err := validName(req.NewName); err != nil {
		return err
	}

	oldKey := childKey(oldDir, req.Name)
	newKey := childKey(newDir, req.NewName)
	if oldKey == newKey {
		return nil
	}
	// A directory can't be moved underneath itself.
	if strings.HasPrefix(newKey, oldKey+"/") {
		return fs.E(fs.InvalidArgument, "rename", oldKey)
	}

	src, err := d.backend.Stat(ctx, oldKey)
	if err != nil {
		return err
	}
	dst, derr := d.backend.Stat(ctx, newKey)
	overwriting := derr == nil
	if overwriting {
		if !req.Replace {
			return fs.E(fs.Exists, "rename", newKey)
		}
		if dst.Mode.IsDir() && !src.Mode.IsDir() {
			return fs.E(fs.IsADirectory, "rename", newKey)
		}
		if !dst.Mode.IsDir() && src.Mode.IsDir() {
			return fs.E(fs.NotADirectory, "rename", newKey)
		}
	} else if fs.KindOf(derr) != fs.NotFound {
		return derr
	}

	if err := d.backend.Rename(ctx, oldKey, newKey, req.Replace); err != nil {
		return err
	}
	if overwriting {
		d.reg.Drop(newKey)
	}
	d.reg.Rekey(oldKey, newKey)
	return nil
}

func (d *Dispatcher) open(ctx context.Context, req *ops.Request) (ops.HandleID, error) {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return 0, err
	}
	fh, err := d.backend.Open(ctx, key, req.Flags)
	if err != nil {
		return 0, err
	}
	h, err := d.reg.OpenFile(req.Node, fh)
	if err != nil {
		fh.Close(ctx)
		return 0, err
	}
	return h.ID, nil
}

func (d *Dispatcher) create(ctx context.Context, req *ops.Request) (ops.Entry, ops.HandleID, error) {
	dir, err := d.reg.Path(req.Node)
	if err != nil {
		return ops.Entry{}, 0, err
	}
	if err := validName(req.Name); err != nil {
		return ops.Entry{}, 0, err
	}
	key := childKey(dir, req.Name)
	fh, attr, err := d.backend.Create(ctx, key, req.Flags, os.FileMode(req.Mode)&os.ModePerm)
	if err != nil {
		return ops.Entry{}, 0, err
	}
	id, gen := d.reg.Ref(key)
	h, err := d.reg.OpenFile(id, fh)
	if err != nil {
		fh.Close(ctx)
		d.reg.Forget(id, 1)
		return ops.Entry{}, 0, err
	}
	entry := ops.Entry{Node: id, Generation: gen, Attr: fillIno(attr, key)}
	return entry, h.ID, nil
}

func (d *Dispatcher) fileHandle(id ops.HandleID) (*Handle, error) {
	h, err := d.reg.Handle(id)
	if err != nil {
		return nil, err
	}
	if h.File == nil {
		return nil, fs.E(fs.IsADirectory, "handle", "")
	}
	return h, nil
}

// read serves both stateful hosts (FUSE, by open handle) and stateless
// ones (NFS, by node through a transient open).
func (d *Dispatcher) read(ctx context.Context, req *ops.Request) ([]byte, error) {
	var file fs.FileHandle
	if req.Handle != 0 {
		h, err := d.fileHandle(req.Handle)
		if err != nil {
			return nil, err
		}
		file = h.File
	} else {
		key, err := d.reg.Path(req.Node)
		if err != nil {
			return nil, err
		}
		fh, err := d.backend.Open(ctx, key, fs.ReadOnly)
		if err != nil {
			return nil, err
		}
		defer fh.Close(ctx)
		file = fh
	}
	buf := make([]byte, req.Size)
	n, err := file.ReadAt(ctx, buf, int64(req.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (d *Dispatcher) writeData(ctx context.Context, req *ops.Request) (uint32, error) {
	if req.Handle != 0 {
		h, err := d.fileHandle(req.Handle)
		if err != nil {
			return 0, err
		}
		n, err := h.File.WriteAt(ctx, req.Data, int64(req.Offset))
		if err != nil {
			return 0, err
		}
		return uint32(n), nil
	}

	// Stateless write: transient open, and a data sync before close so
	// the host's stable-storage claim holds.
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return 0, err
	}
	fh, err := d.backend.Open(ctx, key, fs.WriteOnly)
	if err != nil {
		return 0, err
	}
	defer fh.Close(ctx)
	n, err := fh.WriteAt(ctx, req.Data, int64(req.Offset))
	if err != nil {
		return 0, err
	}
	if err := fh.Fsync(ctx, true); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (d *Dispatcher) flush(ctx context.Context, req *ops.Request) error {
	h, err := d.fileHandle(req.Handle)
	if err != nil {
		return err
	}
	return h.File.Flush(ctx)
}

func (d *Dispatcher) fsync(ctx context.Context, req *ops.Request) error {
	if req.Handle != 0 {
		h, err := d.fileHandle(req.Handle)
		if err != nil {
			return err
		}
		return h.File.Fsync(ctx, req.DataOnly)
	}
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return err
	}
	fh, err := d.backend.Open(ctx, key, fs.ReadOnly)
	if err != nil {
		return err
	}
	defer fh.Close(ctx)
	return fh.Fsync(ctx, req.DataOnly)
}

// release closes the backend handle exactly once; duplicate releases from
// the host succeed without effect.
func (d *Dispatcher) release(ctx context.Context, req *ops.Request) error {
	h := d.reg.Release(req.Handle)
	if h == nil {
		return nil
	}
	if h.File != nil {
		return h.File.Close(ctx)
	}
	if h.Dir != nil {
		return h.Dir.Close(ctx)
	}
	return nil
}

// listDir takes a directory listing snapshot: the backend returns the raw
// entries and the dispatcher synthesizes "." and "..", assigns file IDs,
// and numbers the entries with 1-based resume cookies.
func (d *Dispatcher) listDir(ctx context.Context, key string) (fs.DirHandle, []ops.DirEntry, error) {
	dh, err := d.backend.OpenDir(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	listing, err := dh.ReadDir(ctx)
	if err != nil {
		dh.Close(ctx)
		return nil, nil, err
	}

	entries := make([]ops.DirEntry, 0, len(listing)+2)
	entries = append(entries,
		ops.DirEntry{Name: ".", Ino: InoForKey(key), Type: ops.TypeDir},
		ops.DirEntry{Name: "..", Ino: InoForKey(parentKey(key)), Type: ops.TypeDir},
	)
	for _, e := range listing {
		entries = append(entries, ops.DirEntry{
			Name: e.Name,
			Ino:  InoForKey(childKey(key, e.Name)),
			Type: entryType(e.Mode),
		})
	}
	for i := range entries {
		entries[i].Cookie = uint64(i + 1)
	}
	return dh, entries, nil
}

// opendir snapshots the directory at open time and registers a cursor over
// the snapshot.
func (d *Dispatcher) opendir(ctx context.Context, req *ops.Request) (ops.HandleID, error) {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return 0, err
	}
	dh, entries, err := d.listDir(ctx, key)
	if err != nil {
		return 0, err
	}
	h, err := d.reg.OpenDir(req.Node, dh, entries)
	if err != nil {
		dh.Close(ctx)
		return 0, err
	}
	return h.ID, nil
}

// readdir serves the listing from the given cookie onward. The transport
// codec packs as many entries as its native framing allows; the host
// resumes from the last cookie it consumed. Stateful hosts read from their
// cursor's snapshot; stateless ones get a fresh per-call snapshot, whose
// cookies stay comparable as long as the backend lists in a stable order.
func (d *Dispatcher) readdir(ctx context.Context, req *ops.Request) ([]ops.DirEntry, error) {
	var entries []ops.DirEntry
	if req.Handle != 0 {
		h, err := d.reg.Handle(req.Handle)
		if err != nil {
			return nil, err
		}
		if h.Dir == nil {
			return nil, fs.E(fs.NotADirectory, "readdir", "")
		}
		entries = h.Entries
	} else {
		key, err := d.reg.Path(req.Node)
		if err != nil {
			return nil, err
		}
		dh, list, err := d.listDir(ctx, key)
		if err != nil {
			return nil, err
		}
		dh.Close(ctx)
		entries = list
	}
	if req.Offset > uint64(len(entries)) {
		return nil, nil
	}
	return entries[req.Offset:], nil
}

// access answers permission probes with a plain existence check; backends
// carry no per-caller permission model.
func (d *Dispatcher) access(ctx context.Context, req *ops.Request) error {
	key, err := d.reg.Path(req.Node)
	if err != nil {
		return err
	}
	_, err = d.backend.Stat(ctx, key)
	return err
}
