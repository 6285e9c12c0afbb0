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
	"encoding/binary"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// DefaultMaxHandles is the open handle ceiling used when a Registry is
// constructed with a non-positive limit.
const DefaultMaxHandles = 16384

// node is one live identity: the association between a host-visible NodeID
// and a backend path key. A node stays alive while the host holds lookups
// on it or while requests and open handles pin it; it is reclaimed when
// both counts reach zero.
type node struct {
	id  ops.NodeID
	key string
	gen uint64

	lookups uint64 // host references, from lookup/mkdir/symlink/create replies
	pins    uint64 // open handles plus in-flight requests

	// orphan is set when the key was unlinked or overwritten. The node
	// remains addressable by ID until the host forgets it, but its key no
	// longer resolves and rename re-keying skips it.
	orphan bool
}

// Handle is the registry's record of one open file or directory cursor.
// The dispatcher serializes all access to a single Handle, so the fields
// need no locking of their own.
type Handle struct {
	ID   ops.HandleID
	Node ops.NodeID

	File fs.FileHandle
	Dir  fs.DirHandle

	// Entries is the directory snapshot taken at opendir, including the
	// synthesized "." and ".." entries. Nil for file handles.
	Entries []ops.DirEntry

	released bool
}

// Registry is the arena tying host-visible numeric identities (NodeIDs and
// HandleIDs) to backend path keys and open handles. It is safe for
// concurrent use.
type Registry struct {
	mu sync.Mutex

	nodes map[ops.NodeID]*node
	byKey map[string]ops.NodeID

	handles    map[ops.HandleID]*Handle
	maxHandles int

	nextNode   ops.NodeID
	nextHandle ops.HandleID
	nextGen    uint64
}

// NewRegistry constructs a Registry with the given open handle ceiling
// (DefaultMaxHandles if non-positive). The root directory is pre-registered
// as ops.RootNode with one permanent lookup, so it is never reclaimed.
func NewRegistry(maxHandles int) *Registry {
	if maxHandles <= 0 {
		maxHandles = DefaultMaxHandles
	}
	r := &Registry{
		nodes:      make(map[ops.NodeID]*node),
		byKey:      make(map[string]ops.NodeID),
		handles:    make(map[ops.HandleID]*Handle),
		maxHandles: maxHandles,
		nextNode:   ops.RootNode,
		nextGen:    1,
	}
	root := &node{id: ops.RootNode, key: "/", gen: r.nextGen, lookups: 1}
	r.nodes[root.id] = root
	r.byKey[root.key] = root.id
	r.nextNode++
	r.nextGen++
	return r
}

// Path resolves a NodeID to its backend path key. Unknown IDs yield a
// StaleHandle error; the host referenced an identity this registry never
// issued or has already reclaimed.
func (r *Registry) Path(id ops.NodeID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", fs.E(fs.StaleHandle, "resolve", "")
	}
	return n.key, nil
}

// Generation returns the generation counter of a live node.
func (r *Registry) Generation(id ops.NodeID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return 0, fs.E(fs.StaleHandle, "resolve", "")
	}
	return n.gen, nil
}

// Ref finds or creates the node for key and takes one host lookup on it.
// Called once per identity-producing reply (lookup, mkdir, symlink,
// create), so the lookup count mirrors the host's references exactly.
func (r *Registry) Ref(key string) (ops.NodeID, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		n := r.nodes[id]
		n.lookups++
		return n.id, n.gen
	}
	n := &node{id: r.nextNode, key: key, gen: r.nextGen, lookups: 1}
	r.nextNode++
	r.nextGen++
	r.nodes[n.id] = n
	r.byKey[key] = n.id
	return n.id, n.gen
}

// Forget drops n host lookups from the node. Hosts batch forgets, so n may
// cover many lookups at once. Forgetting an unknown node is a no-op; the
// host is only advising us it dropped references we may already have
// reclaimed. The root's permanent lookup is never dropped below one.
func (r *Registry) Forget(id ops.NodeID, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nd, ok := r.nodes[id]
	if !ok {
		return
	}
	if nd.lookups > n {
		nd.lookups -= n
	} else {
		nd.lookups = 0
	}
	if nd.id == ops.RootNode && nd.lookups == 0 {
		nd.lookups = 1
	}
	r.maybeReclaimLocked(nd)
}

// Pin takes an in-flight reference on the node, preventing reclaim while a
// request that references it executes. It fails with StaleHandle for
// unknown nodes.
func (r *Registry) Pin(id ops.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return fs.E(fs.StaleHandle, "pin", "")
	}
	n.pins++
	return nil
}

// Unpin releases one in-flight reference. The dispatcher guarantees every
// successful Pin is matched by exactly one Unpin on every exit path.
func (r *Registry) Unpin(id ops.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	if n.pins > 0 {
		n.pins--
	}
	r.maybeReclaimLocked(n)
}

// maybeReclaimLocked frees the node once both reference counts are zero.
func (r *Registry) maybeReclaimLocked(n *node) {
	if n.lookups > 0 || n.pins > 0 || n.id == ops.RootNode {
		return
	}
	delete(r.nodes, n.id)
	if !n.orphan && r.byKey[n.key] == n.id {
		delete(r.byKey, n.key)
	}
}

// Drop orphans the identity mapped at key, if any: the key was unlinked or
// overwritten, so it must no longer resolve, but the node itself stays
// addressable until the host forgets it. Directory keys orphan their whole
// subtree.
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := key + "/"
	for k, id := range r.byKey {
		if k != key && !strings.HasPrefix(k, prefix) {
			continue
		}
		r.nodes[id].orphan = true
		delete(r.byKey, k)
	}
}

// Rekey moves the identity at oldKey, and every identity underneath it, to
// newKey. Open handles keep working across the rename since they reference
// nodes, not keys.
func (r *Registry) Rekey(oldKey, newKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := oldKey + "/"
	for k, id := range r.byKey {
		var moved string
		switch {
		case k == oldKey:
			moved = newKey
		case strings.HasPrefix(k, prefix):
			moved = newKey + k[len(oldKey):]
		default:
			continue
		}
		n := r.nodes[id]
		n.key = moved
		delete(r.byKey, k)
		r.byKey[moved] = id
	}
}

// OpenFile registers an open file handle against node, pinning the node
// until release. It fails with TooManyOpenFiles at the handle ceiling.
func (r *Registry) OpenFile(id ops.NodeID, f fs.FileHandle) (*Handle, error) {
	return r.open(id, f, nil, nil)
}

// OpenDir registers a directory cursor against node with its entry
// snapshot, pinning the node until release.
func (r *Registry) OpenDir(id ops.NodeID, d fs.DirHandle, entries []ops.DirEntry) (*Handle, error) {
	return r.open(id, nil, d, entries)
}

func (r *Registry) open(id ops.NodeID, f fs.FileHandle, d fs.DirHandle, entries []ops.DirEntry) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fs.E(fs.StaleHandle, "open", "")
	}
	if len(r.handles) >= r.maxHandles {
		return nil, fs.E(fs.TooManyOpenFiles, "open", n.key)
	}
	r.nextHandle++
	h := &Handle{ID: r.nextHandle, Node: id, File: f, Dir: d, Entries: entries}
	r.handles[h.ID] = h
	n.pins++
	return h, nil
}

// Handle resolves a HandleID. Released or never-issued IDs yield a
// StaleHandle error.
func (r *Registry) Handle(id ops.HandleID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, fs.E(fs.StaleHandle, "handle", "")
	}
	return h, nil
}

// Release retires a handle and unpins its node. It is idempotent: only the
// first call returns the Handle (so the caller closes the backend handle
// exactly once); duplicates return nil.
func (r *Registry) Release(id ops.HandleID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.released {
		return nil
	}
	h.released = true
	delete(r.handles, id)
	if n, ok := r.nodes[h.Node]; ok {
		if n.pins > 0 {
			n.pins--
		}
		r.maybeReclaimLocked(n)
	}
	return h
}

// NodeCount reports the number of live identities, the root included.
func (r *Registry) NodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// HandleCount reports the number of open handles.
func (r *Registry) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// InoForKey derives the stable 64-bit file ID surfaced to hosts for a
// backend path key, for backends that don't assign their own. The root is
// fixed at 1 to match its NodeID.
func InoForKey(key string) uint64 {
	if key == "/" {
		return 1
	}
	sum := blake2b.Sum256([]byte(key))
	return binary.LittleEndian.Uint64(sum[:8])
}
