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
	"context"
	"testing"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// stubFile is a no-op backend file handle for registry tests.
type stubFile struct{}

func (stubFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error)  { return 0, nil }
func (stubFile) WriteAt(ctx context.Context, p []byte, off int64) (int, error) { return len(p), nil }
func (stubFile) Attr(ctx context.Context) (fs.Attr, error)                     { return fs.Attr{}, nil }
func (stubFile) Flush(ctx context.Context) error                               { return nil }
func (stubFile) Fsync(ctx context.Context, dataOnly bool) error                { return nil }
func (stubFile) Close(ctx context.Context) error                               { return nil }

func TestRegistryRefForget(t *testing.T) {
	r := NewRegistry(0)

	id1, gen1 := r.Ref("/a")
	id2, gen2 := r.Ref("/a")
	if id1 != id2 || gen1 != gen2 {
		t.Fatalf("expected one identity per key, got %d/%d and %d/%d", id1, gen1, id2, gen2)
	}
	if id1 == ops.RootNode {
		t.Fatal("fresh identity collided with the root")
	}

	key, err := r.Path(id1)
	if err != nil || key != "/a" {
		t.Fatalf("expected /a, got %q, %v", key, err)
	}

	// Two lookups are outstanding; dropping one keeps the node alive.
	r.Forget(id1, 1)
	if _, err := r.Path(id1); err != nil {
		t.Fatalf("expected node alive after partial forget: %v", err)
	}
	r.Forget(id1, 1)
	if _, err := r.Path(id1); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected StaleHandle after full forget, got %v", err)
	}
	if r.NodeCount() != 1 {
		t.Fatalf("expected only the root to remain, got %d nodes", r.NodeCount())
	}

	// A fresh lookup of the same key mints a new generation.
	id3, gen3 := r.Ref("/a")
	if id3 == id1 || gen3 == gen1 {
		t.Fatalf("expected fresh identity after reclaim, got %d/%d", id3, gen3)
	}
}

func TestRegistryForgetExcess(t *testing.T) {
	r := NewRegistry(0)
	id, _ := r.Ref("/a")
	// Hosts may batch more forgets than we remember; never underflow.
	r.Forget(id, 100)
	if _, err := r.Path(id); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected reclaim, got %v", err)
	}
	r.Forget(id, 1) // forgetting a reclaimed node is a no-op
}

func TestRegistryRootNeverReclaimed(t *testing.T) {
	r := NewRegistry(0)
	r.Forget(ops.RootNode, 100)
	if key, err := r.Path(ops.RootNode); err != nil || key != "/" {
		t.Fatalf("expected root to survive forgets, got %q, %v", key, err)
	}
}

func TestRegistryPinPreventsReclaim(t *testing.T) {
	r := NewRegistry(0)
	id, _ := r.Ref("/a")
	if err := r.Pin(id); err != nil {
		t.Fatal(err)
	}
	r.Forget(id, 1)
	if _, err := r.Path(id); err != nil {
		t.Fatalf("expected pinned node to survive forget: %v", err)
	}
	r.Unpin(id)
	if _, err := r.Path(id); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected reclaim after unpin, got %v", err)
	}

	if err := r.Pin(ops.NodeID(9999)); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected StaleHandle pinning unknown node, got %v", err)
	}
}

func TestRegistryHandleCeiling(t *testing.T) {
	r := NewRegistry(2)
	id, _ := r.Ref("/f")

	h1, err := r.OpenFile(id, stubFile{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenFile(id, stubFile{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenFile(id, stubFile{}); !fs.IsKind(err, fs.TooManyOpenFiles) {
		t.Fatalf("expected TooManyOpenFiles, got %v", err)
	}

	// Releasing makes room again.
	if h := r.Release(h1.ID); h == nil {
		t.Fatal("expected first release to surface the handle")
	}
	if _, err := r.OpenFile(id, stubFile{}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryReleaseIdempotent(t *testing.T) {
	r := NewRegistry(0)
	id, _ := r.Ref("/f")
	h, err := r.OpenFile(id, stubFile{})
	if err != nil {
		t.Fatal(err)
	}

	if got := r.Release(h.ID); got == nil {
		t.Fatal("expected handle from first release")
	}
	if got := r.Release(h.ID); got != nil {
		t.Fatal("expected nil from duplicate release")
	}
	if r.HandleCount() != 0 {
		t.Fatalf("expected no open handles, got %d", r.HandleCount())
	}
	if _, err := r.Handle(h.ID); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected StaleHandle for released handle, got %v", err)
	}
}

func TestRegistryHandlePinsNode(t *testing.T) {
	r := NewRegistry(0)
	id, _ := r.Ref("/f")
	h, err := r.OpenFile(id, stubFile{})
	if err != nil {
		t.Fatal(err)
	}

	// The host forgot the node, but the open handle keeps it alive.
	r.Forget(id, 1)
	if _, err := r.Path(id); err != nil {
		t.Fatalf("expected node alive while handle open: %v", err)
	}
	r.Release(h.ID)
	if _, err := r.Path(id); !fs.IsKind(err, fs.StaleHandle) {
		t.Fatalf("expected reclaim after release, got %v", err)
	}
}

func TestRegistryRekeySubtree(t *testing.T) {
	r := NewRegistry(0)
	a, _ := r.Ref("/a")
	b, _ := r.Ref("/a/b")
	c, _ := r.Ref("/a/b/c")
	r.Ref("/ab") // prefix sibling must not move

	r.Rekey("/a", "/z")

	for _, tc := range []struct {
		id  ops.NodeID
		key string
	}{
		{a, "/z"},
		{b, "/z/b"},
		{c, "/z/b/c"},
	} {
		key, err := r.Path(tc.id)
		if err != nil || key != tc.key {
			t.Fatalf("node %d: expected %q, got %q, %v", tc.id, tc.key, key, err)
		}
	}

	if key, _ := r.Path(mustRef(r, "/ab")); key != "/ab" {
		t.Fatalf("sibling /ab moved to %q", key)
	}
	// The moved key resolves to the same identity.
	if id, _ := r.Ref("/z/b"); id != b {
		t.Fatalf("expected /z/b to be node %d, got %d", b, id)
	}
}

func mustRef(r *Registry, key string) ops.NodeID {
	id, _ := r.Ref(key)
	return id
}

func TestRegistryDropOrphans(t *testing.T) {
	r := NewRegistry(0)
	a, _ := r.Ref("/a")
	b, _ := r.Ref("/a/b")

	r.Drop("/a")

	// The identities survive until forgotten, but the keys resolve to
	// fresh identities.
	if _, err := r.Path(a); err != nil {
		t.Fatalf("expected orphaned node alive: %v", err)
	}
	a2, _ := r.Ref("/a")
	if a2 == a {
		t.Fatal("expected a fresh identity for the recreated key")
	}
	if b2, _ := r.Ref("/a/b"); b2 == b {
		t.Fatal("expected the whole subtree to be orphaned")
	}

	// Orphans are skipped by re-keying.
	r.Rekey("/a", "/c")
	if key, _ := r.Path(a); key != "/a" {
		t.Fatalf("orphan was re-keyed to %q", key)
	}
}

func TestInoForKey(t *testing.T) {
	if InoForKey("/") != 1 {
		t.Fatal("expected root ino 1")
	}
	if InoForKey("/a") == InoForKey("/b") {
		t.Fatal("expected distinct inos for distinct keys")
	}
	if InoForKey("/a") != InoForKey("/a") {
		t.Fatal("expected stable inos")
	}
	if InoForKey("/a") == 0 {
		t.Fatal("ino must be non-zero")
	}
}
