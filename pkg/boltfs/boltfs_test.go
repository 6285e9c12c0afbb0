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

package boltfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

func openStore(t *testing.T) (*FS, string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "store.db")
	m, err := Open(file)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m, file
}

func mustWrite(t *testing.T, m *FS, path string, data []byte) {
	t.Helper()
	ctx := context.Background()
	h, _, err := m.Create(ctx, path, fs.ReadWrite|fs.Create, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.WriteAt(ctx, data, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCreateWriteRead(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	payload := []byte("persisted bytes")
	mustWrite(t, m, "/f.txt", payload)

	h, err := m.Open(ctx, "/f.txt", fs.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := h.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("read %q, want %q", buf[:n], payload)
	}

	// Sparse write past the current end zero-fills the gap.
	hw, err := m.Open(ctx, "/f.txt", fs.WriteOnly)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hw.WriteAt(ctx, []byte("x"), 100); err != nil {
		t.Fatal(err)
	}
	attr, err := m.Stat(ctx, "/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 101 {
		t.Fatalf("size after sparse write: %d", attr.Size)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "store.db")

	m, err := Open(file)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mkdir(ctx, "/docs", 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, m, "/docs/a.txt", []byte("survives"))
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m, err = Open(file)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	attr, err := m.Lookup(ctx, "/docs", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != uint64(len("survives")) {
		t.Fatalf("size %d after reopen", attr.Size)
	}
	h, err := m.Open(ctx, "/docs/a.txt", fs.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := h.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "survives" {
		t.Fatalf("read %q after reopen", buf[:n])
	}
}

func TestCreateExclusive(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	if _, _, err := m.Create(ctx, "/f", fs.ReadWrite|fs.Create|fs.Exclusive, 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := m.Create(ctx, "/f", fs.ReadWrite|fs.Create|fs.Exclusive, 0o644)
	if fs.KindOf(err) != fs.Exists {
		t.Fatalf("second exclusive create: %v", err)
	}
}

func TestReadDirSkipsDescendants(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	if _, err := m.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mkdir(ctx, "/d/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, m, "/d/sub/deep.txt", nil)
	mustWrite(t, m, "/d/a.txt", nil)
	mustWrite(t, m, "/d/z.txt", nil)
	mustWrite(t, m, "/top.txt", nil)

	dh, err := m.OpenDir(ctx, "/d")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := dh.ReadDir(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "sub", "z.txt"}
	if len(entries) != len(want) {
		t.Fatalf("entries %v", entries)
	}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.Name, want[i])
		}
	}
	if !entries[1].Mode.IsDir() {
		t.Fatal("sub lost its directory type")
	}

	// Root listing includes only top-level names.
	dh, err = m.OpenDir(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	entries, err = dh.ReadDir(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "d" || entries[1].Name != "top.txt" {
		t.Fatalf("root entries %v", entries)
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	if _, err := m.Mkdir(ctx, "/src", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mkdir(ctx, "/src/nested", 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, m, "/src/nested/file.txt", []byte("cargo"))

	if err := m.Rename(ctx, "/src", "/dst", false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Stat(ctx, "/src/nested/file.txt"); fs.KindOf(err) != fs.NotFound {
		t.Fatalf("old key still resolves: %v", err)
	}
	h, err := m.Open(ctx, "/dst/nested/file.txt", fs.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := h.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "cargo" {
		t.Fatalf("moved content %q", buf[:n])
	}
}

func TestRenameReplaceSemantics(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	mustWrite(t, m, "/a", []byte("aa"))
	mustWrite(t, m, "/b", []byte("bb"))

	if err := m.Rename(ctx, "/a", "/b", false); fs.KindOf(err) != fs.Exists {
		t.Fatalf("non-replace onto occupied target: %v", err)
	}
	if err := m.Rename(ctx, "/a", "/b", true); err != nil {
		t.Fatal(err)
	}
	attr, err := m.Stat(ctx, "/b")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 2 {
		t.Fatalf("replaced target size %d", attr.Size)
	}

	// A file can't displace a directory, and a non-empty directory can't
	// be replaced.
	if _, err := m.Mkdir(ctx, "/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.Rename(ctx, "/b", "/dir", true); fs.KindOf(err) != fs.IsADirectory {
		t.Fatalf("file onto dir: %v", err)
	}
	mustWrite(t, m, "/dir/kid", nil)
	if _, err := m.Mkdir(ctx, "/dir2", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.Rename(ctx, "/dir2", "/dir", true); fs.KindOf(err) != fs.NotEmpty {
		t.Fatalf("dir onto non-empty dir: %v", err)
	}
}

func TestRmdirNotEmpty(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	if _, err := m.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, m, "/d/f", nil)
	if err := m.Rmdir(ctx, "/d"); fs.KindOf(err) != fs.NotEmpty {
		t.Fatalf("rmdir non-empty: %v", err)
	}
	if err := m.Unlink(ctx, "/d/f"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rmdir(ctx, "/d"); err != nil {
		t.Fatal(err)
	}
}

func TestSymlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	attr, err := m.Symlink(ctx, "/elsewhere", "/link")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Mode&os.ModeSymlink == 0 {
		t.Fatal("symlink mode lost")
	}
	target, err := m.Readlink(ctx, "/link")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/elsewhere" {
		t.Fatalf("target %q", target)
	}
	if _, err := m.Readlink(ctx, "/"); fs.KindOf(err) != fs.InvalidArgument {
		t.Fatalf("readlink on a directory: %v", err)
	}
}

func TestSetAttrTruncate(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	mustWrite(t, m, "/f", []byte("0123456789"))
	size := uint64(4)
	attr, err := m.SetAttr(ctx, "/f", fs.SetAttr{Size: &size})
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 4 {
		t.Fatalf("size %d after truncate", attr.Size)
	}
	h, err := m.Open(ctx, "/f", fs.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := h.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "0123" {
		t.Fatalf("content %q after truncate", buf[:n])
	}
}

func TestStaleHandleAfterUnlink(t *testing.T) {
	ctx := context.Background()
	m, _ := openStore(t)

	mustWrite(t, m, "/f", []byte("data"))
	h, err := m.Open(ctx, "/f", fs.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Unlink(ctx, "/f"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ReadAt(ctx, make([]byte, 4), 0); fs.KindOf(err) != fs.StaleHandle {
		t.Fatalf("read through unlinked handle: %v", err)
	}
	if _, err := h.WriteAt(ctx, []byte("x"), 0); fs.KindOf(err) != fs.StaleHandle {
		t.Fatalf("write through unlinked handle: %v", err)
	}
}
