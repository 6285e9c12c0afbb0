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

// Package pathconv translates the private-use codepoints network
// filesystem clients substitute for characters a remote share can't carry.
//
// The macOS client escapes control characters and the characters illegal
// in Windows share names into U+F001..U+F029 (the Services-for-Macintosh
// convention) before they reach the server. A backend wrapped by this
// package sees the real characters: names are decoded on the way in and
// re-encoded in directory listings on the way out, so a file named
// "a:b" round-trips instead of surfacing as "ab".
//
// One assignment deviates from the client convention on purpose: the
// client uses U+F022 for the path separator '/', but backend keys here
// are slash-joined strings, where a '/' inside a name is indistinguishable
// from a component boundary. U+F022 therefore decodes to ':', the
// character the macOS file layer itself presents in place of '/' in
// names. Decoded names never contain '/'.
package pathconv

import (
	"context"
	"os"
	"strings"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

// SFM escape assignments for the printable specials. Control characters
// 0x01..0x1f map linearly onto U+F001..U+F01F.
const (
	escQuote    = 0xf020
	escAsterisk = 0xf021
	escColon    = 0xf022 // the client's '/' escape; see the package comment
	escLess     = 0xf023
	escGreater  = 0xf024
	escQuestion = 0xf025
	escBacksl   = 0xf026
	escPipe     = 0xf027
	escSpace    = 0xf028 // trailing space only
	escPeriod   = 0xf029 // trailing period only
)

var decodeSpecial = map[rune]rune{
	escQuote:    '"',
	escAsterisk: '*',
	escColon:    ':',
	escLess:     '<',
	escGreater:  '>',
	escQuestion: '?',
	escBacksl:   '\\',
	escPipe:     '|',
	escSpace:    ' ',
	escPeriod:   '.',
}

var encodeSpecial = map[rune]rune{
	'"':  escQuote,
	'*':  escAsterisk,
	':':  escColon,
	'<':  escLess,
	'>':  escGreater,
	'?':  escQuestion,
	'\\': escBacksl,
	'|':  escPipe,
}

// DecodeName maps a client-escaped name to the characters the backend
// stores. Escapes for trailing space and period decode wherever they
// appear; clients only emit them in final position.
func DecodeName(name string) string {
	if !hasPrivate(name) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 0xf001 && r <= 0xf01f:
			r = r - 0xf000
		default:
			if mapped, ok := decodeSpecial[r]; ok {
				r = mapped
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func hasPrivate(name string) bool {
	for _, r := range name {
		if r >= 0xf001 && r <= 0xf029 {
			return true
		}
	}
	return false
}

// EncodeName maps a stored name to its client-escaped form. Space and
// period escape only in final position, per the convention.
func EncodeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	runes := []rune(name)
	for i, r := range runes {
		last := i == len(runes)-1
		switch {
		case r >= 0x01 && r <= 0x1f:
			r = r + 0xf000
		case last && r == ' ':
			r = escSpace
		case last && r == '.':
			r = escPeriod
		default:
			if mapped, ok := encodeSpecial[r]; ok {
				r = mapped
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// decodePath decodes each component of a rooted slash path.
func decodePath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = DecodeName(seg)
	}
	return strings.Join(segs, "/")
}

// FS wraps an inner backend with name translation.
type FS struct {
	inner fs.FileSystem
}

var _ fs.FileSystem = (*FS)(nil)

// Wrap returns inner with client-escaped names translated on every
// operation.
func Wrap(inner fs.FileSystem) *FS {
	return &FS{inner: inner}
}

func (m *FS) Stat(ctx context.Context, path string) (fs.Attr, error) {
	return m.inner.Stat(ctx, decodePath(path))
}

func (m *FS) SetAttr(ctx context.Context, path string, attr fs.SetAttr) (fs.Attr, error) {
	return m.inner.SetAttr(ctx, decodePath(path), attr)
}

func (m *FS) Lookup(ctx context.Context, dir string, name string) (fs.Attr, error) {
	return m.inner.Lookup(ctx, decodePath(dir), DecodeName(name))
}

func (m *FS) Open(ctx context.Context, path string, flags fs.OpenFlags) (fs.FileHandle, error) {
	return m.inner.Open(ctx, decodePath(path), flags)
}

func (m *FS) Create(ctx context.Context, path string, flags fs.OpenFlags, mode os.FileMode) (fs.FileHandle, fs.Attr, error) {
	return m.inner.Create(ctx, decodePath(path), flags, mode)
}

func (m *FS) OpenDir(ctx context.Context, path string) (fs.DirHandle, error) {
	dh, err := m.inner.OpenDir(ctx, decodePath(path))
	if err != nil {
		return nil, err
	}
	return &dirHandle{inner: dh}, nil
}

func (m *FS) Mkdir(ctx context.Context, path string, mode os.FileMode) (fs.Attr, error) {
	return m.inner.Mkdir(ctx, decodePath(path), mode)
}

func (m *FS) Rmdir(ctx context.Context, path string) error {
	return m.inner.Rmdir(ctx, decodePath(path))
}

func (m *FS) Unlink(ctx context.Context, path string) error {
	return m.inner.Unlink(ctx, decodePath(path))
}

func (m *FS) Rename(ctx context.Context, oldpath, newpath string, replace bool) error {
	return m.inner.Rename(ctx, decodePath(oldpath), decodePath(newpath), replace)
}

func (m *FS) Symlink(ctx context.Context, target, path string) (fs.Attr, error) {
	// Targets are contents, not names; they pass through untouched.
	return m.inner.Symlink(ctx, target, decodePath(path))
}

func (m *FS) Readlink(ctx context.Context, path string) (string, error) {
	return m.inner.Readlink(ctx, decodePath(path))
}

func (m *FS) StatFS(ctx context.Context) (fs.StatFS, error) {
	return m.inner.StatFS(ctx)
}

// dirHandle re-encodes listing names for the client.
type dirHandle struct {
	inner fs.DirHandle
}

func (h *dirHandle) ReadDir(ctx context.Context) ([]fs.DirEntry, error) {
	entries, err := h.inner.ReadDir(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Name = EncodeName(entries[i].Name)
	}
	return entries, nil
}

func (h *dirHandle) Close(ctx context.Context) error {
	return h.inner.Close(ctx)
}
