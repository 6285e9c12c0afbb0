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

// Package fuse is the FUSE kernel transport. It mounts a raw FUSE channel
// (via fusermount on Linux, the macFUSE mount helper on macOS), negotiates
// the protocol version with the kernel, and translates between kernel
// messages and the uniform operation model in package ops.
//
// A Conn is a dispatch.Transport: the dispatcher pulls decoded requests
// with ReadRequest and pushes replies through WriteResponse. The codec in
// this package is deliberately thin. All filesystem semantics (identity
// management, ordering, cancellation) live in package dispatch; the fuse
// package only knows how to frame them.
//
// Protocol versions 7.8 through 7.12 are supported. Opcodes outside the
// operation model (extended attributes, file locking, mknod, link) are
// answered locally with ENOSYS, which the kernel caches, so the cost is
// paid once per mount.
//
// Backend errors cross this boundary only through the closed error
// taxonomy in package fs. Mount verifies at startup that the taxonomy-to-
// errno table is exhaustive and refuses to mount otherwise.
package fuse
