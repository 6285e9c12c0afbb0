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

// Package nfs hosts a backend over NFSv3, the mount path for platforms
// where a FUSE kernel module is unavailable or unwanted. It serves the
// NFS3 (100003v3) and MOUNT3 (100005v3) programs on a single TCP listener
// with ONC RPC record marking; there is no portmapper, clients must be
// pointed at the port directly.
//
// The protocol surface is deliberately narrow. There is one export, the
// backend root. Hard links, device nodes and READDIRPLUS answer
// NFS3ERR_NOTSUPP (clients fall back to READDIR). Every WRITE is committed
// to stable storage before it is answered, so COMMIT is nearly a no-op and
// the server never buffers unstable data.
//
// NFS clients hold no open state on the server, so READ, WRITE, COMMIT and
// READDIR run against transient backend opens keyed by the file handle's
// node. File handles themselves bind a node ID and generation under a
// keyed BLAKE2b MAC; handles minted before a restart (or forged ones) fail
// verification and read as stale, never as some other file.
package nfs
