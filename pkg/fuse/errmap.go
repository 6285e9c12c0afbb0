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

package fuse

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

// errnoByKind translates the backend error taxonomy into kernel errnos.
// Mount refuses to proceed unless this table covers every kind, so a new
// taxonomy entry can't silently reach the kernel as a zero errno.
var errnoByKind = map[fs.Kind]syscall.Errno{
	fs.NotFound:         unix.ENOENT,
	fs.NotADirectory:    unix.ENOTDIR,
	fs.IsADirectory:     unix.EISDIR,
	fs.Exists:           unix.EEXIST,
	fs.NotEmpty:         unix.ENOTEMPTY,
	fs.PermissionDenied: unix.EACCES,
	fs.NoSpace:          unix.ENOSPC,
	fs.TooManyOpenFiles: unix.EMFILE,
	fs.StaleHandle:      unix.ESTALE,
	fs.InvalidArgument:  unix.EINVAL,
	fs.NotSupported:     unix.ENOSYS,
	fs.IOError:          unix.EIO,
	fs.WouldBlock:       unix.EAGAIN,
	fs.Cancelled:        unix.EINTR,
}

// errnoFor maps a backend error to the errno reported to the kernel.
// KindOf fails closed to IOError, so every non-nil error maps somewhere.
func errnoFor(err error) syscall.Errno {
	if e, ok := errnoByKind[fs.KindOf(err)]; ok {
		return e
	}
	return unix.EIO
}

// verifyErrnoMap confirms errnoByKind is exhaustive over the taxonomy.
func verifyErrnoMap() error {
	for _, k := range fs.Kinds() {
		if _, ok := errnoByKind[k]; !ok {
			return fmt.Errorf("fuse: no errno mapping for error kind %q", k)
		}
	}
	return nil
}
