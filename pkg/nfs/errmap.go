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

package nfs

import (
	"fmt"

	"github.com/rianhunter/userspacefs/pkg/fs"
)

// nfsstat3 values, RFC 1813 §2.6.
const (
	nfs3OK             = 0
	nfs3ErrPerm        = 1
	nfs3ErrNoEnt       = 2
	nfs3ErrIO          = 5
	nfs3ErrAcces       = 13
	nfs3ErrExist       = 17
	nfs3ErrNotDir      = 20
	nfs3ErrIsDir       = 21
	nfs3ErrInval       = 22
	nfs3ErrNoSpc       = 28
	nfs3ErrNotEmpty    = 66
	nfs3ErrStale       = 70
	nfs3ErrBadHandle   = 10001
	nfs3ErrNotSupp     = 10004
	nfs3ErrServerFault = 10006
	nfs3ErrJukebox     = 10008
)

// statusByKind translates the backend error taxonomy into NFSv3 status
// codes. The server refuses to start unless this table covers every kind.
var statusByKind = map[fs.Kind]uint32{
	fs.NotFound:         nfs3ErrNoEnt,
	fs.NotADirectory:    nfs3ErrNotDir,
	fs.IsADirectory:     nfs3ErrIsDir,
	fs.Exists:           nfs3ErrExist,
	fs.NotEmpty:         nfs3ErrNotEmpty,
	fs.PermissionDenied: nfs3ErrAcces,
	fs.NoSpace:          nfs3ErrNoSpc,
	fs.TooManyOpenFiles: nfs3ErrServerFault,
	fs.StaleHandle:      nfs3ErrStale,
	fs.InvalidArgument:  nfs3ErrInval,
	fs.NotSupported:     nfs3ErrNotSupp,
	fs.IOError:          nfs3ErrIO,
	// Jukebox tells the client to retry later, which fits transient
	// conditions better than a hard failure.
	fs.WouldBlock: nfs3ErrJukebox,
	fs.Cancelled:  nfs3ErrJukebox,
}

// statusFor maps a backend error to the status reported to the client.
func statusFor(err error) uint32 {
	if err == nil {
		return nfs3OK
	}
	if s, ok := statusByKind[fs.KindOf(err)]; ok {
		return s
	}
	return nfs3ErrIO
}

// verifyStatusMap confirms statusByKind is exhaustive over the taxonomy.
func verifyStatusMap() error {
	for _, k := range fs.Kinds() {
		if _, ok := statusByKind[k]; !ok {
			return fmt.Errorf("nfs: no status mapping for error kind %q", k)
		}
	}
	return nil
}
