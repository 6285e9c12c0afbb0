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
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

// NFS file handles are opaque to clients but must be unforgeable by us: a
// client can present any byte string, including handles from a previous
// run of the service. A handle binds a node ID and its generation under a
// keyed BLAKE2b MAC; anything that doesn't verify is stale before the
// dispatcher ever sees it.

const (
	handleBodyLen = 16 // node + generation
	handleMACLen  = 16
	handleLen     = handleBodyLen + handleMACLen
)

// handleCodec mints and verifies file handles. The key is random per
// server start unless pinned, so handles from an earlier run fail the MAC
// and read as stale rather than aliasing new identities.
type handleCodec struct {
	key []byte
}

// newHandleCodec creates a codec with the given MAC key; a nil key draws a
// fresh random one.
func newHandleCodec(key []byte) (*handleCodec, error) {
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating handle key: %w", err)
		}
	}
	if len(key) > 64 {
		return nil, fmt.Errorf("handle key too long: %d bytes", len(key))
	}
	// Validate the key length once, up front.
	if _, err := blake2b.New(handleMACLen, key); err != nil {
		return nil, fmt.Errorf("handle key rejected: %w", err)
	}
	return &handleCodec{key: key}, nil
}

func (c *handleCodec) mac(body []byte) []byte {
	h, _ := blake2b.New(handleMACLen, c.key)
	h.Write(body)
	return h.Sum(nil)
}

// encode mints the wire handle for a live identity.
func (c *handleCodec) encode(node ops.NodeID, gen uint64) []byte {
	fh := make([]byte, handleBodyLen, handleLen)
	binary.BigEndian.PutUint64(fh[0:8], uint64(node))
	binary.BigEndian.PutUint64(fh[8:16], gen)
	return append(fh, c.mac(fh)...)
}

// decode verifies and unpacks a client-presented handle. Malformed or
// forged handles are StaleHandle; the caller maps that to NFS3ERR_STALE.
func (c *handleCodec) decode(fh []byte) (ops.NodeID, uint64, error) {
	if len(fh) != handleLen {
		return 0, 0, fs.E(fs.StaleHandle, "filehandle", "")
	}
	if !hmac.Equal(fh[handleBodyLen:], c.mac(fh[:handleBodyLen])) {
		return 0, 0, fs.E(fs.StaleHandle, "filehandle", "")
	}
	node := ops.NodeID(binary.BigEndian.Uint64(fh[0:8]))
	gen := binary.BigEndian.Uint64(fh[8:16])
	return node, gen, nil
}
