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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ONC RPC over TCP uses record marking (RFC 5531 §11): each record is a
// sequence of fragments, each prefixed by a 4-byte header whose top bit
// flags the last fragment and whose low 31 bits carry the fragment length.

const lastFragment = 1 << 31

// maxRecord bounds a single received record: the largest WRITE payload
// plus generous header room.
const maxRecord = maxData + 16*1024

// readRecord reads one full record, reassembling fragments.
func readRecord(r io.Reader) ([]byte, error) {
	var record []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if len(record) > 0 && err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		marker := binary.BigEndian.Uint32(hdr[:])
		size := int(marker &^ lastFragment)
		if size > maxRecord || len(record)+size > maxRecord {
			return nil, fmt.Errorf("nfs: record exceeds %d bytes", maxRecord)
		}
		frag := make([]byte, size)
		if _, err := io.ReadFull(r, frag); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		record = append(record, frag...)
		if marker&lastFragment != 0 {
			return record, nil
		}
	}
}

// writeRecord writes one record as a single fragment.
func writeRecord(w io.Writer, record []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(record))|lastFragment)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// RPC message framing constants, RFC 5531.
const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	replyDenied   = 1

	acceptSuccess      = 0
	acceptProgUnavail  = 1
	acceptProgMismatch = 2
	acceptProcUnavail  = 3
	acceptGarbageArgs  = 4

	rejectRPCMismatch = 0
	rejectAuthError   = 1

	authNone = 0
	authSys  = 1

	// auth_stat for rejected credentials
	authBadCred = 1
)

// Header-level failures the caller can still answer: a version mismatch
// and an unusable credential both get a denied reply keyed by xid.
var (
	errRPCMismatch = errors.New("nfs: unsupported rpc version")
	errBadAuth     = errors.New("nfs: unsupported auth flavor")
)

// rpcCall is one decoded call header; the body (procedure arguments)
// remains in the reader.
type rpcCall struct {
	xid  uint32
	prog uint32
	vers uint32
	proc uint32
}

// decodeCallHeader parses the RPC call header, including both auth blobs.
// Credentials are accepted but not evaluated: the service binds to
// loopback and trusts the local kernel client.
func decodeCallHeader(r *xdrReader) (rpcCall, error) {
	var c rpcCall
	var err error
	if c.xid, err = r.uint32(); err != nil {
		return c, err
	}
	mtype, err := r.uint32()
	if err != nil {
		return c, err
	}
	if mtype != msgCall {
		return c, fmt.Errorf("nfs: expected call, got message type %d", mtype)
	}
	rpcvers, err := r.uint32()
	if err != nil {
		return c, err
	}
	if rpcvers != rpcVersion {
		return c, fmt.Errorf("%w %d", errRPCMismatch, rpcvers)
	}
	if c.prog, err = r.uint32(); err != nil {
		return c, err
	}
	if c.vers, err = r.uint32(); err != nil {
		return c, err
	}
	if c.proc, err = r.uint32(); err != nil {
		return c, err
	}
	for i := 0; i < 2; i++ { // cred, verf
		flavor, err := r.uint32()
		if err != nil {
			return c, err
		}
		if flavor != authNone && flavor != authSys && i == 0 {
			return c, fmt.Errorf("%w %d", errBadAuth, flavor)
		}
		body, err := r.opaque(400)
		if err != nil {
			return c, err
		}
		_ = body
	}
	return c, nil
}

// acceptedReply starts an accepted reply record: xid, reply status, a null
// verifier, and the accept status. Procedure results append after it.
func acceptedReply(xid, stat uint32) *xdrWriter {
	w := newXDRWriter()
	w.uint32(xid)
	w.uint32(msgReply)
	w.uint32(replyAccepted)
	w.uint32(authNone).uint32(0) // verifier
	w.uint32(stat)
	return w
}

// deniedReply builds a complete rejection record.
func deniedReply(xid, reason, detail uint32) []byte {
	w := newXDRWriter()
	w.uint32(xid)
	w.uint32(msgReply)
	w.uint32(replyDenied)
	w.uint32(reason)
	if reason == rejectRPCMismatch {
		w.uint32(rpcVersion).uint32(rpcVersion)
	} else {
		w.uint32(detail)
	}
	return w.bytes()
}

// progMismatchReply reports the version window for a known program.
func progMismatchReply(xid, low, high uint32) []byte {
	w := acceptedReply(xid, acceptProgMismatch)
	w.uint32(low).uint32(high)
	return w.bytes()
}
