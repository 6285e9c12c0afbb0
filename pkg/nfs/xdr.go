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
)

// XDR (RFC 4506) primitives, the subset ONC RPC and NFSv3 need: big-endian
// 32/64-bit integers, booleans, and 4-byte-aligned opaques.

var errXDRShort = errors.New("nfs: truncated xdr data")

// xdrReader decodes from a single received record.
type xdrReader struct {
	buf []byte
	off int
}

func newXDRReader(buf []byte) *xdrReader {
	return &xdrReader{buf: buf}
}

func (r *xdrReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *xdrReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errXDRShort
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *xdrReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errXDRShort
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *xdrReader) bool() (bool, error) {
	v, err := r.uint32()
	return v != 0, err
}

// opaque decodes a variable-length opaque of at most max bytes. The result
// is a copy; it does not alias the record buffer.
func (r *xdrReader) opaque(max int) ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, fmt.Errorf("nfs: opaque of %d bytes exceeds limit %d", n, max)
	}
	padded := (int(n) + 3) &^ 3
	if r.remaining() < padded {
		return nil, errXDRShort
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += padded
	return out, nil
}

func (r *xdrReader) str(max int) (string, error) {
	b, err := r.opaque(max)
	return string(b), err
}

// skip discards n raw bytes.
func (r *xdrReader) skip(n int) error {
	if r.remaining() < n {
		return errXDRShort
	}
	r.off += n
	return nil
}

// xdrWriter builds one record.
type xdrWriter struct {
	buf []byte
}

func newXDRWriter() *xdrWriter {
	return &xdrWriter{buf: make([]byte, 0, 256)}
}

func (w *xdrWriter) uint32(v uint32) *xdrWriter {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *xdrWriter) uint64(v uint64) *xdrWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *xdrWriter) bool(v bool) *xdrWriter {
	if v {
		return w.uint32(1)
	}
	return w.uint32(0)
}

func (w *xdrWriter) opaque(b []byte) *xdrWriter {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
	return w
}

func (w *xdrWriter) str(s string) *xdrWriter {
	return w.opaque([]byte(s))
}

func (w *xdrWriter) bytes() []byte {
	return w.buf
}
