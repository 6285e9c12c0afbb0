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
	"sync"
	"unsafe"
)

// bufSize must fit the largest kernel message: a maxWrite-sized write plus
// its headers.
const bufSize = maxWrite + 4096

var msgPool = sync.Pool{
	New: func() interface{} {
		return &message{buf: make([]byte, bufSize)}
	},
}

// message is one raw request read from the kernel device. hdr aliases the
// front of buf; off marks where the opcode payload starts.
type message struct {
	buf []byte
	hdr *inHeader
	off int
}

func getMessage() *message {
	m := msgPool.Get().(*message)
	m.buf = m.buf[:cap(m.buf)]
	m.hdr = (*inHeader)(unsafe.Pointer(&m.buf[0]))
	m.off = inHeaderSize
	return m
}

func putMessage(m *message) {
	m.hdr = nil
	msgPool.Put(m)
}

// len returns the remaining payload length.
func (m *message) len() uintptr {
	if m.off > len(m.buf) {
		return 0
	}
	return uintptr(len(m.buf) - m.off)
}

// data returns a pointer to the opcode payload. Callers must length-check
// with len before dereferencing.
func (m *message) data() unsafe.Pointer {
	var p unsafe.Pointer
	if m.off < len(m.buf) {
		p = unsafe.Pointer(&m.buf[m.off])
	}
	return p
}

// bytes returns the opcode payload as a slice.
func (m *message) bytes() []byte {
	if m.off > len(m.buf) {
		return nil
	}
	return m.buf[m.off:]
}

// buffer is an outgoing kernel message under construction. The first
// outHeaderSize bytes are the header; finish stamps the total length.
type buffer []byte

// newBuffer allocates a response buffer with room for extra payload bytes
// beyond the header, so alloc never reallocates.
func newBuffer(extra uintptr) buffer {
	buf := make(buffer, outHeaderSize, outHeaderSize+int(extra))
	return buf
}

// alloc extends the buffer by size zeroed bytes and returns a pointer to
// the new region. The pointer is invalidated by any later growth past the
// buffer's capacity.
func (w *buffer) alloc(size uintptr) unsafe.Pointer {
	n := len(*w)
	*w = append(*w, make([]byte, size)...)
	return unsafe.Pointer(&(*w)[n])
}

// finish stamps the header length and returns the wire bytes.
func (w buffer) finish() []byte {
	out := (*outHeader)(unsafe.Pointer(&w[0]))
	out.Len = uint32(len(w))
	return w
}
