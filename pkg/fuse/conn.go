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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rianhunter/userspacefs/pkg/ops"
)

// OldVersionError reports a kernel speaking a FUSE protocol older than the
// minimum this package supports.
type OldVersionError struct {
	Kernel     Protocol
	LibraryMin Protocol
}

func (e *OldVersionError) Error() string {
	return fmt.Sprintf("kernel FUSE version is too old: %v < %v", e.Kernel, e.LibraryMin)
}

// A Conn is a mounted FUSE kernel channel. It decodes kernel messages into
// the uniform operation model and encodes responses back, one frame per
// operation.
type Conn struct {
	// File handle for kernel communication. Only safe to access if
	// rio or wio is held.
	dev *os.File
	wio sync.RWMutex
	rio sync.RWMutex

	dir   string
	proto Protocol

	// dirLimits remembers the byte budget of in-flight readdir requests;
	// the reply encoder packs entries up to it.
	mu        sync.Mutex
	dirLimits map[ops.RequestID]uint32
}

// Mount mounts a new FUSE channel on dir and completes the kernel's INIT
// handshake before returning. The errno translation table is verified
// first, so a backend error kind without a mapping fails the mount instead
// of surfacing mid-operation.
func Mount(dir string, options ...MountOption) (*Conn, error) {
	if err := verifyErrnoMap(); err != nil {
		return nil, err
	}
	conf := &mountConfig{options: make(map[string]string)}
	for _, option := range options {
		if err := option(conf); err != nil {
			return nil, err
		}
	}

	dev, err := mount(dir, conf)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		dev:       dev,
		dir:       dir,
		dirLimits: make(map[ops.RequestID]uint32),
	}
	if err := c.initialize(); err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

// Unmount detaches the FUSE mount at dir. The serving loop observes the
// detach as io.EOF from ReadRequest.
func Unmount(dir string) error {
	return unmount(dir)
}

// Protocol returns the negotiated FUSE protocol version.
func (c *Conn) Protocol() Protocol {
	return c.proto
}

// Dir returns the mountpoint.
func (c *Conn) Dir() string {
	return c.dir
}

// Close closes the kernel channel.
func (c *Conn) Close() error {
	c.wio.Lock()
	defer c.wio.Unlock()
	c.rio.Lock()
	defer c.rio.Unlock()
	return c.dev.Close()
}

// caller must hold wio or rio
func (c *Conn) fd() int {
	return int(c.dev.Fd())
}

// initialize answers the kernel's INIT request and records the negotiated
// protocol version.
func (c *Conn) initialize() error {
	m, err := c.readMessage()
	if err != nil {
		return err
	}
	defer putMessage(m)
	if m.hdr.Opcode != opInit {
		return fmt.Errorf("fuse: expected init, got opcode %d", m.hdr.Opcode)
	}
	in := (*initIn)(m.data())
	if m.len() < unsafe.Sizeof(*in) {
		return errCorrupt
	}

	kernel := Protocol{in.Major, in.Minor}
	if kernel.LT(protoVersionMin) {
		c.respondErrno(m.hdr.Unique, unix.EPROTO)
		return &OldVersionError{Kernel: kernel, LibraryMin: protoVersionMin}
	}
	proto := protoVersionMax
	if kernel.LT(proto) {
		proto = kernel
	}
	c.proto = proto

	buf := newBuffer(unsafe.Sizeof(initOut{}))
	h := (*outHeader)(unsafe.Pointer(&buf[0]))
	h.Unique = m.hdr.Unique
	out := (*initOut)(buf.alloc(unsafe.Sizeof(initOut{})))
	out.Major = proto.Major
	out.Minor = proto.Minor
	out.MaxReadahead = in.MaxReadahead
	out.Flags = in.Flags&initAsyncRead | initBigWrites
	out.MaxWrite = maxWrite
	return c.writeToKernel(buf.finish())
}

// readMessage reads one raw kernel message into a pooled buffer. A closed
// or unmounted device reads as io.EOF.
func (c *Conn) readMessage() (*message, error) {
	m := getMessage()
	for {
		c.rio.RLock()
		n, err := unix.Read(c.fd(), m.buf)
		c.rio.RUnlock()
		if err == unix.EINTR {
			// OSXFUSE sends EINTR to userspace when a request interrupt
			// completed before it got sent to userspace.
			continue
		}
		if err != nil && err != unix.ENODEV {
			putMessage(m)
			return nil, err
		}
		if n <= 0 {
			putMessage(m)
			return nil, io.EOF
		}
		m.buf = m.buf[:n]

		if n < inHeaderSize {
			putMessage(m)
			return nil, errors.New("fuse: message too short")
		}

		// FreeBSD FUSE sends a short length in the header for FUSE_INIT
		// even though the actual read length is correct.
		if n == inHeaderSize+initInSize && m.hdr.Opcode == opInit && m.hdr.Len < uint32(n) {
			m.hdr.Len = uint32(n)
		}

		// OSXFUSE sometimes sends the wrong length in a FUSE_WRITE header.
		if m.hdr.Opcode == opWrite && m.hdr.Len < uint32(n) &&
			m.hdr.Len >= uint32(unsafe.Sizeof(writeIn{})) {
			m.hdr.Len = uint32(n)
		}

		if m.hdr.Len != uint32(n) {
			err := fmt.Errorf("fuse: read %d bytes of opcode %d but header said %d",
				n, m.hdr.Opcode, m.hdr.Len)
			putMessage(m)
			return nil, err
		}

		m.off = inHeaderSize
		return m, nil
	}
}

// ReadRequest returns the next decoded kernel request. Opcodes outside the
// supported set are answered locally with ENOSYS and never surface;
// malformed messages get EIO so the issuing process isn't left waiting.
//
// The underlying device read doesn't unblock on context cancellation; use
// Unmount or Close to break the loop.
func (c *Conn) ReadRequest(ctx context.Context) (*ops.Request, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := c.readMessage()
		if err != nil {
			return nil, err
		}

		req, err := decodeRequest(c.proto, m)
		if err != nil {
			unique := m.hdr.Unique
			putMessage(m)
			var unsup *unsupportedOpError
			if errors.As(err, &unsup) {
				c.respondErrno(unique, unix.ENOSYS)
			} else {
				c.respondErrno(unique, unix.EIO)
			}
			continue
		}
		putMessage(m)

		switch req.Kind {
		case ops.KindReadDir:
			c.mu.Lock()
			c.dirLimits[req.ID] = req.Size
			c.mu.Unlock()
		case ops.KindInterrupt:
			// An interrupted request never produces a frame.
			c.mu.Lock()
			delete(c.dirLimits, req.IntrID)
			c.mu.Unlock()
		}
		return req, nil
	}
}

// WriteResponse encodes and writes one reply frame. Safe for concurrent
// use; dispatcher workers call it directly.
func (c *Conn) WriteResponse(resp *ops.Response) error {
	if resp.NoReply {
		return nil
	}
	var dirLimit uint32
	if resp.Kind == ops.KindReadDir {
		c.mu.Lock()
		dirLimit = c.dirLimits[resp.ID]
		delete(c.dirLimits, resp.ID)
		c.mu.Unlock()
	}
	return c.writeToKernel(encodeResponse(c.proto, resp, dirLimit))
}

func (c *Conn) writeToKernel(msg []byte) error {
	c.wio.RLock()
	defer c.wio.RUnlock()
	n, err := unix.Write(c.fd(), msg)
	if err == nil && n != len(msg) {
		return fmt.Errorf("fuse: short kernel write: %d of %d bytes", n, len(msg))
	}
	return err
}

// respondErrno answers a request locally, without dispatcher involvement.
func (c *Conn) respondErrno(unique uint64, errno syscall.Errno) {
	buf := newBuffer(0)
	h := (*outHeader)(unsafe.Pointer(&buf[0]))
	h.Unique = unique
	h.Error = -int32(errno)
	// A failed write here means the channel is going down; the read loop
	// will surface that.
	c.writeToKernel(buf.finish())
}
