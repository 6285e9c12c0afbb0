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
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/rianhunter/userspacefs/pkg/dispatch"
	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
)

// DefaultMaxConns caps concurrent client connections per server.
const DefaultMaxConns = 64

// Config carries the knobs for a Server. Backend is required; everything
// else has a usable default.
type Config struct {
	Backend fs.FileSystem

	// Registry is shared across connections so every client sees the same
	// identity space. A nil Registry gets a fresh one.
	Registry *dispatch.Registry

	Logger *log.Logger

	// Workers is the dispatcher concurrency per connection.
	Workers int

	// MaxConns caps simultaneous connections; 0 means DefaultMaxConns.
	MaxConns int

	// HandleKey pins the file handle MAC key so handles survive a restart.
	// Nil draws a random key, invalidating all previously issued handles.
	HandleKey []byte
}

// Server serves the NFSv3 and MOUNT3 programs over TCP, one dispatcher per
// connection over a shared registry.
type Server struct {
	backend  fs.FileSystem
	reg      *dispatch.Registry
	logger   *log.Logger
	workers  int
	maxConns int
	handles  *handleCodec
	verf     [8]byte
}

// NewServer validates the configuration, including that the error status
// table covers the whole taxonomy, and prepares the handle codec.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("nfs: Config.Backend is required")
	}
	if err := verifyStatusMap(); err != nil {
		return nil, err
	}
	handles, err := newHandleCodec(cfg.HandleKey)
	if err != nil {
		return nil, err
	}
	s := &Server{
		backend:  cfg.Backend,
		reg:      cfg.Registry,
		logger:   cfg.Logger,
		workers:  cfg.Workers,
		maxConns: cfg.MaxConns,
		handles:  handles,
	}
	if s.reg == nil {
		s.reg = dispatch.NewRegistry(0)
	}
	if s.logger == nil {
		s.logger = log.New()
	}
	if s.maxConns <= 0 {
		s.maxConns = DefaultMaxConns
	}
	// The write verifier changes per server start, so clients that cached
	// it across a restart know to resend uncommitted writes.
	if _, err := rand.Read(s.verf[:]); err != nil {
		return nil, fmt.Errorf("generating write verifier: %w", err)
	}
	return s, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// It owns the listener and closes it on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.maxConns)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	s.logger.Infof("nfs: client connected from %s", nc.RemoteAddr())
	t := newConn(nc, s.reg, s.handles, s.verf, s.logger)
	defer t.Close()

	d := dispatch.New(s.backend, s.reg, s.logger, s.workers)
	if err := d.Serve(ctx, t); err != nil {
		s.logger.Warnf("nfs: connection %s ended: %v", nc.RemoteAddr(), err)
		return
	}
	s.logger.Infof("nfs: client %s disconnected", nc.RemoteAddr())
}
