// Copyright 2013 Google Inc. All Rights Reserved.
// Copyright 2026 The Userspacefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Portions of this code originated in the github.com/golang/glog package.

package log

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

var (
	program  = "?"
	hostname = "?"
	username = "?"
	pid      = -1
)

func init() {
	program = filepath.Base(os.Args[0])
	if host, err := os.Hostname(); err == nil {
		hostname = host
	}
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	pid = os.Getpid()
}

// DefaultWriter returns an os.Stderr writer safe for concurrent use.
func DefaultWriter() io.Writer {
	return SynchronizedWriter(os.Stderr)
}

// LogRotationWriter writes to files under dirname, starting a new file
// once the current one would exceed sizeThreshold bytes. A <program>.log
// symlink in the directory tracks the newest file.
//
// A single write larger than the threshold still lands in one file; that
// is the only way a file exceeds the limit.
func LogRotationWriter(dirname string, sizeThreshold int) io.Writer {
	os.MkdirAll(dirname, os.ModePerm)
	return &logRotationWriter{
		dirname:       dirname,
		symlink:       program + ".log",
		sizeThreshold: sizeThreshold,
	}
}

// SynchronizedWriter serializes writes to w with a mutex.
func SynchronizedWriter(w io.Writer) io.Writer {
	return &synchronizedWriter{w: w}
}

// MultiWriter fans each write out to every writer given.
func MultiWriter(w io.Writer, ws ...io.Writer) io.Writer {
	return &multiWriter{ws: append([]io.Writer{w}, ws...)}
}

// Rotated file names carry enough to identify the producing process:
// <program>.<host>.<user>.<timestamp>.<pid>.log.
func generateLogFilename(t time.Time) string {
	return fmt.Sprintf("%s.%s.%s.%s.%d.log",
		program, hostname, username, t.Format("2006-01-02.15:04:05.999"), pid)
}

type logRotationWriter struct {
	dirname, symlink               string
	currentFileSize, sizeThreshold int

	currentFile *os.File
}

func (r *logRotationWriter) Write(b []byte) (int, error) {
	if r.currentFile == nil || r.currentFileSize+len(b) > r.sizeThreshold {
		fname := generateLogFilename(time.Now())
		f, err := os.Create(filepath.Join(r.dirname, fname))
		if err != nil {
			return 0, err
		}
		if r.currentFile != nil {
			r.currentFile.Close()
		}
		r.currentFile = f
		r.currentFileSize = 0

		// Repoint the symlink; both steps are best effort.
		os.Remove(filepath.Join(r.dirname, r.symlink))
		os.Symlink(fname, filepath.Join(r.dirname, r.symlink))
	}

	n, err := r.currentFile.Write(b)
	r.currentFileSize += n
	return n, err
}

type synchronizedWriter struct {
	sync.Mutex
	w io.Writer
}

func (s *synchronizedWriter) Write(b []byte) (int, error) {
	s.Lock()
	defer s.Unlock()
	return s.w.Write(b)
}

type multiWriter struct {
	ws []io.Writer
}

// Write is best effort across all writers: it reports the smallest count
// any writer accepted and the last error seen.
func (m *multiWriter) Write(b []byte) (n int, err error) {
	n = len(b)
	for _, w := range m.ws {
		nw, werr := w.Write(b)
		if nw < n {
			n = nw
		}
		if werr != nil {
			err = werr
		}
	}
	return n, err
}
