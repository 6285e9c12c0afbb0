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

package log

import (
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// Flag is a bitmask determining what gets included in each log header.
type Flag int

const (
	// Lmode prefixes the header with the single-letter mode (I/W/E/F/D).
	Lmode Flag = 1 << iota
	// Ldate includes the date: 180419.
	Ldate
	// Ltime includes the time: 06:33:04.
	Ltime
	// Lmicroseconds includes microsecond resolution: 06:33:04.606396.
	// Implies Ltime.
	Lmicroseconds
	// LUTC uses UTC rather than the local time zone.
	LUTC
	// Llongfile includes the fully specified file name and line number.
	Llongfile
	// Lshortfile includes the final file name element and line number,
	// overriding Llongfile.
	Lshortfile

	// LstdFlags is the default header format:
	//
	//	I180419 06:33:04.606396 fname.go:42: message
	LstdFlags = Lmode | Ldate | Ltime | Lmicroseconds | Lshortfile
)

type option func(*Logger)

// Writer configures the logger to write out to the specified io.Writer. The
// writer is used as-is; callers wanting concurrent safety should wrap it
// with SynchronizedWriter.
func Writer(w io.Writer) option {
	return func(l *Logger) {
		l.w = w
	}
}

// Flags configures the logger's header format.
func Flags(f Flag) option {
	return func(l *Logger) {
		l.flag = f
	}
}

// SkipBasePath configures the logger to truncate this repository's base
// path prefix from file names emitted under Llongfile, so headers carry
// paths relative to the repository root. If path is provided, it is used as
// the base path prefix instead.
func SkipBasePath(path ...string) option {
	return func(l *Logger) {
		if len(path) > 0 {
			l.basePath = path[0]
			return
		}
		l.basePath = basePath()
	}
}

// basePath derives the repository root from this file's compiled path,
// which is of the form <root>/pkg/log/options.go.
func basePath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return strings.TrimSuffix(filepath.Dir(file), "/pkg/log")
}
