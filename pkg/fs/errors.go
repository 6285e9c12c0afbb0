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

package fs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy backends report through. Every host
// transport carries an exhaustive mapping from these kinds to its native
// error-code space; anything outside the taxonomy is surfaced to hosts as
// IOError.
type Kind int

const (
	// KindNone is the zero value and never a valid error kind.
	KindNone Kind = iota

	NotFound
	NotADirectory
	IsADirectory
	Exists
	NotEmpty
	PermissionDenied
	NoSpace
	TooManyOpenFiles
	StaleHandle
	InvalidArgument
	NotSupported
	IOError
	WouldBlock
	Cancelled

	kindSentinel // keep last
)

var kindNames = [...]string{
	KindNone:         "none",
	NotFound:         "not found",
	NotADirectory:    "not a directory",
	IsADirectory:     "is a directory",
	Exists:           "already exists",
	NotEmpty:         "directory not empty",
	PermissionDenied: "permission denied",
	NoSpace:          "no space left",
	TooManyOpenFiles: "too many open files",
	StaleHandle:      "stale handle",
	InvalidArgument:  "invalid argument",
	NotSupported:     "operation not supported",
	IOError:          "input/output error",
	WouldBlock:       "operation would block",
	Cancelled:        "operation cancelled",
}

func (k Kind) String() string {
	if k <= KindNone || k >= kindSentinel {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every valid error kind. Transport error mappers use it to
// verify, at startup, that their translation tables are exhaustive.
func Kinds() []Kind {
	kinds := make([]Kind, 0, int(kindSentinel)-1)
	for k := KindNone + 1; k < kindSentinel; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Error is the structured error type backends return. Op and Path are
// optional context for logs; only Kind participates in host error mapping.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + " " + e.Path + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a taxonomy error.
func E(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap constructs a taxonomy error around an underlying cause.
func Wrap(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the taxonomy kind from err. Unrecognized errors fail
// closed to IOError so no unmapped value ever leaks to a host, with two
// exceptions: context cancellation is reported as Cancelled, and a nil
// error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind > KindNone && e.Kind < kindSentinel {
			return e.Kind
		}
		return IOError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return IOError
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
