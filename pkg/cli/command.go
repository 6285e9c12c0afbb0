// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in licenses/BSD-golang.txt.

// Portions of this file are additionally subject to the following
// license and copyright.
//
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

// The command/usage structure here descends from the Go source code,
// under cmd/go/internal/base.

package cli

import (
	"flag"
	"strings"
)

// A Command is one subcommand of the binary, like 'userspacefs fuse-mount'
// or 'userspacefs nfs-server'. A Command with a nil Run is a documentation
// topic, reachable only through 'userspacefs help <topic>'.
type Command struct {
	// Run executes the command with the arguments that followed the
	// command name. Flag parsing failures should be returned through
	// CmdParseError so Process can render usage instead of a bare error.
	Run func(cmd *Command, args []string) error

	// UsageLine is the one-line usage message. Its first word is the
	// command name.
	UsageLine string

	// Short is the single-line description listed by 'help'.
	Short string

	// Long is the full description shown by 'help <command>'.
	Long string

	// FlagSet holds the command's flags. Run implementations typically
	// declare flags on it and then parse their args with it. Its own
	// output is discarded; this package renders flag errors itself.
	FlagSet flag.FlagSet
}

type Commands []*Command

// Name returns the first word of the usage line.
func (c *Command) Name() string {
	if i := strings.IndexByte(c.UsageLine, ' '); i >= 0 {
		return c.UsageLine[:i]
	}
	return c.UsageLine
}

// Runnable reports whether the command executes, as opposed to being a
// help topic like 'architecture'.
func (c *Command) Runnable() bool {
	return c.Run != nil
}

// cmdParseError marks an error as a flag parsing failure so Process can
// print the command's usage rather than propagate it.
type cmdParseError struct{ error }

func CmdParseError(err error) error {
	return cmdParseError{err}
}
