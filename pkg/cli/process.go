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

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Process dispatches os.Args across the given commands and runs the one
// named, if any. There are no root-level flags: invoking the program bare,
// or as 'help'/'-h', prints the full usage built from the abstract and the
// command list.
//
// Usage mistakes (unknown command, bad flags, malformed help invocations)
// are reported on os.Stderr followed by os.Exit(2). Errors returned by a
// command's Run are propagated to the caller.
func Process(abstract string, commands Commands) error {
	program, args := os.Args[0], os.Args[1:]

	// Flag errors are rendered by this package, with usage context the
	// flag package does not have.
	for _, cmd := range commands {
		cmd.FlagSet.SetOutput(io.Discard)
	}

	if len(args) == 0 || (len(args) == 1 && (args[0] == "help" || args[0] == "-h")) {
		printFullUsage(program, abstract, commands)
		return nil
	}

	if args[0] == "help" {
		if len(args) > 2 {
			fmt.Fprintf(os.Stderr, "Usage: %s help [command]\n\nToo many arguments given.\n", program)
			os.Exit(2)
		}
		topic := args[1]
		if err := printCommandUsage(program, topic, commands); err != nil {
			fmt.Fprintf(os.Stderr, "Unknown help topic '%s'\n\nRun '%s help' for available topics.\n",
				topic, program)
			os.Exit(2)
		}
		return nil
	}

	for _, cmd := range commands {
		if cmd.Name() != args[0] || !cmd.Runnable() {
			continue
		}

		err := cmd.Run(cmd, args[1:])
		perr, ok := err.(cmdParseError)
		if !ok {
			return err
		}

		// '-h' on a command surfaces as a flag parse error, but it is a
		// help request, not a mistake. Checked after Run since the flags
		// are declared there.
		if strings.Contains(perr.Error(), "help requested") {
			printCommandHelp(program, cmd)
			return nil
		}

		printCommandParsingError(program, cmd, perr)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "Unknown command '%s'\n\nRun '%s help' for available commands.\n",
		args[0], program)
	os.Exit(2)
	return nil
}
