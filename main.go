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

package main

import (
	"os"

	"github.com/rianhunter/userspacefs/doc"
	"github.com/rianhunter/userspacefs/pkg/cli"

	fusemount "github.com/rianhunter/userspacefs/cmd/fuse-mount"
	nfsserver "github.com/rianhunter/userspacefs/cmd/nfs-server"
)

func main() {
	// We aggregate all the top-level commands (i.e. 'userspacefs <command>
	// ...') as needed.
	var commands cli.Commands

	// One command per host transport.
	commands = append(commands, fusemount.FuseMountCmd)
	commands = append(commands, nfsserver.NFSServerCmd)

	// Documentation pseudo-commands for the architecture and the security
	// model.
	commands = append(commands, doc.ArchitectureCmd)
	commands = append(commands, doc.SecurityModelCmd)

	abstract := "Userspacefs hosts filesystem backends behind fuse and loopback nfs."
	if err := cli.Process(abstract, commands); err != nil {
		os.Exit(1)
	}
}
