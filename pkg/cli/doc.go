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

// Package cli allows the construction of structured command-line interfaces
// with sub-commands and help topics. This is very similar to the interface in
// git where the top-level program name (git) is preceded by a qualifier that
// determines what sub-command to execute (git {reflog,commit,cherry-pick}).
//
// Package cli explicitly avoids init time global hooks and has a minimal
// binary size footprint.
//
// Example:
//
//	// We aggregate all the top-level commands, accessible via
//	// 'userspacefs <command> ...', as needed.
//	var commands cli.Commands
//
//	// We include top level commands for the host transports.
//	commands = append(commands, fusemount.FuseMountCmd)
//	commands = append(commands, nfsserver.NFSServerCmd)
//
//	// We also include a documentation pseudo-command for the system
//	// architecture.
//	commands = append(commands, doc.ArchitectureCmd)
//
//	// We define the top level CLI blurb here.
//	abstract := "Userspacefs exposes userspace filesystem backends to the host OS."
//	if err := cli.Process(abstract, commands); err != nil {
//		os.Exit(1)
//	}
//
// This generates the following top-level behaviour:
//
//	$ userspacefs {,-h,help}
//	Userspacefs exposes userspace filesystem backends to the host OS.
//
//	Usage:
//
//	    userspacefs command [arguments]
//
//	The commands are:
//
//	        fuse-mount             mount a backend through the kernel FUSE device
//	        nfs-server             serve a backend over loopback NFS
//
//	Use 'userspacefs help [command]' for more information about a command.
//
//	Additional help topics:
//
//	        architecture           system architecture overview
//
//	Use "userspacefs help [topic]" for more information about that topic.
//
// Using help for a listed command displays the following:
//
//	$ userspacefs help nfs-server
//	Usage: userspacefs nfs-server [-listen addr] [-no-mount] <mount-point>
//
//	NFS server detailed overview.
//
// Individual commands also have their own '-h' switches for additional
// command details.
package cli
