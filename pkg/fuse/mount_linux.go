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
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// mount obtains a mounted /dev/fuse file descriptor through the fusermount
// helper, which performs the privileged mount(2) and hands the descriptor
// back over a unix socket.
func mount(dir string, conf *mountConfig) (*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair error: %v", err)
	}
	childFile := os.NewFile(uintptr(fds[0]), "fusermount-child")
	defer childFile.Close()
	parentFile := os.NewFile(uintptr(fds[1]), "fusermount-parent")
	defer parentFile.Close()

	cmd := exec.Command("fusermount", "-o", conf.getOptions(), "--", dir)
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")
	cmd.ExtraFiles = []*os.File{childFile}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return nil, fmt.Errorf("fusermount: %s", msg)
		}
		return nil, fmt.Errorf("fusermount: %v", err)
	}

	conn, err := net.FileConn(parentFile)
	if err != nil {
		return nil, fmt.Errorf("fusermount socket: %v", err)
	}
	defer conn.Close()
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("fusermount socket: unexpected type %T", conn)
	}

	buf := make([]byte, 32)
	oob := make([]byte, 32)
	_, oobn, _, _, err := uconn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("reading fd from fusermount: %v", err)
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parsing fusermount control message: %v", err)
	}
	if len(scms) != 1 {
		return nil, fmt.Errorf("expected one control message from fusermount, got %d", len(scms))
	}
	rights, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, fmt.Errorf("parsing fusermount rights: %v", err)
	}
	if len(rights) != 1 {
		return nil, fmt.Errorf("expected one fd from fusermount, got %d", len(rights))
	}
	return os.NewFile(uintptr(rights[0]), "/dev/fuse"), nil
}

func unmount(dir string) error {
	cmd := exec.Command("fusermount", "-u", dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("fusermount: %s", msg)
		}
		return fmt.Errorf("fusermount: %v", err)
	}
	return nil
}
