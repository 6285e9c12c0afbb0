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
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// mount opens a FUSE device and hands it to the installed mount helper.
// Blocks until the mount is visible.
func mount(dir string, conf *mountConfig) (*os.File, error) {
	locations := conf.osxfuseLocations
	if locations == nil {
		locations = DefaultOSXFUSELocations
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc.Mount); os.IsNotExist(err) {
			continue
		}

		if err := loadFUSE(loc.Load); err != nil {
			return nil, err
		}
		dev, err := openFUSE(loc.DevicePrefix)
		if err != nil {
			return nil, err
		}
		if err := callMount(loc.Mount, loc.DaemonVar, dir, conf, dev); err != nil {
			dev.Close()
			return nil, err
		}
		return dev, nil
	}

	// No FUSE installation detected. Caller needs to ensure macFUSE is
	// installed, or provide the installation location via OSXFUSELocations.
	return nil, errors.New("cannot locate a FUSE installation")
}

func unmount(dir string) error {
	return unix.Unmount(dir, 0)
}

func loadFUSE(bin string) error {
	cmd := exec.Command(bin)
	cmd.Dir = "/"
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func openFUSE(devPrefix string) (*os.File, error) {
	for i := uint64(0); ; i++ {
		path := devPrefix + strconv.FormatUint(i, 10)
		file, err := os.OpenFile(path, os.O_RDWR, 0000)
		if os.IsNotExist(err) {
			if i == 0 {
				// Not even the first device was found, so the kernel
				// extension isn't loaded.
				return nil, errors.New("fuse kernel extension is not loaded")
			}

			// We've run out of kernel-provided devices.
			return nil, errors.New("no available fuse devices")
		}
		if perr, ok := err.(*os.PathError); ok && perr.Err == unix.EBUSY {
			// Try the next one.
			continue
		}
		if err != nil {
			return nil, err
		}
		return file, nil
	}
}

func callMount(bin string, daemonVar string, dir string, conf *mountConfig, f *os.File) error {
	for k, v := range conf.options {
		if strings.Contains(k, ",") || strings.Contains(v, ",") {
			// Silly limitation but the mount helper does not understand
			// any escaping.
			return fmt.Errorf("mount options cannot contain commas on darwin: %q=%q", k, v)
		}
	}
	opts := conf.getOptions()
	if conf.volname != "" {
		if opts != "" {
			opts += ","
		}
		opts += "volname=" + conf.volname
	}
	cmd := exec.Command(
		bin,
		"-o", opts,
		// Tell the kernel extension how large our buffer is. It must
		// split writes larger than this into multiple writes.
		//
		// The helper seems to ignore InitResponse.MaxWrite and uses this
		// instead.
		"-o", "iosize="+strconv.FormatUint(maxWrite, 10),
		// refers to fd passed in cmd.ExtraFiles
		"3",
		dir,
	)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Env = os.Environ()
	// OSXFUSE <3.3.0
	cmd.Env = append(cmd.Env, "MOUNT_FUSEFS_CALL_BY_LIB=")
	// OSXFUSE >=3.3.0
	cmd.Env = append(cmd.Env, "MOUNT_OSXFUSE_CALL_BY_LIB=")

	daemon := os.Args[0]
	if daemonVar != "" {
		cmd.Env = append(cmd.Env, daemonVar+"="+daemon)
	}

	// We suppress stdout from setting up the mount. Anything received on
	// stderr we propagate back up to the user, as an error, if useful.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to set up mount helper stderr: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start mount helper: %v", err)
	}

	var mnterr error
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, "No such file or directory") {
			// Return what we grabbed from stderr as the real error.
			mnterr = fmt.Errorf("mountpoint does not exist: %v", dir)
		} else if strings.HasSuffix(line, "is itself on a OSXFUSE volume") {
			mnterr = fmt.Errorf("mountpoint %v is itself on a FUSE volume", dir)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from mount helper stderr: %v", err)
	}

	if err := cmd.Wait(); err != nil {
		// See if we have a better error to report.
		if mnterr != nil {
			return mnterr
		}
		return fmt.Errorf("failed to mount: %v", err)
	}
	return nil
}
