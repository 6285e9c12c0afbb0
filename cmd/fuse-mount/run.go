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

package fusemount

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/rianhunter/userspacefs/pkg/boltfs"
	"github.com/rianhunter/userspacefs/pkg/cli"
	"github.com/rianhunter/userspacefs/pkg/dispatch"
	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/fuse"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/memfs"
)

var FuseMountCmd = &cli.Command{
	Run:       fuseMountCmdRun,
	UsageLine: "fuse-mount [-store file] [-volname name] [-unmount] [logger flags] <mount-point>",
	Short:     "mount a backend at the specified mount point over fuse",
	Long: `
Fuse-mount serves a filesystem backend through the kernel fuse driver. With
no -store flag the backend is an in-memory scratch filesystem that vanishes
on exit; with -store the backend persists in a single-file store at the
given path.

The process runs in the foreground until the filesystem is unmounted.
Unmount with 'fuse-mount -unmount <mount-point>', or with umount(8) /
fusermount -u directly.
    `,
}

func fuseMountCmdRun(cmd *cli.Command, args []string) error {
	var (
		storeFlag      string
		volnameFlag    string
		fsnameFlag     string
		allowOtherFlag bool
		readOnlyFlag   bool
		workersFlag    int
		unmountFlag    bool

		logDirFlag         string
		suppressStderrFlag bool
		logModeFlag        logMode
	)

	cmd.FlagSet.StringVar(&storeFlag, "store", "",
		"Persist the filesystem in the single-file store at this path")
	cmd.FlagSet.StringVar(&volnameFlag, "volname", "Userspacefs",
		"Volume name shown by the host (darwin only)")
	cmd.FlagSet.StringVar(&fsnameFlag, "fsname", "userspacefs",
		"Filesystem source name shown in mount tables")
	cmd.FlagSet.BoolVar(&allowOtherFlag, "allow-other", false,
		"Allow other users to access the mount")
	cmd.FlagSet.BoolVar(&readOnlyFlag, "read-only", false,
		"Mount read-only")
	cmd.FlagSet.IntVar(&workersFlag, "workers", 0,
		"Concurrent operation workers (0 for the default)")
	cmd.FlagSet.BoolVar(&unmountFlag, "unmount", false,
		"Unmount the filesystem at the specified directory")
	cmd.FlagSet.StringVar(&logDirFlag, "log-dir", "",
		"Write log files to the specified directory")
	cmd.FlagSet.BoolVar(&suppressStderrFlag, "suppress-stderr", false,
		"Suppress standard error logging")
	cmd.FlagSet.Var(&logModeFlag, "log-mode",
		"Log mode for logs emitted globally")

	if err := cmd.FlagSet.Parse(args); err != nil {
		return cli.CmdParseError(err)
	}

	if cmd.FlagSet.NArg() > 1 {
		return cli.CmdParseError(
			errors.New(fmt.Sprintf("unrecognized arguments: %v", cmd.FlagSet.Args()[1:])))
	}
	if cmd.FlagSet.NArg() == 0 {
		return cli.CmdParseError(errors.New("unspecified mount-point"))
	}
	mountPoint := cmd.FlagSet.Arg(0)

	if logModeFlag.set {
		log.SetGlobalLogMode(log.Mode(logModeFlag.m))
	}

	writer := ioutil.Discard
	if logDirFlag != "" {
		writer = log.LogRotationWriter(logDirFlag, 50<<20 /* 50 MiB */)
	}
	if !suppressStderrFlag {
		writer = log.MultiWriter(writer, os.Stderr)
	}
	writer = log.SynchronizedWriter(writer)
	logf := log.Ldate | log.Ltime | log.Lmicroseconds | log.Llongfile | log.LUTC | log.Lmode
	logger := log.New(log.Writer(writer), log.Flags(logf), log.SkipBasePath())

	if unmountFlag {
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Error(err.Error())
			return err
		}
		logger.Infof("unmounted point: %s", mountPoint)
		return nil
	}

	backend, cleanup, err := openBackend(storeFlag)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	defer cleanup()

	options := []fuse.MountOption{
		fuse.FSName(fsnameFlag),
		fuse.VolumeName(volnameFlag),
		fuse.DefaultPermissions(),
	}
	if allowOtherFlag {
		options = append(options, fuse.AllowOther())
	}
	if readOnlyFlag {
		options = append(options, fuse.ReadOnly())
	}

	conn, err := fuse.Mount(mountPoint, options...)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	defer conn.Close()
	logger.Infof("mounted point: %s (protocol %s)", mountPoint, conn.Protocol())

	reg := dispatch.NewRegistry(0)
	dispatcher := dispatch.New(backend, reg, logger, workersFlag)
	if err := dispatcher.Serve(context.Background(), conn); err != nil {
		logger.Error(err.Error())
		return err
	}
	return nil
}

// openBackend picks the backend: persistent bolt store when a path was
// given, in-memory scratch otherwise.
func openBackend(store string) (fs.FileSystem, func(), error) {
	if store == "" {
		return memfs.New(), func() {}, nil
	}
	b, err := boltfs.Open(store)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil
}
