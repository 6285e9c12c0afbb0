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

package nfsserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/rianhunter/userspacefs/pkg/boltfs"
	"github.com/rianhunter/userspacefs/pkg/cli"
	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/log"
	"github.com/rianhunter/userspacefs/pkg/memfs"
	"github.com/rianhunter/userspacefs/pkg/nfs"
	"github.com/rianhunter/userspacefs/pkg/pathconv"
)

var NFSServerCmd = &cli.Command{
	Run:       nfsServerCmdRun,
	UsageLine: "nfs-server [-listen addr] [-store file] [-no-mount] [logger flags] [<mount-point>]",
	Short:     "serve a backend over loopback nfs, optionally mounting it",
	Long: `
Nfs-server serves a filesystem backend over NFSv3 on a loopback TCP
listener, the mount path for hosts without a fuse kernel driver. With a
mount-point argument it also invokes the platform mount command against
the listener; with -no-mount (or no mount-point) it prints the mount
command to run by hand and keeps serving.

There is no portmapper registration: the client must be given the port
directly, which the printed mount command does. The server answers every
WRITE as committed to stable storage.

The process runs in the foreground; SIGINT or SIGTERM unmounts (when the
server performed the mount) and shuts down.
    `,
}

func nfsServerCmdRun(cmd *cli.Command, args []string) error {
	var (
		listenFlag    string
		storeFlag     string
		noMountFlag   bool
		workersFlag   int
		maxConnsFlag  int
		handleKeyFlag string

		logDirFlag         string
		suppressStderrFlag bool
		logModeFlag        logMode
	)

	cmd.FlagSet.StringVar(&listenFlag, "listen", "127.0.0.1:0",
		"Listen address [host:port]; port 0 picks a free port")
	cmd.FlagSet.StringVar(&storeFlag, "store", "",
		"Persist the filesystem in the single-file store at this path")
	cmd.FlagSet.BoolVar(&noMountFlag, "no-mount", false,
		"Serve only; print the mount command instead of running it")
	cmd.FlagSet.IntVar(&workersFlag, "workers", 0,
		"Concurrent operation workers per connection (0 for the default)")
	cmd.FlagSet.IntVar(&maxConnsFlag, "max-conns", 0,
		"Maximum simultaneous client connections (0 for the default)")
	cmd.FlagSet.StringVar(&handleKeyFlag, "handle-key", "",
		"Hex-encoded 32-byte key pinning file handle MACs across restarts")
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
	mountPoint := cmd.FlagSet.Arg(0)
	if mountPoint == "" {
		noMountFlag = true
	}

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

	var handleKey []byte
	if handleKeyFlag != "" {
		key, err := hex.DecodeString(handleKeyFlag)
		if err != nil || len(key) != 32 {
			return cli.CmdParseError(errors.New("handle-key must be 64 hex characters"))
		}
		handleKey = key
	}

	backend, cleanup, err := openBackend(storeFlag)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	defer cleanup()

	server, err := nfs.NewServer(nfs.Config{
		Backend:   backend,
		Logger:    logger,
		Workers:   workersFlag,
		MaxConns:  maxConnsFlag,
		HandleKey: handleKey,
	})
	if err != nil {
		logger.Error(err.Error())
		return err
	}

	ln, err := net.Listen("tcp", listenFlag)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	logger.Infof("serving nfs on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mounted := false
	if noMountFlag {
		logger.Infof("mount by hand with:\n  %s", mountCommandLine(port, "<mount-point>"))
	} else {
		if err := runMount(logger, port, mountPoint); err != nil {
			logger.Errorf("mounting %s: %v; mount by hand with:\n  %s",
				mountPoint, err, mountCommandLine(port, mountPoint))
		} else {
			mounted = true
			logger.Infof("mounted point: %s", mountPoint)
		}
	}

	// Unmount while the server is still answering, so the client can
	// flush; run at most once whether we exit by signal or by error.
	var unmountOnce sync.Once
	unmount := func() {
		if mounted {
			unmountOnce.Do(func() { runUnmount(logger, mountPoint) })
		}
	}
	defer unmount()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logger.Infof("received %v, shutting down", s)
		unmount()
		cancel()
	}()

	if err := server.Serve(ctx, ln); err != nil {
		logger.Error(err.Error())
		return err
	}
	return nil
}

// openBackend picks the backend: persistent bolt store when a path was
// given, in-memory scratch otherwise. On darwin the backend is wrapped
// with private-use codepoint translation, since the macOS network client
// escapes share-illegal characters before they reach the server.
func openBackend(store string) (fs.FileSystem, func(), error) {
	var backend fs.FileSystem
	cleanup := func() {}
	if store == "" {
		backend = memfs.New()
	} else {
		b, err := boltfs.Open(store)
		if err != nil {
			return nil, nil, err
		}
		backend = b
		cleanup = func() { b.Close() }
	}
	if runtime.GOOS == "darwin" {
		backend = pathconv.Wrap(backend)
	}
	return backend, cleanup, nil
}

// mountOptions are the client options that match what this server speaks:
// NFSv3 over TCP on a fixed port doubling as the mount port, no lock
// daemon.
func mountOptions(port int) string {
	opt := fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp", port, port)
	if runtime.GOOS == "darwin" {
		return opt + ",nolocks,soft"
	}
	return opt + ",nolock,soft"
}

func mountCommandLine(port int, mountPoint string) string {
	if runtime.GOOS == "darwin" {
		return fmt.Sprintf("mount_nfs -o %s 127.0.0.1:/ %s", mountOptions(port), mountPoint)
	}
	return fmt.Sprintf("mount -t nfs -o %s 127.0.0.1:/ %s", mountOptions(port), mountPoint)
}

func runMount(logger *log.Logger, port int, mountPoint string) error {
	var c *exec.Cmd
	if runtime.GOOS == "darwin" {
		c = exec.Command("mount_nfs", "-o", mountOptions(port), "127.0.0.1:/", mountPoint)
	} else {
		c = exec.Command("mount", "-t", "nfs", "-o", mountOptions(port), "127.0.0.1:/", mountPoint)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %s", err, out)
		}
		return err
	}
	return nil
}

func runUnmount(logger *log.Logger, mountPoint string) {
	out, err := exec.Command("umount", mountPoint).CombinedOutput()
	if err != nil {
		logger.Warnf("unmounting %s: %v: %s", mountPoint, err, out)
		return
	}
	logger.Infof("unmounted point: %s", mountPoint)
}
