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
	"sort"
	"strings"
)

type mountConfig struct {
	options          map[string]string
	volname          string
	osxfuseLocations []OSXFUSEPaths
}

// getOptions renders the option map in mount-helper syntax.
func (conf *mountConfig) getOptions() string {
	keys := make([]string, 0, len(conf.options))
	for k := range conf.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := conf.options[k]; v != "" {
			opts = append(opts, k+"="+v)
		} else {
			opts = append(opts, k)
		}
	}
	return strings.Join(opts, ",")
}

// MountOption configures a mount.
type MountOption func(*mountConfig) error

// FSName sets the file system name (source) reported in mount tables.
func FSName(name string) MountOption {
	return func(conf *mountConfig) error {
		// Mount helpers treat commas as option separators and have no
		// escaping.
		if strings.ContainsRune(name, ',') {
			return fmt.Errorf("fuse: fsname cannot contain commas: %q", name)
		}
		conf.options["fsname"] = name
		return nil
	}
}

// VolumeName sets the volume name shown in the macOS Finder. It has no
// effect on other platforms.
func VolumeName(name string) MountOption {
	return func(conf *mountConfig) error {
		if strings.ContainsRune(name, ',') {
			return fmt.Errorf("fuse: volume name cannot contain commas: %q", name)
		}
		conf.volname = name
		return nil
	}
}

// AllowOther permits users other than the mounting user to access the
// mount. The FUSE security policy forbids combining it with AllowRoot.
func AllowOther() MountOption {
	return func(conf *mountConfig) error {
		conf.options["allow_other"] = ""
		return nil
	}
}

// ReadOnly mounts the file system read-only; the kernel rejects writes
// before they reach us.
func ReadOnly() MountOption {
	return func(conf *mountConfig) error {
		conf.options["ro"] = ""
		return nil
	}
}

// DefaultPermissions makes the kernel enforce the permission bits in file
// attributes instead of deferring every access check to the backend.
func DefaultPermissions() MountOption {
	return func(conf *mountConfig) error {
		conf.options["default_permissions"] = ""
		return nil
	}
}

// OSXFUSEPaths describes the paths used by an installed FUSE
// implementation on macOS.
type OSXFUSEPaths struct {
	// Prefix for the device file. The first free device number is
	// appended.
	DevicePrefix string
	// Path of the load helper, used to load the kernel extension if no
	// device files are found.
	Load string
	// Path of the mount helper, used for the actual mount operation.
	Mount string
	// Environment variable used to pass the path to the executable
	// calling the mount helper.
	DaemonVar string
}

// DefaultOSXFUSELocations is the list of installation locations probed
// when OSXFUSELocations is not given.
var DefaultOSXFUSELocations = []OSXFUSEPaths{
	{
		DevicePrefix: "/dev/osxfuse",
		Load:         "/Library/Filesystems/osxfuse.fs/Contents/Resources/load_osxfuse",
		Mount:        "/Library/Filesystems/osxfuse.fs/Contents/Resources/mount_osxfuse",
		DaemonVar:    "MOUNT_OSXFUSE_DAEMON_PATH",
	},
	{
		DevicePrefix: "/dev/macfuse",
		Load:         "/Library/Filesystems/macfuse.fs/Contents/Resources/load_macfuse",
		Mount:        "/Library/Filesystems/macfuse.fs/Contents/Resources/mount_macfuse",
		DaemonVar:    "MOUNT_MACFUSE_DAEMON_PATH",
	},
}

// OSXFUSELocations sets the installation locations probed for a FUSE
// implementation on macOS. Probing stops at the first location with a
// mount helper present.
func OSXFUSELocations(paths ...OSXFUSEPaths) MountOption {
	return func(conf *mountConfig) error {
		if len(paths) == 0 {
			return fmt.Errorf("fuse: OSXFUSELocations need at least one location")
		}
		conf.osxfuseLocations = append(conf.osxfuseLocations[:0], paths...)
		return nil
	}
}
