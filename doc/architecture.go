package doc

import "github.com/rianhunter/userspacefs/pkg/cli"

var ArchitectureCmd = &cli.Command{
	UsageLine: "architecture",
	Short:     "userspacefs system architecture overview",
	Long: `
Userspacefs hosts a filesystem backend behind the operating system's own
filesystem clients. The pieces, from the kernel inward:

Host transports (pkg/fuse, pkg/nfs) speak one host protocol each: the raw
/dev/fuse kernel device on Linux and macOS, or NFSv3 over a loopback TCP
listener for hosts without a fuse driver. A transport decodes native
frames into portable operations and encodes responses back; it never
touches the backend directly.

The operation model (pkg/ops) is the contract between transports and the
dispatcher: one Request per decoded frame, one Response per Request
(except fire-and-forget kinds), with a closed error taxonomy (pkg/fs)
mapped to host error codes by per-transport tables that are verified
exhaustive at startup.

The dispatcher (pkg/dispatch) owns the identity registry: the mapping
between host-visible numeric node IDs and backend path keys, with
generation counters, host lookup counts, and pinning so a rename or
forget cannot yank a path out from under an executing operation.
Operations run on a worker pool; writes to one open handle are ordered,
mutations of one directory are serialized, and everything else runs in
parallel.

Backends (pkg/memfs, pkg/boltfs) implement the path-keyed FileSystem
facade: attributes, open handles, directory enumeration, rename with and
without replace. pkg/pathconv wraps any backend with the private-use
codepoint translation network clients apply to share-illegal characters.

The binary's commands (fuse-mount, nfs-server) wire one transport to one
backend and run in the foreground.
`,
}
