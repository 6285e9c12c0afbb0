package doc

import "github.com/rianhunter/userspacefs/pkg/cli"

var SecurityModelCmd = &cli.Command{
	UsageLine: "security-model",
	Short:     "security model overview",
	Long: `
Userspacefs trusts the local kernel and distrusts everything a client can
forge.

The fuse transport receives requests only from the kernel through the
mount's device descriptor; mounting itself goes through the fusermount
helper on Linux (so unprivileged mounts observe the system's fuse policy)
and the fuse kernel extension's mount helper on macOS. Other users cannot
reach the mount unless it was created with -allow-other.

The nfs transport binds to loopback by default and performs no
credential evaluation: AUTH_NONE and AUTH_SYS are accepted as claims,
nothing more, which is only sound when every local user is trusted or the
export holds nothing sensitive. What is defended is handle forgery: NFS
file handles are opaque to clients but arrive from them, so each handle
binds its node identity under a keyed BLAKE2b MAC. A guessed, tampered,
or stale handle (including any handle minted before a restart, since the
key is fresh per start unless pinned with -handle-key) fails verification
and is answered NFS3ERR_STALE before it reaches any backend code.

Permission bits are stored and reported but not enforced by the backends;
enforcement is the kernel client's job (the fuse mount requests
default_permissions for exactly that reason).
`,
}
