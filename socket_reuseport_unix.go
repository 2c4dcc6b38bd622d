//go:build linux || darwin

package mdns

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortListenConfig sets SO_REUSEPORT on POSIX so a discovery
// engine sharing the host with an external mDNS responder process
// can bind port 5353 alongside it.
func reusePortListenConfig(enabled bool) *net.ListenConfig {
	if !enabled {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
