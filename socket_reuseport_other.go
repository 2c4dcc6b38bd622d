//go:build !linux && !darwin

package mdns

import "net"

// reusePortListenConfig has no SO_REUSEPORT equivalent wired up on
// this platform; the listener still binds normally.
func reusePortListenConfig(bool) *net.ListenConfig {
	return &net.ListenConfig{}
}
