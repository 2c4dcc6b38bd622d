package mdns

import (
	"net"
	"strings"
	"time"
)

// Clock abstracts time.Now so tests can control TTL math
// deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// WakeLock models the platform multicast wake-lock,
// held for the lifetime of any active discovery.
type WakeLock interface {
	Acquire()
	Release()
}

type noopWakeLock struct{}

func (noopWakeLock) Acquire() {}
func (noopWakeLock) Release() {}

// InterfaceSource abstracts host interface enumeration as something
// pollable: the socket provider reads the current list on every
// RequestSockets call instead of only snapshotting once at startup.
type InterfaceSource interface {
	Interfaces() ([]net.Interface, error)
}

type osInterfaceSource struct{}

func (osInterfaceSource) Interfaces() ([]net.Interface, error) { return net.Interfaces() }

// TransportSet is a bitset of the platform transport categories
// referenced by socket-opening policy.
type TransportSet uint8

const (
	TransportWifi TransportSet = 1 << iota
	TransportCellular
	TransportVPN
	TransportEthernet
)

// NetworkEventType enumerates the host network lifecycle callbacks:
// available, capabilities changed, link properties changed, lost.
type NetworkEventType int

const (
	NetworkAvailable NetworkEventType = iota
	NetworkCapabilitiesChanged
	NetworkLinkPropertiesChanged
	NetworkLost
)

// NetworkEvent is what a NetworkWatcher reports for a network-backed
// interface.
type NetworkEvent struct {
	Type          NetworkEventType
	Network       NetHandle
	Interface     net.Interface
	Transports    TransportSet
	Addresses     []net.IP
	InterfaceName string
}

// NetworkWatcher is the network-backed interface source, reporting
// available/capabilities_changed/link_properties_changed/lost events.
type NetworkWatcher interface {
	Events() <-chan NetworkEvent
}

// LocalInterfaceEvent reports a tethering/P2P-group local-only
// interface list change.
type LocalInterfaceEvent struct {
	Names []string
}

type LocalInterfaceWatcher interface {
	Events() <-chan LocalInterfaceEvent
}

var virtualInterfacePrefixes = []string{"docker", "veth", "br-", "bridge", "virbr", "lo", "utun", "awdl", "llw"}

func isVirtualInterfaceName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualInterfacePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// eligibleForSocket implements the socket-opening policy:
// never on cellular, loopback, point-to-point, virtual or down
// interfaces; always on non-VPN Wi-Fi if otherwise eligible; otherwise
// require multicast capability.
func eligibleForSocket(iface net.Interface, transports TransportSet) bool {
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	if iface.Flags&net.FlagPointToPoint != 0 {
		return false
	}
	if isVirtualInterfaceName(iface.Name) {
		return false
	}
	if transports&TransportCellular != 0 {
		return false
	}
	if transports&TransportWifi != 0 && transports&TransportVPN == 0 {
		return true
	}
	return iface.Flags&net.FlagMulticast != 0
}
