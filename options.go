package mdns

import "net"

// QueryMode selects one of the three pacing strategies: active,
// passive, and aggressive.
type QueryMode int

const (
	QueryModeActive QueryMode = iota
	QueryModePassive
	QueryModeAggressive
)

// NetHandle identifies a host network the way the platform would (a
// VPN tunnel, a Wi-Fi association, ...). The zero value means "all
// networks".
type NetHandle uint64

// SearchOptions is the per-listener request shape.
// The zero value is a valid "browse everything, active mode" request.
type SearchOptions struct {
	Network             NetHandle
	InterfaceIndex      uint32
	Subtypes            map[string]struct{}
	ResolveInstanceName string
	QueryMode           QueryMode
	AlwaysUnicast       bool
	OnlyIPv6OnIPv6Only  bool
	EmitDiscovered      bool
}

// hasInterfaceIndex reports whether the listener pinned a specific
// interface (as opposed to "any interface on this network").
func (o SearchOptions) hasInterfaceIndex() bool {
	return o.InterfaceIndex != 0
}

func (o SearchOptions) hasNetwork() bool {
	return o.Network != 0
}

func (o SearchOptions) matchesSubtype(sub string) bool {
	if len(o.Subtypes) == 0 {
		return true
	}
	_, ok := o.Subtypes[upperASCII(sub)]
	return ok
}

// mergeSearchOptions combines every listener's options registered
// against one ServiceTypeClient into the union the scheduler runs
// with: most permissive query mode wins, unicast/only-ipv6 are OR'd,
// subtype set is the union (empty again if any listener wants "all").
func mergeSearchOptions(all []SearchOptions) SearchOptions {
	if len(all) == 0 {
		return SearchOptions{}
	}
	merged := all[0]
	merged.Subtypes = cloneSubtypes(all[0].Subtypes)
	for _, o := range all[1:] {
		if o.QueryMode > merged.QueryMode {
			merged.QueryMode = o.QueryMode
		}
		merged.AlwaysUnicast = merged.AlwaysUnicast || o.AlwaysUnicast
		merged.OnlyIPv6OnIPv6Only = merged.OnlyIPv6OnIPv6Only || o.OnlyIPv6OnIPv6Only
		merged.EmitDiscovered = merged.EmitDiscovered || o.EmitDiscovered
		if len(o.Subtypes) == 0 {
			merged.Subtypes = nil
		} else if merged.Subtypes != nil {
			for s := range o.Subtypes {
				merged.Subtypes[s] = struct{}{}
			}
		}
	}
	return merged
}

func cloneSubtypes(s map[string]struct{}) map[string]struct{} {
	if s == nil {
		return nil
	}
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Listener is a capability record of optional callbacks: callers
// implement only the events they care about instead of satisfying a
// fat interface with default methods.
type Listener struct {
	OnServiceFound       func(info *ServiceInstance)
	OnServiceUpdated     func(info *ServiceInstance)
	OnServiceRemoved     func(info *ServiceInstance)
	OnServiceDiscovered  func(info *ServiceInstance)
	OnDiscoveryStarted   func(serviceType string)
	OnDiscoveryStopped   func(serviceType string)
	OnFailedToParse      func(seq uint64, kind ParseErrorKind)
	OnInterfaceDestroyed func(socketKey SocketKey)
}

func (l *Listener) found(info *ServiceInstance) {
	if l != nil && l.OnServiceFound != nil {
		l.OnServiceFound(info)
	}
}

func (l *Listener) updated(info *ServiceInstance) {
	if l != nil && l.OnServiceUpdated != nil {
		l.OnServiceUpdated(info)
	}
}

func (l *Listener) removed(info *ServiceInstance) {
	if l != nil && l.OnServiceRemoved != nil {
		l.OnServiceRemoved(info)
	}
}

func (l *Listener) discovered(info *ServiceInstance) {
	if l != nil && l.OnServiceDiscovered != nil {
		l.OnServiceDiscovered(info)
	}
}

func (l *Listener) started(serviceType string) {
	if l != nil && l.OnDiscoveryStarted != nil {
		l.OnDiscoveryStarted(serviceType)
	}
}

func (l *Listener) stopped(serviceType string) {
	if l != nil && l.OnDiscoveryStopped != nil {
		l.OnDiscoveryStopped(serviceType)
	}
}

func (l *Listener) failedToParse(seq uint64, kind ParseErrorKind) {
	if l != nil && l.OnFailedToParse != nil {
		l.OnFailedToParse(seq, kind)
	}
}

func (l *Listener) interfaceDestroyed(key SocketKey) {
	if l != nil && l.OnInterfaceDestroyed != nil {
		l.OnInterfaceDestroyed(key)
	}
}

// SocketKey is the identity of a per-interface mDNS socket: a network
// handle (zero meaning "no specific network") plus an interface index.
type SocketKey struct {
	Network        NetHandle
	InterfaceIndex uint32
}

func socketKeyFromInterface(netHandle NetHandle, iface *net.Interface) SocketKey {
	return SocketKey{Network: netHandle, InterfaceIndex: uint32(iface.Index)}
}
