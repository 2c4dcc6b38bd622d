package mdns

import (
	"net"
	"strings"
	"time"
)

// ServiceInstance is the observable unit handed to listeners: the
// merged PTR, SRV, TXT, and address composition for one advertised
// instance.
type ServiceInstance struct {
	InstanceName   string // the left-hand label(s) before the service type
	ServiceType    string // the tracked type this instance was found under
	FullName       string // PTR target, i.e. "<instance>.<type>."
	Subtypes       map[string]struct{}
	HostName       string
	Port           uint16
	IPv4           []net.IP
	IPv6           []net.IP
	TXT            []string
	InterfaceIndex uint32
	Network        NetHandle

	ptr             *PTRRecord
	srv             *SRVRecord
	txt             *TXTRecord
	addrs           []*AddressRecord
	foundFired      bool
	discoveredFired bool
	goodbyeAt       time.Time
}

func newServiceInstance(fullName, serviceType string, netHandle NetHandle, ifIndex uint32) *ServiceInstance {
	instanceName := fullName
	if idx := indexDNS(fullName, "."+trimTrailingDot(serviceType)); idx >= 0 {
		instanceName = fullName[:idx]
	}
	return &ServiceInstance{
		InstanceName:   strings.TrimSuffix(instanceName, "."),
		ServiceType:    serviceType,
		FullName:       fullName,
		Subtypes:       map[string]struct{}{},
		Network:        netHandle,
		InterfaceIndex: ifIndex,
	}
}

func instanceKey(fullName string) string {
	return upperASCII(trimTrailingDot(fullName))
}

// Complete reports the invariant: >=1 PTR, exactly
// one SRV, one TXT, and >=1 address record sharing the SRV's host
// name.
func (s *ServiceInstance) Complete() bool {
	if s.ptr == nil || s.srv == nil || s.txt == nil {
		return false
	}
	return len(s.addrs) > 0
}

// Goodbye reports whether the PTR that created this instance carried
// TTL 0 ("goodbye packet").
func (s *ServiceInstance) Goodbye() bool {
	return s.ptr != nil && s.ptr.TTL == 0
}

// MinRemainingTTL returns the minimum remaining TTL
// across the record types required for completeness.
func (s *ServiceInstance) MinRemainingTTL(now time.Time) time.Duration {
	min := time.Duration(-1)
	consider := func(ttl time.Duration) {
		if min < 0 || ttl < min {
			min = ttl
		}
	}
	if s.ptr != nil {
		consider(s.ptr.RemainingTTL(now))
	}
	if s.srv != nil {
		consider(s.srv.RemainingTTL(now))
	}
	if s.txt != nil {
		consider(s.txt.RemainingTTL(now))
	}
	for _, a := range s.addrs {
		consider(a.RemainingTTL(now))
	}
	if min < 0 {
		return 0
	}
	return min
}

func (s *ServiceInstance) addPTR(rec *PTRRecord) bool {
	if s.ptr != nil && s.ptr.sameValue(rec) {
		s.ptr = rec
		return false
	}
	s.ptr = rec
	return true
}

func (s *ServiceInstance) setSRV(rec *SRVRecord) bool {
	changed := s.srv == nil || !s.srv.sameValue(rec)
	s.srv = rec
	if changed {
		s.HostName = rec.Target
		s.Port = rec.Port
	}
	return changed
}

func (s *ServiceInstance) setTXT(rec *TXTRecord) bool {
	changed := s.txt == nil || !s.txt.sameValue(rec)
	s.txt = rec
	if changed {
		s.TXT = append([]string(nil), rec.Entries...)
	}
	return changed
}

func isIPv4(ip net.IP) bool { return ip.To4() != nil }

// dropAddressFamilyOlderThan applies a cache-flush: it removes, at
// once, the same-family address records received more than age
// earlier, so a flurry of packets carrying the same fresh answer
// within that window of each other never flap the instance.
func (s *ServiceInstance) dropAddressFamilyOlderThan(v4 bool, now time.Time, age time.Duration) bool {
	kept := s.addrs[:0]
	removed := false
	for _, a := range s.addrs {
		if isIPv4(a.Addr) == v4 && now.Sub(a.ReceiptTime) > age {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	s.addrs = kept
	s.rebuildAddrLists()
	return removed
}

func (s *ServiceInstance) addAddress(rec *AddressRecord) bool {
	for i, a := range s.addrs {
		if a.sameValue(rec) {
			s.addrs[i] = rec
			return false
		}
	}
	s.addrs = append(s.addrs, rec)
	s.rebuildAddrLists()
	return true
}

func (s *ServiceInstance) rebuildAddrLists() {
	s.IPv4 = s.IPv4[:0]
	s.IPv6 = s.IPv6[:0]
	for _, a := range s.addrs {
		if isIPv4(a.Addr) {
			s.IPv4 = append(s.IPv4, a.Addr)
		} else {
			s.IPv6 = append(s.IPv6, a.Addr)
		}
	}
}

// responseSet holds the live ServiceInstances for one ServiceTypeClient
// and implements a three-pass augmentation algorithm: PTRs first,
// then SRV/TXT, then addresses.
type responseSet struct {
	byKey map[string]*ServiceInstance
}

func newResponseSet() *responseSet {
	return &responseSet{byKey: map[string]*ServiceInstance{}}
}

func (rs *responseSet) list() []*ServiceInstance {
	out := make([]*ServiceInstance, 0, len(rs.byKey))
	for _, inst := range rs.byKey {
		out = append(out, inst)
	}
	return out
}

func (rs *responseSet) delete(inst *ServiceInstance) {
	delete(rs.byKey, instanceKey(inst.FullName))
}

// augment applies a decoded packet's records to the live set and
// returns the subset of instances whose record set actually changed
// (as opposed to merely having their receipt time refreshed).
func (rs *responseSet) augment(pkt *Packet, trackedType string, opts SearchOptions, netHandle NetHandle, ifIndex uint32, cfg Config, now time.Time) []*ServiceInstance {
	modifiedSet := map[*ServiceInstance]bool{}
	all := pkt.allAnswerLike()

	// Pass 1: PTR.
	for _, rec := range all {
		ptr, ok := rec.(*PTRRecord)
		if !ok {
			continue
		}
		subtype, belongs := isSubtypeOf(ptr.Name, trackedType)
		if !belongs {
			continue
		}
		if subtype != "" && !opts.matchesSubtype(subtype) {
			continue
		}
		key := instanceKey(ptr.Target)
		inst, found := rs.byKey[key]
		if !found {
			inst = newServiceInstance(ptr.Target, trackedType, netHandle, ifIndex)
			rs.byKey[key] = inst
		}
		if subtype != "" {
			inst.Subtypes[subtype] = struct{}{}
		}
		changed := inst.addPTR(ptr)
		if ptr.TTL == 0 {
			// Goodbye packet: flag removal one second out
			// rather than expiring the PTR immediately.
			if inst.goodbyeAt.IsZero() {
				inst.goodbyeAt = now.Add(time.Second)
				changed = true
			}
		}
		if changed {
			modifiedSet[inst] = true
		}
	}

	// Pass 2: SRV / TXT.
	for _, rec := range all {
		switch v := rec.(type) {
		case *SRVRecord:
			inst := rs.findOrCreateDangling(v.Name, trackedType, netHandle, ifIndex)
			if inst == nil {
				continue
			}
			if inst.setSRV(v) {
				modifiedSet[inst] = true
			}
		case *TXTRecord:
			inst := rs.findOrCreateDangling(v.Name, trackedType, netHandle, ifIndex)
			if inst == nil {
				continue
			}
			if inst.setTXT(v) {
				modifiedSet[inst] = true
			}
		}
	}

	// Pass 3: addresses, cache-flush drop sub-pass then add sub-pass.
	for _, rec := range all {
		addr, ok := rec.(*AddressRecord)
		if !ok || !addr.CacheFlush {
			continue
		}
		for _, inst := range rs.matchingHosts(addr.Name, cfg) {
			if inst.dropAddressFamilyOlderThan(isIPv4(addr.Addr), now, time.Second) {
				modifiedSet[inst] = true
			}
		}
	}
	for _, rec := range all {
		addr, ok := rec.(*AddressRecord)
		if !ok {
			continue
		}
		for _, inst := range rs.matchingHosts(addr.Name, cfg) {
			if inst.addAddress(addr) {
				modifiedSet[inst] = true
			}
		}
	}

	modified := make([]*ServiceInstance, 0, len(modifiedSet))
	for inst := range modifiedSet {
		modified = append(modified, inst)
	}
	return modified
}

// findOrCreateDangling implements the "synthesized from a dangling
// SRV" lifecycle rule: an SRV/TXT whose owner belongs to
// the tracked type but has no matching PTR yet still gets a
// ServiceInstance, since the PTR may simply arrive in a later packet.
func (rs *responseSet) findOrCreateDangling(ownerName, trackedType string, netHandle NetHandle, ifIndex uint32) *ServiceInstance {
	key := instanceKey(ownerName)
	if inst, ok := rs.byKey[key]; ok {
		return inst
	}
	if _, belongs := isSubtypeOf(ownerName, trackedType); !belongs {
		if !hasSuffixDNS(ownerName, trackedType) {
			return nil
		}
	}
	inst := newServiceInstance(ownerName, trackedType, netHandle, ifIndex)
	rs.byKey[key] = inst
	return inst
}

// matchingHosts implements the tie-break rule: if
// AllowMultipleSRVPerHost, an address applies to every instance
// sharing that SRV host name; otherwise at most one: the matching
// instance with the lowest instance key, for determinism.
func (rs *responseSet) matchingHosts(hostName string, cfg Config) []*ServiceInstance {
	var matches []*ServiceInstance
	for _, inst := range rs.byKey {
		if inst.HostName != "" && equalDNS(inst.HostName, hostName) {
			matches = append(matches, inst)
		}
	}
	if len(matches) > 1 && !cfg.AllowMultipleSRVPerHost {
		best := matches[0]
		for _, m := range matches[1:] {
			if instanceKey(m.FullName) < instanceKey(best.FullName) {
				best = m
			}
		}
		matches = []*ServiceInstance{best}
	}
	return matches
}
