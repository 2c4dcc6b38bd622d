package mdns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

const mdnsPort = 5353

var (
	mdnsGroupV4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupV6 = net.ParseIP("ff02::fb")
)

// SocketInfo owns one interface's mDNS socket: both multicast groups
// joined. Addresses are updated in place and the groups are re-joined
// on a link-property change rather than the SocketInfo being torn
// down and recreated.
type SocketInfo struct {
	Key       SocketKey
	Iface     net.Interface
	Addresses []net.IP

	mu     sync.Mutex
	conn4  *ipv4.PacketConn
	conn6  *ipv6.PacketConn
	closed bool

	queue *sendQueue
	done  chan struct{}
}

// sendQueue is a bounded FIFO outbound packet queue. Once the number
// of queued packets exceeds its cap, the oldest are dropped to make
// room for the newest, so a burst of scheduled queries never blocks
// the event loop or grows without bound.
type sendQueue struct {
	mu    sync.Mutex
	items [][]byte
	cap   int
	wake  chan struct{}
}

func newSendQueue(cap int) *sendQueue {
	return &sendQueue{cap: cap, wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	if q.cap > 0 && len(q.items) > q.cap {
		q.items = q.items[len(q.items)-q.cap:]
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sendQueue) drain() [][]byte {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// enqueue hands a datagram to the socket's outbound queue; the queue's
// own goroutine (started in emitCreated) does the actual write.
func (s *SocketInfo) enqueue(data []byte) {
	s.queue.push(data)
}

// runSendQueue drains the outbound queue in FIFO order until the
// socket is closed.
func (s *SocketInfo) runSendQueue(log Logger) {
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.wake:
		}
		for _, data := range s.queue.drain() {
			if err := s.send(data); err != nil {
				log.Debug("mdns: send failed", "socket", s.Key, "error", err)
			}
		}
	}
}

func (s *SocketInfo) updateAddresses(addrs []net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Addresses = addrs
	if s.conn4 != nil {
		_ = s.conn4.JoinGroup(&s.Iface, &net.UDPAddr{IP: mdnsGroupV4})
	}
	if s.conn6 != nil {
		_ = s.conn6.JoinGroup(&s.Iface, &net.UDPAddr{IP: mdnsGroupV6})
	}
}

// send writes a datagram to both joined multicast groups on this
// interface's socket.
func (s *SocketInfo) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mdns: socket for %+v is closed", s.Key)
	}
	var firstErr error
	if s.conn4 != nil {
		wcm := &ipv4.ControlMessage{IfIndex: s.Iface.Index}
		if _, err := s.conn4.WriteTo(data, wcm, &net.UDPAddr{IP: mdnsGroupV4, Port: mdnsPort}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.conn6 != nil {
		wcm := &ipv6.ControlMessage{IfIndex: s.Iface.Index}
		if _, err := s.conn6.WriteTo(data, wcm, &net.UDPAddr{IP: mdnsGroupV6, Port: mdnsPort}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SocketInfo) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	if s.conn4 != nil {
		_ = s.conn4.Close()
	}
	if s.conn6 != nil {
		_ = s.conn6.Close()
	}
}

// readLoop is the receiver thread: it blocks on the
// socket read and is only interrupted by closing the socket. Raw
// datagram payloads are posted to onPacket, which the caller (SocketProvider,
// ultimately the discovery manager's event loop) must not block in.
func (s *SocketInfo) readLoop(onPacket func(data []byte)) {
	buf := make([]byte, 65536)
	if s.conn4 != nil {
		go func() {
			for {
				n, _, _, err := s.conn4.ReadFrom(buf)
				if err != nil {
					return
				}
				cp := make([]byte, n)
				copy(cp, buf[:n])
				onPacket(cp)
			}
		}()
	}
	if s.conn6 != nil {
		buf6 := make([]byte, 65536)
		go func() {
			for {
				n, _, _, err := s.conn6.ReadFrom(buf6)
				if err != nil {
					return
				}
				cp := make([]byte, n)
				copy(cp, buf6[:n])
				onPacket(cp)
			}
		}()
	}
}

// SocketEventType enumerates the create/destroy/address-change events
// the socket provider surfaces to the discovery manager.
type SocketEventType int

const (
	SocketCreated SocketEventType = iota
	SocketAddressChanged
	SocketDestroyed
)

type SocketEvent struct {
	Type SocketEventType
	Key  SocketKey
	Info *SocketInfo
}

// PacketEvent is a decoded-ready datagram handed from a socket's
// receiver thread to the discovery manager's event loop.
type PacketEvent struct {
	Key  SocketKey
	Data []byte
}

// SocketProvider watches interface lifecycle, opens per-interface
// multicast sockets under policy, and refcounts outstanding requests
// so the last unregister tears a socket down. Interface loss detected
// by a watcher tears a socket down the same way, independent of
// refcounting.
type SocketProvider struct {
	ifaces   InterfaceSource
	wakeLock WakeLock
	log      Logger

	mu           sync.Mutex
	sockets      map[SocketKey]*SocketInfo
	refcount     map[SocketKey]int
	lockHeld     bool
	events       chan SocketEvent
	packets      chan PacketEvent
	reusePort    bool
	sendQueueCap int

	netWatcher   NetworkWatcher
	localWatcher LocalInterfaceWatcher
	stopWatch    chan struct{}
}

// SocketProviderOption configures NewSocketProvider with the optional
// interface-lifecycle watchers. Exported at the Manager level as
// WithNetworkWatcher/WithLocalInterfaceWatcher instead of here, since
// SocketProvider is wiring plumbing beneath the public API.
type SocketProviderOption func(*SocketProvider)

// withNetworkWatcher wires a network-backed interface lifecycle
// stream: a lost network tears down every socket opened against it
// regardless of outstanding refcount.
func withNetworkWatcher(w NetworkWatcher) SocketProviderOption {
	return func(p *SocketProvider) { p.netWatcher = w }
}

// withLocalInterfaceWatcher wires the local-only (tethering/P2P-group)
// interface event stream: an interface that drops out of the reported
// name set tears down its socket the same way a lost network does.
func withLocalInterfaceWatcher(w LocalInterfaceWatcher) SocketProviderOption {
	return func(p *SocketProvider) { p.localWatcher = w }
}

// withSendQueueCap overrides the default outbound queue depth
// (Config.PacketQueueMaxSize wires this from api.go's New).
func withSendQueueCap(n int) SocketProviderOption {
	return func(p *SocketProvider) { p.sendQueueCap = n }
}

const defaultSendQueueCap = 2048

func NewSocketProvider(ifaces InterfaceSource, wakeLock WakeLock, log Logger, opts ...SocketProviderOption) *SocketProvider {
	if ifaces == nil {
		ifaces = osInterfaceSource{}
	}
	if wakeLock == nil {
		wakeLock = noopWakeLock{}
	}
	if log == nil {
		log = noopLogger{}
	}
	p := &SocketProvider{
		ifaces:       ifaces,
		wakeLock:     wakeLock,
		log:          log,
		sockets:      map[SocketKey]*SocketInfo{},
		refcount:     map[SocketKey]int{},
		events:       make(chan SocketEvent, 64),
		packets:      make(chan PacketEvent, 256),
		reusePort:    true,
		sendQueueCap: defaultSendQueueCap,
		stopWatch:    make(chan struct{}),
	}
	for _, fn := range opts {
		fn(p)
	}
	if p.netWatcher != nil {
		go p.watchNetworks(p.netWatcher)
	}
	if p.localWatcher != nil {
		go p.watchLocalInterfaces(p.localWatcher)
	}
	return p
}

// watchNetworks reacts to network-backed interface lifecycle events: a
// lost network tears down its sockets immediately, and an
// availability/capability/link change refreshes the joined addresses
// on the socket already open for it, if any.
func (p *SocketProvider) watchNetworks(w NetworkWatcher) {
	for {
		select {
		case <-p.stopWatch:
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case NetworkLost:
				p.destroySocketsForNetwork(ev.Network)
			case NetworkAvailable, NetworkCapabilitiesChanged, NetworkLinkPropertiesChanged:
				p.refreshAddresses(SocketKey{Network: ev.Network, InterfaceIndex: uint32(ev.Interface.Index)}, ev.Addresses)
			}
		}
	}
}

// watchLocalInterfaces reacts to the tethering/P2P-group name list:
// any open non-network socket whose interface name drops out of the
// reported set is torn down.
func (p *SocketProvider) watchLocalInterfaces(w LocalInterfaceWatcher) {
	for {
		select {
		case <-p.stopWatch:
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			p.pruneLocalInterfaces(ev.Names)
		}
	}
}

func (p *SocketProvider) destroySocketsForNetwork(netHandle NetHandle) {
	p.mu.Lock()
	var dead []SocketKey
	for key := range p.sockets {
		if key.Network == netHandle {
			dead = append(dead, key)
		}
	}
	p.mu.Unlock()
	for _, key := range dead {
		p.destroySocket(key)
	}
}

func (p *SocketProvider) pruneLocalInterfaces(names []string) {
	valid := make(map[string]struct{}, len(names))
	for _, n := range names {
		valid[n] = struct{}{}
	}
	p.mu.Lock()
	var dead []SocketKey
	for key, info := range p.sockets {
		if key.Network != 0 {
			continue
		}
		if _, ok := valid[info.Iface.Name]; !ok {
			dead = append(dead, key)
		}
	}
	p.mu.Unlock()
	for _, key := range dead {
		p.destroySocket(key)
	}
}

func (p *SocketProvider) refreshAddresses(key SocketKey, addrs []net.IP) {
	p.mu.Lock()
	info, ok := p.sockets[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	info.updateAddresses(addrs)
	p.events <- SocketEvent{Type: SocketAddressChanged, Key: key, Info: info}
}

// destroySocket tears a socket down outright: closed, removed from the
// live map and refcount table, and reported as destroyed regardless of
// how it was found (refcount reaching zero or a watcher reporting
// interface loss).
func (p *SocketProvider) destroySocket(key SocketKey) {
	p.mu.Lock()
	info, ok := p.sockets[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sockets, key)
	delete(p.refcount, key)
	p.mu.Unlock()
	info.close()
	p.events <- SocketEvent{Type: SocketDestroyed, Key: key, Info: info}
}

// Close stops the interface-lifecycle watcher goroutines. It does not
// close any open socket; StopDiscovery owns that.
func (p *SocketProvider) Close() {
	select {
	case <-p.stopWatch:
	default:
		close(p.stopWatch)
	}
}

func (p *SocketProvider) Events() <-chan SocketEvent  { return p.events }
func (p *SocketProvider) Packets() <-chan PacketEvent { return p.packets }

// StartDiscovery acquires the process-wide multicast lock for the
// lifetime of discovery.
func (p *SocketProvider) StartDiscovery() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lockHeld {
		p.wakeLock.Acquire()
		p.lockHeld = true
	}
	return nil
}

// StopDiscovery releases the multicast lock and closes every open
// socket; used when the discovery manager has no clients left.
func (p *SocketProvider) StopDiscovery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sockets {
		s.close()
		delete(p.sockets, key)
		delete(p.refcount, key)
	}
	if p.lockHeld {
		p.wakeLock.Release()
		p.lockHeld = false
	}
}

// RequestSockets opens (or reuses) sockets for every eligible
// interface matching netHandle, ref-counts the request, and returns
// the live SocketInfo set. ifIndex only narrows the result when
// netHandle is zero ("all networks").
func (p *SocketProvider) RequestSockets(netHandle NetHandle, ifIndex uint32, transports TransportSet) ([]*SocketInfo, error) {
	ifaces, err := p.ifaces.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mdns: enumerate interfaces: %w", err)
	}

	p.mu.Lock()
	var toOpen []net.Interface
	var reused []*SocketInfo
	for _, iface := range ifaces {
		if !eligibleForSocket(iface, transports) {
			continue
		}
		if netHandle == 0 && ifIndex != 0 && uint32(iface.Index) != ifIndex {
			continue
		}
		key := SocketKey{Network: netHandle, InterfaceIndex: uint32(iface.Index)}
		if info, ok := p.sockets[key]; ok {
			reused = append(reused, info)
			continue
		}
		toOpen = append(toOpen, iface)
	}
	p.mu.Unlock()

	// Binding each interface's multicast socket is an independent
	// syscall-bound operation; opening them concurrently keeps
	// RegisterListener latency down to the slowest single bind instead
	// of the sum.
	opened := make([]*SocketInfo, len(toOpen))
	g, _ := errgroup.WithContext(context.Background())
	for i, iface := range toOpen {
		i, iface := i, iface
		g.Go(func() error {
			key := SocketKey{Network: netHandle, InterfaceIndex: uint32(iface.Index)}
			info, err := p.openSocket(key, iface)
			if err != nil {
				p.log.Warn("mdns: failed to open socket", "interface", iface.Name, "error", err)
				return nil
			}
			opened[i] = info
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]*SocketInfo(nil), reused...)
	for i, info := range opened {
		if info == nil {
			continue
		}
		key := SocketKey{Network: netHandle, InterfaceIndex: uint32(toOpen[i].Index)}
		if existing, ok := p.sockets[key]; ok {
			// Lost the race to a concurrent RequestSockets call; keep the
			// socket that is already registered and drop the duplicate.
			info.close()
			out = append(out, existing)
			continue
		}
		p.sockets[key] = info
		p.emitCreated(info)
		out = append(out, info)
	}
	for _, info := range out {
		p.refcount[info.Key]++
	}
	return out, nil
}

// ReleaseRequest drops one outstanding reference to the sockets
// matching (netHandle, ifIndex); a socket is destroyed once its last
// requester leaves.
func (p *SocketProvider) ReleaseRequest(netHandle NetHandle, ifIndex uint32) {
	p.mu.Lock()
	var dead []SocketKey
	for key := range p.refcount {
		if key.Network != netHandle {
			continue
		}
		if netHandle == 0 && ifIndex != 0 && key.InterfaceIndex != ifIndex {
			continue
		}
		p.refcount[key]--
		if p.refcount[key] <= 0 {
			dead = append(dead, key)
		}
	}
	p.mu.Unlock()
	for _, key := range dead {
		p.destroySocket(key)
	}
}

func (p *SocketProvider) emitCreated(info *SocketInfo) {
	p.events <- SocketEvent{Type: SocketCreated, Key: info.Key, Info: info}
	info.readLoop(func(data []byte) {
		p.packets <- PacketEvent{Key: info.Key, Data: data}
	})
	go info.runSendQueue(p.log)
}

// Send queues data for the socket identified by key; the socket's own
// goroutine drains the queue in FIFO order, dropping the oldest
// queued packets first once PacketQueueMaxSize is exceeded.
func (p *SocketProvider) Send(key SocketKey, data []byte) error {
	p.mu.Lock()
	info, ok := p.sockets[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("mdns: unknown socket %+v", key)
	}
	info.enqueue(data)
	return nil
}

func (p *SocketProvider) openSocket(key SocketKey, iface net.Interface) (*SocketInfo, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	lc := reusePortListenConfig(p.reusePort)

	var ips []net.IP
	var haveV4, haveV6 bool
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ips = append(ips, ipNet.IP)
		if ipNet.IP.To4() != nil {
			haveV4 = true
		} else {
			haveV6 = true
		}
	}

	info := &SocketInfo{Key: key, Iface: iface, Addresses: ips, queue: newSendQueue(p.sendQueueCap), done: make(chan struct{})}

	if haveV4 {
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", mdnsPort))
		if err == nil {
			conn4 := ipv4.NewPacketConn(pc)
			_ = conn4.SetMulticastInterface(&iface)
			_ = conn4.SetMulticastLoopback(true)
			if err := conn4.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupV4}); err == nil {
				info.conn4 = conn4
			} else {
				_ = conn4.Close()
			}
		}
	}
	if haveV6 {
		pc, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf(":%d", mdnsPort))
		if err == nil {
			conn6 := ipv6.NewPacketConn(pc)
			_ = conn6.SetMulticastInterface(&iface)
			_ = conn6.SetMulticastLoopback(true)
			if err := conn6.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupV6}); err == nil {
				info.conn6 = conn6
			} else {
				_ = conn6.Close()
			}
		}
	}
	if info.conn4 == nil && info.conn6 == nil {
		return nil, fmt.Errorf("mdns: no multicast group joined on %s", iface.Name)
	}
	return info, nil
}
