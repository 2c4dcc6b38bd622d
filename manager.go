package mdns

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultMTU = 1472 // typical Ethernet MTU minus IP/UDP headers

// Manager is the top-level registry mapping
// (service-type, socket) to ServiceTypeClient, serializing every
// public call onto a single event-loop goroutine.
type Manager struct {
	cfg     Config
	log     Logger
	clock   Clock
	sockets *SocketProvider

	loopCh  chan func()
	bound   bool
	pending []func()
	mu      sync.Mutex // guards bound/pending only; loop-owned state below is only ever touched on the loop goroutine

	clients        map[CacheKey]*ServiceTypeClient
	listenerOpts   map[listenerKey]SearchOptions
	retentionTimer map[CacheKey]*time.Timer
	sendTimer      map[CacheKey]*time.Timer

	sf       singleflight.Group
	seq      uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type listenerKey struct {
	serviceType string
	listener    *Listener
}

// NewManager constructs a Manager against a SocketProvider; the event
// loop is not yet running (two-phase init) until Run is
// called.
func NewManager(cfg Config, sockets *SocketProvider, clock Clock, log Logger) *Manager {
	if clock == nil {
		clock = realClock{}
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Manager{
		cfg:            cfg,
		log:            log,
		clock:          clock,
		sockets:        sockets,
		loopCh:         make(chan func(), 256),
		clients:        map[CacheKey]*ServiceTypeClient{},
		listenerOpts:   map[listenerKey]SearchOptions{},
		retentionTimer: map[CacheKey]*time.Timer{},
		sendTimer:      map[CacheKey]*time.Timer{},
		stopCh:         make(chan struct{}),
	}
}

// Run binds the event-loop thread: pending calls queued before bind
// replay in order, then the loop drains sockets.Events()/Packets() and
// posted closures until Close is called. Run blocks; call it in its
// own goroutine.
func (m *Manager) Run() {
	m.mu.Lock()
	m.bound = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}

	sweep := time.NewTicker(500 * time.Millisecond)
	defer sweep.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case fn := <-m.loopCh:
			fn()
		case se, ok := <-m.sockets.Events():
			if !ok {
				continue
			}
			m.handleSocketEvent(se)
		case pe, ok := <-m.sockets.Packets():
			if !ok {
				continue
			}
			m.handlePacket(pe)
		case t := <-sweep.C:
			m.sweep(t)
		}
	}
}

// runOnLoop implements the "execute or defer" helper:
// if already bound, the call is posted to the loop's channel; before
// bind, it is queued and replayed once Run starts.
func (m *Manager) runOnLoop(fn func()) {
	m.mu.Lock()
	if !m.bound {
		m.pending = append(m.pending, fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	select {
	case m.loopCh <- fn:
	case <-m.stopCh:
	}
}

// Close stops the event loop and tears down every socket, honoring
// 1s thread-join budget.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.ThreadJoinTimeout):
			m.log.Warn("mdns: thread join timed out, proceeding with shutdown")
		}
		m.sockets.StopDiscovery()
		m.sockets.Close()
	})
}

// RegisterListener starts discovery if this is the first client,
// requests matching sockets, and creates or reuses a ServiceTypeClient
// per (type, socket).
func (m *Manager) RegisterListener(serviceType string, l *Listener, opts SearchOptions) {
	m.runOnLoop(func() {
		m.doRegister(serviceType, l, opts)
	})
}

func (m *Manager) doRegister(serviceType string, l *Listener, opts SearchOptions) {
	if len(m.clients) == 0 {
		if err := m.sockets.StartDiscovery(); err != nil {
			m.log.Error("mdns: start discovery failed", "error", err)
			return
		}
	}
	m.listenerOpts[listenerKey{serviceType, l}] = opts

	if opts.hasNetwork() && opts.hasInterfaceIndex() {
		// Pinning both a network and an interface index is not an
		// error: once a specific network is named, the interface
		// index is simply ignored since the network already pins
		// the socket.
		m.log.Debug("mdns: interface index ignored, network already pins the socket")
	}

	infos, err := m.sockets.RequestSockets(opts.Network, opts.InterfaceIndex, 0)
	if err != nil {
		m.log.Error("mdns: request sockets failed", "error", err)
		return
	}

	// Already running on the single loop goroutine: client
	// creation and listener registration happen serially, one socket at
	// a time, so no additional locking is needed here.
	for _, info := range infos {
		client := m.getOrCreateClient(info.Key, serviceType)
		client.StartSendAndReceive(l, opts)
		m.scheduleClient(client, 0)
	}

	l.started(serviceType)
}

// getOrCreateClient uses singleflight to collapse concurrent
// RegisterListener calls that would otherwise race to create two
// ServiceTypeClients for the same cache key.
func (m *Manager) getOrCreateClient(socket SocketKey, serviceType string) *ServiceTypeClient {
	key := newCacheKey(socket, serviceType)
	if c, ok := m.clients[key]; ok {
		if t, ok := m.retentionTimer[key]; ok {
			t.Stop()
			delete(m.retentionTimer, key)
			c.cache.Reactivate()
		}
		return c
	}
	v, _, _ := m.sf.Do(fmt.Sprintf("%+v", key), func() (interface{}, error) {
		return newServiceTypeClient(key, serviceType, m.cfg, m.log.With("type", serviceType, "socket", socket)), nil
	})
	client := v.(*ServiceTypeClient)
	m.clients[key] = client
	return client
}

// UnregisterListener removes a previously registered listener, releasing
// its socket request and, once no listeners remain for a client,
// scheduling cache retention.
func (m *Manager) UnregisterListener(serviceType string, l *Listener) {
	m.runOnLoop(func() {
		m.doUnregister(serviceType, l)
	})
}

func (m *Manager) doUnregister(serviceType string, l *Listener) {
	lk := listenerKey{serviceType, l}
	opts, ok := m.listenerOpts[lk]
	if !ok {
		return
	}
	delete(m.listenerOpts, lk)
	m.sockets.ReleaseRequest(opts.Network, opts.InterfaceIndex)

	wantType := upperASCII(trimTrailingDot(serviceType))
	for key, client := range m.clients {
		if key.ServiceType != wantType {
			continue
		}
		if client.findListener(l) == nil {
			continue
		}
		empty := client.StopSendAndReceive(l)
		if t, ok := m.sendTimer[key]; ok && empty {
			t.Stop()
			delete(m.sendTimer, key)
		}
		if empty {
			if m.cfg.CachedServicesRemovalEnabled {
				m.scheduleRetention(key)
			} else {
				delete(m.clients, key)
			}
		}
	}

	if len(m.clients) == 0 {
		m.sockets.StopDiscovery()
	}
	l.stopped(serviceType)
}

func (m *Manager) scheduleRetention(key CacheKey) {
	if t, ok := m.retentionTimer[key]; ok {
		t.Stop()
	}
	m.retentionTimer[key] = time.AfterFunc(m.cfg.CachedServicesRetention, func() {
		m.runOnLoop(func() {
			if client, ok := m.clients[key]; ok && len(client.listeners) == 0 {
				delete(m.clients, key)
			}
			delete(m.retentionTimer, key)
		})
	})
}

// scheduleClient arranges for the given client's scheduler to fire
// again after delay, posting the fire back onto the event loop.
func (m *Manager) scheduleClient(client *ServiceTypeClient, delay time.Duration) {
	key := client.key
	if t, ok := m.sendTimer[key]; ok {
		t.Stop()
	}
	m.sendTimer[key] = time.AfterFunc(delay, func() {
		m.runOnLoop(func() {
			m.fireClient(client)
		})
	})
}

func (m *Manager) fireClient(client *ServiceTypeClient) {
	if existing, ok := m.clients[client.key]; !ok || existing != client || client.scheduler == nil {
		return
	}
	now := m.clock.Now()
	pkt, next := client.scheduler.Advance(client.cache, now)
	datagrams, err := writeQueryPackets(pkt, defaultMTU)
	if err != nil {
		m.log.Warn("mdns: failed to build query packet", "error", err)
	} else {
		for _, d := range datagrams {
			// Send only enqueues onto the socket's FIFO send queue; the
			// queue's own goroutine does the actual write and logs any
			// write failure itself. An error here means the socket was
			// already torn down.
			if err := m.sockets.Send(client.key.Socket, d); err != nil {
				m.log.Debug("mdns: send failed", "socket", client.key.Socket, "error", err)
			}
		}
	}
	m.scheduleClient(client, next)
}

// handlePacket decodes an incoming datagram once, then fans out to
// every client sharing the originating
// socket (the socket provider always supports per-network routing
// here, so fan-out is scoped to that socket's clients).
func (m *Manager) handlePacket(pe PacketEvent) {
	now := m.clock.Now()
	m.seq++
	pkt, perr := parsePacket(pe.Data, now)
	if perr != nil {
		m.onParseFailure(m.seq, perr.Kind, pe.Key)
		return
	}
	for key, client := range m.clients {
		if key.Socket != pe.Key {
			continue
		}
		client.ProcessResponse(pkt, now)
	}
}

func (m *Manager) onParseFailure(seq uint64, kind ParseErrorKind, socket SocketKey) {
	m.log.Debug("mdns: parse failure", "seq", seq, "kind", kind.String(), "socket", socket)
	for key, client := range m.clients {
		if key.Socket != socket {
			continue
		}
		for _, e := range client.listeners {
			e.listener.failedToParse(seq, kind)
		}
	}
}

func (m *Manager) handleSocketEvent(se SocketEvent) {
	switch se.Type {
	case SocketDestroyed:
		for key, client := range m.clients {
			if key.Socket != se.Key {
				continue
			}
			client.NotifySocketDestroyed()
			delete(m.clients, key)
			if t, ok := m.sendTimer[key]; ok {
				t.Stop()
				delete(m.sendTimer, key)
			}
			if t, ok := m.retentionTimer[key]; ok {
				t.Stop()
				delete(m.retentionTimer, key)
			}
		}
	case SocketAddressChanged:
		m.log.Debug("mdns: socket address changed", "socket", se.Key)
	case SocketCreated:
		m.log.Debug("mdns: socket created", "socket", se.Key)
	}
}

// sweep runs the TTL-expiration bookkeeping on the loop thread (the
// retention window runs on its own timers); all of this is pure
// computation, so it never blocks on I/O.
func (m *Manager) sweep(now time.Time) {
	for _, client := range m.clients {
		client.Tick(now)
	}
}
