package mdns

import "log/slog"

// managerOpts is a plain struct filled in by functional options
// before construction.
type managerOpts struct {
	config       Config
	ifaces       InterfaceSource
	wakeLock     WakeLock
	clock        Clock
	logger       *slog.Logger
	netWatcher   NetworkWatcher
	localWatcher LocalInterfaceWatcher
}

// ManagerOption configures New.
type ManagerOption func(*managerOpts)

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) ManagerOption {
	return func(o *managerOpts) { o.config = cfg }
}

// WithInterfaceSource swaps the host interface enumerator, mainly for
// tests.
func WithInterfaceSource(src InterfaceSource) ManagerOption {
	return func(o *managerOpts) { o.ifaces = src }
}

// WithWakeLock installs the platform multicast wake-lock
// implementation.
func WithWakeLock(w WakeLock) ManagerOption {
	return func(o *managerOpts) { o.wakeLock = w }
}

// WithClock overrides the monotonic clock, for deterministic TTL
// tests.
func WithClock(c Clock) ManagerOption {
	return func(o *managerOpts) { o.clock = c }
}

// WithLogger installs a *slog.Logger; nil keeps the quiet default.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOpts) { o.logger = l }
}

// WithNetworkWatcher wires the platform's network-backed interface
// lifecycle stream, so a lost network tears its sockets down
// immediately instead of waiting on the next RegisterListener/
// UnregisterListener to notice.
func WithNetworkWatcher(w NetworkWatcher) ManagerOption {
	return func(o *managerOpts) { o.netWatcher = w }
}

// WithLocalInterfaceWatcher wires the platform's local-only
// (tethering/P2P-group) interface name stream for the same purpose.
func WithLocalInterfaceWatcher(w LocalInterfaceWatcher) ManagerOption {
	return func(o *managerOpts) { o.localWatcher = w }
}

// New builds a Manager and starts its event-loop goroutine, the
// production entry point for the discovery engine.
func New(opts ...ManagerOption) *Manager {
	o := managerOpts{config: DefaultConfig()}
	for _, fn := range opts {
		fn(&o)
	}
	log := NewLogger(o.logger)
	sockOpts := []SocketProviderOption{withSendQueueCap(o.config.PacketQueueMaxSize)}
	if o.netWatcher != nil {
		sockOpts = append(sockOpts, withNetworkWatcher(o.netWatcher))
	}
	if o.localWatcher != nil {
		sockOpts = append(sockOpts, withLocalInterfaceWatcher(o.localWatcher))
	}
	sockets := NewSocketProvider(o.ifaces, o.wakeLock, log, sockOpts...)
	m := NewManager(o.config, sockets, o.clock, log)
	go m.Run()
	return m
}
