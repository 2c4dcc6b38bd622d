package mdns

import "time"

// listenerEntry pairs a registered Listener with the search options it
// registered under and the per-listener "have I told you found yet"
// bookkeeping (global completeness is tracked on
// ServiceInstance.foundFired; a listener that joins late is caught up
// separately in StartSendAndReceive's replay).
type listenerEntry struct {
	listener      *Listener
	opts          SearchOptions
	notifiedFound map[string]bool
}

func (e *listenerEntry) matches(inst *ServiceInstance) bool {
	if e.opts.hasInterfaceIndex() && !e.opts.hasNetwork() && inst.InterfaceIndex != e.opts.InterfaceIndex {
		return false
	}
	if e.opts.ResolveInstanceName != "" && instanceKey(inst.FullName) != instanceKey(e.opts.ResolveInstanceName) {
		return false
	}
	if len(e.opts.Subtypes) > 0 {
		matched := false
		for sub := range inst.Subtypes {
			if e.opts.matchesSubtype(sub) {
				matched = true
				break
			}
		}
		if !matched && len(inst.Subtypes) > 0 {
			return false
		}
		if len(inst.Subtypes) == 0 {
			return false
		}
	}
	return true
}

// ServiceTypeClient bundles one cache sub-shard, one
// scheduler, and the listener set for a single (service type, socket)
// pair.
type ServiceTypeClient struct {
	key         CacheKey
	trackedType string
	cfg         Config
	cache       *RecordCache
	scheduler   *QueryScheduler
	listeners   []*listenerEntry
	log         Logger
}

func newServiceTypeClient(key CacheKey, trackedType string, cfg Config, log Logger) *ServiceTypeClient {
	return &ServiceTypeClient{
		key:         key,
		trackedType: trackedType,
		cfg:         cfg,
		cache:       newRecordCache(key),
		log:         log,
	}
}

func (c *ServiceTypeClient) findListener(l *Listener) *listenerEntry {
	for _, e := range c.listeners {
		if e.listener == l {
			return e
		}
	}
	return nil
}

func (c *ServiceTypeClient) mergedOptions() SearchOptions {
	all := make([]SearchOptions, len(c.listeners))
	for i, e := range c.listeners {
		all[i] = e.opts
	}
	return mergeSearchOptions(all)
}

// StartSendAndReceive adds the listener if new,
// (re)starts the scheduler against the union of every listener's
// options, and immediately replay already-complete cached instances to
// the new listener as "found".
func (c *ServiceTypeClient) StartSendAndReceive(l *Listener, opts SearchOptions) {
	entry := c.findListener(l)
	if entry == nil {
		entry = &listenerEntry{listener: l, opts: opts, notifiedFound: map[string]bool{}}
		c.listeners = append(c.listeners, entry)
	} else {
		entry.opts = opts
	}
	c.cache.Reactivate()
	c.scheduler = newQueryScheduler(c.cfg, c.mergedOptions(), c.trackedType)

	for _, inst := range c.cache.instances() {
		if inst.Complete() && entry.matches(inst) && !entry.notifiedFound[instanceKey(inst.FullName)] {
			entry.notifiedFound[instanceKey(inst.FullName)] = true
			l.found(inst)
		}
	}
}

// StopSendAndReceive drops the listener and
// reports whether the client has no listeners left.
func (c *ServiceTypeClient) StopSendAndReceive(l *Listener) bool {
	for i, e := range c.listeners {
		if e.listener == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	if len(c.listeners) == 0 {
		c.scheduler = nil
		return true
	}
	c.scheduler = newQueryScheduler(c.cfg, c.mergedOptions(), c.trackedType)
	return false
}

// ProcessResponse dispatches the packet to the
// response-model augmentation and fans out found/updated/removed/
// discovered to every matching listener, always delivering found
// before updated/removed for the same instance.
func (c *ServiceTypeClient) ProcessResponse(pkt *Packet, now time.Time) {
	opts := c.mergedOptions()
	modified := c.cache.rs.augment(pkt, c.trackedType, opts, c.key.Socket.Network, c.key.Socket.InterfaceIndex, c.cfg, now)
	for _, inst := range modified {
		c.dispatch(inst)
	}
}

// Tick is invoked by the sweep timer to purge expired and
// goodbye-retired records, and to fire
// on_service_removed for any instance that fell out of completeness.
func (c *ServiceTypeClient) Tick(now time.Time) {
	if !c.cfg.ExpiredServicesRemovalEnabled {
		return
	}
	changed, purged := c.cache.Expire(now)
	for _, inst := range changed {
		c.dispatch(inst)
	}
	for _, inst := range purged {
		c.dispatch(inst)
	}
}

// dispatch decides, per listener, whether the just-changed instance
// means found/updated/removed/discovered and fires the matching
// callback. instance.foundFired is the one piece of state shared
// across listeners: the first transition to complete fires "found" to
// every currently-matching listener; a listener joining afterward is
// caught up via StartSendAndReceive's replay instead.
func (c *ServiceTypeClient) dispatch(inst *ServiceInstance) {
	key := instanceKey(inst.FullName)
	complete := inst.Complete()

	if !inst.discoveredFired {
		inst.discoveredFired = true
		for _, e := range c.listeners {
			if e.opts.EmitDiscovered {
				e.listener.discovered(inst)
			}
		}
	}

	if complete && !inst.foundFired {
		inst.foundFired = true
		for _, e := range c.listeners {
			if e.matches(inst) {
				e.notifiedFound[key] = true
				e.listener.found(inst)
			}
		}
		return
	}

	if complete && inst.foundFired {
		for _, e := range c.listeners {
			if e.matches(inst) && e.notifiedFound[key] {
				e.listener.updated(inst)
			}
		}
		return
	}

	if !complete && inst.foundFired {
		for _, e := range c.listeners {
			if e.notifiedFound[key] {
				delete(e.notifiedFound, key)
				e.listener.removed(inst)
			}
		}
	}
}

// NotifySocketDestroyed fires when the underlying socket
// is gone: every complete instance is reported removed, but the
// cache itself is left for the caller's retention policy.
func (c *ServiceTypeClient) NotifySocketDestroyed() {
	for _, inst := range c.cache.instances() {
		if inst.foundFired {
			for _, e := range c.listeners {
				if e.notifiedFound[instanceKey(inst.FullName)] {
					delete(e.notifiedFound, instanceKey(inst.FullName))
					e.listener.removed(inst)
				}
			}
		}
	}
	for _, e := range c.listeners {
		e.listener.interfaceDestroyed(c.key.Socket)
	}
}
