package mdns

import "time"

// CacheKey is a named struct instead of a (name, socket) pair-key:
// explicit fields, explicit equality, safe as a map key.
type CacheKey struct {
	Socket      SocketKey
	ServiceType string // already upper-cased
}

func newCacheKey(socket SocketKey, serviceType string) CacheKey {
	return CacheKey{Socket: socket, ServiceType: upperASCII(trimTrailingDot(serviceType))}
}

// RecordCache is the per-(socket, service-type) store handling
// TTL expiration, cache-flush (delegated to responseSet's
// augmentation), and post-last-listener retention.
type RecordCache struct {
	key         CacheKey
	rs          *responseSet
	retainUntil time.Time // zero means "still has listeners, never expire for retention"
}

func newRecordCache(key CacheKey) *RecordCache {
	return &RecordCache{key: key, rs: newResponseSet()}
}

func (c *RecordCache) instances() []*ServiceInstance { return c.rs.list() }

// Expire sweeps every cached instance, dropping records whose
// RemainingTTL has hit zero. It returns the instances whose record set
// changed (candidates for an on_service_removed / on_service_updated
// decision upstream) and separately the instances that became fully
// empty and were deleted from the cache outright.
func (c *RecordCache) Expire(now time.Time) (changed, purged []*ServiceInstance) {
	for _, inst := range c.rs.list() {
		if !inst.goodbyeAt.IsZero() && now.Before(inst.goodbyeAt) {
			// A goodbye is pending: its TTL-0 PTR stays until goodbyeAt.
			continue
		}
		if !inst.goodbyeAt.IsZero() && !now.Before(inst.goodbyeAt) {
			inst.ptr, inst.srv, inst.txt = nil, nil, nil
			inst.addrs = nil
			inst.rebuildAddrLists()
			c.rs.delete(inst)
			purged = append(purged, inst)
			continue
		}
		instChanged := false
		if inst.ptr != nil && inst.ptr.expired(now) {
			inst.ptr = nil
			instChanged = true
		}
		if inst.srv != nil && inst.srv.expired(now) {
			inst.srv = nil
			inst.HostName = ""
			inst.Port = 0
			instChanged = true
		}
		if inst.txt != nil && inst.txt.expired(now) {
			inst.txt = nil
			inst.TXT = nil
			instChanged = true
		}
		kept := inst.addrs[:0]
		for _, a := range inst.addrs {
			if a.expired(now) {
				instChanged = true
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) != len(inst.addrs) {
			inst.addrs = kept
			inst.rebuildAddrLists()
		}
		if inst.ptr == nil && inst.srv == nil && inst.txt == nil && len(inst.addrs) == 0 {
			c.rs.delete(inst)
			purged = append(purged, inst)
			continue
		}
		if instChanged {
			changed = append(changed, inst)
		}
	}
	return changed, purged
}

// MarkRetained starts the retention window once the
// last listener for this cache's key has unregistered.
func (c *RecordCache) MarkRetained(now time.Time, d time.Duration) {
	c.retainUntil = now.Add(d)
}

// Reactivate cancels any pending retention-window deletion because a
// listener registered again before the window elapsed.
func (c *RecordCache) Reactivate() {
	c.retainUntil = time.Time{}
}

func (c *RecordCache) retentionExpired(now time.Time) bool {
	return !c.retainUntil.IsZero() && !now.Before(c.retainUntil)
}
