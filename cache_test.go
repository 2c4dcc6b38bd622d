package mdns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheExpirePrunesStaleRecordsAndDeletesEmptyInstance(t *testing.T) {
	key := CacheKey{ServiceType: "_HTTP._TCP.LOCAL"}
	c := newRecordCache(key)
	now := time.Unix(0, 0)

	inst := newServiceInstance("inst._http._tcp.local.", "_http._tcp.local.", 0, 0)
	inst.ptr = &PTRRecord{RecordHeader: RecordHeader{ReceiptTime: now, TTL: 10 * time.Second}, Target: "inst._http._tcp.local."}
	c.rs.byKey[instanceKey(inst.FullName)] = inst

	changed, purged := c.Expire(now.Add(5 * time.Second))
	require.Empty(t, changed)
	require.Empty(t, purged)

	changed, purged = c.Expire(now.Add(11 * time.Second))
	require.Len(t, changed, 0)
	require.Len(t, purged, 1)
	require.Empty(t, c.instances())
}

func TestCacheExpireHonorsGoodbyeDelay(t *testing.T) {
	key := CacheKey{ServiceType: "_HTTP._TCP.LOCAL"}
	c := newRecordCache(key)
	now := time.Unix(0, 0)

	inst := newServiceInstance("inst._http._tcp.local.", "_http._tcp.local.", 0, 0)
	inst.ptr = &PTRRecord{RecordHeader: RecordHeader{ReceiptTime: now, TTL: 10 * time.Second}, Target: "inst._http._tcp.local."}
	inst.goodbyeAt = now.Add(time.Second)
	c.rs.byKey[instanceKey(inst.FullName)] = inst

	_, purged := c.Expire(now.Add(500 * time.Millisecond))
	require.Empty(t, purged)

	_, purged = c.Expire(now.Add(time.Second))
	require.Len(t, purged, 1)
}

func TestCacheRetentionWindow(t *testing.T) {
	c := newRecordCache(CacheKey{ServiceType: "_HTTP._TCP.LOCAL"})
	now := time.Unix(0, 0)
	require.False(t, c.retentionExpired(now))

	c.MarkRetained(now, 10*time.Second)
	require.False(t, c.retentionExpired(now.Add(5*time.Second)))
	require.True(t, c.retentionExpired(now.Add(10*time.Second)))

	c.Reactivate()
	require.False(t, c.retentionExpired(now.Add(100*time.Second)))
}

func TestNewCacheKeyNormalizesServiceType(t *testing.T) {
	key := newCacheKey(SocketKey{}, "_http._tcp.local.")
	require.Equal(t, "_HTTP._TCP.LOCAL", key.ServiceType)
}
