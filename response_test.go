package mdns

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ptrRecord(owner, target string, ttl time.Duration, now time.Time) *PTRRecord {
	return &PTRRecord{RecordHeader: RecordHeader{Name: owner, Type: TypePTR, ReceiptTime: now, TTL: ttl}, Target: target}
}

func srvRecord(owner string, port uint16, target string, ttl time.Duration, now time.Time) *SRVRecord {
	return &SRVRecord{RecordHeader: RecordHeader{Name: owner, Type: TypeSRV, ReceiptTime: now, TTL: ttl}, Port: port, Target: target}
}

func txtRecord(owner string, entries []string, ttl time.Duration, now time.Time) *TXTRecord {
	return &TXTRecord{RecordHeader: RecordHeader{Name: owner, Type: TypeTXT, ReceiptTime: now, TTL: ttl}, Entries: entries}
}

func addrRecord(owner string, ip net.IP, cacheFlush bool, ttl time.Duration, now time.Time) *AddressRecord {
	return &AddressRecord{RecordHeader: RecordHeader{Name: owner, Type: TypeA, CacheFlush: cacheFlush, ReceiptTime: now, TTL: ttl}, Addr: ip}
}

func TestResponseSetAugmentBuildsCompleteInstance(t *testing.T) {
	rs := newResponseSet()
	now := time.Unix(0, 0)
	trackedType := "_http._tcp.local."

	pkt := &Packet{
		Answers: []Record{
			ptrRecord(trackedType, "inst._http._tcp.local.", 120*time.Second, now),
			srvRecord("inst._http._tcp.local.", 8080, "host.local.", 120*time.Second, now),
			txtRecord("inst._http._tcp.local.", []string{"v=1"}, 120*time.Second, now),
			addrRecord("host.local.", net.ParseIP("10.0.0.5"), false, 120*time.Second, now),
		},
	}

	modified := rs.augment(pkt, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), now)
	require.Len(t, modified, 1)
	inst := modified[0]
	require.True(t, inst.Complete())
	require.Equal(t, "host.local.", inst.HostName)
	require.Equal(t, uint16(8080), inst.Port)
	require.Len(t, inst.IPv4, 1)
}

func TestResponseSetAugmentDanglingSRVBeforePTR(t *testing.T) {
	rs := newResponseSet()
	now := time.Unix(0, 0)
	trackedType := "_http._tcp.local."

	pkt := &Packet{Answers: []Record{srvRecord("inst._http._tcp.local.", 8080, "host.local.", 120*time.Second, now)}}
	modified := rs.augment(pkt, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), now)
	require.Len(t, modified, 1)
	require.False(t, modified[0].Complete())

	pkt2 := &Packet{Answers: []Record{ptrRecord(trackedType, "inst._http._tcp.local.", 120*time.Second, now)}}
	modified = rs.augment(pkt2, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), now)
	require.Len(t, modified, 1)
}

func TestResponseSetGoodbyeMarksExpiry(t *testing.T) {
	rs := newResponseSet()
	now := time.Unix(0, 0)
	trackedType := "_http._tcp.local."

	pkt := &Packet{Answers: []Record{ptrRecord(trackedType, "inst._http._tcp.local.", 0, now)}}
	modified := rs.augment(pkt, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), now)
	require.Len(t, modified, 1)
	require.True(t, modified[0].Goodbye())
	require.Equal(t, now.Add(time.Second), modified[0].goodbyeAt)
}

func TestResponseSetCacheFlushDropsOnlyOlderAddresses(t *testing.T) {
	rs := newResponseSet()
	t0 := time.Unix(0, 0)
	trackedType := "_http._tcp.local."

	setup := &Packet{Answers: []Record{
		ptrRecord(trackedType, "inst._http._tcp.local.", 120*time.Second, t0),
		srvRecord("inst._http._tcp.local.", 8080, "host.local.", 120*time.Second, t0),
		txtRecord("inst._http._tcp.local.", nil, 120*time.Second, t0),
		addrRecord("host.local.", net.ParseIP("10.0.0.1"), false, 120*time.Second, t0),
	}}
	rs.augment(setup, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), t0)

	later := t0.Add(2 * time.Second)
	flush := &Packet{Answers: []Record{addrRecord("host.local.", net.ParseIP("10.0.0.2"), true, 120*time.Second, later)}}
	modified := rs.augment(flush, trackedType, SearchOptions{}, 0, 0, DefaultConfig(), later)
	require.Len(t, modified, 1)
	require.Len(t, modified[0].IPv4, 1)
	require.True(t, modified[0].IPv4[0].Equal(net.ParseIP("10.0.0.2")))
}

func TestMatchingHostsTieBreaksWithoutMultipleSRV(t *testing.T) {
	rs := newResponseSet()
	trackedType := "_http._tcp.local."
	cfg := DefaultConfig()
	cfg.AllowMultipleSRVPerHost = false

	a := newServiceInstance("a._http._tcp.local.", trackedType, 0, 0)
	a.HostName = "host.local."
	b := newServiceInstance("b._http._tcp.local.", trackedType, 0, 0)
	b.HostName = "host.local."
	rs.byKey[instanceKey(a.FullName)] = a
	rs.byKey[instanceKey(b.FullName)] = b

	matches := rs.matchingHosts("host.local.", cfg)
	require.Len(t, matches, 1)
	require.Equal(t, instanceKey("A._HTTP._TCP.LOCAL."), instanceKey(matches[0].FullName))
}
