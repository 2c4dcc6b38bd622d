package mdns

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceTypeClientFiresFoundBeforeUpdated(t *testing.T) {
	key := newCacheKey(SocketKey{}, "_http._tcp.local.")
	trackedType := "_http._tcp.local."
	c := newServiceTypeClient(key, trackedType, DefaultConfig(), noopLogger{})

	var foundCount, updatedCount int
	l := &Listener{
		OnServiceFound:   func(*ServiceInstance) { foundCount++ },
		OnServiceUpdated: func(*ServiceInstance) { updatedCount++ },
	}
	c.StartSendAndReceive(l, SearchOptions{})

	now := time.Unix(0, 0)
	pkt := &Packet{Answers: []Record{
		ptrRecord(trackedType, "inst._http._tcp.local.", 120*time.Second, now),
		srvRecord("inst._http._tcp.local.", 8080, "host.local.", 120*time.Second, now),
		txtRecord("inst._http._tcp.local.", nil, 120*time.Second, now),
		addrRecord("host.local.", net.ParseIP("10.0.0.1"), false, 120*time.Second, now),
	}}
	c.ProcessResponse(pkt, now)
	require.Equal(t, 1, foundCount)
	require.Equal(t, 0, updatedCount)

	later := now.Add(time.Second)
	pkt2 := &Packet{Answers: []Record{
		addrRecord("host.local.", net.ParseIP("10.0.0.2"), true, 120*time.Second, later),
	}}
	c.ProcessResponse(pkt2, later)
	require.Equal(t, 1, foundCount)
	require.Equal(t, 1, updatedCount)
}

func TestServiceTypeClientReplaysCompleteInstancesToLateListener(t *testing.T) {
	key := newCacheKey(SocketKey{}, "_http._tcp.local.")
	trackedType := "_http._tcp.local."
	c := newServiceTypeClient(key, trackedType, DefaultConfig(), noopLogger{})

	first := &Listener{}
	c.StartSendAndReceive(first, SearchOptions{})

	now := time.Unix(0, 0)
	pkt := &Packet{Answers: []Record{
		ptrRecord(trackedType, "inst._http._tcp.local.", 120*time.Second, now),
		srvRecord("inst._http._tcp.local.", 8080, "host.local.", 120*time.Second, now),
		txtRecord("inst._http._tcp.local.", nil, 120*time.Second, now),
		addrRecord("host.local.", net.ParseIP("10.0.0.1"), false, 120*time.Second, now),
	}}
	c.ProcessResponse(pkt, now)

	var replayed int
	late := &Listener{OnServiceFound: func(*ServiceInstance) { replayed++ }}
	c.StartSendAndReceive(late, SearchOptions{})
	require.Equal(t, 1, replayed)
}

func TestServiceTypeClientStopSendAndReceiveReportsEmpty(t *testing.T) {
	key := newCacheKey(SocketKey{}, "_http._tcp.local.")
	c := newServiceTypeClient(key, "_http._tcp.local.", DefaultConfig(), noopLogger{})
	l1 := &Listener{}
	l2 := &Listener{}
	c.StartSendAndReceive(l1, SearchOptions{})
	c.StartSendAndReceive(l2, SearchOptions{})

	require.False(t, c.StopSendAndReceive(l1))
	require.True(t, c.StopSendAndReceive(l2))
}

func TestServiceTypeClientTickFiresRemovedOnExpiry(t *testing.T) {
	key := newCacheKey(SocketKey{}, "_http._tcp.local.")
	trackedType := "_http._tcp.local."
	cfg := DefaultConfig()
	cfg.ExpiredServicesRemovalEnabled = true
	c := newServiceTypeClient(key, trackedType, cfg, noopLogger{})

	var removed int
	l := &Listener{OnServiceRemoved: func(*ServiceInstance) { removed++ }}
	c.StartSendAndReceive(l, SearchOptions{})

	now := time.Unix(0, 0)
	pkt := &Packet{Answers: []Record{
		ptrRecord(trackedType, "inst._http._tcp.local.", time.Second, now),
		srvRecord("inst._http._tcp.local.", 8080, "host.local.", time.Second, now),
		txtRecord("inst._http._tcp.local.", nil, time.Second, now),
		addrRecord("host.local.", net.ParseIP("10.0.0.1"), false, time.Second, now),
	}}
	c.ProcessResponse(pkt, now)

	c.Tick(now.Add(2 * time.Second))
	require.Equal(t, 1, removed)
}

func TestServiceTypeClientNotifySocketDestroyedFiresInterfaceDestroyed(t *testing.T) {
	key := newCacheKey(SocketKey{Network: 0, InterfaceIndex: 3}, "_http._tcp.local.")
	c := newServiceTypeClient(key, "_http._tcp.local.", DefaultConfig(), noopLogger{})

	var destroyedKey SocketKey
	l := &Listener{OnInterfaceDestroyed: func(k SocketKey) { destroyedKey = k }}
	c.StartSendAndReceive(l, SearchOptions{})

	c.NotifySocketDestroyed()
	require.Equal(t, uint32(3), destroyedKey.InterfaceIndex)
}
