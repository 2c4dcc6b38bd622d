package mdns

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendQueueDropsOldestOnceOverCap(t *testing.T) {
	q := newSendQueue(3)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))
	q.push([]byte("d"))

	items := q.drain()
	require.Len(t, items, 3)
	require.Equal(t, []byte("b"), items[0])
	require.Equal(t, []byte("c"), items[1])
	require.Equal(t, []byte("d"), items[2])
}

func TestSendQueueDrainEmptiesQueue(t *testing.T) {
	q := newSendQueue(0)
	q.push([]byte("a"))
	require.Len(t, q.drain(), 1)
	require.Empty(t, q.drain())
}

func TestSendQueueUncappedKeepsEverything(t *testing.T) {
	q := newSendQueue(0)
	for i := 0; i < 10; i++ {
		q.push([]byte{byte(i)})
	}
	require.Len(t, q.drain(), 10)
}

type fakeNetworkWatcher struct {
	events chan NetworkEvent
}

func (f *fakeNetworkWatcher) Events() <-chan NetworkEvent { return f.events }

type fakeLocalInterfaceWatcher struct {
	events chan LocalInterfaceEvent
}

func (f *fakeLocalInterfaceWatcher) Events() <-chan LocalInterfaceEvent { return f.events }

func waitForEvent(t *testing.T, ch <-chan SocketEvent, want SocketEventType, key SocketKey) SocketEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want && ev.Key == key {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v on %+v", want, key)
		}
	}
}

func TestSocketProviderDestroysSocketOnNetworkLost(t *testing.T) {
	netWatcher := &fakeNetworkWatcher{events: make(chan NetworkEvent, 1)}
	p := NewSocketProvider(fakeInterfaceSource{}, nil, noopLogger{}, withNetworkWatcher(netWatcher))

	key := SocketKey{Network: 42, InterfaceIndex: 7}
	info := &SocketInfo{Key: key, queue: newSendQueue(defaultSendQueueCap), done: make(chan struct{})}
	p.mu.Lock()
	p.sockets[key] = info
	p.refcount[key] = 1
	p.mu.Unlock()

	netWatcher.events <- NetworkEvent{Type: NetworkLost, Network: 42}

	waitForEvent(t, p.Events(), SocketDestroyed, key)
	p.mu.Lock()
	_, stillOpen := p.sockets[key]
	p.mu.Unlock()
	require.False(t, stillOpen)
}

func TestSocketProviderPrunesLocalInterfaceNoLongerReported(t *testing.T) {
	localWatcher := &fakeLocalInterfaceWatcher{events: make(chan LocalInterfaceEvent, 1)}
	p := NewSocketProvider(fakeInterfaceSource{}, nil, noopLogger{}, withLocalInterfaceWatcher(localWatcher))

	key := SocketKey{InterfaceIndex: 9}
	info := &SocketInfo{Key: key, Iface: net.Interface{Name: "ap0"}, queue: newSendQueue(defaultSendQueueCap), done: make(chan struct{})}
	p.mu.Lock()
	p.sockets[key] = info
	p.refcount[key] = 1
	p.mu.Unlock()

	localWatcher.events <- LocalInterfaceEvent{Names: []string{"other0"}}

	waitForEvent(t, p.Events(), SocketDestroyed, key)
}

func TestSocketProviderSendEnqueuesWithoutBlocking(t *testing.T) {
	p := NewSocketProvider(fakeInterfaceSource{}, nil, noopLogger{}, withSendQueueCap(1))
	key := SocketKey{InterfaceIndex: 3}
	info := &SocketInfo{Key: key, queue: newSendQueue(1), done: make(chan struct{})}
	p.mu.Lock()
	p.sockets[key] = info
	p.mu.Unlock()

	require.NoError(t, p.Send(key, []byte("first")))
	require.NoError(t, p.Send(key, []byte("second")))

	items := info.queue.drain()
	require.Len(t, items, 1)
	require.Equal(t, []byte("second"), items[0])
}

func TestSocketProviderSendUnknownSocketErrors(t *testing.T) {
	p := NewSocketProvider(fakeInterfaceSource{}, nil, noopLogger{})
	err := p.Send(SocketKey{InterfaceIndex: 99}, []byte("x"))
	require.Error(t, err)
}
