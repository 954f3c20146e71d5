package p2p

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	libhost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peerstore"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/go-pex"
	"github.com/celestiaorg/go-pex/pextest"
)

func TestHostNetwork_Exchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	hosts := createMocknet(t, 2)
	netA, addrA := createHostNetwork(t, hosts[0])
	netB, addrB := createHostNetwork(t, hosts[1])

	peersA, peersB := pextest.RandPeers(3), pextest.RandPeers(4)
	groupA := pextest.NewGroup(addrA).SetSeeds(addrB).SetConnected(peersA...)
	groupB := pextest.NewGroup(addrB).SetConnected(peersB...)
	exA := newTestExchange(t, netA, groupA)
	exB := newTestExchange(t, netB, groupB)
	require.NoError(t, exA.Start(ctx))
	require.NoError(t, exB.Start(ctx))

	err := exA.InitialPeerExchange(ctx)
	require.NoError(t, err)
	assert.Subset(t, pex.Addresses(groupA.ReportedPeers()), pex.Addresses(peersB))
	assert.Eventually(t, func() bool {
		reported := pex.Addresses(groupB.ReportedPeers())
		for _, addr := range pex.Addresses(peersA) {
			if !slices.Contains(reported, addr) {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond*10)

	assert.NotZero(t, netA.RTT(hosts[1].ID()))
	assert.NotZero(t, hosts[0].Peerstore().LatencyEWMA(hosts[1].ID()))
}

func TestHostNetwork_ConnectReusesStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	hosts := createMocknet(t, 2)
	netA, addrA := createHostNetwork(t, hosts[0])
	_, addrB := createHostNetwork(t, hosts[1])

	first, err := netA.Connect(ctx, addrB)
	require.NoError(t, err)
	second, err := netA.Connect(ctx, addrB)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, addrB, first.PeerAddress())

	_, err = netA.Connect(ctx, addrA)
	assert.ErrorIs(t, err, errSelfDial)
	_, err = netA.Connect(ctx, "not an address")
	assert.Error(t, err)
}

func TestHostNetwork_StopClosesConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	hosts := createMocknet(t, 2)
	netA, _ := createHostNetwork(t, hosts[0])
	_, addrB := createHostNetwork(t, hosts[1])

	conn, err := netA.Connect(ctx, addrB)
	require.NoError(t, err)
	listener := &closeListener{}
	conn.Subscribe(listener)

	require.NoError(t, netA.Stop(ctx))
	assert.ErrorIs(t, listener.reason(), pex.ErrConnectionClosed)
	assert.ErrorIs(t, conn.Send(ctx, &pex.Request{Nonce: 1}), pex.ErrConnectionClosed)

	// a new stream is opened after the old one is closed
	reopened, err := netA.Connect(ctx, addrB)
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), reopened.ID())
}

func TestHostNetwork_SingleAddressPerPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	hosts := createMocknet(t, 2)
	netA, addrA := createHostNetwork(t, hosts[0])
	netB, _ := createHostNetwork(t, hosts[1])

	known, err := netA.AddressOf(hosts[1].ID())
	require.NoError(t, err)

	// more addresses of the peer become known later
	other, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	hosts[0].Peerstore().AddAddr(hosts[1].ID(), other, peerstore.PermanentAddrTTL)
	again, err := netA.AddressOf(hosts[1].ID())
	require.NoError(t, err)
	assert.Equal(t, known, again)

	// inbound connections carry the same Address
	received := make(chan pex.Address, 1)
	netA.AddMessageListener(&requestListener{received: received})
	conn, err := netB.Connect(ctx, addrA)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, &pex.Request{Nonce: 1}))
	select {
	case from := <-received:
		assert.Equal(t, known, from)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}

func createMocknet(t *testing.T, amount int) []libhost.Host {
	net, err := mocknet.FullMeshConnected(amount)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = net.Close()
	})
	// get host and peer
	return net.Hosts()
}

func createHostNetwork(t *testing.T, h libhost.Host) (*HostNetwork, pex.Address) {
	t.Helper()
	net, err := NewHostNetwork(h, WithNetworkID[HostParameters](networkID))
	require.NoError(t, err)
	require.NoError(t, net.Start(context.Background()))
	t.Cleanup(func() {
		err := net.Stop(context.Background())
		require.NoError(t, err)
	})

	addr, err := net.SelfAddress()
	require.NoError(t, err)
	return net, addr
}

type closeListener struct {
	lk  sync.Mutex
	err error
}

func (l *closeListener) OnMessage(pex.Message, pex.Connection) {}

func (l *closeListener) OnClose(reason error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.err = reason
}

func (l *closeListener) reason() error {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.err
}

type requestListener struct {
	received chan<- pex.Address
}

func (l *requestListener) OnMessage(msg pex.Message, conn pex.Connection) {
	if _, ok := msg.(*pex.Request); ok {
		l.received <- conn.PeerAddress()
	}
}
