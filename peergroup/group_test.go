package peergroup

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/go-pex"
	"github.com/celestiaorg/go-pex/pextest"
	"github.com/celestiaorg/go-pex/store"
)

const self = pex.Address("/ip4/127.0.0.1/tcp/2121")

func TestGroup_Connections(t *testing.T) {
	group, err := New([]pex.Address{self}, nil, nil)
	require.NoError(t, err)

	peers := pextest.RandPeers(3)
	for _, p := range peers {
		group.Connected(p)
	}
	group.Connected(pex.NewPeer(self, time.Now(), 0))
	assert.Equal(t, 3, group.NumConnections())
	assert.ElementsMatch(t, pex.Addresses(peers), pex.Addresses(group.ConnectedPeers()))

	group.Disconnected(peers[0].Address)
	assert.Equal(t, 2, group.NumConnections())
	assert.NotContains(t, pex.Addresses(group.ConnectedPeers()), peers[0].Address)
}

func TestGroup_ReportedPeers(t *testing.T) {
	group, err := New([]pex.Address{self}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	addr := pextest.RandAddress()
	group.AddReportedPeers([]pex.Peer{pex.NewPeer(addr, now, 1)})
	// older report of the same peer is ignored
	group.AddReportedPeers([]pex.Peer{pex.NewPeer(addr, now.Add(-time.Hour), 5)})

	reported := group.ReportedPeers()
	require.Len(t, reported, 1)
	assert.Equal(t, 1, reported[0].Load.NumConnections)

	// newer one replaces it
	group.AddReportedPeers([]pex.Peer{pex.NewPeer(addr, now.Add(time.Minute), 7)})
	reported = group.ReportedPeers()
	require.Len(t, reported, 1)
	assert.Equal(t, 7, reported[0].Load.NumConnections)

	// self is never reported
	group.AddReportedPeers([]pex.Peer{pex.NewPeer(self, now, 0)})
	assert.Len(t, group.ReportedPeers(), 1)
}

func TestGroup_ReportedPeersCap(t *testing.T) {
	params := DefaultParameters()
	params.MaxReportedPeers = 10
	group, err := New(nil, nil, nil, WithParams(params))
	require.NoError(t, err)

	peers := pextest.RandPeers(15)
	group.AddReportedPeers(peers)
	reported := group.ReportedPeers()
	assert.Len(t, reported, 10)
	// least recently reported are evicted
	assert.ElementsMatch(t, pex.Addresses(peers[5:]), pex.Addresses(reported))
}

func TestGroup_Quarantine(t *testing.T) {
	params := DefaultParameters()
	params.QuarantineTTL = time.Millisecond * 100
	group, err := New(nil, nil, nil, WithParams(params))
	require.NoError(t, err)

	addr := pextest.RandAddress()
	assert.False(t, group.InQuarantine(addr))
	group.Quarantine(addr)
	assert.True(t, group.InQuarantine(addr))
	assert.Eventually(t, func() bool {
		return !group.InQuarantine(addr)
	}, time.Second, time.Millisecond*10)
}

func TestGroup_Seeds(t *testing.T) {
	seeds := []pex.Address{pextest.RandAddress(), pextest.RandAddress()}
	group, err := New([]pex.Address{self}, seeds, nil)
	require.NoError(t, err)

	assert.Equal(t, seeds, group.SeedAddresses())
	assert.True(t, group.IsSeed(seeds[0]))
	assert.False(t, group.IsSeed(self))
	assert.True(t, group.IsSelf(self))
	assert.Equal(t, 8, group.MinConnections())
	assert.Equal(t, 10, group.TargetConnections())
}

func TestGroup_PersistsPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ps := store.NewPeerStore(sync.MutexWrap(datastore.NewMapDatastore()))
	group, err := New([]pex.Address{self}, nil, ps)
	require.NoError(t, err)
	require.NoError(t, group.Start(ctx))
	assert.Empty(t, group.PersistedPeers())

	connected, reported := pextest.RandPeers(2), pextest.RandPeers(3)
	for _, p := range connected {
		group.Connected(p)
	}
	stale := pex.NewPeer(pextest.RandAddress(), time.Now().Add(-pex.MaxPeerAge-time.Hour), 0)
	group.AddReportedPeers(append(reported, stale))
	require.NoError(t, group.Stop(ctx))

	restarted, err := New([]pex.Address{self}, nil, ps)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	expected := append(pex.Addresses(connected), pex.Addresses(reported)...)
	assert.ElementsMatch(t, expected, pex.Addresses(restarted.PersistedPeers()))
}

func TestGroup_WithMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	group, err := New([]pex.Address{self}, nil, nil, WithMetrics())
	require.NoError(t, err)
	require.NoError(t, group.Start(ctx))
	require.NotNil(t, group.metricsReg)
	require.NoError(t, group.Stop(ctx))
}

func TestGroup_ConnectedPeersAreFresh(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	mock := clock.NewMock()
	mock.Set(time.Now())
	ps := store.NewPeerStore(sync.MutexWrap(datastore.NewMapDatastore()))
	group, err := New([]pex.Address{self}, nil, ps, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, group.Start(ctx))

	peer := pex.NewPeer(pextest.RandAddress(), mock.Now(), 3)
	group.Connected(peer)
	mock.Add(pex.MaxPeerAge + 24*time.Hour)

	connected := group.ConnectedPeers()
	require.Len(t, connected, 1)
	assert.Equal(t, peer.Address, connected[0].Address)
	assert.Equal(t, peer.Load, connected[0].Load)
	assert.Zero(t, connected[0].Age(mock.Now()))

	// long-lived connections survive the dump
	require.NoError(t, group.Stop(ctx))
	persisted, err := ps.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []pex.Address{peer.Address}, pex.Addresses(persisted))
}

func TestGroup_MaxPeerAge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ps := store.NewPeerStore(sync.MutexWrap(datastore.NewMapDatastore()))
	recent := pex.NewPeer(pextest.RandAddress(), time.Now().Add(-time.Minute), 0)
	old := pex.NewPeer(pextest.RandAddress(), time.Now().Add(-2*time.Hour), 0)
	require.NoError(t, ps.Put(ctx, []pex.Peer{recent, old}))

	params := DefaultParameters()
	params.MaxPeerAge = time.Hour
	group, err := New(nil, nil, ps, WithParams(params))
	require.NoError(t, err)
	require.NoError(t, group.Start(ctx))
	assert.Equal(t, []pex.Address{recent.Address}, pex.Addresses(group.PersistedPeers()))
}

func TestGroup_DropsStalePersistedPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ps := store.NewPeerStore(sync.MutexWrap(datastore.NewMapDatastore()))
	peers := pextest.RandPeers(4)
	require.NoError(t, ps.Put(ctx, peers))

	mock := clock.NewMock()
	mock.Set(time.Now().Add(pex.MaxPeerAge))
	group, err := New(nil, nil, ps, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, group.Start(ctx))
	assert.Empty(t, group.PersistedPeers())
}

func TestParameters_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Parameters)
	}{
		{name: "min connections", modify: func(p *Parameters) { p.MinConnections = 0 }},
		{name: "target below min", modify: func(p *Parameters) { p.TargetConnections = p.MinConnections - 1 }},
		{name: "max reported", modify: func(p *Parameters) { p.MaxReportedPeers = 0 }},
		{name: "quarantine ttl", modify: func(p *Parameters) { p.QuarantineTTL = 0 }},
		{name: "max quarantined", modify: func(p *Parameters) { p.MaxQuarantined = -1 }},
		{name: "max peer age", modify: func(p *Parameters) { p.MaxPeerAge = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParameters()
			tt.modify(&params)
			_, err := New(nil, nil, nil, WithParams(params))
			assert.Error(t, err)
		})
	}
}
