package pextest

import (
	"slices"
	"sync"

	"github.com/celestiaorg/go-pex"
)

// Group is a pex.PeerGroup over static, mutable peer lists.
type Group struct {
	lk sync.RWMutex

	self        pex.Address
	seeds       []pex.Address
	connected   []pex.Peer
	reported    map[pex.Address]pex.Peer
	persisted   []pex.Peer
	quarantined map[pex.Address]struct{}

	minConns    int
	targetConns int
	numConns    int
}

// NewGroup creates an empty Group of the node with the given Address.
func NewGroup(self pex.Address) *Group {
	return &Group{
		self:        self,
		reported:    make(map[pex.Address]pex.Peer),
		quarantined: make(map[pex.Address]struct{}),
		minConns:    8,
		targetConns: 10,
	}
}

func (g *Group) SetSeeds(seeds ...pex.Address) *Group {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.seeds = seeds
	return g
}

// SetConnected sets the connected peers and the amount of connections.
func (g *Group) SetConnected(peers ...pex.Peer) *Group {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.connected = peers
	g.numConns = len(peers)
	return g
}

func (g *Group) SetPersisted(peers ...pex.Peer) *Group {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.persisted = peers
	return g
}

func (g *Group) SetConnections(minConns, targetConns, numConns int) *Group {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.minConns, g.targetConns, g.numConns = minConns, targetConns, numConns
	return g
}

func (g *Group) Quarantine(addrs ...pex.Address) *Group {
	g.lk.Lock()
	defer g.lk.Unlock()
	for _, addr := range addrs {
		g.quarantined[addr] = struct{}{}
	}
	return g
}

func (g *Group) ConnectedPeers() []pex.Peer {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return slices.Clone(g.connected)
}

func (g *Group) ReportedPeers() []pex.Peer {
	g.lk.RLock()
	defer g.lk.RUnlock()
	out := make([]pex.Peer, 0, len(g.reported))
	for _, p := range g.reported {
		out = append(out, p)
	}
	pex.SortByDate(out)
	return out
}

func (g *Group) PersistedPeers() []pex.Peer {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return slices.Clone(g.persisted)
}

func (g *Group) SeedAddresses() []pex.Address {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return slices.Clone(g.seeds)
}

func (g *Group) MinConnections() int {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return g.minConns
}

func (g *Group) TargetConnections() int {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return g.targetConns
}

func (g *Group) NumConnections() int {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return g.numConns
}

func (g *Group) IsSelf(addr pex.Address) bool {
	return addr == g.self
}

func (g *Group) IsSeed(addr pex.Address) bool {
	g.lk.RLock()
	defer g.lk.RUnlock()
	return slices.Contains(g.seeds, addr)
}

func (g *Group) InQuarantine(addr pex.Address) bool {
	g.lk.RLock()
	defer g.lk.RUnlock()
	_, ok := g.quarantined[addr]
	return ok
}

// AddReportedPeers merges peers keeping the most recent date per Address.
func (g *Group) AddReportedPeers(peers []pex.Peer) {
	g.lk.Lock()
	defer g.lk.Unlock()
	for _, p := range peers {
		if old, ok := g.reported[p.Address]; ok && old.Date.After(p.Date) {
			continue
		}
		g.reported[p.Address] = p
	}
}
