package peergroup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/celestiaorg/go-pex"
)

var log = logging.Logger("pex/peergroup")

// PeerStore is an interface for storing and loading peers between runs.
type PeerStore interface {
	Put(context.Context, []pex.Peer) error
	Load(context.Context) ([]pex.Peer, error)
}

// Group is the node's view over its connected, reported and persisted peers.
// It implements pex.PeerGroup and is safe for concurrent use.
type Group struct {
	params Parameters

	self    map[pex.Address]struct{}
	seeds   []pex.Address
	seedSet map[pex.Address]struct{}
	store   PeerStore

	connLk    sync.RWMutex
	connected map[pex.Address]pex.Peer

	// reportedLk makes merging a reported peer atomic
	reportedLk sync.Mutex
	reported   *lru.Cache[pex.Address, pex.Peer]

	quarantine *expirable.LRU[pex.Address, struct{}]

	persistedLk sync.RWMutex
	persisted   []pex.Peer

	metricsReg metric.Registration
}

// New creates a Group of the node known by the self addresses. The store is optional,
// if given, persisted peers are loaded on Start and stored on Stop.
func New(self, seeds []pex.Address, store PeerStore, opts ...Option) (*Group, error) {
	params := DefaultParameters()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	reported, err := lru.New[pex.Address, pex.Peer](params.MaxReportedPeers)
	if err != nil {
		return nil, fmt.Errorf("creating reported peers cache: %w", err)
	}

	g := &Group{
		params:     params,
		self:       toSet(self),
		seeds:      slices.Clone(seeds),
		seedSet:    toSet(seeds),
		store:      store,
		connected:  make(map[pex.Address]pex.Peer),
		reported:   reported,
		quarantine: expirable.NewLRU[pex.Address, struct{}](params.MaxQuarantined, nil, params.QuarantineTTL),
		persisted:  make([]pex.Peer, 0),
	}
	return g, nil
}

// Start loads persisted peers from the store.
func (g *Group) Start(ctx context.Context) error {
	if g.params.metrics {
		reg, err := pex.WithMetrics(g)
		if err != nil {
			return err
		}
		g.metricsReg = reg
	}

	if g.store == nil {
		return nil
	}
	peers, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted peers: %w", err)
	}

	fresh := g.fresh(peers)
	g.persistedLk.Lock()
	g.persisted = fresh
	g.persistedLk.Unlock()
	log.Infow("loaded persisted peers", "amount", len(fresh), "stale", len(peers)-len(fresh))
	return nil
}

// Stop stores the most recent connected and reported peers, so they can be used
// for bootstrapping on the next run.
func (g *Group) Stop(ctx context.Context) error {
	var err error
	if g.metricsReg != nil {
		err = g.metricsReg.Unregister()
	}
	return errors.Join(err, g.dumpPeers(ctx))
}

func (g *Group) dumpPeers(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	peers := append(g.ConnectedPeers(), g.ReportedPeers()...)
	pex.SortByDate(peers)
	peers = g.fresh(pex.Dedup(peers))
	if len(peers) > g.params.MaxPersistedPeers {
		peers = peers[:g.params.MaxPersistedPeers]
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := g.store.Put(ctx, peers)
	if err != nil {
		log.Errorw("failed to dump peers to PeerStore", "err", err)
		return err
	}
	log.Debugw("dumped peers to PeerStore", "amount", len(peers))
	return nil
}

// Connected records the connected peer.
func (g *Group) Connected(p pex.Peer) {
	if g.IsSelf(p.Address) {
		return
	}
	g.connLk.Lock()
	defer g.connLk.Unlock()
	g.connected[p.Address] = p
}

// Disconnected forgets the connected peer.
func (g *Group) Disconnected(addr pex.Address) {
	g.connLk.Lock()
	defer g.connLk.Unlock()
	delete(g.connected, addr)
}

// Quarantine makes the peer avoided for the QuarantineTTL.
func (g *Group) Quarantine(addr pex.Address) {
	g.quarantine.Add(addr, struct{}{})
	log.Debugw("quarantined peer", "peer", addr, "ttl", g.params.QuarantineTTL)
}

// ConnectedPeers returns the connected peers dated now, as they are seen as long
// as the connection lasts.
func (g *Group) ConnectedPeers() []pex.Peer {
	now := g.params.clock.Now().Truncate(time.Millisecond)
	g.connLk.RLock()
	peers := make([]pex.Peer, 0, len(g.connected))
	for _, p := range g.connected {
		peers = append(peers, pex.NewPeer(p.Address, now, p.Load.NumConnections))
	}
	g.connLk.RUnlock()

	pex.SortByDate(peers)
	return peers
}

func (g *Group) ReportedPeers() []pex.Peer {
	peers := g.reported.Values()
	pex.SortByDate(peers)
	return peers
}

func (g *Group) PersistedPeers() []pex.Peer {
	g.persistedLk.RLock()
	defer g.persistedLk.RUnlock()
	return slices.Clone(g.persisted)
}

func (g *Group) SeedAddresses() []pex.Address {
	return slices.Clone(g.seeds)
}

func (g *Group) MinConnections() int {
	return g.params.MinConnections
}

func (g *Group) TargetConnections() int {
	return g.params.TargetConnections
}

func (g *Group) NumConnections() int {
	g.connLk.RLock()
	defer g.connLk.RUnlock()
	return len(g.connected)
}

func (g *Group) IsSelf(addr pex.Address) bool {
	_, ok := g.self[addr]
	return ok
}

func (g *Group) IsSeed(addr pex.Address) bool {
	_, ok := g.seedSet[addr]
	return ok
}

func (g *Group) InQuarantine(addr pex.Address) bool {
	return g.quarantine.Contains(addr)
}

// AddReportedPeers merges the peers into the reported ones. Among peers with
// the same Address the most recently seen one is kept.
func (g *Group) AddReportedPeers(peers []pex.Peer) {
	g.reportedLk.Lock()
	defer g.reportedLk.Unlock()
	for _, p := range peers {
		if p.IsZero() || g.IsSelf(p.Address) {
			continue
		}
		if old, ok := g.reported.Peek(p.Address); ok && old.Date.After(p.Date) {
			continue
		}
		g.reported.Add(p.Address, p)
	}
}

func (g *Group) fresh(peers []pex.Peer) []pex.Peer {
	now := g.params.clock.Now()
	out := make([]pex.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Age(now) < g.params.MaxPeerAge {
			out = append(out, p)
		}
	}
	return out
}

func toSet(addrs []pex.Address) map[pex.Address]struct{} {
	set := make(map[pex.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		set[addr] = struct{}{}
	}
	return set
}
