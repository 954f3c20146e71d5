package p2p

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/celestiaorg/go-pex"
)

// errSelfDial is returned when connecting to the host itself.
var errSelfDial = errors.New("dialing self")

// maxKnownAddresses caps the amount of peers whose Address is remembered.
const maxKnownAddresses = 4096

// HostNetwork is a pex.Network over a libp2p host. It keeps a single outbound
// stream per remote peer and accepts inbound streams of the peer exchange protocol.
type HostNetwork struct {
	host       host.Host
	protocolID protocol.ID

	Params HostParameters

	connsLk sync.Mutex
	// outbound holds our streams to remote peers, reused by Connect.
	outbound map[peer.ID]*streamConn
	// inbound holds streams opened by remote peers.
	inbound map[*streamConn]struct{}
	// stats survive reconnects to the same peer
	stats map[peer.ID]*rttStats

	// addrs pins a single Address per peer, so the peer is known by the
	// same Address whichever way it is connected.
	addrs *lru.Cache[peer.ID, pex.Address]

	listenersLk sync.RWMutex
	listeners   []pex.MessageListener
}

func NewHostNetwork(h host.Host, opts ...Option[HostParameters]) (*HostNetwork, error) {
	params := DefaultHostParameters()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	addrs, err := lru.New[peer.ID, pex.Address](maxKnownAddresses)
	if err != nil {
		return nil, err
	}

	return &HostNetwork{
		host:       h,
		protocolID: protocolID(params.networkID),
		Params:     params,
		outbound:   make(map[peer.ID]*streamConn),
		inbound:    make(map[*streamConn]struct{}),
		stats:      make(map[peer.ID]*rttStats),
		addrs:      addrs,
	}, nil
}

// Start begins accepting inbound peer exchange streams.
func (n *HostNetwork) Start(context.Context) error {
	log.Infow("starting peer exchange network", "protocol ID", n.protocolID)
	n.host.SetStreamHandler(n.protocolID, n.handleStream)
	return nil
}

// Stop stops accepting streams and closes all open ones.
func (n *HostNetwork) Stop(context.Context) error {
	n.host.RemoveStreamHandler(n.protocolID)

	n.connsLk.Lock()
	conns := make([]*streamConn, 0, len(n.outbound)+len(n.inbound))
	for _, c := range n.outbound {
		conns = append(conns, c)
	}
	for c := range n.inbound {
		conns = append(conns, c)
	}
	n.connsLk.Unlock()

	for _, c := range conns {
		c.close(nil)
	}
	return nil
}

// Connect returns the outbound stream to the peer with the given address opening
// a new one if there is none. The address must contain the peer ID.
func (n *HostNetwork) Connect(ctx context.Context, addr pex.Address) (pex.Connection, error) {
	info, err := peer.AddrInfoFromString(string(addr))
	if err != nil {
		return nil, fmt.Errorf("parsing address %s: %w", addr, err)
	}
	if info.ID == n.host.ID() {
		return nil, errSelfDial
	}
	// the dialed Address becomes the peer's Address unless it is already known
	if known, ok, _ := n.addrs.PeekOrAdd(info.ID, addr); ok {
		addr = known
	}

	n.connsLk.Lock()
	c, ok := n.outbound[info.ID]
	n.connsLk.Unlock()
	if ok {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.Params.ConnectTimeout)
	defer cancel()
	if err = n.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	stream, err := n.host.NewStream(ctx, info.ID, n.protocolID)
	if err != nil {
		return nil, fmt.Errorf("opening stream to %s: %w", info.ID, err)
	}

	n.connsLk.Lock()
	if existing, ok := n.outbound[info.ID]; ok {
		// raced with a concurrent Connect
		n.connsLk.Unlock()
		_ = stream.Reset()
		return existing, nil
	}
	c = newStreamConn(n, stream, addr, n.statsFor(info.ID))
	n.outbound[info.ID] = c
	n.connsLk.Unlock()

	go c.readLoop()
	return c, nil
}

func (n *HostNetwork) AddMessageListener(l pex.MessageListener) {
	n.listenersLk.Lock()
	defer n.listenersLk.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *HostNetwork) RemoveMessageListener(l pex.MessageListener) {
	n.listenersLk.Lock()
	defer n.listenersLk.Unlock()
	n.listeners = slices.DeleteFunc(n.listeners, func(other pex.MessageListener) bool {
		return other == l
	})
}

// AddressOf returns the Address the peer is known by. The first Address resolved
// for the peer, either dialed or taken from the peerstore, is kept for later calls.
func (n *HostNetwork) AddressOf(id peer.ID) (pex.Address, error) {
	return n.resolveAddress(id, nil)
}

// resolveAddress resolves the peer's Address from the peerstore, falling back
// to the given multiaddrs if the peerstore knows none.
func (n *HostNetwork) resolveAddress(id peer.ID, fallback []ma.Multiaddr) (pex.Address, error) {
	if addr, ok := n.addrs.Get(id); ok {
		return addr, nil
	}

	addrs := n.host.Peerstore().Addrs(id)
	if len(addrs) == 0 {
		addrs = fallback
	}
	addr, err := addressOf(id, addrs)
	if err != nil {
		return "", err
	}
	if known, ok, _ := n.addrs.PeekOrAdd(id, addr); ok {
		return known, nil
	}
	return addr, nil
}

// SelfAddress returns the dialable Address of the host.
func (n *HostNetwork) SelfAddress() (pex.Address, error) {
	return addressOf(n.host.ID(), n.host.Addrs())
}

// RTT returns the average round-trip time of the peer.
func (n *HostNetwork) RTT(id peer.ID) time.Duration {
	n.connsLk.Lock()
	stats, ok := n.stats[id]
	n.connsLk.Unlock()
	if !ok {
		return 0
	}
	return stats.average()
}

func (n *HostNetwork) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	addr, err := n.resolveAddress(remote, []ma.Multiaddr{stream.Conn().RemoteMultiaddr()})
	if err != nil {
		log.Warnw("resolving address of inbound stream", "peer", remote, "err", err)
		_ = stream.Reset()
		return
	}

	n.connsLk.Lock()
	c := newStreamConn(n, stream, addr, n.statsFor(remote))
	n.inbound[c] = struct{}{}
	n.connsLk.Unlock()

	log.Debugw("accepted inbound stream", "peer", remote)
	c.readLoop()
}

func (n *HostNetwork) removeConn(c *streamConn) {
	n.connsLk.Lock()
	defer n.connsLk.Unlock()
	if n.outbound[c.peerID] == c {
		delete(n.outbound, c.peerID)
	}
	delete(n.inbound, c)
}

// statsFor must be called with connsLk held.
func (n *HostNetwork) statsFor(id peer.ID) *rttStats {
	stats, ok := n.stats[id]
	if !ok {
		stats = newRTTStats(n.Params.RTTWindow)
		n.stats[id] = stats
	}
	return stats
}

func (n *HostNetwork) messageListeners() []pex.MessageListener {
	n.listenersLk.RLock()
	defer n.listenersLk.RUnlock()
	return slices.Clone(n.listeners)
}

// addressOf picks the lowest of the peer's multiaddrs, so the same set of addresses
// always gives the same Address.
func addressOf(id peer.ID, addrs []ma.Multiaddr) (pex.Address, error) {
	addrs = slices.Clone(addrs)
	slices.SortFunc(addrs, func(a, b ma.Multiaddr) int {
		return strings.Compare(a.String(), b.String())
	})
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: id, Addrs: addrs})
	if err != nil {
		return "", err
	}
	if len(p2pAddrs) == 0 {
		return "", fmt.Errorf("no addresses of peer %s", id)
	}
	return pex.Address(p2pAddrs[0].String()), nil
}

func protocolID(networkID string) protocol.ID {
	return protocol.ID(fmt.Sprintf("/%s/pex/v0.0.1", networkID))
}
