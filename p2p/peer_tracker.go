package p2p

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/celestiaorg/go-pex"
)

// PeerObserver is notified when peers speaking the peer exchange protocol
// connect to or disconnect from the host.
type PeerObserver interface {
	Connected(pex.Peer)
	Disconnected(pex.Address)
}

// PeerTracker keeps a PeerObserver in sync with the host's connections.
type PeerTracker struct {
	net        *HostNetwork
	host       host.Host
	observer   PeerObserver
	protocolID protocol.ID
	clock      clock.Clock

	// tracked maps peer IDs to the addresses they were reported with.
	tracked map[libpeer.ID]pex.Address

	ctx    context.Context
	cancel context.CancelFunc
	// done is used to gracefully stop the PeerTracker.
	// It allows to wait until track() will be stopped.
	done chan struct{}
}

// NewPeerTracker creates a PeerTracker reporting peers of the HostNetwork's protocol
// by the Addresses the HostNetwork knows them by.
func NewPeerTracker(net *HostNetwork, observer PeerObserver) *PeerTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerTracker{
		net:        net,
		host:       net.host,
		observer:   observer,
		protocolID: net.protocolID,
		clock:      clock.New(),
		tracked:    make(map[libpeer.ID]pex.Address),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start subscribes to the host's events and reports peers that are already connected.
func (p *PeerTracker) Start(context.Context) error {
	connSubs, err := p.host.EventBus().Subscribe(&event.EvtPeerConnectednessChanged{})
	if err != nil {
		return err
	}
	identifySub, err := p.host.EventBus().Subscribe(&event.EvtPeerIdentificationCompleted{})
	if err != nil {
		return errors.Join(err, connSubs.Close())
	}
	protocolSub, err := p.host.EventBus().Subscribe(&event.EvtPeerProtocolsUpdated{})
	if err != nil {
		return errors.Join(err, connSubs.Close(), identifySub.Close())
	}

	go p.track(connSubs, identifySub, protocolSub)
	return nil
}

// Stop waits until the tracking routine is finished.
func (p *PeerTracker) Stop(ctx context.Context) error {
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PeerTracker) track(connSubs, identifySub, protocolSub event.Subscription) {
	defer close(p.done)

	// store peers that have been already connected
	for _, c := range p.host.Network().Conns() {
		p.connected(c.RemotePeer())
	}

	for {
		select {
		case <-p.ctx.Done():
			err := errors.Join(connSubs.Close(), identifySub.Close(), protocolSub.Close())
			if err != nil {
				log.Errorw("closing subscriptions", "err", err)
			}
			return
		case connSubscription := <-connSubs.Out():
			ev := connSubscription.(event.EvtPeerConnectednessChanged)
			if network.NotConnected == ev.Connectedness {
				p.disconnected(ev.Peer)
			}
		case subscription := <-identifySub.Out():
			ev := subscription.(event.EvtPeerIdentificationCompleted)
			p.connected(ev.Peer)
		case subscription := <-protocolSub.Out():
			ev := subscription.(event.EvtPeerProtocolsUpdated)
			if slices.Contains(ev.Removed, p.protocolID) {
				p.disconnected(ev.Peer)
				break
			}
			p.connected(ev.Peer)
		}
	}
}

// connected must only be called from the tracking routine.
func (p *PeerTracker) connected(pID libpeer.ID) {
	if err := pID.Validate(); err != nil {
		return
	}
	if p.host.ID() == pID {
		return
	}
	if _, ok := p.tracked[pID]; ok {
		return
	}

	// check that peer supports our protocol id.
	protocols, err := p.host.Peerstore().SupportsProtocols(pID, p.protocolID)
	if err != nil || !slices.Contains(protocols, p.protocolID) {
		return
	}

	conns := p.host.Network().ConnsToPeer(pID)
	if len(conns) == 0 {
		return
	}
	for _, c := range conns {
		// check if connection is short-termed and skip this peer
		if c.Stat().Limited {
			return
		}
	}

	addr, err := p.net.AddressOf(pID)
	if err != nil {
		log.Debugw("resolving address of connected peer", "id", pID.String(), "err", err)
		return
	}

	log.Debugw("connected to peer", "id", pID.String())
	p.tracked[pID] = addr
	p.observer.Connected(pex.NewPeer(addr, p.clock.Now().Truncate(time.Millisecond), 0))
}

// disconnected must only be called from the tracking routine.
func (p *PeerTracker) disconnected(pID libpeer.ID) {
	addr, ok := p.tracked[pID]
	if !ok {
		return
	}
	delete(p.tracked, pID)

	p.host.ConnManager().UntagPeer(pID, string(p.protocolID))
	log.Debugw("disconnected from peer", "id", pID.String())
	p.observer.Disconnected(addr)
}
