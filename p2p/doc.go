/*
Package p2p implements the peer exchange protocol that lets a node discover
peers of an overlay network by trading its known peers with remote nodes.

# Components

  - Exchange:
    The Exchange sends peer exchange requests to candidates chosen from a pex.PeerGroup
    and answers inbound requests received over a pex.Network.
    InitialPeerExchange bootstraps the node, contacting seed nodes first and then reported,
    persisted and connected peers. It returns as soon as any candidate answers, while the rest
    of the round completes in background. Insufficient rounds are redone with a delay doubling
    from InitialRetryDelay up to MaxRetryDelay.
    FurtherPeerExchange is meant to be called periodically once the node is bootstrapped.

  - HostNetwork:
    The HostNetwork is a pex.Network over a libp2p host. On start, it registers a stream handler
    on the protocolID ("/${networkID}/pex/v0.0.1"). Every remote peer gets a single long-lived
    outbound stream carrying length-prefixed protobuf messages.

  - PeerTracker:
    The PeerTracker follows the host's connections and reports peers speaking the protocol
    to a PeerObserver, such as peergroup.Group.

# Usage

	net, err := p2p.NewHostNetwork(host, p2p.WithNetworkID[p2p.HostParameters](networkID))
	if err != nil {
		return err
	}
	self, err := net.SelfAddress()
	if err != nil {
		return err
	}
	group, err := peergroup.New([]pex.Address{self}, seeds, store.NewPeerStore(ds))
	if err != nil {
		return err
	}
	tracker := p2p.NewPeerTracker(net, group)
	ex, err := p2p.NewExchange(net, group, p2p.WithNetworkID[p2p.ExchangeParameters](networkID))
	if err != nil {
		return err
	}
	if err = group.Start(ctx); err != nil {
		return err
	}
	if err = net.Start(ctx); err != nil {
		return err
	}
	if err = tracker.Start(ctx); err != nil {
		return err
	}
	if err = ex.Start(ctx); err != nil {
		return err
	}
	err = ex.InitialPeerExchange(ctx)
*/
package p2p
