package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/celestiaorg/go-libp2p-messenger/serde"

	"github.com/celestiaorg/go-pex"
	"github.com/celestiaorg/go-pex/p2p/pb"
)

// streamConn is a pex.Connection over a single libp2p stream.
type streamConn struct {
	net    *HostNetwork
	stream network.Stream
	peerID peer.ID
	addr   pex.Address
	stats  *rttStats

	writeLk sync.Mutex

	lk        sync.Mutex
	listeners map[uint64]pex.ConnectionListener
	nextSub   uint64
	closed    bool
}

func newStreamConn(net *HostNetwork, stream network.Stream, addr pex.Address, stats *rttStats) *streamConn {
	return &streamConn{
		net:       net,
		stream:    stream,
		peerID:    stream.Conn().RemotePeer(),
		addr:      addr,
		stats:     stats,
		listeners: make(map[uint64]pex.ConnectionListener),
	}
}

func (c *streamConn) ID() string {
	return c.stream.ID()
}

func (c *streamConn) PeerAddress() pex.Address {
	return c.addr
}

func (c *streamConn) Send(ctx context.Context, msg pex.Message) error {
	env, err := toEnvelope(msg)
	if err != nil {
		return err
	}

	c.writeLk.Lock()
	defer c.writeLk.Unlock()
	if c.isClosed() {
		return pex.ErrConnectionClosed
	}

	deadline := time.Now().Add(c.net.Params.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err = c.stream.SetWriteDeadline(deadline); err != nil {
		log.Debugw("error setting deadline", "err", err)
	}

	_, err = serde.Write(c.stream, env)
	if err != nil {
		err = fmt.Errorf("writing message: %w", err)
		c.close(err)
		return err
	}
	return nil
}

func (c *streamConn) Subscribe(l pex.ConnectionListener) pex.Subscription {
	c.lk.Lock()
	defer c.lk.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = l
	return &connSubscription{conn: c, id: id}
}

func (c *streamConn) Metrics() pex.ConnectionMetrics {
	return (*streamConnMetrics)(c)
}

// readLoop dispatches received messages until the stream fails.
func (c *streamConn) readLoop() {
	for {
		env := new(pb.Envelope)
		_, err := serde.Read(c.stream, env)
		if err != nil {
			c.close(err)
			return
		}

		msg, err := fromEnvelope(env)
		if err != nil {
			log.Warnw("invalid message", "peer", c.peerID, "err", err)
			c.close(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *streamConn) dispatch(msg pex.Message) {
	c.lk.Lock()
	listeners := make([]pex.MessageListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.lk.Unlock()

	listeners = append(listeners, c.net.messageListeners()...)
	for _, l := range listeners {
		l.OnMessage(msg, c)
	}
}

// close closes the stream notifying subscribers. Only the first call has an effect.
func (c *streamConn) close(reason error) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return
	}
	c.closed = true
	listeners := make([]pex.ConnectionListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.lk.Unlock()

	var err error
	if reason != nil {
		err = c.stream.Reset()
	} else {
		err = c.stream.Close()
	}
	if err != nil {
		log.Debugw("closing stream", "peer", c.peerID, "err", err)
	}
	c.net.removeConn(c)

	if reason == nil {
		reason = pex.ErrConnectionClosed
	} else if !errors.Is(reason, pex.ErrConnectionClosed) {
		reason = fmt.Errorf("%w: %w", pex.ErrConnectionClosed, reason)
	}
	for _, l := range listeners {
		l.OnClose(reason)
	}
}

func (c *streamConn) isClosed() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.closed
}

type streamConnMetrics streamConn

// AddRTT records the rtt to the libp2p peerstore and tags the peer in the
// connection manager, so faster peers are preferred when trimming connections.
func (m *streamConnMetrics) AddRTT(rtt time.Duration) {
	m.stats.add(rtt)
	m.net.host.Peerstore().RecordLatency(m.peerID, rtt)
	m.net.host.ConnManager().TagPeer(m.peerID, string(m.net.protocolID), m.stats.score())
}

type connSubscription struct {
	conn *streamConn
	id   uint64
}

func (s *connSubscription) Cancel() {
	s.conn.lk.Lock()
	defer s.conn.lk.Unlock()
	delete(s.conn.listeners, s.id)
}

func toEnvelope(msg pex.Message) (*pb.Envelope, error) {
	switch msg := msg.(type) {
	case *pex.Request:
		return &pb.Envelope{Request: toExchange(msg.Nonce, msg.Peers)}, nil
	case *pex.Response:
		return &pb.Envelope{Response: toExchange(msg.Nonce, msg.Peers)}, nil
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
}

func toExchange(nonce int32, peers []pex.Peer) *pb.PeerExchange {
	out := &pb.PeerExchange{
		Nonce: nonce,
		Peers: make([]*pb.Peer, len(peers)),
	}
	for i, p := range peers {
		out.Peers[i] = &pb.Peer{
			Address:        string(p.Address),
			DateMs:         p.Date.UnixMilli(),
			NumConnections: int32(p.Load.NumConnections),
		}
	}
	return out
}

func fromEnvelope(env *pb.Envelope) (pex.Message, error) {
	switch {
	case env.Request != nil:
		nonce, peers := fromExchange(env.Request)
		return &pex.Request{Nonce: nonce, Peers: peers}, nil
	case env.Response != nil:
		nonce, peers := fromExchange(env.Response)
		return &pex.Response{Nonce: nonce, Peers: peers}, nil
	default:
		return nil, pb.ErrEmptyEnvelope
	}
}

func fromExchange(ex *pb.PeerExchange) (int32, []pex.Peer) {
	peers := make([]pex.Peer, 0, len(ex.Peers))
	for _, p := range ex.Peers {
		if p.Address == "" {
			continue
		}
		peers = append(peers, pex.NewPeer(pex.Address(p.Address), time.UnixMilli(p.DateMs), int(p.NumConnections)))
	}
	return ex.Nonce, peers
}
