package pextest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celestiaorg/go-pex"
)

var connCounter atomic.Uint64

// Conn is an in-memory pex.Connection with scriptable behaviour.
type Conn struct {
	id   string
	addr pex.Address

	lk        sync.Mutex
	onSend    func(context.Context, pex.Message) error
	listeners map[uint64]pex.ConnectionListener
	nextSub   uint64
	sent      []pex.Message
	rtts      []time.Duration
	closed    bool
	network   *Network
}

// NewConn creates a Conn to the given Address that records sent messages and
// never replies.
func NewConn(addr pex.Address) *Conn {
	return &Conn{
		id:        fmt.Sprintf("%s#%d", addr, connCounter.Add(1)),
		addr:      addr,
		listeners: make(map[uint64]pex.ConnectionListener),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) PeerAddress() pex.Address {
	return c.addr
}

func (c *Conn) Send(ctx context.Context, msg pex.Message) error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return pex.ErrConnectionClosed
	}
	c.sent = append(c.sent, msg)
	onSend := c.onSend
	c.lk.Unlock()

	if onSend == nil {
		return nil
	}
	return onSend(ctx, msg)
}

func (c *Conn) Subscribe(l pex.ConnectionListener) pex.Subscription {
	c.lk.Lock()
	defer c.lk.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = l
	return &subscription{conn: c, id: id}
}

func (c *Conn) Metrics() pex.ConnectionMetrics {
	return (*connMetrics)(c)
}

// OnSend sets the function called for every sent Message.
func (c *Conn) OnSend(fn func(context.Context, pex.Message) error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.onSend = fn
}

// Reply makes the Conn answer every Request with the given peers.
func (c *Conn) Reply(peers []pex.Peer) {
	c.ReplyAfter(0, peers)
}

// ReplyAfter makes the Conn answer every Request with the given peers after the delay.
func (c *Conn) ReplyAfter(delay time.Duration, peers []pex.Peer) {
	c.OnSend(func(_ context.Context, msg pex.Message) error {
		req, ok := msg.(*pex.Request)
		if !ok {
			return nil
		}
		resp := &pex.Response{Nonce: req.Nonce, Peers: peers}
		time.AfterFunc(delay, func() {
			c.Deliver(resp)
		})
		return nil
	})
}

// Fail makes every Send return the given error.
func (c *Conn) Fail(err error) {
	c.OnSend(func(context.Context, pex.Message) error {
		return err
	})
}

// Drop makes the Conn silently swallow every message.
func (c *Conn) Drop() {
	c.OnSend(nil)
}

// Deliver dispatches the Message as received from the remote side to the
// Conn's subscribers and its Network's listeners.
func (c *Conn) Deliver(msg pex.Message) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return
	}
	listeners := make([]pex.MessageListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	network := c.network
	c.lk.Unlock()

	if network != nil {
		listeners = append(listeners, network.messageListeners()...)
	}
	for _, l := range listeners {
		l.OnMessage(msg, c)
	}
}

// Close closes the Conn notifying its subscribers with the reason.
func (c *Conn) Close(reason error) {
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

	for _, l := range listeners {
		l.OnClose(reason)
	}
}

// Sent returns all messages sent over the Conn.
func (c *Conn) Sent() []pex.Message {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]pex.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Subscribers returns the amount of active subscriptions.
func (c *Conn) Subscribers() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.listeners)
}

// RTTs returns the round-trip times recorded for the Conn.
func (c *Conn) RTTs() []time.Duration {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]time.Duration, len(c.rtts))
	copy(out, c.rtts)
	return out
}

type connMetrics Conn

func (m *connMetrics) AddRTT(rtt time.Duration) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.rtts = append(m.rtts, rtt)
}

type subscription struct {
	conn *Conn
	id   uint64
}

func (s *subscription) Cancel() {
	s.conn.lk.Lock()
	defer s.conn.lk.Unlock()
	delete(s.conn.listeners, s.id)
}
