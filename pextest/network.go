package pextest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/celestiaorg/go-pex"
)

// ErrUnreachable is returned when connecting to an Address that is not
// known to the Network.
var ErrUnreachable = errors.New("pextest: address unreachable")

// Network is an in-memory pex.Network. Connections are either added manually
// with AddConn or established between Networks of the same Hub.
type Network struct {
	self pex.Address
	hub  *Hub

	lk        sync.Mutex
	conns     map[pex.Address]*Conn
	listeners []pex.MessageListener
	dials     map[pex.Address]int
}

// NewNetwork creates a standalone Network of the node with the given Address.
func NewNetwork(self pex.Address) *Network {
	return &Network{
		self:  self,
		conns: make(map[pex.Address]*Conn),
		dials: make(map[pex.Address]int),
	}
}

// AddConn makes the Conn returned when connecting to its PeerAddress.
// Messages delivered to the Conn reach the Network's listeners.
func (n *Network) AddConn(c *Conn) {
	c.lk.Lock()
	c.network = n
	c.lk.Unlock()

	n.lk.Lock()
	defer n.lk.Unlock()
	n.conns[c.addr] = c
}

func (n *Network) Connect(ctx context.Context, addr pex.Address) (pex.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.lk.Lock()
	n.dials[addr]++
	c, ok := n.conns[addr]
	n.lk.Unlock()
	if ok {
		return c, nil
	}

	if n.hub == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	return n.hub.link(n, addr)
}

func (n *Network) AddMessageListener(l pex.MessageListener) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Network) RemoveMessageListener(l pex.MessageListener) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.listeners = slices.DeleteFunc(n.listeners, func(other pex.MessageListener) bool {
		return other == l
	})
}

// Dials returns how many times the Address was connected to.
func (n *Network) Dials(addr pex.Address) int {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.dials[addr]
}

func (n *Network) messageListeners() []pex.MessageListener {
	n.lk.Lock()
	defer n.lk.Unlock()
	return slices.Clone(n.listeners)
}

// Hub links Networks of several in-memory nodes.
type Hub struct {
	lk       sync.Mutex
	networks map[pex.Address]*Network
}

func NewHub() *Hub {
	return &Hub{networks: make(map[pex.Address]*Network)}
}

// Network returns the Network of the node with the given Address creating it
// if necessary.
func (h *Hub) Network(self pex.Address) *Network {
	h.lk.Lock()
	defer h.lk.Unlock()
	n, ok := h.networks[self]
	if !ok {
		n = NewNetwork(self)
		n.hub = h
		h.networks[self] = n
	}
	return n
}

// link establishes a pair of Conns between the local Network and the remote node.
func (h *Hub) link(local *Network, addr pex.Address) (pex.Connection, error) {
	h.lk.Lock()
	remote, ok := h.networks[addr]
	h.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	out, in := NewConn(addr), NewConn(local.self)
	out.OnSend(func(_ context.Context, msg pex.Message) error {
		go in.Deliver(msg)
		return nil
	})
	in.OnSend(func(_ context.Context, msg pex.Message) error {
		go out.Deliver(msg)
		return nil
	})

	local.lk.Lock()
	if existing, ok := local.conns[addr]; ok {
		// raced with another dial
		local.lk.Unlock()
		return existing, nil
	}
	local.conns[addr] = out
	local.lk.Unlock()
	out.lk.Lock()
	out.network = local
	out.lk.Unlock()

	remote.AddConn(in)
	return out, nil
}
