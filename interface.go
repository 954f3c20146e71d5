package pex

import (
	"context"
	"time"
)

// Connection is a live, bidirectional message channel to a remote node.
type Connection interface {
	// ID uniquely identifies the Connection for the lifetime of the process.
	ID() string
	// PeerAddress is the Address of the remote node.
	PeerAddress() Address
	// Send writes the Message to the remote side. It returns once the Message
	// has been handed to the transport.
	Send(context.Context, Message) error
	// Subscribe registers the listener for messages received over and for closure of
	// the Connection. The returned Subscription must be canceled once the listener is
	// not needed anymore.
	Subscribe(ConnectionListener) Subscription
	// Metrics provides the Connection's statistics.
	Metrics() ConnectionMetrics
}

// ConnectionMetrics collects statistics of a Connection.
type ConnectionMetrics interface {
	// AddRTT records a single request round-trip time.
	AddRTT(time.Duration)
}

// MessageListener is notified on every Message received from any Connection.
type MessageListener interface {
	OnMessage(Message, Connection)
}

// ConnectionListener is notified on messages and closure of a single Connection.
type ConnectionListener interface {
	MessageListener
	// OnClose is called once when the Connection is closed with the closing reason.
	OnClose(reason error)
}

// Subscription is a scoped listener registration.
type Subscription interface {
	// Cancel removes the registration. It is safe to call Cancel multiple times.
	Cancel()
}

// Network opens Connections to remote nodes and dispatches received messages.
type Network interface {
	// Connect returns a Connection to the given Address reusing an existing one if
	// there is any.
	Connect(context.Context, Address) (Connection, error)
	// AddMessageListener registers the listener for messages from all Connections.
	AddMessageListener(MessageListener)
	// RemoveMessageListener unregisters the listener.
	RemoveMessageListener(MessageListener)
}

// PeerGroup is the node's view over its peers. Implementations must be safe for
// concurrent use.
type PeerGroup interface {
	// ConnectedPeers returns peers the node currently has Connections with.
	ConnectedPeers() []Peer
	// ReportedPeers returns peers learned from other peers.
	ReportedPeers() []Peer
	// PersistedPeers returns peers retained from previous runs.
	PersistedPeers() []Peer
	// SeedAddresses returns the well-known bootstrap addresses.
	SeedAddresses() []Address

	// MinConnections is the minimum amount of connections the node should maintain.
	MinConnections() int
	// TargetConnections is the amount of connections the node aims for.
	TargetConnections() int
	// NumConnections is the current amount of connections.
	NumConnections() int

	// IsSelf reports whether the Address is the node's own.
	IsSelf(Address) bool
	// IsSeed reports whether the Address is one of the seed addresses.
	IsSeed(Address) bool
	// InQuarantine reports whether the Address must be avoided for now.
	InQuarantine(Address) bool

	// AddReportedPeers merges the given peers into the reported peers.
	AddReportedPeers([]Peer)
}
