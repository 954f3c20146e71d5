package pex

import (
	"slices"
	"time"
)

const (
	// MaxPeerAge is the age after which a Peer is no longer selected as a candidate
	// nor shared with other peers.
	MaxPeerAge = 10 * 24 * time.Hour
	// MaxReportedPeers bounds the reported peers working set as well as the amount of
	// peers carried by a single exchange message.
	MaxReportedPeers = 200
)

// Address identifies a remote node. It is opaque to the exchange protocol and is only
// interpreted by the Network that dials it.
type Address string

// String implements fmt.Stringer interface.
func (a Address) String() string {
	return string(a)
}

// Load is the self-reported load of a Peer.
type Load struct {
	NumConnections int `json:"num_connections"`
}

// Peer is a known remote node along with the time it was last seen.
// Peers are compared by Address only.
type Peer struct {
	Address Address   `json:"address"`
	Date    time.Time `json:"date"`
	Load    Load      `json:"load"`
}

// NewPeer creates a Peer for the given address seen at the given time.
func NewPeer(addr Address, date time.Time, numConnections int) Peer {
	return Peer{
		Address: addr,
		Date:    date,
		Load:    Load{NumConnections: numConnections},
	}
}

// Age returns how long ago the Peer was seen relative to now.
func (p Peer) Age(now time.Time) time.Duration {
	return now.Sub(p.Date)
}

// IsZero reports whether the Peer has no address.
func (p Peer) IsZero() bool {
	return p.Address == ""
}

// SortByDate sorts peers in place, most recently seen first.
func SortByDate(peers []Peer) {
	slices.SortStableFunc(peers, compareByDate)
}

// SortByLoadThenDate sorts peers in place by ascending connection count and
// by most recent date among equally loaded peers.
func SortByLoadThenDate(peers []Peer) {
	slices.SortStableFunc(peers, func(a, b Peer) int {
		if a.Load.NumConnections != b.Load.NumConnections {
			return a.Load.NumConnections - b.Load.NumConnections
		}
		return compareByDate(a, b)
	})
}

func compareByDate(a, b Peer) int {
	return b.Date.Compare(a.Date)
}

// Dedup removes peers with an already seen Address keeping the first occurrence.
// The order of remaining peers is preserved.
func Dedup(peers []Peer) []Peer {
	seen := make(map[Address]struct{}, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p.Address]; ok {
			continue
		}
		seen[p.Address] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Addresses returns addresses of the given peers in the same order.
func Addresses(peers []Peer) []Address {
	addrs := make([]Address, len(peers))
	for i, p := range peers {
		addrs[i] = p.Address
	}
	return addrs
}
