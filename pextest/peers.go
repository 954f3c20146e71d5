package pextest

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/celestiaorg/go-pex"
)

// RandAddress returns a random multiaddr-like Address.
func RandAddress() pex.Address {
	//nolint:gosec // G404: test addresses only
	return pex.Address(fmt.Sprintf("/ip4/10.%d.%d.%d/tcp/%d",
		rand.Intn(256), rand.Intn(256), rand.Intn(256), 1024+rand.Intn(60000)))
}

// RandPeer returns a fresh Peer with a random Address and load.
func RandPeer() pex.Peer {
	//nolint:gosec // G404: test peers only
	return pex.NewPeer(RandAddress(), time.Now().Add(-time.Duration(rand.Intn(3600))*time.Second), rand.Intn(50))
}

// RandPeers returns n fresh Peers with distinct Addresses.
func RandPeers(n int) []pex.Peer {
	seen := make(map[pex.Address]struct{}, n)
	peers := make([]pex.Peer, 0, n)
	for len(peers) < n {
		p := RandPeer()
		if _, ok := seen[p.Address]; ok {
			continue
		}
		seen[p.Address] = struct{}{}
		peers = append(peers, p)
	}
	return peers
}
