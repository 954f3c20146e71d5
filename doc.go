/*
Package pex defines the domain of the peer exchange protocol: Peers, the exchanged
Messages and the collaborators the protocol is built upon.

A node learns about other reachable nodes without a centralized directory by
exchanging its known peers with remote nodes. Every exchange is a Request carrying the
node's own knowledge answered by a Response with the remote's knowledge, both
correlated by a random nonce.

The protocol itself lives in the p2p package. This package only provides:

  - Peer, Address and Load data types along with sorting and deduplication helpers;
  - Message sum type of *Request and *Response;
  - Connection and Network interfaces abstracting the transport;
  - PeerGroup interface abstracting the node's knowledge of connected, reported,
    persisted and seed peers.

Concrete implementations are available in the p2p (libp2p Network), peergroup
(PeerGroup) and store (persisted peers) packages.
*/
package pex
