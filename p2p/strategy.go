package p2p

import (
	"math/rand"
	"sync"

	"go.uber.org/zap/zapcore"

	"github.com/celestiaorg/go-pex"
)

// strategy decides which peers are contacted during an exchange round and
// which peers are trusted from the received reports.
type strategy struct {
	group  pex.PeerGroup
	params *ExchangeParameters

	// usedAddresses holds addresses already selected as candidates,
	// so we don't contact the same peers over and over.
	usedAddresses sync.Map
}

func newStrategy(group pex.PeerGroup, params *ExchangeParameters) *strategy {
	return &strategy{
		group:  group,
		params: params,
	}
}

// addressesForInitialExchange returns candidates for the initial exchange in the
// order of priority: seeds, reported, persisted and connected peers.
func (s *strategy) addressesForInitialExchange() []pex.Address {
	return s.candidates(func() [][]pex.Address {
		return [][]pex.Address{
			s.seedAddresses(),
			s.reportedAddresses(),
			s.persistedAddresses(),
			s.connectedAddresses(),
		}
	})
}

// addressesForFurtherExchange returns candidates for exchanges after bootstrap.
// Seeds and connected peers are omitted as we already exchanged with them.
func (s *strategy) addressesForFurtherExchange() []pex.Address {
	return s.candidates(func() [][]pex.Address {
		return [][]pex.Address{
			s.reportedAddresses(),
			s.persistedAddresses(),
		}
	})
}

func (s *strategy) candidates(priorities func() [][]pex.Address) []pex.Address {
	addrs := s.limitedCandidates(priorities())
	if len(addrs) == 0 {
		// every known peer was already tried, though they may know other peers by now
		log.Debug("all candidates were used, resetting used addresses")
		s.clearUsed()
		addrs = s.limitedCandidates(priorities())
	}

	for _, addr := range addrs {
		s.usedAddresses.Store(addr, struct{}{})
	}
	if log.Level().Enabled(zapcore.DebugLevel) {
		log.Debugw("selected candidates", "amount", len(addrs), "candidates", addrs)
	}
	return addrs
}

// limitedCandidates flattens the priority list removing duplicates and
// cuts it to the limit.
func (s *strategy) limitedCandidates(priorities [][]pex.Address) []pex.Address {
	limit := s.limit()
	seen := make(map[pex.Address]struct{})
	addrs := make([]pex.Address, 0, limit)
	for _, list := range priorities {
		for _, addr := range list {
			if len(addrs) == limit {
				return addrs
			}
			if _, ok := seen[addr]; ok || s.group.IsSelf(addr) {
				continue
			}
			seen[addr] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (s *strategy) seedAddresses() []pex.Address {
	seeds := shuffle(s.group.SeedAddresses())
	addrs := make([]pex.Address, 0, s.params.NumSeedNodesAtBootstrap)
	for _, addr := range seeds {
		if len(addrs) == s.params.NumSeedNodesAtBootstrap {
			break
		}
		if s.group.IsSelf(addr) || s.isUsed(addr) {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func (s *strategy) reportedAddresses() []pex.Address {
	peers := s.filterCandidates(s.group.ReportedPeers())
	pex.SortByLoadThenDate(peers)
	return capAddresses(peers, s.params.NumReportedPeersAtBootstrap)
}

func (s *strategy) persistedAddresses() []pex.Address {
	peers := s.filterCandidates(s.group.PersistedPeers())
	pex.SortByDate(peers)
	return capAddresses(peers, s.params.NumPersistedPeersAtBootstrap)
}

func (s *strategy) connectedAddresses() []pex.Address {
	peers := make([]pex.Peer, 0)
	for _, p := range s.group.ConnectedPeers() {
		if s.group.IsSeed(p.Address) || s.isUsed(p.Address) {
			continue
		}
		peers = append(peers, p)
	}
	pex.SortByLoadThenDate(peers)
	return pex.Addresses(peers)
}

// filterCandidates keeps fresh peers that are not seeds, not quarantined and
// were not used yet.
func (s *strategy) filterCandidates(peers []pex.Peer) []pex.Peer {
	now := s.params.clock.Now()
	out := make([]pex.Peer, 0, len(peers))
	for _, p := range peers {
		switch {
		case s.group.IsSelf(p.Address),
			s.group.IsSeed(p.Address),
			s.group.InQuarantine(p.Address),
			s.isUsed(p.Address),
			p.Age(now) >= s.params.MaxPeerAge:
			continue
		}
		out = append(out, p)
	}
	return out
}

// peersFor returns the peers we share with the given target.
func (s *strategy) peersFor(target pex.Address) []pex.Peer {
	connected := s.group.ConnectedPeers()
	reported := s.group.ReportedPeers()
	peers := make([]pex.Peer, 0, len(connected)+len(reported))
	peers = append(peers, connected...)
	peers = append(peers, reported...)
	pex.SortByDate(peers)
	return s.validPeers(target, pex.Dedup(peers))
}

// addReportedPeers accepts peers reported by the source peer.
func (s *strategy) addReportedPeers(peers []pex.Peer, source pex.Address) {
	valid := s.validPeers(source, peers)
	if len(valid) == 0 {
		return
	}
	s.group.AddReportedPeers(valid)
}

// validPeers filters peers with isValid and caps them with pex.MaxReportedPeers.
func (s *strategy) validPeers(target pex.Address, peers []pex.Peer) []pex.Peer {
	out := make([]pex.Peer, 0, min(len(peers), pex.MaxReportedPeers))
	for _, p := range peers {
		if len(out) == pex.MaxReportedPeers {
			break
		}
		if s.isValid(target, p) {
			out = append(out, p)
		}
	}
	return out
}

// isValid reports whether the peer can be exchanged with the target.
// Seeds are never exchanged to keep them lightly loaded.
func (s *strategy) isValid(target pex.Address, p pex.Peer) bool {
	return p.Address != target &&
		!s.group.IsSelf(p.Address) &&
		!s.group.IsSeed(p.Address) &&
		p.Age(s.params.clock.Now()) < s.params.MaxPeerAge
}

// redoInitialExchange reports whether the last round did not get us enough
// peers or connections and thus has to be repeated.
func (s *strategy) redoInitialExchange(numSuccess, numRequests int) bool {
	failed := numRequests - numSuccess
	tooManyFailed := float64(failed) > float64(numRequests)*s.params.RedoFailureRatio
	return tooManyFailed || !s.sufficientConnections() || !s.sufficientReportedPeers()
}

func (s *strategy) sufficientConnections() bool {
	return s.group.NumConnections() >= s.group.MinConnections()
}

func (s *strategy) sufficientReportedPeers() bool {
	return len(s.group.ReportedPeers()) >= s.params.NumReportedPeersAtBootstrap
}

// limit is the amount of candidates contacted in a single round.
// If we have enough connections but lack reported peers, we still want to
// exchange with more peers.
func (s *strategy) limit() int {
	minConns := s.group.MinConnections()
	missing := s.group.TargetConnections() - s.group.NumConnections()
	limit := max(minConns/4, missing)
	if limit == minConns/4 && len(s.group.ReportedPeers()) < s.params.NumReportedPeersAtBootstrap/4 {
		limit = minConns / 2
	}
	return limit
}

func (s *strategy) isUsed(addr pex.Address) bool {
	_, ok := s.usedAddresses.Load(addr)
	return ok
}

func (s *strategy) clearUsed() {
	s.usedAddresses.Range(func(key, _ any) bool {
		s.usedAddresses.Delete(key)
		return true
	})
}

func (s *strategy) shutdown() {
	s.clearUsed()
}

func capAddresses(peers []pex.Peer, limit int) []pex.Address {
	if len(peers) > limit {
		peers = peers[:limit]
	}
	return pex.Addresses(peers)
}

// shuffle returns a shuffled copy of addrs.
func shuffle(addrs []pex.Address) []pex.Address {
	out := make([]pex.Address, len(addrs))
	copy(out, addrs)
	//nolint:gosec // G404: Use of weak random number generator
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
