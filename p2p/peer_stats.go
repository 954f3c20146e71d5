package p2p

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// maxPeerScore is the score of a peer answering instantly.
const maxPeerScore = 1000

// rttStats keeps a sliding window of a peer's latest round-trip times.
type rttStats struct {
	lk     sync.RWMutex
	window int
	rtts   *deque.Deque[time.Duration]
	// sum of all rtts in the window
	sum time.Duration
}

func newRTTStats(window int) *rttStats {
	return &rttStats{
		window: window,
		rtts:   deque.New[time.Duration](window),
	}
}

// add pushes the rtt into the window evicting the oldest one if the window is full.
func (s *rttStats) add(rtt time.Duration) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.rtts.Len() == s.window {
		s.sum -= s.rtts.PopFront()
	}
	s.rtts.PushBack(rtt)
	s.sum += rtt
}

// average returns the mean rtt over the window or zero if nothing was recorded.
func (s *rttStats) average() time.Duration {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if s.rtts.Len() == 0 {
		return 0
	}
	return s.sum / time.Duration(s.rtts.Len())
}

// score maps the average rtt to [0, maxPeerScore], so faster peers get higher scores.
// Peers answering slower than a second get zero.
func (s *rttStats) score() int {
	avg := s.average()
	if avg == 0 {
		return 0
	}
	return max(0, maxPeerScore-int(avg.Milliseconds()))
}
