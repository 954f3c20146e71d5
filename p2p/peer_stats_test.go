package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_RTTStatsWindow(t *testing.T) {
	stats := newRTTStats(3)
	assert.Zero(t, stats.average())
	assert.Zero(t, stats.score())

	for _, rtt := range []time.Duration{10, 20, 30} {
		stats.add(rtt * time.Millisecond)
	}
	assert.Equal(t, 20*time.Millisecond, stats.average())

	// evicts the oldest one
	stats.add(70 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, stats.average())
}

func Test_RTTStatsScore(t *testing.T) {
	fast, slow := newRTTStats(2), newRTTStats(2)
	fast.add(10 * time.Millisecond)
	slow.add(2 * time.Second)

	assert.Equal(t, maxPeerScore-10, fast.score())
	assert.Zero(t, slow.score())
}
