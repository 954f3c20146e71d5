package peergroup

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/celestiaorg/go-pex"
)

// Option is the functional option that is applied to the Group to configure its parameters.
type Option func(*Parameters)

// Parameters is the set of parameters that must be configured for the Group.
type Parameters struct {
	// MinConnections is the amount of connections below which the node keeps
	// redoing the initial peer exchange.
	MinConnections int
	// TargetConnections is the amount of connections the node aims for.
	TargetConnections int
	// MaxReportedPeers caps the amount of reported peers kept in memory.
	// The least recently reported ones are evicted first.
	MaxReportedPeers int
	// MaxPersistedPeers caps the amount of peers stored on Stop.
	MaxPersistedPeers int
	// QuarantineTTL is how long a quarantined peer is avoided.
	QuarantineTTL time.Duration
	// MaxQuarantined caps the amount of quarantined peers.
	MaxQuarantined int
	// MaxPeerAge is the age after which persisted peers are dropped.
	// It should match the Exchange's MaxPeerAge.
	MaxPeerAge time.Duration

	// metrics is a flag that enables metrics collection
	metrics bool
	clock   clock.Clock
}

// DefaultParameters returns the default params to configure the Group.
func DefaultParameters() Parameters {
	return Parameters{
		MinConnections:    8,
		TargetConnections: 10,
		MaxReportedPeers:  200,
		MaxPersistedPeers: 200,
		QuarantineTTL:     30 * time.Minute,
		MaxQuarantined:    1000,
		MaxPeerAge:        pex.MaxPeerAge,
		clock:             clock.New(),
	}
}

func (p *Parameters) Validate() error {
	if p.MinConnections <= 0 {
		return fmt.Errorf("invalid min connections: %d", p.MinConnections)
	}
	if p.TargetConnections < p.MinConnections {
		return fmt.Errorf("target connections %d must not be less than min connections %d",
			p.TargetConnections, p.MinConnections)
	}
	if p.MaxReportedPeers <= 0 {
		return fmt.Errorf("invalid max reported peers: %d", p.MaxReportedPeers)
	}
	if p.MaxPersistedPeers < 0 {
		return fmt.Errorf("invalid max persisted peers: %d", p.MaxPersistedPeers)
	}
	if p.QuarantineTTL <= 0 {
		return fmt.Errorf("invalid quarantine ttl: %v", p.QuarantineTTL)
	}
	if p.MaxQuarantined <= 0 {
		return fmt.Errorf("invalid max quarantined: %d", p.MaxQuarantined)
	}
	if p.MaxPeerAge <= 0 {
		return fmt.Errorf("invalid max peer age: %v", p.MaxPeerAge)
	}
	if p.clock == nil {
		return fmt.Errorf("clock is not set")
	}
	return nil
}

// WithParams is a functional option that overrides Parameters.
func WithParams(params Parameters) Option {
	return func(p *Parameters) {
		params.metrics, params.clock = p.metrics, p.clock
		*p = params
	}
}

// WithMetrics is a functional option that enables metrics collection.
func WithMetrics() Option {
	return func(p *Parameters) {
		p.metrics = true
	}
}

// WithClock is a functional option that sets the clock used to date peers.
func WithClock(clk clock.Clock) Option {
	return func(p *Parameters) {
		p.clock = clk
	}
}
