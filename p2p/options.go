package p2p

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/celestiaorg/go-pex"
)

// parameters is an interface that encompasses all params needed for
// the exchange and its transport.
type parameters interface {
	ExchangeParameters | HostParameters
}

// Option is the functional option that is applied to the exchange or the
// host network to configure their parameters.
type Option[T parameters] func(*T)

// ExchangeParameters is the set of parameters that must be configured for the Exchange.
type ExchangeParameters struct {
	// NumSeedNodesAtBootstrap is the maximum amount of seed nodes contacted in a single
	// initial exchange round.
	NumSeedNodesAtBootstrap int
	// NumPersistedPeersAtBootstrap is the maximum amount of persisted peers contacted in
	// a single round.
	NumPersistedPeersAtBootstrap int
	// NumReportedPeersAtBootstrap is the maximum amount of reported peers contacted in a
	// single round. It is also the amount of reported peers considered sufficient to stop
	// redoing the initial exchange.
	NumReportedPeersAtBootstrap int
	// MaxPeerAge is the age after which peers are neither contacted nor shared.
	MaxPeerAge time.Duration
	// RedoFailureRatio is the share of failed requests in a round above which the initial
	// exchange is redone.
	RedoFailureRatio float64
	// RequestTimeout bounds a single request/response exchange with a peer.
	RequestTimeout time.Duration
	// InitialRetryDelay is the delay before redoing an insufficient initial exchange.
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the retry delay that doubles on every consecutive
	// insufficient round.
	MaxRetryDelay time.Duration
	// MaxConcurrentRequests limits the amount of peers requested in parallel
	// by the default executor.
	MaxConcurrentRequests int

	// networkID is a network that will be used to create a protocol.ID
	// Is empty by default
	networkID string
	// metrics is a flag that enables metrics collection
	metrics bool
	// executor runs per-candidate exchanges and inbound responses.
	// If nil, a worker pool owned by the Exchange is used.
	executor Executor
	// clock drives retry scheduling and peer ages.
	clock clock.Clock
}

// DefaultExchangeParameters returns the default params to configure the Exchange.
func DefaultExchangeParameters() ExchangeParameters {
	return ExchangeParameters{
		NumSeedNodesAtBootstrap:      2,
		NumPersistedPeersAtBootstrap: 40,
		NumReportedPeersAtBootstrap:  20,
		MaxPeerAge:                   pex.MaxPeerAge,
		RedoFailureRatio:             0.5,
		RequestTimeout:               30 * time.Second,
		InitialRetryDelay:            time.Second,
		MaxRetryDelay:                time.Minute,
		MaxConcurrentRequests:        16,
		clock:                        clock.New(),
	}
}

func (p *ExchangeParameters) Validate() error {
	if p.NumSeedNodesAtBootstrap < 0 {
		return fmt.Errorf("invalid number of seed nodes at bootstrap: %d", p.NumSeedNodesAtBootstrap)
	}
	if p.NumPersistedPeersAtBootstrap < 0 {
		return fmt.Errorf("invalid number of persisted peers at bootstrap: %d", p.NumPersistedPeersAtBootstrap)
	}
	if p.NumReportedPeersAtBootstrap < 0 {
		return fmt.Errorf("invalid number of reported peers at bootstrap: %d", p.NumReportedPeersAtBootstrap)
	}
	if p.MaxPeerAge <= 0 {
		return fmt.Errorf("invalid max peer age: %v", p.MaxPeerAge)
	}
	if p.RedoFailureRatio < 0 || p.RedoFailureRatio >= 1 {
		return fmt.Errorf("invalid redo failure ratio: %v, must be within [0, 1)", p.RedoFailureRatio)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v", p.RequestTimeout)
	}
	if p.InitialRetryDelay <= 0 {
		return fmt.Errorf("invalid initial retry delay: %v", p.InitialRetryDelay)
	}
	if p.MaxRetryDelay < p.InitialRetryDelay {
		return fmt.Errorf("max retry delay %v must not be less than initial retry delay %v",
			p.MaxRetryDelay, p.InitialRetryDelay)
	}
	if p.executor == nil && p.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("invalid max concurrent requests: %d", p.MaxConcurrentRequests)
	}
	if p.clock == nil {
		return fmt.Errorf("clock is not set")
	}
	return nil
}

// HostParameters is the set of parameters that must be configured for the HostNetwork.
type HostParameters struct {
	// ConnectTimeout bounds dialing a peer and opening a stream to it.
	ConnectTimeout time.Duration
	// WriteTimeout bounds writing a single message to a stream.
	WriteTimeout time.Duration
	// RTTWindow is the amount of the latest round-trip times kept per connection.
	RTTWindow int

	// networkID is a network that will be used to create a protocol.ID
	networkID string
}

// DefaultHostParameters returns the default params to configure the HostNetwork.
func DefaultHostParameters() HostParameters {
	return HostParameters{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		RTTWindow:      10,
	}
}

func (p *HostParameters) Validate() error {
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %v", p.ConnectTimeout)
	}
	if p.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %v", p.WriteTimeout)
	}
	if p.RTTWindow <= 0 {
		return fmt.Errorf("invalid rtt window: %d", p.RTTWindow)
	}
	return nil
}

// WithParams is a functional option that overrides Parameters.
func WithParams[T parameters](params T) Option[T] {
	return func(p *T) {
		// keep unexported fields of the current params
		switch t := any(p).(type) {
		case *ExchangeParameters:
			n := any(params).(ExchangeParameters)
			n.networkID, n.metrics, n.executor, n.clock = t.networkID, t.metrics, t.executor, t.clock
			*t = n
		case *HostParameters:
			n := any(params).(HostParameters)
			n.networkID = t.networkID
			*t = n
		}
	}
}

// WithNetworkID is a functional option that configures the
// `networkID` parameter.
func WithNetworkID[T parameters](networkID string) Option[T] {
	return func(p *T) {
		switch t := any(p).(type) {
		case *ExchangeParameters:
			t.networkID = networkID
		case *HostParameters:
			t.networkID = networkID
		}
	}
}

// WithMetrics is a functional option that enables metrics collection
// for the Exchange.
func WithMetrics() Option[ExchangeParameters] {
	return func(p *ExchangeParameters) {
		p.metrics = true
	}
}

// WithExecutor is a functional option that sets the Executor running
// exchange tasks. The Exchange does not stop a given Executor.
func WithExecutor(executor Executor) Option[ExchangeParameters] {
	return func(p *ExchangeParameters) {
		p.executor = executor
	}
}

// WithClock is a functional option that sets the clock used for
// retry scheduling and peer ages.
func WithClock(clk clock.Clock) Option[ExchangeParameters] {
	return func(p *ExchangeParameters) {
		p.clock = clk
	}
}
