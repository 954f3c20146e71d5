package p2p

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsExchangeWithParams(t *testing.T) {
	params := DefaultExchangeParameters()
	mock := clock.NewMock()
	WithNetworkID[ExchangeParameters](networkID)(&params)
	WithClock(mock)(&params)

	timeout := time.Second
	override := DefaultExchangeParameters()
	override.RequestTimeout = timeout
	opt := WithParams(override)

	opt(&params)
	assert.Equal(t, timeout, params.RequestTimeout)
	// unexported fields survive
	assert.Equal(t, networkID, params.networkID)
	assert.Equal(t, mock, params.clock)
	require.NoError(t, params.Validate())
}

func TestOptionsHostWithParams(t *testing.T) {
	params := DefaultHostParameters()
	WithNetworkID[HostParameters](networkID)(&params)

	timeout := time.Second
	opt := WithParams(HostParameters{
		ConnectTimeout: timeout,
		WriteTimeout:   timeout,
		RTTWindow:      1,
	})

	opt(&params)
	assert.Equal(t, timeout, params.ConnectTimeout)
	assert.Equal(t, networkID, params.networkID)
	require.NoError(t, params.Validate())
}

func TestExchangeParameters_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ExchangeParameters)
	}{
		{name: "seed nodes", modify: func(p *ExchangeParameters) { p.NumSeedNodesAtBootstrap = -1 }},
		{name: "persisted peers", modify: func(p *ExchangeParameters) { p.NumPersistedPeersAtBootstrap = -1 }},
		{name: "reported peers", modify: func(p *ExchangeParameters) { p.NumReportedPeersAtBootstrap = -1 }},
		{name: "max peer age", modify: func(p *ExchangeParameters) { p.MaxPeerAge = 0 }},
		{name: "failure ratio", modify: func(p *ExchangeParameters) { p.RedoFailureRatio = 1 }},
		{name: "request timeout", modify: func(p *ExchangeParameters) { p.RequestTimeout = 0 }},
		{name: "initial retry delay", modify: func(p *ExchangeParameters) { p.InitialRetryDelay = 0 }},
		{name: "max retry delay", modify: func(p *ExchangeParameters) { p.MaxRetryDelay = p.InitialRetryDelay / 2 }},
		{name: "concurrent requests", modify: func(p *ExchangeParameters) { p.MaxConcurrentRequests = 0 }},
		{name: "clock", modify: func(p *ExchangeParameters) { p.clock = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultExchangeParameters()
			tt.modify(&params)
			assert.Error(t, params.Validate())
		})
	}

	params := DefaultExchangeParameters()
	params.MaxConcurrentRequests = 0
	WithExecutor(&countingExecutor{})(&params)
	assert.NoError(t, params.Validate())
}
