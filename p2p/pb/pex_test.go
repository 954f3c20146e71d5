package pb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/celestiaorg/go-libp2p-messenger/serde"
)

func TestEnvelope_Serde(t *testing.T) {
	body := &PeerExchange{
		Nonce: -1234,
		Peers: []*Peer{
			{Address: "/ip4/10.0.0.1/tcp/2121/p2p/12D3KooW", DateMs: 1700000000000, NumConnections: 7},
			{Address: "/ip4/10.0.0.2/tcp/2121"},
		},
	}

	tests := []struct {
		name string
		env  *Envelope
	}{
		{name: "request", env: &Envelope{Request: body}},
		{name: "response", env: &Envelope{Response: body}},
		{name: "no peers", env: &Envelope{Response: &PeerExchange{Nonce: 42}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			_, err := serde.Write(buf, tt.env)
			require.NoError(t, err)

			got := new(Envelope)
			_, err = serde.Read(buf, got)
			require.NoError(t, err)
			assert.Equal(t, tt.env, got)
		})
	}
}

func TestEnvelope_Empty(t *testing.T) {
	_, err := (&Envelope{}).Marshal()
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	err = new(Envelope).Unmarshal(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestEnvelope_SkipsUnknownFields(t *testing.T) {
	env := &Envelope{Request: &PeerExchange{Nonce: 1}}
	data, err := env.Marshal()
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)

	got := new(Envelope)
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, env, got)
}

func TestEnvelope_Truncated(t *testing.T) {
	env := &Envelope{Request: &PeerExchange{Nonce: 1, Peers: []*Peer{{Address: "/ip4/10.0.0.1/tcp/1"}}}}
	data, err := env.Marshal()
	require.NoError(t, err)

	err = new(Envelope).Unmarshal(data[:len(data)-3])
	assert.Error(t, err)
}

func TestPeer_MarshalToShortBuffer(t *testing.T) {
	p := &Peer{Address: "/ip4/10.0.0.1/tcp/1"}
	_, err := p.MarshalTo(make([]byte, 2))
	assert.ErrorIs(t, err, ErrInvalidLength)
}
