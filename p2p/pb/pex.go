// Package pb implements the wire format of peer exchange messages.
//
// Messages are encoded with the protobuf wire format as described by:
//
//	message Peer {
//	  string address = 1;
//	  int64 date_ms = 2;
//	  int32 num_connections = 3;
//	}
//	message PeerExchange {
//	  int32 nonce = 1;
//	  repeated Peer peers = 2;
//	}
//	message Envelope {
//	  oneof body {
//	    PeerExchange request = 1;
//	    PeerExchange response = 2;
//	  }
//	}
package pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidLength = errors.New("pb: invalid length")
	ErrEmptyEnvelope = errors.New("pb: envelope has no body")
)

const (
	peerAddressField        protowire.Number = 1
	peerDateField           protowire.Number = 2
	peerNumConnectionsField protowire.Number = 3

	exchangeNonceField protowire.Number = 1
	exchangePeersField protowire.Number = 2

	envelopeRequestField  protowire.Number = 1
	envelopeResponseField protowire.Number = 2
)

type Peer struct {
	Address        string
	DateMs         int64
	NumConnections int32
}

func (m *Peer) Size() (n int) {
	if m == nil {
		return 0
	}
	if len(m.Address) > 0 {
		n += protowire.SizeTag(peerAddressField) + protowire.SizeBytes(len(m.Address))
	}
	if m.DateMs != 0 {
		n += protowire.SizeTag(peerDateField) + protowire.SizeVarint(uint64(m.DateMs))
	}
	if m.NumConnections != 0 {
		n += protowire.SizeTag(peerNumConnectionsField) + protowire.SizeVarint(uint64(m.NumConnections))
	}
	return n
}

func (m *Peer) Marshal() ([]byte, error) {
	return m.append(make([]byte, 0, m.Size())), nil
}

func (m *Peer) MarshalTo(data []byte) (int, error) {
	return marshalTo(m.Size(), m.append, data)
}

func (m *Peer) append(b []byte) []byte {
	if len(m.Address) > 0 {
		b = protowire.AppendTag(b, peerAddressField, protowire.BytesType)
		b = protowire.AppendString(b, m.Address)
	}
	if m.DateMs != 0 {
		b = protowire.AppendTag(b, peerDateField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DateMs))
	}
	if m.NumConnections != 0 {
		b = protowire.AppendTag(b, peerNumConnectionsField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.NumConnections))
	}
	return b
}

func (m *Peer) Unmarshal(data []byte) error {
	*m = Peer{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == peerAddressField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Address = v
			return n, nil
		case num == peerDateField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.DateMs = int64(v)
			return n, nil
		case num == peerNumConnectionsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.NumConnections = int32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// PeerExchange is the body of both requests and responses.
type PeerExchange struct {
	Nonce int32
	Peers []*Peer
}

func (m *PeerExchange) Size() (n int) {
	if m == nil {
		return 0
	}
	if m.Nonce != 0 {
		n += protowire.SizeTag(exchangeNonceField) + protowire.SizeVarint(uint64(m.Nonce))
	}
	for _, p := range m.Peers {
		n += protowire.SizeTag(exchangePeersField) + protowire.SizeBytes(p.Size())
	}
	return n
}

func (m *PeerExchange) MarshalTo(data []byte) (int, error) {
	return marshalTo(m.Size(), m.append, data)
}

func (m *PeerExchange) append(b []byte) []byte {
	if m.Nonce != 0 {
		b = protowire.AppendTag(b, exchangeNonceField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Nonce))
	}
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, exchangePeersField, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(p.Size()))
		b = p.append(b)
	}
	return b
}

func (m *PeerExchange) Unmarshal(data []byte) error {
	*m = PeerExchange{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == exchangeNonceField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Nonce = int32(v)
			return n, nil
		case num == exchangePeersField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			p := new(Peer)
			if err := p.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("peer %d: %w", len(m.Peers), err)
			}
			m.Peers = append(m.Peers, p)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Envelope carries exactly one of Request or Response.
type Envelope struct {
	Request  *PeerExchange
	Response *PeerExchange
}

func (m *Envelope) body() (protowire.Number, *PeerExchange) {
	switch {
	case m.Request != nil:
		return envelopeRequestField, m.Request
	case m.Response != nil:
		return envelopeResponseField, m.Response
	default:
		return 0, nil
	}
}

func (m *Envelope) Size() int {
	if m == nil {
		return 0
	}
	num, body := m.body()
	if body == nil {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(body.Size())
}

func (m *Envelope) Marshal() ([]byte, error) {
	if _, body := m.body(); body == nil {
		return nil, ErrEmptyEnvelope
	}
	return m.append(make([]byte, 0, m.Size())), nil
}

func (m *Envelope) MarshalTo(data []byte) (int, error) {
	if _, body := m.body(); body == nil {
		return 0, ErrEmptyEnvelope
	}
	return marshalTo(m.Size(), m.append, data)
}

func (m *Envelope) append(b []byte) []byte {
	num, body := m.body()
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(body.Size()))
	return body.append(b)
}

func (m *Envelope) Unmarshal(data []byte) error {
	*m = Envelope{}
	err := unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != envelopeRequestField && num != envelopeResponseField) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		body := new(PeerExchange)
		if err := body.Unmarshal(v); err != nil {
			return 0, err
		}
		// the last body wins as for any oneof
		m.Request, m.Response = nil, nil
		if num == envelopeRequestField {
			m.Request = body
		} else {
			m.Response = body
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	if _, body := m.body(); body == nil {
		return ErrEmptyEnvelope
	}
	return nil
}

func marshalTo(size int, appendFn func([]byte) []byte, data []byte) (int, error) {
	if len(data) < size {
		return 0, fmt.Errorf("%w: buffer of %d bytes, need %d", ErrInvalidLength, len(data), size)
	}
	out := appendFn(data[:0])
	return len(out), nil
}

// unmarshalFields walks over fields of a message calling fn for every field value.
// fn returns the amount of consumed bytes or a negative protowire error code.
func unmarshalFields(
	data []byte,
	fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error),
) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}
