package pex

// Message is a peer exchange protocol message.
// It is implemented by *Request and *Response only.
type Message interface {
	isMessage()
}

// Request asks the remote side for its known peers while sharing ours.
type Request struct {
	// Nonce correlates the Response with the Request.
	Nonce int32
	Peers []Peer
}

// Response answers a Request carrying the same Nonce.
type Response struct {
	Nonce int32
	Peers []Peer
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}
