package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/celestiaorg/go-pex"
)

// requestHandler performs a single peer exchange request over a connection
// and awaits the response with the matching nonce.
type requestHandler struct {
	conn  pex.Connection
	nonce int32
	clock clock.Clock

	once  sync.Once
	done  chan struct{}
	peers []pex.Peer
	err   error

	subLk  sync.Mutex
	sub    pex.Subscription
	sentAt time.Time
}

func newRequestHandler(conn pex.Connection, clk clock.Clock) *requestHandler {
	return &requestHandler{
		conn: conn,
		//nolint:gosec // G404: nonces only correlate responses
		nonce: rand.Int31(),
		clock: clk,
		done:  make(chan struct{}),
	}
}

// request sends our peers to the remote side and waits for its peers in return.
func (h *requestHandler) request(ctx context.Context, peers []pex.Peer) ([]pex.Peer, error) {
	h.subLk.Lock()
	h.sentAt = h.clock.Now()
	h.sub = h.conn.Subscribe(h)
	h.subLk.Unlock()
	defer h.cancelSubscription()

	select {
	case <-h.done:
		// disposed before the request was sent
		return h.peers, h.err
	default:
	}

	err := h.conn.Send(ctx, &pex.Request{Nonce: h.nonce, Peers: peers})
	if err != nil {
		h.complete(nil, fmt.Errorf("sending request to %s: %w", h.conn.PeerAddress(), err))
		h.dispose()
		return h.peers, h.err
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			h.complete(nil, pex.ErrTimeout)
		} else {
			h.complete(nil, fmt.Errorf("%w: %w", pex.ErrCanceled, ctx.Err()))
		}
		h.dispose()
	}
	return h.peers, h.err
}

func (h *requestHandler) OnMessage(msg pex.Message, conn pex.Connection) {
	resp, ok := msg.(*pex.Response)
	if !ok {
		return
	}
	if resp.Nonce != h.nonce {
		log.Debugw("ignoring response with unexpected nonce",
			"peer", conn.PeerAddress(), "nonce", resp.Nonce, "expected", h.nonce)
		return
	}
	if h.completed() {
		return
	}

	h.subLk.Lock()
	rtt := h.clock.Since(h.sentAt)
	h.subLk.Unlock()
	conn.Metrics().AddRTT(rtt)

	h.cancelSubscription()
	h.complete(resp.Peers, nil)
}

func (h *requestHandler) OnClose(reason error) {
	log.Debugw("connection closed while awaiting response", "peer", h.conn.PeerAddress(), "reason", reason)
	h.complete(nil, fmt.Errorf("%w: %w", pex.ErrCanceled, pex.ErrConnectionClosed))
	h.dispose()
}

// dispose cancels the request if it is still pending. It is safe to call
// dispose multiple times.
func (h *requestHandler) dispose() {
	h.complete(nil, pex.ErrCanceled)
	h.cancelSubscription()
}

func (h *requestHandler) complete(peers []pex.Peer, err error) {
	h.once.Do(func() {
		h.peers, h.err = peers, err
		close(h.done)
	})
}

func (h *requestHandler) completed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *requestHandler) cancelSubscription() {
	h.subLk.Lock()
	defer h.subLk.Unlock()
	if h.sub != nil {
		h.sub.Cancel()
		h.sub = nil
	}
}
