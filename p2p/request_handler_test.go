package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/go-pex"
	"github.com/celestiaorg/go-pex/pextest"
)

func TestRequestHandler_Response(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	peers := pextest.RandPeers(5)
	conn := pextest.NewConn(pextest.RandAddress())
	conn.Reply(peers)

	h := newRequestHandler(conn, clock.New())
	got, err := h.request(ctx, pextest.RandPeers(3))
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	req, ok := sent[0].(*pex.Request)
	require.True(t, ok)
	assert.Equal(t, h.nonce, req.Nonce)
	assert.Len(t, req.Peers, 3)

	assert.Len(t, conn.RTTs(), 1)
	assert.Zero(t, conn.Subscribers())
}

func TestRequestHandler_IgnoresMismatchedNonce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	conn := pextest.NewConn(pextest.RandAddress())
	h := newRequestHandler(conn, clock.New())
	peers := pextest.RandPeers(2)
	conn.OnSend(func(_ context.Context, msg pex.Message) error {
		req := msg.(*pex.Request)
		go func() {
			conn.Deliver(&pex.Response{Nonce: req.Nonce + 1, Peers: pextest.RandPeers(1)})
			conn.Deliver(&pex.Request{Nonce: req.Nonce})
			conn.Deliver(&pex.Response{Nonce: req.Nonce, Peers: peers})
		}()
		return nil
	})

	got, err := h.request(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, peers, got)
	assert.Len(t, conn.RTTs(), 1)
}

func TestRequestHandler_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	t.Cleanup(cancel)

	conn := pextest.NewConn(pextest.RandAddress())
	conn.Drop()

	h := newRequestHandler(conn, clock.New())
	_, err := h.request(ctx, nil)
	assert.ErrorIs(t, err, pex.ErrTimeout)
	assert.Zero(t, conn.Subscribers())
	assert.Empty(t, conn.RTTs())
}

func TestRequestHandler_SendFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	errSend := errors.New("stream reset")
	conn := pextest.NewConn(pextest.RandAddress())
	conn.Fail(errSend)

	h := newRequestHandler(conn, clock.New())
	_, err := h.request(ctx, nil)
	assert.ErrorIs(t, err, errSend)
	assert.Zero(t, conn.Subscribers())
}

func TestRequestHandler_ConnectionClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	conn := pextest.NewConn(pextest.RandAddress())
	conn.OnSend(func(context.Context, pex.Message) error {
		go conn.Close(errors.New("eof"))
		return nil
	})

	h := newRequestHandler(conn, clock.New())
	_, err := h.request(ctx, nil)
	assert.ErrorIs(t, err, pex.ErrCanceled)
	assert.ErrorIs(t, err, pex.ErrConnectionClosed)
}

func TestRequestHandler_Dispose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	conn := pextest.NewConn(pextest.RandAddress())
	h := newRequestHandler(conn, clock.New())

	errCh := make(chan error, 1)
	go func() {
		_, err := h.request(ctx, nil)
		errCh <- err
	}()
	assert.Eventually(t, func() bool {
		return len(conn.Sent()) == 1
	}, time.Second, time.Millisecond*10)

	h.dispose()
	h.dispose()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, pex.ErrCanceled)
	case <-ctx.Done():
		t.Fatal("request was not released on dispose")
	}
	assert.Zero(t, conn.Subscribers())
}
