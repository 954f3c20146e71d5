package p2p

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/workerpool"
	logging "github.com/ipfs/go-log/v2"

	"github.com/celestiaorg/go-pex"
)

var log = logging.Logger("pex/p2p")

// Executor runs exchange tasks asynchronously.
type Executor interface {
	Submit(task func())
}

// Exchange discovers peers by exchanging known peers with remote nodes.
// It sends outbound Requests to candidates chosen from the PeerGroup and
// answers inbound Requests from the Network.
type Exchange struct {
	ctx    context.Context
	cancel context.CancelFunc

	network  pex.Network
	group    pex.PeerGroup
	strategy *strategy

	executor Executor
	// pool is set only when the Exchange owns its executor
	pool  *workerpool.WorkerPool
	clock clock.Clock

	// handlers maps connection IDs to in-flight requestHandlers.
	handlers sync.Map

	// submitLk guards executor submissions against a concurrent Stop
	submitLk sync.RWMutex
	stopped  atomic.Bool

	retryLk    sync.Mutex
	retryTimer *clock.Timer
	retryDelay time.Duration

	Params ExchangeParameters

	metrics *exchangeMetrics
}

func NewExchange(
	network pex.Network,
	group pex.PeerGroup,
	opts ...Option[ExchangeParameters],
) (*Exchange, error) {
	params := DefaultExchangeParameters()
	for _, opt := range opts {
		opt(&params)
	}

	err := params.Validate()
	if err != nil {
		return nil, err
	}

	var metrics *exchangeMetrics
	if params.metrics {
		metrics, err = newExchangeMetrics()
		if err != nil {
			return nil, err
		}
	}

	ex := &Exchange{
		network:    network,
		group:      group,
		executor:   params.executor,
		clock:      params.clock,
		retryDelay: params.InitialRetryDelay,
		Params:     params,
		metrics:    metrics,
	}
	ex.strategy = newStrategy(group, &ex.Params)
	if ex.executor == nil {
		ex.pool = workerpool.New(params.MaxConcurrentRequests)
		ex.executor = ex.pool
	}
	ex.ctx, ex.cancel = context.WithCancel(context.Background())
	ex.metrics.retryDelaySet(ex.retryDelay)
	return ex, nil
}

// Start registers the Exchange to answer inbound Requests.
func (ex *Exchange) Start(context.Context) error {
	if ex.stopped.Load() {
		return pex.ErrStopped
	}
	log.Infow("starting peer exchange", "network", ex.Params.networkID)
	ex.network.AddMessageListener(ex)
	return nil
}

// Stop cancels all pending requests and scheduled retries. Further
// exchanges return immediately.
func (ex *Exchange) Stop(ctx context.Context) error {
	ex.submitLk.Lock()
	swapped := ex.stopped.CompareAndSwap(false, true)
	ex.submitLk.Unlock()
	if !swapped {
		return nil
	}

	ex.cancel()
	ex.retryLk.Lock()
	ex.stopRetryTimer()
	ex.retryLk.Unlock()

	ex.handlers.Range(func(key, value any) bool {
		value.(*requestHandler).dispose()
		ex.handlers.Delete(key)
		return true
	})
	ex.strategy.shutdown()
	ex.network.RemoveMessageListener(ex)

	err := ex.metrics.Close()
	if ex.pool == nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		ex.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// InitialPeerExchange exchanges peers with seeds and other known peers to bootstrap the node.
// It returns as soon as any candidate succeeds or all candidates fail. If the round
// turns out insufficient, it is redone in background with an increasing delay.
func (ex *Exchange) InitialPeerExchange(ctx context.Context) error {
	return ex.peerExchange(ctx, ex.strategy.addressesForInitialExchange())
}

// FurtherPeerExchange exchanges peers with reported and persisted peers once the
// node is bootstrapped.
func (ex *Exchange) FurtherPeerExchange(ctx context.Context) error {
	return ex.peerExchange(ctx, ex.strategy.addressesForFurtherExchange())
}

func (ex *Exchange) peerExchange(ctx context.Context, addrs []pex.Address) error {
	if len(addrs) == 0 || ex.stopped.Load() {
		return nil
	}

	results := make(chan bool, len(addrs))
	first := make(chan struct{})
	for _, addr := range addrs {
		ok := ex.submit(func() {
			results <- ex.exchangeWith(addr)
		})
		if !ok {
			return pex.ErrStopped
		}
	}
	go ex.aggregate(results, first, len(addrs))

	select {
	case <-first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ex.ctx.Done():
		return pex.ErrStopped
	}
}

// aggregate counts the outcomes of a round. It releases the caller on the first
// success and decides on a retry once every candidate is done.
func (ex *Exchange) aggregate(results <-chan bool, first chan<- struct{}, numRequests int) {
	release := sync.OnceFunc(func() { close(first) })
	var successes int
	for completed := 0; completed < numRequests; completed++ {
		select {
		case ok := <-results:
			if ok {
				successes++
				release()
			}
		case <-ex.ctx.Done():
			return
		}
	}
	release()

	log.Debugw("exchange round finished", "successes", successes, "requests", numRequests)
	ex.scheduleRetry(successes, numRequests)
}

// exchangeWith exchanges peers with a single candidate. It never fails
// the round and reports the outcome instead.
func (ex *Exchange) exchangeWith(addr pex.Address) bool {
	ctx, cancel := context.WithTimeout(ex.ctx, ex.Params.RequestTimeout)
	defer cancel()

	conn, err := ex.network.Connect(ctx, addr)
	if err != nil {
		log.Debugw("connecting to candidate", "peer", addr, "err", err)
		ex.metrics.request(ctx, 0, err)
		return false
	}

	h := newRequestHandler(conn, ex.clock)
	if old, ok := ex.handlers.Swap(conn.ID(), h); ok {
		// the new request supersedes the stale one
		old.(*requestHandler).dispose()
	}
	defer ex.handlers.CompareAndDelete(conn.ID(), h)
	if ex.stopped.Load() {
		// Stop may have ranged over handlers before the swap
		h.dispose()
		return false
	}

	ex.metrics.requestStarted()
	defer ex.metrics.requestFinished()

	start := ex.clock.Now()
	peers, err := h.request(ctx, ex.strategy.peersFor(addr))
	ex.metrics.request(ctx, ex.clock.Since(start), err)
	if err != nil {
		log.Debugw("exchanging peers with candidate", "peer", addr, "err", err)
		return false
	}

	ex.metrics.peersReceived(ctx, len(peers), false)
	ex.strategy.addReportedPeers(peers, addr)
	return true
}

// scheduleRetry redoes the initial exchange after the current delay if the
// last round was insufficient. The delay doubles on every insufficient round
// and resets once a round is sufficient.
func (ex *Exchange) scheduleRetry(successes, numRequests int) {
	redo := ex.strategy.redoInitialExchange(successes, numRequests)
	ex.metrics.round(ex.ctx, redo)

	ex.retryLk.Lock()
	defer ex.retryLk.Unlock()
	if ex.stopped.Load() {
		return
	}

	ex.stopRetryTimer()
	if !redo {
		ex.retryDelay = ex.Params.InitialRetryDelay
		ex.metrics.retryDelaySet(ex.retryDelay)
		return
	}

	delay := ex.retryDelay
	log.Debugw("insufficient exchange round, scheduling retry",
		"successes", successes, "requests", numRequests, "delay", delay)
	ex.retryTimer = ex.clock.AfterFunc(delay, ex.retry)
	ex.retryDelay = min(2*delay, ex.Params.MaxRetryDelay)
	ex.metrics.retryDelaySet(ex.retryDelay)
}

func (ex *Exchange) retry() {
	err := ex.InitialPeerExchange(ex.ctx)
	if err != nil && ex.ctx.Err() == nil {
		log.Warnw("redoing initial peer exchange", "err", err)
	}
}

// stopRetryTimer must be called with retryLk held.
func (ex *Exchange) stopRetryTimer() {
	if ex.retryTimer != nil {
		ex.retryTimer.Stop()
		ex.retryTimer = nil
	}
}

// OnMessage answers inbound Requests. The Response is sent asynchronously.
func (ex *Exchange) OnMessage(msg pex.Message, conn pex.Connection) {
	req, ok := msg.(*pex.Request)
	if !ok {
		return
	}

	from := conn.PeerAddress()
	ex.metrics.peersReceived(ex.ctx, len(req.Peers), true)
	ex.strategy.addReportedPeers(req.Peers, from)
	resp := &pex.Response{Nonce: req.Nonce, Peers: ex.strategy.peersFor(from)}

	ok = ex.submit(func() {
		ctx, cancel := context.WithTimeout(ex.ctx, ex.Params.RequestTimeout)
		defer cancel()
		err := conn.Send(ctx, resp)
		if err != nil {
			log.Debugw("sending response", "peer", from, "err", err)
		}
	})
	if !ok {
		log.Debugw("dropping request, exchange is stopped", "peer", from)
	}
}

func (ex *Exchange) submit(task func()) bool {
	ex.submitLk.RLock()
	defer ex.submitLk.RUnlock()
	if ex.stopped.Load() {
		return false
	}
	ex.executor.Submit(task)
	return true
}
