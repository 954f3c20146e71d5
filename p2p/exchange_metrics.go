package p2p

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/celestiaorg/go-pex"
)

var meter = otel.Meter("pex/p2p")

const (
	roundStatusKey        = "status"
	roundStatusConverged  = "converged"
	roundStatusRetry      = "retry"
	requestStatusKey      = "status"
	requestStatusOk       = "ok"
	requestStatusTimeout  = "timeout"
	requestStatusCanceled = "canceled"
	requestStatusFailed   = "failed"
	inboundKey            = "inbound"
)

type exchangeMetrics struct {
	roundsInst       metric.Int64Counter
	requestTimeInst  metric.Float64Histogram
	requestsInst     metric.Int64Counter
	reportedPeerInst metric.Int64Histogram

	retryDelay     atomic.Int64
	retryDelayInst metric.Int64ObservableGauge
	retryDelayReg  metric.Registration

	inFlight     atomic.Int64
	inFlightInst metric.Int64ObservableGauge
	inFlightReg  metric.Registration
}

func newExchangeMetrics() (m *exchangeMetrics, err error) {
	m = new(exchangeMetrics)
	m.roundsInst, err = meter.Int64Counter(
		"pex_p2p_exch_rounds_counter",
		metric.WithDescription("peer exchange rounds by their outcome"),
	)
	if err != nil {
		return nil, err
	}
	m.requestTimeInst, err = meter.Float64Histogram(
		"pex_p2p_exch_req_time_hist",
		metric.WithDescription("peer exchange request time in seconds"),
	)
	if err != nil {
		return nil, err
	}
	m.requestsInst, err = meter.Int64Counter(
		"pex_p2p_exch_req_counter",
		metric.WithDescription("peer exchange requests by their status"),
	)
	if err != nil {
		return nil, err
	}
	m.reportedPeerInst, err = meter.Int64Histogram(
		"pex_p2p_exch_reported_peers_hist",
		metric.WithDescription("amount of peers received in a single message"),
	)
	if err != nil {
		return nil, err
	}
	m.retryDelayInst, err = meter.Int64ObservableGauge(
		"pex_p2p_exch_retry_delay_gauge",
		metric.WithDescription("current delay before redoing the initial exchange in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	m.retryDelayReg, err = meter.RegisterCallback(m.observeRetryDelay, m.retryDelayInst)
	if err != nil {
		return nil, err
	}
	m.inFlightInst, err = meter.Int64ObservableGauge(
		"pex_p2p_exch_in_flight_gauge",
		metric.WithDescription("amount of requests awaiting a response"),
	)
	if err != nil {
		return nil, err
	}
	m.inFlightReg, err = meter.RegisterCallback(m.observeInFlight, m.inFlightInst)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *exchangeMetrics) round(ctx context.Context, retry bool) {
	m.observe(ctx, func(ctx context.Context) {
		status := roundStatusConverged
		if retry {
			status = roundStatusRetry
		}
		m.roundsInst.Add(ctx, 1, metric.WithAttributes(attribute.String(roundStatusKey, status)))
	})
}

func (m *exchangeMetrics) request(ctx context.Context, duration time.Duration, err error) {
	m.observe(ctx, func(ctx context.Context) {
		status := requestStatus(err)
		m.requestTimeInst.Record(ctx,
			duration.Seconds(),
			metric.WithAttributes(attribute.String(requestStatusKey, status)),
		)
		m.requestsInst.Add(ctx, 1, metric.WithAttributes(attribute.String(requestStatusKey, status)))
	})
}

func (m *exchangeMetrics) peersReceived(ctx context.Context, num int, inbound bool) {
	m.observe(ctx, func(ctx context.Context) {
		m.reportedPeerInst.Record(ctx, int64(num), metric.WithAttributes(attribute.Bool(inboundKey, inbound)))
	})
}

func (m *exchangeMetrics) retryDelaySet(delay time.Duration) {
	m.observe(context.Background(), func(context.Context) {
		m.retryDelay.Store(delay.Milliseconds())
	})
}

func (m *exchangeMetrics) requestStarted() {
	m.observe(context.Background(), func(context.Context) {
		m.inFlight.Add(1)
	})
}

func (m *exchangeMetrics) requestFinished() {
	m.observe(context.Background(), func(context.Context) {
		m.inFlight.Add(-1)
	})
}

func (m *exchangeMetrics) observeRetryDelay(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(m.retryDelayInst, m.retryDelay.Load())
	return nil
}

func (m *exchangeMetrics) observeInFlight(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(m.inFlightInst, m.inFlight.Load())
	return nil
}

func (m *exchangeMetrics) observe(ctx context.Context, observeFn func(context.Context)) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	observeFn(ctx)
}

func (m *exchangeMetrics) Close() (err error) {
	if m == nil {
		return nil
	}

	err = errors.Join(err, m.retryDelayReg.Unregister())
	err = errors.Join(err, m.inFlightReg.Unregister())
	return err
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return requestStatusOk
	case errors.Is(err, pex.ErrTimeout):
		return requestStatusTimeout
	case errors.Is(err, pex.ErrCanceled):
		return requestStatusCanceled
	default:
		return requestStatusFailed
	}
}
