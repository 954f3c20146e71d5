package pex

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("pex")

// WithMetrics enables Otel metrics to monitor the size of the PeerGroup's peer sets.
func WithMetrics(group PeerGroup) (metric.Registration, error) {
	connectedInst, err := meter.Int64ObservableGauge(
		"pex_connected_peers_gauge",
		metric.WithDescription("number of peers the node is connected to"),
	)
	if err != nil {
		return nil, err
	}
	reportedInst, err := meter.Int64ObservableGauge(
		"pex_reported_peers_gauge",
		metric.WithDescription("number of peers reported by other peers"),
	)
	if err != nil {
		return nil, err
	}
	persistedInst, err := meter.Int64ObservableGauge(
		"pex_persisted_peers_gauge",
		metric.WithDescription("number of peers loaded from previous runs"),
	)
	if err != nil {
		return nil, err
	}

	callback := func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(connectedInst, int64(group.NumConnections()))
		observer.ObserveInt64(reportedInst, int64(len(group.ReportedPeers())))
		observer.ObserveInt64(persistedInst, int64(len(group.PersistedPeers())))
		return nil
	}
	return meter.RegisterCallback(callback, connectedInst, reportedInst, persistedInst)
}
