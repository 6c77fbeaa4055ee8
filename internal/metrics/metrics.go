// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Datagram metrics
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_datagrams_received_total",
			Help: "Total envelopes received",
		},
		[]string{"role"}, // "client" or "server"
	)

	DatagramsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_datagrams_sent_total",
			Help: "Total envelopes sent",
		},
		[]string{"role"},
	)

	DatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_datagrams_dropped_total",
			Help: "Total envelopes dropped before dispatch",
		},
		[]string{"role", "reason"}, // corrupt, signature, version, unknown_type
	)

	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_messages_handled_total",
			Help: "Total messages dispatched to a handler",
		},
		[]string{"role", "type", "subtype"},
	)

	// Transfer metrics
	TransfersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_transfers_completed_total",
			Help: "Total chunked transfers reassembled",
		},
		[]string{"direction"}, // "upload" or "download"
	)

	TransfersAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_transfers_abandoned_total",
			Help: "Total chunked transfers dropped incomplete",
		},
		[]string{"direction"},
	)

	TransferBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "goremote_transfer_bytes",
			Help:    "Size of completed transfers",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Peer metrics
	Peers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goremote_peers",
			Help: "Peers seen within the peer TTL",
		},
	)

	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goremote_broadcast_deliveries_total",
			Help: "Broadcast envelopes sent, per peer attempt",
		},
		[]string{"result"}, // "ok" or "error"
	)
)
