// Package metrics provides Prometheus metrics for the engine.
//
// Exposed at /metrics on the admin port:
//
// Connection metrics:
//   - ddsengine_connections_accepted_total: accepted connections by kind
//   - ddsengine_connections_active: currently connected slots by kind
//   - ddsengine_connections_rejected_total: connect requests with no free slot
//
// Data-plane metrics:
//   - ddsengine_data_requests_total: parsed ring records by direction
//   - ddsengine_dma_bytes_total: one-sided bytes moved by direction
//   - ddsengine_batches_published_total: response batches written back
//   - ddsengine_response_ring_stalls_total: deferred execute passes
//
// Control-plane metrics:
//   - ddsengine_control_requests_total: control messages by id
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsAccepted counts accepted connections by kind (ctrl/buff).
	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddsengine_connections_accepted_total",
			Help: "Total accepted connections",
		},
		[]string{"kind"},
	)

	// ConnectionsActive tracks currently connected slots by kind.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ddsengine_connections_active",
			Help: "Currently connected slots",
		},
		[]string{"kind"},
	)

	// ConnectionsRejected counts connect requests dropped for lack of slots.
	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddsengine_connections_rejected_total",
			Help: "Connect requests rejected with no free slot",
		},
	)

	// ControlRequests counts control messages by message id.
	ControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddsengine_control_requests_total",
			Help: "Control-plane requests by message id",
		},
		[]string{"msg"},
	)

	// DataRequests counts parsed data-plane records by direction.
	DataRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddsengine_data_requests_total",
			Help: "Data-plane requests by direction",
		},
		[]string{"direction"},
	)

	// DMABytes counts one-sided bytes moved by direction.
	DMABytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddsengine_dma_bytes_total",
			Help: "Bytes moved by one-sided operations",
		},
		[]string{"direction"},
	)

	// BatchesPublished counts response batches written back to the host.
	BatchesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddsengine_batches_published_total",
			Help: "Response batches published to the host ring",
		},
	)

	// ResponseRingStalls counts execute passes deferred for ring capacity.
	ResponseRingStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddsengine_response_ring_stalls_total",
			Help: "Execute passes deferred until the response ring drained",
		},
	)
)
