package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors exposed on the side HTTP
// listener, following go-server-3's registry shape.
type Registry struct {
	Connections gaugeVec
	Requests    counterVec
	Store       storeGaugeVec
}

type gaugeVec struct {
	ActiveConnections prometheus.Gauge
}

type storeGaugeVec struct {
	BytesInUse prometheus.Gauge
	EntryCount prometheus.Gauge
}

type counterVec struct {
	RequestsProcessed prometheus.Counter
	AcceptErrors      prometheus.Counter
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	EntriesEvicted    prometheus.Counter
	EntriesExpired    prometheus.Counter
}

// NewRegistry creates the Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: gaugeVec{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "kvcached_connections_active",
				Help: "Number of active client connections.",
			}),
		},
		Store: storeGaugeVec{
			BytesInUse: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "kvcached_store_bytes_in_use",
				Help: "Bytes currently accounted for by the memory accountant.",
			}),
			EntryCount: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "kvcached_store_entry_count",
				Help: "Number of live entries in the store.",
			}),
		},
		Requests: counterVec{
			RequestsProcessed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_requests_processed_total",
				Help: "Total number of client requests dispatched.",
			}),
			AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_accept_errors_total",
				Help: "Total number of connection accept errors.",
			}),
			EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_events_published_total",
				Help: "Total number of events enqueued to subscribers.",
			}),
			EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_events_dropped_total",
				Help: "Total number of events dropped due to a full subscriber queue.",
			}),
			EntriesEvicted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_entries_evicted_total",
				Help: "Total number of entries removed by the eviction engine.",
			}),
			EntriesExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvcached_entries_expired_total",
				Help: "Total number of entries removed or flagged by the expiry sweep.",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
