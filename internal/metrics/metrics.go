// Package metrics provides Prometheus metrics for the basketmesh gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all basketmesh metrics.
var Registry = prometheus.NewRegistry()

// GatewayMetrics holds all Prometheus metrics for a gateway.
type GatewayMetrics struct {
	// Wire traffic
	Requests       *prometheus.CounterVec // labels: transport, opcode
	RequestErrors  *prometheus.CounterVec // labels: opcode, code
	DroppedPackets *prometheus.CounterVec // labels: reason
	Forwarded      prometheus.Counter     // GET misses relayed to the peer group
	Lookups        *prometheus.CounterVec // labels: result

	// Sessions
	ConsoleSessions prometheus.Gauge
	EventClients    prometheus.Gauge

	// Cache state, refreshed by the Collector
	Entries        prometheus.Gauge
	AllocatedPages prometheus.Gauge
	FreePages      prometheus.Gauge
	KnownPeers     prometheus.Gauge
	ReadablePeers  prometheus.Gauge
	WritablePeers  prometheus.Gauge
	FreshWritable  prometheus.Gauge
	CapacityBytes  prometheus.Gauge
	WatchdogLimit  prometheus.Gauge

	// Gateway info (constant labels exposed as a gauge)
	GatewayInfo *prometheus.GaugeVec // labels: gateway, instance, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the gateway name as a constant label.
func InitMetrics(gateway, instance, version string) *GatewayMetrics {
	constLabels := prometheus.Labels{
		"gateway": gateway,
	}
	factory := promauto.With(Registry)

	m := &GatewayMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "basketmesh_requests_total",
			Help:        "Protocol requests handled, by transport and opcode",
			ConstLabels: constLabels,
		}, []string{"transport", "opcode"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "basketmesh_request_errors_total",
			Help:        "Requests answered with an error, by opcode and error code",
			ConstLabels: constLabels,
		}, []string{"opcode", "code"}),
		DroppedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "basketmesh_dropped_packets_total",
			Help:        "UDP packets dropped before dispatch",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		Forwarded: factory.NewCounter(prometheus.CounterOpts{
			Name:        "basketmesh_get_forwarded_total",
			Help:        "GET misses forwarded to the peer multicast group",
			ConstLabels: constLabels,
		}),
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "basketmesh_lookups_total",
			Help:        "Basket location lookups by result (hit or miss)",
			ConstLabels: constLabels,
		}, []string{"result"}),

		ConsoleSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_console_sessions",
			Help:        "Open TCP console sessions",
			ConstLabels: constLabels,
		}),
		EventClients: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_event_clients",
			Help:        "Connected websocket event subscribers",
			ConstLabels: constLabels,
		}),

		Entries: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_cache_entries",
			Help:        "Peer/basket entries held by the location index",
			ConstLabels: constLabels,
		}),
		AllocatedPages: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_cache_allocated_pages",
			Help:        "Configured cache capacity in pages",
			ConstLabels: constLabels,
		}),
		FreePages: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_cache_free_pages",
			Help:        "Unused cache pages",
			ConstLabels: constLabels,
		}),
		KnownPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_peers_known",
			Help:        "Peers that have reported health",
			ConstLabels: constLabels,
		}),
		ReadablePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_peers_readable",
			Help:        "Peers whose last status allows reads",
			ConstLabels: constLabels,
		}),
		WritablePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_peers_writable",
			Help:        "Peers whose last status allows writes",
			ConstLabels: constLabels,
		}),
		FreshWritable: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_peers_fresh_writable",
			Help:        "Writable peers whose health report is within the watchdog limit",
			ConstLabels: constLabels,
		}),
		CapacityBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_capacity_bytes",
			Help:        "Free space summed over fresh writable peers",
			ConstLabels: constLabels,
		}),
		WatchdogLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "basketmesh_watchdog_limit_seconds",
			Help:        "Health report freshness window",
			ConstLabels: constLabels,
		}),

		GatewayInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basketmesh_gateway_info",
			Help: "Gateway information (value is always 1)",
		}, []string{"gateway", "instance", "version"}),
	}

	m.GatewayInfo.WithLabelValues(gateway, instance, version).Set(1)

	return m
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
