package cloud

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cloud server activity. All protocol-level failures (quota,
// filter rejection, malformed frames, unknown peers) are silent on the wire;
// these counters are where they become observable.
type Metrics struct {
	PostsTotal        prometheus.Counter
	ReleasesTotal     prometheus.Counter
	GetsTotal         prometheus.Counter
	UnsubscribesTotal prometheus.Counter

	QuotaRejections    prometheus.Counter
	FilterRejections   prometheus.Counter
	MalformedFrames    prometheus.Counter
	UnknownPeerFrames  prometheus.Counter

	FanoutQueries      prometheus.Counter
	GetTimeouts        prometheus.Counter
	NotificationsSent  prometheus.Counter
	ServerMessagesSent prometheus.Counter

	LiveKeys            prometheus.Gauge
	ConnectedClients    prometheus.Gauge
	FederatedPeers      prometheus.Gauge
	OutstandingRequests prometheus.Gauge
}

// NewMetrics creates and registers the metric set. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudmesh",
			Subsystem: "cloud",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudmesh",
			Subsystem: "cloud",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	return &Metrics{
		PostsTotal:        counter("posts_total", "Client post requests accepted."),
		ReleasesTotal:     counter("releases_total", "Client release requests processed."),
		GetsTotal:         counter("gets_total", "Client get requests processed."),
		UnsubscribesTotal: counter("unsubscribes_total", "Client unsubscribe requests processed."),

		QuotaRejections:   counter("quota_rejections_total", "Posts dropped for exceeding the per-client byte quota."),
		FilterRejections:  counter("filter_rejections_total", "Requests dropped by the query filter chain."),
		MalformedFrames:   counter("malformed_frames_total", "Frames dropped as undecodable."),
		UnknownPeerFrames: counter("unknown_peer_frames_total", "Server-to-server frames dropped from unregistered peers."),

		FanoutQueries:      counter("fanout_queries_total", "Get requests fanned out to at least one peer."),
		GetTimeouts:        counter("get_timeouts_total", "Aggregated gets completed by the timeout sweep."),
		NotificationsSent:  counter("notifications_sent_total", "Subscription notifications sent to clients."),
		ServerMessagesSent: counter("server_messages_sent_total", "Server-to-server frames sent."),

		LiveKeys:            gauge("live_keys", "Keys present in the data repository."),
		ConnectedClients:    gauge("connected_clients", "Clients with live registry state."),
		FederatedPeers:      gauge("federated_peers", "Registered federated peers."),
		OutstandingRequests: gauge("outstanding_get_requests", "Aggregated gets awaiting peer responses."),
	}
}
