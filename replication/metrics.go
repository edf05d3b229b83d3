package replication

import "github.com/prometheus/client_golang/prometheus"

var DeltasSent = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "scenesync",
	Name:      "deltas_sent_total",
	Help:      "Deltas written to peers, catch-up and live.",
})

var DeltasReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Name:      "deltas_received_total",
	Help:      "Deltas merged from peers, by whether they were new.",
}, []string{"fresh"})

var ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Name:      "protocol_errors_total",
	Help:      "Inbound frames dropped as malformed or out of sequence.",
}, []string{"kind"})

var PeersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "scenesync",
	Name:      "peers",
	Help:      "Known peers by connection state.",
}, []string{"state"})

var CatchUpSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "scenesync",
	Name:      "catchup_deltas",
	Help:      "Deltas sent in one catch-up batch.",
	Buckets:   []float64{0, 1, 10, 100, 1000, 10000, 100000},
})

// Metrics lists every replication collector, for registering at once.
var Metrics = []prometheus.Collector{
	DeltasSent,
	DeltasReceived,
	ProtocolErrors,
	PeersByState,
	CatchUpSize,
}
