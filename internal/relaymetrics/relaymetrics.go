// Package relaymetrics exposes Prometheus counters, gauges and histograms
// for the relay: frames sent/received/retransmitted/dropped, crypto auth
// failures, access-group violations, connected members, room count, RTT
// and command-processing time (spec.md §6).
//
// Event counters are plain prometheus.Counter/Histogram fields incremented
// inline from the hot path (internal/server); point-in-time
// gauges are served by a custom prometheus.Collector that polls a
// StatsSource on Collect, in the shape of runZeroInc-sockstats's
// TCPInfoCollector (poll-on-scrape instead of push-on-every-tick).
package relaymetrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters and histograms incremented directly by
// the hot-path packages.
type Metrics struct {
	FramesSent          prometheus.Counter
	FramesReceived      prometheus.Counter
	FramesRetransmitted prometheus.Counter
	FramesDropped       *prometheus.CounterVec // labeled by drop reason
	CryptoAuthFailures  prometheus.Counter
	AccessDenied        prometheus.Counter

	RTT                prometheus.Histogram
	CommandProcessTime prometheus.Histogram
}

// NewMetrics constructs and registers the hot-path metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "frames_sent_total", Help: "Frames sent to peers.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "frames_received_total", Help: "Frames accepted from peers.",
		}),
		FramesRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "frames_retransmitted_total", Help: "Reliable frame groups retransmitted.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "frames_dropped_total", Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		CryptoAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "crypto_auth_failures_total", Help: "AEAD authentication failures.",
		}),
		AccessDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "access_denied_total", Help: "Commands rejected by the access-group filter.",
		}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay", Name: "rtt_seconds", Help: "Per-peer round-trip time estimate.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		CommandProcessTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay", Name: "command_process_seconds", Help: "Time to apply one command in the room engine.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}
	reg.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesRetransmitted, m.FramesDropped,
		m.CryptoAuthFailures, m.AccessDenied, m.RTT, m.CommandProcessTime,
	)
	return m
}

// RoomStats is the subset of a room's point-in-time counters the gauge
// collector needs, decoupled from internal/room's concrete type so this
// package never imports the room engine.
type RoomStats struct {
	Objects          int
	AttachedMembers  int
	ConnectedMembers int
}

// StatsSource is polled once per Collect call, mirroring the teacher's
// room.go Stats()/RunMetrics ticker pair but pull- rather than
// push-based, matching how a prometheus.Collector is driven.
type StatsSource interface {
	RoomCount() int
	RoomStats() map[uint64]RoomStats
}

// GaugeCollector is a custom prometheus.Collector exposing the relay's
// live gauges, polled fresh on every scrape instead of cached.
type GaugeCollector struct {
	mu     sync.Mutex
	source StatsSource

	roomCount        *prometheus.Desc
	connectedMembers *prometheus.Desc
	attachedMembers  *prometheus.Desc
	objects          *prometheus.Desc
}

// NewGaugeCollector creates a collector backed by source.
func NewGaugeCollector(source StatsSource) *GaugeCollector {
	return &GaugeCollector{
		source:           source,
		roomCount:        prometheus.NewDesc("relay_rooms", "Number of active rooms.", nil, nil),
		connectedMembers: prometheus.NewDesc("relay_connected_members", "Connected members in a room.", []string{"room_id"}, nil),
		attachedMembers:  prometheus.NewDesc("relay_attached_members", "Attached members in a room.", []string{"room_id"}, nil),
		objects:          prometheus.NewDesc("relay_objects", "Created game objects in a room.", []string{"room_id"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *GaugeCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.roomCount
	descs <- c.connectedMembers
	descs <- c.attachedMembers
	descs <- c.objects
}

// Collect implements prometheus.Collector, polling the live source.
func (c *GaugeCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.roomCount, prometheus.GaugeValue, float64(c.source.RoomCount()))
	for id, stats := range c.source.RoomStats() {
		label := strconv.FormatUint(id, 10)
		metrics <- prometheus.MustNewConstMetric(c.connectedMembers, prometheus.GaugeValue, float64(stats.ConnectedMembers), label)
		metrics <- prometheus.MustNewConstMetric(c.attachedMembers, prometheus.GaugeValue, float64(stats.AttachedMembers), label)
		metrics <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue, float64(stats.Objects), label)
	}
}
