// Package stats exposes the per-packet drop/accept telemetry spec §7/§8
// require, as Prometheus counters and gauges so an embedder can scrape or
// register them against its own registry.
package stats

import "github.com/prometheus/client_golang/prometheus"

// DropReason enumerates the packet drop classes spec §8 names. Each has a
// dedicated counter label rather than a single freeform string so
// dashboards can alert on a specific class regressing.
type DropReason string

const (
	DropReasonNoPeer            DropReason = "no_peer"
	DropReasonReplay            DropReason = "replay"
	DropReasonExpiredKeypair    DropReason = "expired_keypair"
	DropReasonMAC1Invalid       DropReason = "mac1_invalid"
	DropReasonMAC2Invalid       DropReason = "mac2_invalid"
	DropReasonDecryptFailed     DropReason = "decrypt_failed"
	DropReasonAllowedIPViolation DropReason = "allowed_ip_violation"
	DropReasonACLBlocked        DropReason = "acl_blocked"
	DropReasonBufferExhausted   DropReason = "buffer_exhausted"
	DropReasonMalformedPacket   DropReason = "malformed_packet"
)

// Collector bundles every metric the engine reports. It is constructed
// once per Device and registered against a *prometheus.Registry by the
// embedder (spec §6's three-role model: registration is the embedder's
// job, not the data plane's).
type Collector struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsSent      *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	HandshakesBegun  prometheus.Counter
	HandshakesOK     prometheus.Counter
	RekeysPerformed  prometheus.Counter
	ActiveKeypairs   prometheus.Gauge
	PeerCount        prometheus.Gauge
	TickDuration     prometheus.Histogram
}

// NewCollector builds a Collector with all metrics named under the
// "mudband" namespace; it does not register them (see Register).
func NewCollector() *Collector {
	c := &Collector{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "packets_received_total",
			Help:      "Packets received, by transport type.",
		}, []string{"type"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "packets_sent_total",
			Help:      "Packets sent, by transport type.",
		}, []string{"type"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "bytes_received_total",
			Help:      "Total inner-packet bytes received.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "bytes_sent_total",
			Help:      "Total inner-packet bytes sent.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, by reason.",
		}, []string{"reason"}),
		HandshakesBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "handshakes_begun_total",
			Help:      "Handshake initiations sent.",
		}),
		HandshakesOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "handshakes_completed_total",
			Help:      "Handshakes that reached a symmetric session.",
		}),
		RekeysPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mudband",
			Name:      "rekeys_total",
			Help:      "Keypair rotations performed.",
		}),
		ActiveKeypairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mudband",
			Name:      "active_keypairs",
			Help:      "Number of peers with a live current keypair.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mudband",
			Name:      "peers",
			Help:      "Number of peers in the table.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mudband",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent in one data-plane select-loop tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
	return c
}

// Register adds every metric in c to reg. Safe to call once per Collector.
func (c *Collector) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.PacketsReceived, c.PacketsSent, c.BytesReceived, c.BytesSent,
		c.PacketsDropped, c.HandshakesBegun, c.HandshakesOK, c.RekeysPerformed,
		c.ActiveKeypairs, c.PeerCount, c.TickDuration,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Drop records one dropped packet under reason.
func (c *Collector) Drop(reason DropReason) {
	c.PacketsDropped.WithLabelValues(string(reason)).Inc()
}
