package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcordes92/dfg-funk/server/internal/registry"
)

// Metrics aggregates the relay's Prometheus collectors. Everything is
// registered on a private registry so tests can build isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	packets        *prometheus.CounterVec
	malformed      prometheus.Counter
	authFailures   *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	forwarded      prometheus.Counter
	sendErrors     prometheus.Counter
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	jitterForced   prometheus.Counter
	jitterOverflow prometheus.Counter
	activeClients  prometheus.GaugeFunc
}

// NewMetrics builds the collector set. The active-client gauge reads the
// peer registry at scrape time.
func NewMetrics(peers *registry.Registry) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funk_packets_received_total",
			Help: "Decoded datagrams by packet type.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_packets_malformed_total",
			Help: "Datagrams dropped because the header did not parse.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funk_auth_failures_total",
			Help: "AUTH_FAIL replies by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funk_packets_dropped_total",
			Help: "Authenticated packets dropped without a reply.",
		}, []string{"cause"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_packets_forwarded_total",
			Help: "Audio datagram sends during fan-out.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_send_errors_total",
			Help: "UDP sends that returned an error.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_bytes_in_total",
			Help: "Bytes received from clients.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_bytes_out_total",
			Help: "Bytes sent to clients.",
		}),
		jitterForced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_jitter_force_released_total",
			Help: "Packets released from jitter buffers by the age bound.",
		}),
		jitterOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "funk_jitter_overflow_drained_total",
			Help: "Packets drained early because a jitter buffer overflowed.",
		}),
		activeClients: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "funk_active_clients",
			Help: "Peers currently present in the channel registry.",
		}, func() float64 { return float64(peers.Count()) }),
	}

	m.reg.MustRegister(
		m.packets, m.malformed, m.authFailures, m.dropped, m.forwarded,
		m.sendErrors, m.bytesIn, m.bytesOut, m.jitterForced, m.jitterOverflow,
		m.activeClients,
	)
	return m
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RunStatsLog logs relay activity every interval until ctx is canceled.
// Idle intervals are skipped.
func RunStatsLog(ctx context.Context, relay *Relay, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPackets uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := relay.Stats()
			if s.Clients == 0 && s.Packets == lastPackets {
				continue
			}
			lastPackets = s.Packets
			slog.Info("relay stats",
				"clients", s.Clients,
				"sessions", s.Sessions,
				"packets", s.Packets,
				"in", humanize.Bytes(uint64(s.BytesIn)),
				"out", humanize.Bytes(uint64(s.BytesOut)))
		}
	}
}
