package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/mcordes92/dfg-funk/internal/protocol"
	"github.com/mcordes92/dfg-funk/server/internal/auth"
	"github.com/mcordes92/dfg-funk/server/internal/jitter"
	"github.com/mcordes92/dfg-funk/server/internal/registry"
)

const (
	reapInterval    = 5 * time.Second
	trafficInterval = 5 * time.Minute
	flushTimeout    = 5 * time.Second
)

// TrafficRecorder persists one traffic sample per flush window.
type TrafficRecorder interface {
	RecordTraffic(ctx context.Context, bytesIn, bytesOut int64) error
}

// session is the authentication state the relay keeps per peer address.
type session struct {
	identity auth.Identity
}

// streamKey identifies one sender's audio stream on one channel.
type streamKey struct {
	channel uint8
	peer    string
}

// RelayStats is a snapshot of relay counters for the monitor endpoints.
type RelayStats struct {
	Clients  int
	Sessions int
	Packets  uint64
	BytesIn  int64
	BytesOut int64
	Uptime   time.Duration
}

// Relay is the UDP packet loop: it authenticates peers, reorders audio
// through per-sender jitter buffers, and fans packets out to channel
// members. Sessions and buffers are shared with the reaper under one lock;
// the packet loop itself never blocks on store I/O.
type Relay struct {
	conn    *net.UDPConn
	oracle  *auth.Oracle
	peers   *registry.Registry
	traffic TrafficRecorder
	m       *Metrics

	jitterTarget int
	started      time.Time

	mu       sync.Mutex
	sessions map[string]*session
	buffers  map[streamKey]*jitter.Buffer

	totalPackets atomic.Uint64
	totalIn      atomic.Int64
	totalOut     atomic.Int64
	windowIn     atomic.Int64
	windowOut    atomic.Int64
}

// NewRelay wires the relay around an already-bound UDP socket.
func NewRelay(conn *net.UDPConn, oracle *auth.Oracle, peers *registry.Registry, traffic TrafficRecorder, m *Metrics, jitterTarget int) *Relay {
	return &Relay{
		conn:         conn,
		oracle:       oracle,
		peers:        peers,
		traffic:      traffic,
		m:            m,
		jitterTarget: jitterTarget,
		started:      time.Now(),
		sessions:     make(map[string]*session),
		buffers:      make(map[streamKey]*jitter.Buffer),
	}
}

// Run reads datagrams until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	slog.Info("relay listening", "addr", r.conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("udp read failed", "err", err)
			continue
		}
		r.handlePacket(ctx, buf[:n], addr)
	}
}

func (r *Relay) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	r.totalIn.Add(int64(len(data)))
	r.windowIn.Add(int64(len(data)))
	r.totalPackets.Add(1)
	r.m.bytesIn.Add(float64(len(data)))

	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		r.m.malformed.Inc()
		slog.Debug("malformed packet dropped", "addr", addr.String(), "len", len(data))
		return
	}
	r.m.packets.WithLabelValues(pkt.Type.String()).Inc()

	if pkt.Type == protocol.TypeAuth {
		r.handleAuth(ctx, pkt, addr)
		return
	}

	key := addr.String()
	r.mu.Lock()
	sess, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		r.m.authFailures.WithLabelValues("not_authenticated").Inc()
		slog.Debug("packet from unauthenticated peer", "addr", key, "type", pkt.Type.String())
		r.send(protocol.AuthFail(pkt.Channel, pkt.User, protocol.ReasonNotAuthenticated), addr)
		return
	}
	if !sess.identity.AllowedChannel(pkt.Channel) {
		// Dropped without a reply so channel existence is not probeable.
		r.m.dropped.WithLabelValues("unauthorized_channel").Inc()
		slog.Debug("packet for unauthorized channel dropped",
			"addr", key, "user", sess.identity.Username, "channel", pkt.Channel)
		return
	}
	r.peers.Touch(key)

	switch pkt.Type {
	case protocol.TypePing:
		r.send(protocol.Pong(pkt.Channel, pkt.User), addr)
	case protocol.TypeAudio:
		r.relayAudio(pkt, data, addr)
	}
}

func (r *Relay) handleAuth(ctx context.Context, pkt protocol.Packet, addr *net.UDPAddr) {
	key := addr.String()

	if !utf8.Valid(pkt.Payload) {
		r.m.authFailures.WithLabelValues("auth_error").Inc()
		r.send(protocol.AuthFail(pkt.Channel, pkt.User, protocol.ReasonAuthError), addr)
		return
	}
	credential := strings.TrimSpace(string(pkt.Payload))

	identity, err := r.oracle.Verify(ctx, credential)
	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		r.mu.Lock()
		delete(r.sessions, key)
		r.mu.Unlock()
		r.m.authFailures.WithLabelValues("invalid_key").Inc()
		slog.Info("auth rejected", "addr", key, "channel", pkt.Channel, "reason", "invalid funk key")
		r.send(protocol.AuthFail(pkt.Channel, pkt.User, protocol.ReasonInvalidKey), addr)

	case err != nil:
		r.m.authFailures.WithLabelValues("auth_error").Inc()
		slog.Warn("auth verification failed", "addr", key, "err", err)
		r.send(protocol.AuthFail(pkt.Channel, pkt.User, protocol.ReasonAuthError), addr)

	case !identity.AllowedChannel(pkt.Channel):
		r.m.authFailures.WithLabelValues("channel_not_authorized").Inc()
		slog.Info("auth rejected", "addr", key, "user", identity.Username,
			"channel", pkt.Channel, "reason", "channel not authorized")
		r.send(protocol.AuthFail(pkt.Channel, pkt.User, protocol.ReasonNotAuthorized), addr)

	default:
		r.mu.Lock()
		r.sessions[key] = &session{identity: identity}
		r.mu.Unlock()
		r.peers.Register(addr, pkt.Channel, identity.UserID, identity.Username)
		r.send(protocol.AuthOK(pkt.Channel, pkt.User), addr)
		r.oracle.RecordConnect(identity.UserID, pkt.Channel, addr.IP.String())
		r.oracle.TouchLastSeen(identity.UserID)
		slog.Info("client authenticated", "addr", key, "user", identity.Username, "channel", pkt.Channel)
	}
}

// relayAudio reorders the datagram through the sender's jitter buffer and
// forwards everything that drained. Drained packets go out in ascending
// order, each to every recipient before the next.
func (r *Relay) relayAudio(pkt protocol.Packet, data []byte, addr *net.UDPAddr) {
	key := addr.String()
	sk := streamKey{channel: pkt.Channel, peer: key}

	r.mu.Lock()
	buf, ok := r.buffers[sk]
	if !ok {
		buf = jitter.New(r.jitterTarget, 0)
		r.buffers[sk] = buf
	}
	r.mu.Unlock()

	// The read buffer is reused for the next datagram, so the buffer gets
	// its own copy of the full datagram, header included.
	dgram := make([]byte, len(data))
	copy(dgram, data)

	before := buf.Stats()
	buf.Insert(pkt.Seq, dgram)
	after := buf.Stats()
	if d := after.Forced - before.Forced; d > 0 {
		r.m.jitterForced.Add(float64(d))
	}
	if d := after.Overflowed - before.Overflowed; d > 0 {
		r.m.jitterOverflow.Add(float64(d))
	}

	ready := buf.Drain()
	if len(ready) == 0 {
		return
	}
	recipients := r.peers.Recipients(pkt.Channel, key)
	if len(recipients) == 0 {
		return
	}
	for _, out := range ready {
		for _, rcpt := range recipients {
			r.write(out, rcpt)
		}
		r.m.forwarded.Add(float64(len(recipients)))
	}
}

func (r *Relay) send(pkt protocol.Packet, addr *net.UDPAddr) {
	data, err := pkt.Marshal()
	if err != nil {
		slog.Warn("marshal reply failed", "type", pkt.Type.String(), "err", err)
		return
	}
	r.write(data, addr)
}

// write sends one datagram. Send errors are counted and dropped; a dead
// peer is removed by the reaper, not here.
func (r *Relay) write(data []byte, addr *net.UDPAddr) {
	n, err := r.conn.WriteToUDP(data, addr)
	if err != nil {
		r.m.sendErrors.Inc()
		slog.Debug("udp send failed", "addr", addr.String(), "err", err)
		return
	}
	r.totalOut.Add(int64(n))
	r.windowOut.Add(int64(n))
	r.m.bytesOut.Add(float64(n))
}

// RunReaper sweeps stale peers and tears down their relay state.
func (r *Relay) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Relay) reapOnce() {
	reaped := r.peers.Reap()
	if len(reaped) == 0 {
		return
	}

	r.mu.Lock()
	for _, p := range reaped {
		delete(r.sessions, p.Key)
	}
	for sk := range r.buffers {
		for _, p := range reaped {
			if sk.peer == p.Key {
				delete(r.buffers, sk)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, p := range reaped {
		ip := p.Addr.IP.String()
		for _, ch := range p.Channels {
			r.oracle.RecordDisconnect(p.UserID, ch, ip)
		}
	}
}

// RunTrafficFlush persists the traffic counters every interval and once
// more on shutdown.
func (r *Relay) RunTrafficFlush(ctx context.Context) error {
	ticker := time.NewTicker(trafficInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			r.flushTraffic(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			r.flushTraffic(ctx)
		}
	}
}

func (r *Relay) flushTraffic(ctx context.Context) {
	in := r.windowIn.Swap(0)
	out := r.windowOut.Swap(0)
	if in == 0 && out == 0 {
		return
	}
	if err := r.traffic.RecordTraffic(ctx, in, out); err != nil {
		// Keep the counts for the next flush attempt.
		r.windowIn.Add(in)
		r.windowOut.Add(out)
		slog.Warn("record traffic failed", "err", err)
		return
	}
	slog.Info("traffic stats saved",
		"in", humanize.Bytes(uint64(in)), "out", humanize.Bytes(uint64(out)))
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	sessions := len(r.sessions)
	r.mu.Unlock()

	return RelayStats{
		Clients:  r.peers.Count(),
		Sessions: sessions,
		Packets:  r.totalPackets.Load(),
		BytesIn:  r.totalIn.Load(),
		BytesOut: r.totalOut.Load(),
		Uptime:   time.Since(r.started),
	}
}
