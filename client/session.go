package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/mcordes92/dfg-funk/internal/protocol"
)

var (
	// ErrChannelNotAuthenticated is returned when a transmit switch or an
	// audio frame targets a channel that has no AUTH_OK session yet.
	ErrChannelNotAuthenticated = errors.New("channel has no authenticated session")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

const (
	// pingInterval is the keep-alive cadence on the primary channel.
	pingInterval = 5 * time.Second

	// watchdogInterval is how often the health rules are evaluated.
	watchdogInterval = time.Second

	// warnAge and lostAge are the packet-silence thresholds for the
	// degraded warning and for declaring the connection lost.
	warnAge = 7 * time.Second
	lostAge = 10 * time.Second

	// readTimeout bounds each socket read so the receive loop can notice
	// a close without a packet arriving.
	readTimeout = time.Second

	// latencyWindow is the number of round-trip samples kept for the
	// latency and jitter figures.
	latencyWindow = 10

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 30 * time.Second

	// authRetryAge is how long an unanswered AUTH may sit before the
	// watchdog sends a fresh one. Covers lost datagrams and the relay
	// answering "Auth error" while its store is down.
	authRetryAge = 5 * time.Second

	// closeJoinTimeout bounds the goroutine join in Close.
	closeJoinTimeout = 2 * time.Second

	// minLossSamples is the number of pings required before the loss
	// percentage feeds the signal strength.
	minLossSamples = 5
)

// SessionState is the connection lifecycle of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// SessionCallbacks are the session's outputs. All callbacks run on session
// goroutines with no internal locks held, so they may call back into the
// Session. Nil callbacks are skipped.
type SessionCallbacks struct {
	// OnState fires on every lifecycle transition.
	OnState func(s SessionState)

	// OnAudio fires for each received voice frame. The payload slice
	// aliases the receive buffer; copy it before returning if it must be
	// retained.
	OnAudio func(channel uint8, payload []byte)

	// OnAuthFail fires for every AUTH_FAIL with the server's verbatim
	// reason string.
	OnAuthFail func(channel uint8, reason string)
}

// SessionStats is a point-in-time snapshot of connection health.
type SessionStats struct {
	State           SessionState
	PrimaryChannel  uint8
	TransmitChannel uint8
	LatencyMs       float64
	JitterMs        float64
	LossPercent     float64
	Signal          int
	PacketsSent     uint64
	PacketsReceived uint64
	SendErrors      uint64
	Attempts        int
}

// Session maintains the two authenticated channel memberships (the primary
// and the channel 41 secondary) over a single UDP socket, pings the relay,
// watches for silence, and reconnects with exponential backoff. All state
// mutations happen under one mutex; callbacks are invoked outside it.
type Session struct {
	log *slog.Logger
	cb  SessionCallbacks

	funkKey string
	raddr   *net.UDPAddr

	mu              sync.Mutex
	conn            *net.UDPConn
	state           SessionState
	primary         uint8
	transmit        uint8
	authedPrimary   bool
	authedSecondary bool
	suppressed      bool // no reconnect: intentional close or rejected key
	warned          bool
	closed          bool
	attempts        int
	seqs            map[uint8]uint16
	lastReceived    time.Time
	lastPingSent    time.Time
	lastAuthSent    time.Time
	latencies       []float64
	signal          int
	pingsSent       uint64
	pongsReceived   uint64
	packetsSent     uint64
	packetsReceived uint64
	sendErrors      uint64

	reconnectCh chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	now func() time.Time
}

// NewSession prepares a session for the relay at addr ("host:port").
// primary must be a selectable channel; channel 41 is always joined as the
// secondary and cannot be the primary.
func NewSession(addr, funkKey string, primary uint8, log *slog.Logger, cb SessionCallbacks) (*Session, error) {
	if primary == protocol.EmergencyChannel || !protocol.KnownChannel(primary) {
		return nil, fmt.Errorf("channel %d is not a valid primary", primary)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay address: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:         log,
		cb:          cb,
		funkKey:     funkKey,
		raddr:       raddr,
		state:       StateDisconnected,
		primary:     primary,
		transmit:    primary,
		signal:      100,
		seqs:        make(map[uint8]uint16),
		reconnectCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}, nil
}

// Connect opens the socket, starts the background loops, and presents the
// funk key for both channels. The session reports Connected once both
// AUTH_OKs arrive. The socket stays open for the session's lifetime; a
// reconnect re-authenticates over it rather than redialing.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("session already connected")
	}
	conn, err := net.DialUDP("udp", nil, s.raddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("dial relay: %w", err)
	}
	s.conn = conn
	s.state = StateAuthenticating
	s.signal = 100
	s.lastReceived = s.now()
	s.mu.Unlock()

	s.wg.Add(4)
	go s.receiveLoop(conn)
	go s.pingLoop()
	go s.watchdogLoop()
	go s.reconnectLoop()

	s.log.Info("connecting", "relay", s.raddr.String(), "channel", s.PrimaryChannel())
	s.notifyState(StateAuthenticating)
	s.sendAuths()
	return nil
}

// Close disconnects intentionally. Reconnect is suppressed, the socket is
// closed to unblock the receive loop, and the loops are joined with a
// bounded wait.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.suppressed = true
	s.state = StateDisconnected
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.stopCh)
	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeJoinTimeout):
		s.log.Warn("session loops did not stop in time")
	}

	s.log.Info("session closed")
	s.notifyState(StateDisconnected)
}

// SetChannel changes the primary channel and re-authenticates it. The
// secondary session on channel 41 stays valid throughout; transmission on
// the new primary resumes once its AUTH_OK arrives.
func (s *Session) SetChannel(ch uint8) error {
	if ch == protocol.EmergencyChannel || !protocol.KnownChannel(ch) {
		return fmt.Errorf("channel %d is not a valid primary", ch)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if ch == s.primary {
		s.mu.Unlock()
		return nil
	}
	if s.transmit == s.primary {
		s.transmit = ch
	}
	s.primary = ch
	s.authedPrimary = false
	var notify bool
	if s.state == StateConnected {
		s.state = StateAuthenticating
		notify = true
	}
	s.mu.Unlock()

	s.log.Info("primary channel changed", "channel", ch)
	if notify {
		s.notifyState(StateAuthenticating)
	}
	s.sendAuth(ch)
	return nil
}

// SetTransmitChannel points outgoing audio at ch without any auth
// round-trip. Only channels that already hold an AUTH_OK session qualify,
// which keeps the secondary PTT instant.
func (s *Session) SetTransmitChannel(ch uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authedLocked(ch) {
		return ErrChannelNotAuthenticated
	}
	s.transmit = ch
	return nil
}

// SendAudio emits one encoded voice frame on the transmit channel. Frames
// for a channel without an authenticated session are dropped with
// ErrChannelNotAuthenticated.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	ch := s.transmit
	if !s.authedLocked(ch) {
		s.mu.Unlock()
		return ErrChannelNotAuthenticated
	}
	seq := s.seqs[ch]
	s.seqs[ch] = seq + 1
	s.mu.Unlock()

	return s.send(protocol.Audio(ch, wireUser, seq, frame))
}

// CanTransmit reports whether the current transmit channel holds an
// authenticated session.
func (s *Session) CanTransmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authedLocked(s.transmit)
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrimaryChannel returns the current primary channel.
func (s *Session) PrimaryChannel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// TransmitChannel returns the channel outgoing audio is pointed at.
func (s *Session) TransmitChannel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmit
}

// Stats returns a snapshot of connection health.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStats{
		State:           s.state,
		PrimaryChannel:  s.primary,
		TransmitChannel: s.transmit,
		LossPercent:     s.lossPercentLocked(),
		Signal:          s.signal,
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
		SendErrors:      s.sendErrors,
		Attempts:        s.attempts,
	}
	if n := len(s.latencies); n > 0 {
		st.LatencyMs = s.latencies[n-1]
	}
	st.JitterMs = jitterOf(s.latencies)
	return st
}

// wireUser is the user byte stamped on outgoing packets. The relay
// identifies peers by source address and echoes this byte back, so the
// client does not need a real ID here.
const wireUser uint8 = 0

// receiveLoop reads datagrams until the socket closes. The short read
// deadline keeps shutdown prompt; other read errors (a connected UDP
// socket surfaces ICMP unreachable here while the relay is down) are left
// to the watchdog.
func (s *Session) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Debug("socket read failed", "err", err)
			continue
		}
		s.handleDatagram(buf[:n])
	}
}

// handleDatagram parses and dispatches one inbound packet.
func (s *Session) handleDatagram(data []byte) {
	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		s.log.Debug("malformed packet dropped", "len", len(data))
		return
	}

	s.mu.Lock()
	s.lastReceived = s.now()
	s.packetsReceived++
	s.mu.Unlock()

	switch pkt.Type {
	case protocol.TypeAudio:
		if s.cb.OnAudio != nil {
			s.cb.OnAudio(pkt.Channel, pkt.Payload)
		}
	case protocol.TypePong:
		s.handlePong()
	case protocol.TypeAuthOK:
		s.handleAuthOK(pkt.Channel)
	case protocol.TypeAuthFail:
		s.handleAuthFail(pkt.Channel, string(pkt.Payload))
	default:
		// PING and AUTH only travel client to server.
	}
}

func (s *Session) handlePong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongsReceived++
	if s.lastPingSent.IsZero() {
		return
	}
	rtt := float64(s.now().Sub(s.lastPingSent)) / float64(time.Millisecond)
	s.latencies = append(s.latencies, rtt)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[1:]
	}
	switch {
	case rtt < 50:
		s.bumpSignal(+2)
	case rtt > 200:
		s.bumpSignal(-5)
	}
}

func (s *Session) handleAuthOK(ch uint8) {
	s.mu.Lock()
	switch ch {
	case protocol.EmergencyChannel:
		s.authedSecondary = true
	case s.primary:
		s.authedPrimary = true
	default:
		// AUTH_OK for a channel that is no longer the primary.
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.warned = false
	var connected bool
	if s.authedPrimary && s.authedSecondary && s.state != StateConnected {
		s.state = StateConnected
		s.signal = 100
		s.pingsSent = 0
		s.pongsReceived = 0
		connected = true
	}
	primary, transmit := s.primary, s.transmit
	s.mu.Unlock()

	s.log.Info("channel authenticated", "channel", ch)
	if connected {
		s.log.Info("session connected", "primary", primary, "transmit", transmit)
		s.notifyState(StateConnected)
	}
}

func (s *Session) handleAuthFail(ch uint8, reason string) {
	s.mu.Lock()
	var (
		notify []SessionState
		reauth bool
	)
	switch reason {
	case protocol.ReasonNotAuthenticated:
		// The relay restarted or reaped this session. Re-present the
		// key right away instead of waiting for the watchdog, but at
		// most once a second since every queued packet draws one of
		// these replies.
		s.authedPrimary = false
		s.authedSecondary = false
		if s.state == StateConnected {
			s.state = StateAuthenticating
			notify = append(notify, StateAuthenticating)
		}
		if s.now().Sub(s.lastAuthSent) >= time.Second {
			reauth = true
		}
	case protocol.ReasonInvalidKey:
		// A rejected key never recovers on its own. Stop retrying and
		// let the app surface the error.
		s.authedPrimary = false
		s.authedSecondary = false
		s.suppressed = true
		if s.state != StateDisconnected {
			s.state = StateDisconnected
			notify = append(notify, StateDisconnected)
		}
	default:
		// "Channel not authorized" and "Auth error" leave the other
		// channel's session intact. The watchdog's auth retry covers
		// transient store failures.
		if ch == s.primary {
			s.authedPrimary = false
		}
		if ch == protocol.EmergencyChannel {
			s.authedSecondary = false
		}
		if s.state == StateConnected {
			s.state = StateAuthenticating
			notify = append(notify, StateAuthenticating)
		}
	}
	s.mu.Unlock()

	s.log.Warn("authentication failed", "channel", ch, "reason", reason)
	if reauth {
		s.sendAuths()
	}
	for _, st := range notify {
		s.notifyState(st)
	}
	if s.cb.OnAuthFail != nil {
		s.cb.OnAuthFail(ch, reason)
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pingOnce()
		}
	}
}

// pingOnce sends one keep-alive on the primary channel and stamps it for
// round-trip measurement.
func (s *Session) pingOnce() {
	s.mu.Lock()
	ch := s.primary
	s.lastPingSent = s.now()
	s.pingsSent++
	s.mu.Unlock()
	_ = s.send(protocol.Ping(ch, wireUser))
}

func (s *Session) watchdogLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.watchdogTick()
		}
	}
}

// watchdogTick applies the age and loss rules to the signal strength,
// warns after warnAge of silence, declares the connection lost after
// lostAge, and re-sends unanswered AUTHs while authenticating.
func (s *Session) watchdogTick() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	now := s.now()
	age := now.Sub(s.lastReceived)

	switch {
	case age >= lostAge:
		s.signal = 0
	case age > 5*time.Second:
		s.bumpSignal(-10)
	case age < 2*time.Second:
		s.bumpSignal(+5)
	}

	if s.pingsSent >= minLossSamples {
		loss := s.lossPercentLocked()
		switch {
		case loss > 10:
			s.bumpSignal(-15)
		case loss < 1:
			s.bumpSignal(+3)
		}
	}

	var lost, warn bool
	if age >= lostAge {
		if s.state != StateReconnecting {
			s.state = StateReconnecting
			s.authedPrimary = false
			s.authedSecondary = false
			s.warned = false
			lost = true
		}
	} else if age >= warnAge {
		if !s.warned {
			s.warned = true
			warn = true
		}
	} else {
		s.warned = false
	}

	retryAuth := s.state == StateAuthenticating && !s.suppressed &&
		now.Sub(s.lastAuthSent) >= authRetryAge
	s.mu.Unlock()

	if warn {
		s.log.Warn("no packets from relay", "age", age.Round(time.Second))
	}
	if lost {
		s.log.Warn("connection lost", "age", age.Round(time.Second))
		s.notifyState(StateReconnecting)
		select {
		case s.reconnectCh <- struct{}{}:
		default:
		}
	}
	if retryAuth {
		s.sendAuths()
	}
}

// reconnectLoop drives re-authentication after a lost connection. Each
// attempt waits backoffDelay(attempt) before re-presenting the key; an
// AUTH_OK resets the counter and flips the state, ending the inner loop.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.reconnectCh:
		}
		for {
			s.mu.Lock()
			if s.state != StateReconnecting || s.suppressed {
				s.mu.Unlock()
				break
			}
			attempt := s.attempts
			s.attempts++
			s.mu.Unlock()

			delay := backoffDelay(attempt)
			s.log.Info("reconnect pending", "attempt", attempt+1, "delay", delay)
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}

			s.mu.Lock()
			retry := s.state == StateReconnecting && !s.suppressed
			s.mu.Unlock()
			if retry {
				s.sendAuths()
			}
		}
	}
}

// backoffDelay doubles per attempt and saturates at maxReconnectDelay:
// 1, 2, 4, 8, 16, 30, 30, ... seconds.
func backoffDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxReconnectDelay
	}
	return time.Duration(1<<attempt) * time.Second
}

// sendAuths presents the funk key for the primary and secondary channels.
// The relay treats a repeated AUTH as a refresh, so duplicates are safe.
func (s *Session) sendAuths() {
	s.mu.Lock()
	primary := s.primary
	s.lastAuthSent = s.now()
	s.mu.Unlock()

	_ = s.send(protocol.Auth(primary, wireUser, s.funkKey))
	_ = s.send(protocol.Auth(protocol.EmergencyChannel, wireUser, s.funkKey))
}

func (s *Session) sendAuth(ch uint8) {
	s.mu.Lock()
	s.lastAuthSent = s.now()
	s.mu.Unlock()
	_ = s.send(protocol.Auth(ch, wireUser, s.funkKey))
}

// send marshals and writes one packet. Write failures count as send errors
// and cost signal strength.
func (s *Session) send(pkt protocol.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	if _, err := conn.Write(data); err != nil {
		s.mu.Lock()
		s.sendErrors++
		s.bumpSignal(-10)
		s.mu.Unlock()
		s.log.Debug("socket send failed", "type", pkt.Type.String(), "err", err)
		return err
	}
	s.mu.Lock()
	s.packetsSent++
	s.mu.Unlock()
	return nil
}

// authedLocked reports whether ch holds an AUTH_OK session. Callers hold mu.
func (s *Session) authedLocked(ch uint8) bool {
	switch ch {
	case protocol.EmergencyChannel:
		return s.authedSecondary
	case s.primary:
		return s.authedPrimary
	default:
		return false
	}
}

// lossPercentLocked is the keep-alive loss over the current connection.
// A ping younger than a second is in flight, not lost. Callers hold mu.
func (s *Session) lossPercentLocked() float64 {
	sent := s.pingsSent
	recv := s.pongsReceived
	if sent > recv && s.now().Sub(s.lastPingSent) < time.Second {
		sent--
	}
	if sent == 0 {
		return 0
	}
	if recv > sent {
		recv = sent
	}
	return 100 * float64(sent-recv) / float64(sent)
}

// bumpSignal moves the signal strength by delta, clamped to [0, 100].
// Callers hold mu.
func (s *Session) bumpSignal(delta int) {
	s.signal += delta
	if s.signal < 0 {
		s.signal = 0
	}
	if s.signal > 100 {
		s.signal = 100
	}
}

func (s *Session) notifyState(st SessionState) {
	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
}

// jitterOf is the mean absolute difference between successive round-trip
// samples.
func jitterOf(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}
	return sum / float64(len(window)-1)
}
