package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcordes92/dfg-funk/client/internal/adapt"
	"github.com/mcordes92/dfg-funk/client/internal/codec"
	"github.com/mcordes92/dfg-funk/client/internal/config"
	"github.com/mcordes92/dfg-funk/client/internal/hotkey"
	"github.com/mcordes92/dfg-funk/internal/protocol"
)

// rxCueGap is the receive-silence span after which the next incoming frame
// counts as a new transmission and plays the RX squelch.
const rxCueGap = 3 * time.Second

// adaptInterval is how often the bitrate adapter re-reads link quality.
const adaptInterval = 5 * time.Second

// App wires the session, the audio engine, and the hotkey router into the
// terminal front-end. Terminal input is line-based, so the PTT commands
// toggle: the first use presses the bound key, the second releases it,
// and the router applies its usual arm delay in between.
type App struct {
	log    *slog.Logger
	cfg    config.Config
	sess   *Session
	engine *Engine
	keys   *hotkey.Router

	keyPrimary   string
	keySecondary string
	keySwitch1   string
	keySwitch2   string

	mu     sync.Mutex
	lastRx time.Time
	held   map[hotkey.Action]bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewApp builds the client from the effective configuration.
func NewApp(cfg config.Config, log *slog.Logger) (*App, error) {
	enc, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("codec %q: %w", cfg.Codec, err)
	}

	a := &App{
		log:          log,
		cfg:          cfg,
		keyPrimary:   cfg.HotkeyPrimary,
		keySecondary: cfg.HotkeySecondary,
		keySwitch1:   cfg.HotkeyChannel1,
		keySwitch2:   cfg.HotkeyChannel2,
		held:         make(map[hotkey.Action]bool),
		quit:         make(chan struct{}),
	}
	// The terminal front-end needs the quick-switch slots reachable even
	// when no desktop hotkey is configured for them.
	if a.keySwitch1 == "" {
		a.keySwitch1 = "1"
	}
	if a.keySwitch2 == "" {
		a.keySwitch2 = "2"
	}

	a.engine = NewEngine(cfg, enc, log)

	sess, err := NewSession(
		net.JoinHostPort(cfg.ServerIP, strconv.Itoa(cfg.ServerPort)),
		cfg.FunkKey, cfg.Channel, log,
		SessionCallbacks{
			OnState:    a.onState,
			OnAudio:    a.onAudio,
			OnAuthFail: a.onAuthFail,
		})
	if err != nil {
		return nil, err
	}
	a.sess = sess

	a.engine.OnFrame = func(payload []byte) {
		if err := sess.SendAudio(payload); err != nil {
			log.Debug("voice frame dropped", "err", err)
		}
	}
	a.engine.Ready = sess.CanTransmit

	a.keys = hotkey.New(hotkey.Callbacks{
		OnPTTPress:    a.onPTTPress,
		OnTxStart:     a.onTxStart,
		OnTxStop:      a.onTxStop,
		OnQuickSwitch: a.onQuickSwitch,
	})
	a.keys.Bind(a.keyPrimary, hotkey.PrimaryPTT)
	a.keys.Bind(a.keySecondary, hotkey.SecondaryPTT)
	a.keys.Bind(a.keySwitch1, hotkey.QuickSwitch1)
	a.keys.Bind(a.keySwitch2, hotkey.QuickSwitch2)

	return a, nil
}

// Run starts audio and the session, then serves terminal commands until
// the context is cancelled or the user quits.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(); err != nil {
		return fmt.Errorf("start audio: %w", err)
	}
	defer a.engine.Stop()

	if err := a.sess.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer a.sess.Close()

	go a.readCommands()
	go a.adaptLoop(ctx)
	go a.qualityLoop(ctx)

	a.printHelp()

	select {
	case <-ctx.Done():
	case <-a.quit:
	}

	a.keys.Reset()
	a.engine.SetRecording(false)
	return nil
}

// onPTTPress pins the transmit channel and plays the TX sound. The router
// arms the actual transmission a moment later.
func (a *App) onPTTPress(act hotkey.Action) {
	target := a.sess.PrimaryChannel()
	if act == hotkey.SecondaryPTT {
		target = protocol.EmergencyChannel
	}
	if err := a.sess.SetTransmitChannel(target); err != nil {
		a.log.Warn("push-to-talk on unauthenticated channel", "channel", target, "err", err)
	}
	a.engine.PlayCue(CueTxStart)
}

func (a *App) onTxStart(act hotkey.Action) {
	a.engine.SetRecording(true)
	a.log.Info("transmitting", "channel", a.sess.TransmitChannel(), "key", act.String())
}

func (a *App) onTxStop(hotkey.Action) {
	a.engine.SetRecording(false)
	a.log.Info("transmission stopped")
}

// onQuickSwitch retargets outgoing audio at the slot's configured channel.
// Only channels that already hold an authenticated session qualify.
func (a *App) onQuickSwitch(slot int) {
	target := a.cfg.Channel1Target
	if slot == 2 {
		target = a.cfg.Channel2Target
	}
	if err := a.sess.SetTransmitChannel(target); err != nil {
		a.log.Warn("quick-switch rejected", "channel", target, "err", err)
		return
	}
	a.engine.PlayCue(CueSwitch)
	a.log.Info("transmit channel switched", "channel", target)
}

func (a *App) onState(st SessionState) {
	a.log.Info("session state", "state", st.String())
	switch st {
	case StateConnected:
		a.engine.PlayCue(CueConnect)
	case StateReconnecting:
		a.engine.PlayCue(CueDisconnect)
	}
}

// onAudio feeds received frames into playback, with the RX squelch when a
// transmission starts after a stretch of silence.
func (a *App) onAudio(channel uint8, payload []byte) {
	now := time.Now()
	a.mu.Lock()
	quiet := a.lastRx.IsZero() || now.Sub(a.lastRx) > rxCueGap
	a.lastRx = now
	a.mu.Unlock()

	if quiet {
		a.engine.PlayCue(CueRx)
		a.log.Debug("reception started", "channel", channel)
	}
	a.engine.Push(payload)
}

func (a *App) onAuthFail(channel uint8, reason string) {
	if reason == protocol.ReasonInvalidKey {
		fmt.Fprintln(os.Stderr, "funk key rejected by the server; check funk_key in the config file")
		a.shutdown()
	}
}

func (a *App) shutdown() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// readCommands maps terminal input onto hotkey events and runs until
// stdin closes or the user quits.
func (a *App) readCommands() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.dispatch(line[0])
		select {
		case <-a.quit:
			return
		default:
		}
	}
}

// dispatch handles one command character.
func (a *App) dispatch(c byte) {
	switch c {
	case 't':
		a.togglePTT(hotkey.PrimaryPTT, a.keyPrimary)
	case 's':
		a.togglePTT(hotkey.SecondaryPTT, a.keySecondary)
	case '1':
		a.tapKey(a.keySwitch1)
	case '2':
		a.tapKey(a.keySwitch2)
	case 'i':
		a.printInfo()
	case 'h', '?':
		a.printHelp()
	case 'q':
		a.shutdown()
	default:
		fmt.Printf("unknown command %q (h for help)\n", string(c))
	}
}

// togglePTT presses the bound key on the first call and releases it on
// the next, so the arm delay and early-release semantics apply exactly as
// they would for a held key.
func (a *App) togglePTT(act hotkey.Action, key string) {
	if key == "" {
		fmt.Println("no key bound for this action")
		return
	}
	a.mu.Lock()
	held := a.held[act]
	a.held[act] = !held
	a.mu.Unlock()

	if held {
		a.keys.Release(key)
		return
	}
	a.keys.Press(key)
}

// tapKey emits a press-release pair for edge-triggered bindings.
func (a *App) tapKey(key string) {
	a.keys.Press(key)
	a.keys.Release(key)
}

func (a *App) printInfo() {
	st := a.sess.Stats()
	es := a.engine.Stats()
	fmt.Printf("state:     %s\n", st.State)
	fmt.Printf("channels:  primary %d, transmit %d\n", st.PrimaryChannel, st.TransmitChannel)
	fmt.Printf("latency:   %.1f ms (jitter %.1f ms)\n", st.LatencyMs, st.JitterMs)
	fmt.Printf("loss:      %.1f%%\n", st.LossPercent)
	fmt.Printf("signal:    %d/100\n", st.Signal)
	fmt.Printf("packets:   %d sent, %d received, %d send errors\n",
		st.PacketsSent, st.PacketsReceived, st.SendErrors)
	fmt.Printf("playback:  %d queued (target %d), %d underruns\n",
		es.Playback.Queued, es.Playback.Depth, es.Playback.Underruns)
	fmt.Printf("mic:       %.1f dBFS, gate open %v\n", es.LevelDB, es.GateOpen)
	if a.engine.Adaptive() {
		fmt.Printf("bitrate:   %d kbps\n", a.engine.CurrentBitrate())
	}
}

func (a *App) printHelp() {
	fmt.Println("commands: t talk toggle | s emergency toggle | 1/2 quick-switch | i info | q quit")
}

// adaptLoop retargets the encoder from observed loss and latency. Only
// adaptive codecs participate.
func (a *App) adaptLoop(ctx context.Context) {
	if !a.engine.Adaptive() {
		return
	}
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		case <-ticker.C:
			st := a.sess.Stats()
			current := a.engine.CurrentBitrate()
			next := adapt.NextBitrate(current, st.LossPercent, st.LatencyMs)
			if next != current {
				a.log.Info("bitrate adapted", "from_kbps", current, "to_kbps", next,
					"loss_pct", st.LossPercent, "latency_ms", st.LatencyMs)
				a.engine.SetBitrate(next)
			}
		}
	}
}

// qualityLoop emits one link-quality line per second at debug level.
func (a *App) qualityLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		case <-ticker.C:
			st := a.sess.Stats()
			ps := a.engine.Stats().Playback
			a.log.Debug("link quality",
				"state", st.State.String(),
				"latency_ms", st.LatencyMs,
				"jitter_ms", st.JitterMs,
				"loss_pct", st.LossPercent,
				"signal", st.Signal,
				"queued", ps.Queued,
				"underruns", ps.Underruns)
		}
	}
}
