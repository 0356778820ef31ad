// Package hotkey routes symbolic input events to push-to-talk and
// quick-switch actions.
//
// Keys are referred to by lowercase names ("f7", "space", "mouse1" through
// "mouse5" for the mouse buttons); the router does not talk to the input
// device itself. Press and Release are edge-triggered per action, so
// keyboard auto-repeat is absorbed here.
//
// A push-to-talk press does not transmit immediately: the router waits
// DefaultArmDelay so the locally played TX sound finishes first. Releasing
// the key inside that window cancels the transmission silently; releasing
// after it fires stops a running transmission.
package hotkey

import (
	"strings"
	"sync"
	"time"
)

// DefaultArmDelay is the gap between a PTT press and the start of
// transmission, covering the TX notification sound.
const DefaultArmDelay = 800 * time.Millisecond

// Action is what a bound key does.
type Action int

const (
	None Action = iota
	PrimaryPTT
	SecondaryPTT
	QuickSwitch1
	QuickSwitch2
)

func (a Action) String() string {
	switch a {
	case PrimaryPTT:
		return "primary"
	case SecondaryPTT:
		return "secondary"
	case QuickSwitch1:
		return "channel1"
	case QuickSwitch2:
		return "channel2"
	default:
		return "none"
	}
}

// Callbacks are the router's outputs. OnPTTPress and OnQuickSwitch run on
// the goroutine calling Press; OnTxStart runs on a timer goroutine once the
// arm delay elapses; OnTxStop runs on the goroutine calling Release. Nil
// callbacks are skipped.
type Callbacks struct {
	// OnPTTPress fires on the down edge of a PTT key, before the arm
	// delay. The app resolves and pins the transmit channel here and
	// plays the TX sound.
	OnPTTPress func(a Action)
	// OnTxStart fires when the arm delay elapses without a release.
	OnTxStart func(a Action)
	// OnTxStop fires on release of a PTT key after OnTxStart.
	OnTxStop func(a Action)
	// OnQuickSwitch fires on the down edge of a quick-switch key with the
	// slot number (1 or 2).
	OnQuickSwitch func(slot int)
}

// Router tracks key edges and the PTT arm timer. Safe for concurrent use.
type Router struct {
	mu           sync.Mutex
	bindings     map[string]Action
	pressed      map[Action]bool
	armDelay     time.Duration
	armTimer     *time.Timer
	pending      Action
	transmitting bool
	cb           Callbacks
}

// New returns a Router with no bindings and the default arm delay.
func New(cb Callbacks) *Router {
	return &Router{
		bindings: make(map[string]Action),
		pressed:  make(map[Action]bool),
		armDelay: DefaultArmDelay,
		cb:       cb,
	}
}

// Bind maps a key name to an action. Binding the empty string is a no-op,
// so unset config entries can be passed straight through.
func (r *Router) Bind(key string, a Action) {
	key = normalize(key)
	if key == "" || a == None {
		return
	}
	r.mu.Lock()
	r.bindings[key] = a
	r.mu.Unlock()
}

// Press feeds a key-down event into the router.
func (r *Router) Press(key string) {
	r.mu.Lock()
	a, ok := r.bindings[normalize(key)]
	if !ok || r.pressed[a] {
		r.mu.Unlock()
		return
	}
	r.pressed[a] = true

	switch a {
	case PrimaryPTT, SecondaryPTT:
		// A second PTT press replaces any pending transmission.
		if r.armTimer != nil {
			r.armTimer.Stop()
		}
		r.pending = a
		r.armTimer = time.AfterFunc(r.armDelay, func() { r.armFired(a) })
		r.mu.Unlock()
		if r.cb.OnPTTPress != nil {
			r.cb.OnPTTPress(a)
		}
	case QuickSwitch1:
		r.mu.Unlock()
		if r.cb.OnQuickSwitch != nil {
			r.cb.OnQuickSwitch(1)
		}
	case QuickSwitch2:
		r.mu.Unlock()
		if r.cb.OnQuickSwitch != nil {
			r.cb.OnQuickSwitch(2)
		}
	default:
		r.mu.Unlock()
	}
}

// Release feeds a key-up event into the router.
func (r *Router) Release(key string) {
	r.mu.Lock()
	a, ok := r.bindings[normalize(key)]
	if !ok || !r.pressed[a] {
		r.mu.Unlock()
		return
	}
	r.pressed[a] = false

	if a != PrimaryPTT && a != SecondaryPTT {
		r.mu.Unlock()
		return
	}

	// Released before the arm delay: cancel silently. Any PTT release
	// clears a pending transmission, matching the single shared timer.
	if r.pending != None {
		r.pending = None
		if r.armTimer != nil {
			r.armTimer.Stop()
		}
		r.mu.Unlock()
		return
	}

	wasTransmitting := r.transmitting
	r.transmitting = false
	r.mu.Unlock()
	if wasTransmitting && r.cb.OnTxStop != nil {
		r.cb.OnTxStop(a)
	}
}

// armFired runs when the arm delay elapses.
func (r *Router) armFired(a Action) {
	r.mu.Lock()
	if r.pending != a {
		// Cancelled or replaced while the timer was in flight.
		r.mu.Unlock()
		return
	}
	r.pending = None
	r.transmitting = true
	r.mu.Unlock()
	if r.cb.OnTxStart != nil {
		r.cb.OnTxStart(a)
	}
}

// Transmitting reports whether a PTT transmission is currently running.
func (r *Router) Transmitting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitting
}

// Reset drops all key state and cancels any pending transmission, e.g. when
// the session disconnects. It does not touch bindings.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armTimer != nil {
		r.armTimer.Stop()
	}
	r.pending = None
	r.transmitting = false
	clear(r.pressed)
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
