// Package noisegate implements the transmit gate used when voice activity
// detection is disabled.
//
// The gate compares each frame's level in dBFS against a threshold: a frame
// above the threshold opens the gate, and a hold period keeps it open for
// 200 ms after the last loud frame so short pauses between words are not
// chopped out of the transmission.
package noisegate

const (
	// DefaultThreshold is the level below which audio is gated, in dBFS.
	DefaultThreshold = -40.0

	// DefaultHold is the number of frames the gate stays open after the
	// signal drops below threshold (200 ms at 20 ms per frame).
	DefaultHold = 10
)

// Gate decides per frame whether audio is loud enough to transmit.
type Gate struct {
	threshold float64 // dBFS
	hold      int     // configured hold length in frames
	remaining int     // frames left in current hold
	enabled   bool
	open      bool
}

// New returns a Gate with DefaultThreshold and DefaultHold, enabled by default.
func New() *Gate {
	return &Gate{
		threshold: DefaultThreshold,
		hold:      DefaultHold,
		enabled:   true,
	}
}

// SetEnabled enables or disables the gate. A disabled gate reports every
// frame as transmittable.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.open = false
	}
}

// Enabled reports whether the gate is currently enabled.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// SetThreshold sets the gate threshold in dBFS, clamped to [-90, 0].
func (g *Gate) SetThreshold(db float64) {
	if db < -90 {
		db = -90
	}
	if db > 0 {
		db = 0
	}
	g.threshold = db
}

// Threshold returns the current threshold in dBFS.
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// IsOpen reports whether the gate passed the most recent frame.
func (g *Gate) IsOpen() bool {
	return g.open
}

// Open feeds the gate one frame's level in dBFS and reports whether the
// frame should be transmitted. Levels above the threshold rearm the hold
// period; levels below it drain the hold before the gate closes.
func (g *Gate) Open(levelDB float64) bool {
	if !g.enabled {
		g.open = true
		return true
	}

	if levelDB > g.threshold {
		g.remaining = g.hold
		g.open = true
		return true
	}

	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return true
	}

	g.open = false
	return false
}

// Reset closes the gate and clears the hold counter without changing settings.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
