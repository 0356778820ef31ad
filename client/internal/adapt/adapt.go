// Package adapt selects the Opus target bitrate from the session's link
// quality readings (packet loss and round-trip latency).
package adapt

// Ladder is the ordered list of Opus target bitrate steps in kbps, from
// barely-intelligible emergency quality (8 kbps) up to high-fidelity voice
// (48 kbps).
var Ladder = []int{8, 12, 16, 24, 32, 48}

// DefaultKbps is the starting rung for a new session, matching the codec's
// initial bitrate.
const DefaultKbps = 24

const (
	// downLossPercent is the packet loss above which we step down a rung.
	downLossPercent = 5.0
	// upLossPercent and upLatencyMs bound the link quality required to
	// step up a rung.
	upLossPercent = 1.0
	upLatencyMs   = 150.0
)

// NextBitrate returns the next target bitrate in kbps, given the current
// encoder setting and the loss percentage and latency observed over the
// last measurement window.
//
// One rung down on heavy loss; one rung up when the link is clean and a
// latency measurement exists (latency 0 means none yet, so hold rather than
// assume a perfect link); otherwise hold. The result is always a Ladder
// value.
func NextBitrate(current int, lossPercent, latencyMs float64) int {
	idx := rung(current)
	switch {
	case lossPercent > downLossPercent && idx > 0:
		return Ladder[idx-1]
	case lossPercent < upLossPercent && latencyMs > 0 && latencyMs < upLatencyMs && idx < len(Ladder)-1:
		return Ladder[idx+1]
	default:
		return Ladder[idx]
	}
}

// rung returns the index of the Ladder step closest to kbps.
func rung(kbps int) int {
	best, bestDist := 0, iabs(kbps-Ladder[0])
	for i, step := range Ladder {
		if d := iabs(kbps - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
