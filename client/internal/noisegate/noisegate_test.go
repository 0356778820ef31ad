package noisegate

import "testing"

func TestGateClosedForQuietLevels(t *testing.T) {
	g := New()
	if g.Open(-60) {
		t.Fatal("gate passed a frame well below the default threshold")
	}
	if g.IsOpen() {
		t.Fatal("IsOpen should report closed")
	}
}

func TestGateOpensForLoudLevels(t *testing.T) {
	g := New()
	if !g.Open(-20) {
		t.Fatal("gate blocked a frame well above the default threshold")
	}
	if !g.IsOpen() {
		t.Fatal("IsOpen should report open")
	}
}

func TestGateThresholdIsExclusive(t *testing.T) {
	// Exactly at the threshold the gate stays closed; it opens strictly above.
	g := New()
	if g.Open(DefaultThreshold) {
		t.Error("level equal to threshold should not open the gate")
	}
	if !g.Open(DefaultThreshold + 0.1) {
		t.Error("level just above threshold should open the gate")
	}
}

func TestGateHoldPreventsChatter(t *testing.T) {
	g := New()
	g.hold = 3

	if !g.Open(-20) {
		t.Fatal("gate should open on loud frame")
	}

	// The next 3 quiet frames still pass (hold period).
	for i := 0; i < 3; i++ {
		if !g.Open(-60) {
			t.Fatalf("gate closed during hold period at frame %d", i)
		}
	}

	// The 4th quiet frame is gated.
	if g.Open(-60) {
		t.Fatal("gate should be closed after hold expired")
	}
}

func TestGateHoldRearmsOnLoudFrame(t *testing.T) {
	g := New()
	g.hold = 2

	g.Open(-20)
	g.Open(-60) // hold 1 of 2
	g.Open(-20) // loud again, hold rearms

	for i := 0; i < 2; i++ {
		if !g.Open(-60) {
			t.Fatalf("gate closed during rearmed hold at frame %d", i)
		}
	}
	if g.Open(-60) {
		t.Fatal("gate should close once rearmed hold expires")
	}
}

func TestGateDisabledPassesEverything(t *testing.T) {
	g := New()
	g.SetEnabled(false)
	if g.Enabled() {
		t.Fatal("Enabled should report false")
	}
	if !g.Open(-95) {
		t.Fatal("disabled gate should pass even near-silence")
	}
}

func TestGateSetThresholdClamp(t *testing.T) {
	g := New()
	g.SetThreshold(-200)
	if g.Threshold() != -90 {
		t.Errorf("threshold below range: got %f, want -90", g.Threshold())
	}
	g.SetThreshold(10)
	if g.Threshold() != 0 {
		t.Errorf("threshold above range: got %f, want 0", g.Threshold())
	}
	g.SetThreshold(-55.5)
	if g.Threshold() != -55.5 {
		t.Errorf("in-range threshold altered: got %f, want -55.5", g.Threshold())
	}
}

func TestGateSetThresholdChangesDecision(t *testing.T) {
	g := New()
	g.SetThreshold(-10)
	if g.Open(-20) {
		t.Error("frame below raised threshold should be gated")
	}
	g.SetThreshold(-30)
	if !g.Open(-20) {
		t.Error("frame above lowered threshold should pass")
	}
}

func TestGateReset(t *testing.T) {
	g := New()
	g.Open(-20) // open, hold armed
	g.Reset()
	if g.IsOpen() {
		t.Fatal("gate should be closed after Reset")
	}
	if g.Open(-60) {
		t.Fatal("quiet frame should be gated after Reset cleared the hold")
	}
}
