package adapt

import "testing"

func TestNextBitrateStepsDownOnLoss(t *testing.T) {
	got := NextBitrate(24, 10, 50)
	if got != 16 {
		t.Errorf("heavy loss: NextBitrate(24, 10, 50) = %d, want 16", got)
	}
}

func TestNextBitrateStepsUpOnCleanLink(t *testing.T) {
	got := NextBitrate(24, 0, 20)
	if got != 32 {
		t.Errorf("clean link: NextBitrate(24, 0, 20) = %d, want 32", got)
	}
}

func TestNextBitrateHoldsWithoutLatencyMeasurement(t *testing.T) {
	// Latency 0 means no sample yet; must not step up.
	got := NextBitrate(24, 0, 0)
	if got != 24 {
		t.Errorf("no measurement: NextBitrate(24, 0, 0) = %d, want 24 (hold)", got)
	}
}

func TestNextBitrateHoldsOnHighLatency(t *testing.T) {
	got := NextBitrate(24, 0, 200)
	if got != 24 {
		t.Errorf("high latency: NextBitrate(24, 0, 200) = %d, want 24 (hold)", got)
	}
}

func TestNextBitrateHoldsOnModerateLoss(t *testing.T) {
	got := NextBitrate(24, 3, 50)
	if got != 24 {
		t.Errorf("moderate loss: NextBitrate(24, 3, 50) = %d, want 24 (hold)", got)
	}
}

func TestNextBitrateCannotExceedMax(t *testing.T) {
	top := Ladder[len(Ladder)-1]
	got := NextBitrate(top, 0, 10)
	if got != top {
		t.Errorf("at max rung: NextBitrate(%d, 0, 10) = %d, want %d", top, got, top)
	}
}

func TestNextBitrateCannotGoBelowMin(t *testing.T) {
	bottom := Ladder[0]
	got := NextBitrate(bottom, 99, 500)
	if got != bottom {
		t.Errorf("at min rung: NextBitrate(%d, 99, 500) = %d, want %d", bottom, got, bottom)
	}
}

func TestNextBitrateSnapsUnknownValueToClosestRung(t *testing.T) {
	// 20 kbps is equidistant between 16 and 24; the lower rung wins.
	// Heavy loss then steps down one more.
	got := NextBitrate(20, 10, 50)
	if got != 12 {
		t.Errorf("snap+step: NextBitrate(20, 10, 50) = %d, want 12", got)
	}
}

func TestDefaultIsALadderRung(t *testing.T) {
	if Ladder[rung(DefaultKbps)] != DefaultKbps {
		t.Errorf("DefaultKbps %d is not a Ladder rung", DefaultKbps)
	}
}

func TestRung(t *testing.T) {
	for i, step := range Ladder {
		if got := rung(step); got != i {
			t.Errorf("rung(%d) = %d, want %d", step, got, i)
		}
	}
}
