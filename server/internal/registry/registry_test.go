package registry

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// checkNoDrift verifies the forward memberships and the reverse channel
// index describe the same world.
func checkNoDrift(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch, members := range r.channels {
		for key := range members {
			p, ok := r.peers[key]
			if !ok {
				t.Fatalf("channel %d lists unknown peer %s", ch, key)
			}
			if _, ok := p.channels[ch]; !ok {
				t.Fatalf("peer %s in reverse index for %d but not in forward membership", key, ch)
			}
		}
	}
	for key, p := range r.peers {
		for ch := range p.channels {
			if _, ok := r.channels[ch][key]; !ok {
				t.Fatalf("peer %s member of %d but missing from reverse index", key, ch)
			}
		}
	}
}

func TestRegisterAndRecipients(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	a, b := addr(5001), addr(5002)
	r.Register(a, 52, 1, "alice")
	r.Register(b, 52, 2, "bob")

	got := r.Recipients(52, a.String())
	if len(got) != 1 || got[0].String() != b.String() {
		t.Fatalf("recipients = %v, want [%s]", got, b)
	}
	checkNoDrift(t, r)
}

func TestRecipientsEmptyChannel(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())
	if got := r.Recipients(52, ""); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestRecipientsExcludesOnlySender(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	peers := []*net.UDPAddr{addr(5001), addr(5002), addr(5003)}
	for i, a := range peers {
		r.Register(a, 41, int64(i+1), "user")
	}

	got := r.Recipients(41, peers[0].String())
	if len(got) != 2 {
		t.Fatalf("recipients = %d, want 2", len(got))
	}
	for _, a := range got {
		if a.String() == peers[0].String() {
			t.Error("sender must be excluded from recipients")
		}
	}
}

func TestMultiChannelMembership(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	a := addr(5001)
	r.Register(a, 41, 1, "alice")
	r.Register(a, 52, 1, "alice")

	if got := r.Recipients(41, ""); len(got) != 1 {
		t.Errorf("channel 41 recipients = %d, want 1", len(got))
	}
	if got := r.Recipients(52, ""); len(got) != 1 {
		t.Errorf("channel 52 recipients = %d, want 1", len(got))
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1 (same peer, two channels)", r.Count())
	}
	checkNoDrift(t, r)
}

func TestTouch(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	a := addr(5001)
	r.Register(a, 41, 1, "alice")

	if !r.Touch(a.String()) {
		t.Error("touch of registered peer should return true")
	}
	if r.Touch("10.0.0.9:1234") {
		t.Error("touch of unknown peer should return false")
	}
}

func TestReapRemovesStalePeers(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(DefaultStaleAfter, testLogger())
	r.now = func() time.Time { return now }

	a, b := addr(5001), addr(5002)
	r.Register(a, 52, 1, "alice")
	r.Register(b, 52, 2, "bob")

	now = now.Add(25 * time.Second)
	r.Touch(b.String())

	now = now.Add(6 * time.Second) // alice is 31 s old, bob 6 s

	reaped := r.Reap()
	if len(reaped) != 1 {
		t.Fatalf("reaped %d peers, want 1", len(reaped))
	}
	if reaped[0].Key != a.String() || reaped[0].Username != "alice" {
		t.Errorf("reaped %+v, want alice", reaped[0])
	}
	if len(reaped[0].Channels) != 1 || reaped[0].Channels[0] != 52 {
		t.Errorf("reaped channels = %v, want [52]", reaped[0].Channels)
	}

	got := r.Recipients(52, "")
	if len(got) != 1 || got[0].String() != b.String() {
		t.Errorf("recipients after reap = %v, want [%s]", got, b)
	}
	checkNoDrift(t, r)
}

func TestReapIdempotent(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(DefaultStaleAfter, testLogger())
	r.now = func() time.Time { return now }

	r.Register(addr(5001), 41, 1, "alice")
	now = now.Add(31 * time.Second)

	if got := r.Reap(); len(got) != 1 {
		t.Fatalf("first reap removed %d, want 1", len(got))
	}
	if got := r.Reap(); len(got) != 0 {
		t.Errorf("second reap removed %d, want 0", len(got))
	}
}

func TestReapBoundaryExactStaleAge(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(DefaultStaleAfter, testLogger())
	r.now = func() time.Time { return now }

	r.Register(addr(5001), 41, 1, "alice")
	now = now.Add(DefaultStaleAfter) // exactly 30 s: not yet stale

	if got := r.Reap(); len(got) != 0 {
		t.Errorf("peer exactly at the staleness bound should survive, reaped %d", len(got))
	}
}

func TestReapCleansEmptyChannels(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(DefaultStaleAfter, testLogger())
	r.now = func() time.Time { return now }

	r.Register(addr(5001), 55, 1, "alice")
	now = now.Add(31 * time.Second)
	r.Reap()

	r.mu.RLock()
	_, ok := r.channels[55]
	r.mu.RUnlock()
	if ok {
		t.Error("empty channel should be deleted from the reverse index")
	}
}

func TestRemove(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	a := addr(5001)
	r.Register(a, 41, 1, "alice")
	r.Register(a, 52, 1, "alice")

	if !r.Remove(a.String()) {
		t.Fatal("remove of registered peer should return true")
	}
	if r.Remove(a.String()) {
		t.Error("second remove should return false")
	}
	if got := r.Recipients(41, ""); got != nil {
		t.Errorf("recipients after remove = %v, want nil", got)
	}
	checkNoDrift(t, r)
}

func TestSnapshot(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	r.Register(addr(5001), 41, 7, "alice")
	r.Register(addr(5001), 52, 7, "alice")

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d peers, want 1", len(snap))
	}
	if snap[0].UserID != 7 || snap[0].Username != "alice" {
		t.Errorf("snapshot peer = %+v", snap[0])
	}
	if len(snap[0].Channels) != 2 {
		t.Errorf("snapshot channels = %v, want 2 entries", snap[0].Channels)
	}
}

func TestChannelCounts(t *testing.T) {
	r := New(DefaultStaleAfter, testLogger())

	r.Register(addr(5001), 41, 1, "alice")
	r.Register(addr(5002), 41, 2, "bob")
	r.Register(addr(5002), 52, 2, "bob")

	counts := r.ChannelCounts()
	if counts[41] != 2 {
		t.Errorf("channel 41 count = %d, want 2", counts[41])
	}
	if counts[52] != 1 {
		t.Errorf("channel 52 count = %d, want 1", counts[52])
	}
}
