package trackers

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestIAskedAccumulatesAndResets(t *testing.T) {
	tr := New(nil)
	tr.AddIAsked("p1", 3)
	tr.AddIAsked("p1", 2)
	if got := tr.IAsked("p1"); got != 5 {
		t.Fatalf("expected accumulated iAsked of 5, got %d", got)
	}

	tr.ResetHeartbeatCounters()
	if got := tr.IAsked("p1"); got != 0 {
		t.Fatalf("expected iAsked reset to 0 at heartbeat start, got %d", got)
	}
}

func TestPeerIHaveIncrementsAndResets(t *testing.T) {
	tr := New(nil)
	if got := tr.IncrPeerIHave("p1"); got != 1 {
		t.Fatalf("expected first increment to return 1, got %d", got)
	}
	if got := tr.IncrPeerIHave("p1"); got != 2 {
		t.Fatalf("expected second increment to return 2, got %d", got)
	}
	tr.ResetHeartbeatCounters()
	if got := tr.PeerIHave("p1"); got != 0 {
		t.Fatalf("expected peerIHave reset to 0, got %d", got)
	}
}

func TestRecordAndClearIWant(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	tr := New(clk.now)

	tr.RecordIWant("p1", "id1")
	stale := tr.SweepStaleIWants(time.Second)
	if len(stale) != 0 {
		t.Fatalf("expected no stale entries immediately after recording, got %v", stale)
	}

	tr.ClearIWant("p1", "id1")
	clk.advance(2 * time.Second)
	stale = tr.SweepStaleIWants(time.Second)
	if len(stale) != 0 {
		t.Fatalf("expected a cleared entry to never be reported stale, got %v", stale)
	}
}

func TestSweepStaleIWantsReportsPenaltyOncePerEntry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	tr := New(clk.now)

	tr.RecordIWant("p1", "id1")
	tr.RecordIWant("p2", "id2")

	clk.advance(3 * time.Second)
	stale := tr.SweepStaleIWants(1 * time.Second)
	if len(stale) != 2 {
		t.Fatalf("expected both outstanding entries to be swept as stale, got %v", stale)
	}

	// A second sweep finds nothing: the entries were removed by the first.
	stale = tr.SweepStaleIWants(1 * time.Second)
	if len(stale) != 0 {
		t.Fatalf("expected the second sweep to find no remaining stale entries, got %v", stale)
	}
}
