package liveness

import (
	"testing"
	"time"
)

func TestStateProgression(t *testing.T) {
	d := NewDetector(10*time.Second, 30*time.Second)
	base := time.Unix(1000, 0)

	d.Observe("n1", base)

	cases := []struct {
		at   time.Duration
		want State
	}{
		{0, StateAlive},
		{5 * time.Second, StateAlive},
		{10 * time.Second, StateSuspect},
		{29 * time.Second, StateSuspect},
		{30 * time.Second, StateDead},
		{5 * time.Minute, StateDead},
	}
	for _, c := range cases {
		if got := d.StateOf("n1", base.Add(c.at)); got != c.want {
			t.Fatalf("at +%v: state = %v, want %v", c.at, got, c.want)
		}
	}
}

func TestUnknownPeerIsDead(t *testing.T) {
	d := NewDetector(0, 0)
	if d.StateOf("ghost", time.Now()) != StateDead {
		t.Fatal("unknown peer must be dead")
	}
	if d.Alive("ghost", time.Now()) {
		t.Fatal("unknown peer must not be alive")
	}
}

func TestObserveRevives(t *testing.T) {
	d := NewDetector(10*time.Second, 30*time.Second)
	base := time.Unix(1000, 0)

	d.Observe("n1", base)
	later := base.Add(time.Minute)
	if d.StateOf("n1", later) != StateDead {
		t.Fatal("expected dead after a minute")
	}
	d.Observe("n1", later)
	if d.StateOf("n1", later) != StateAlive {
		t.Fatal("observation must revive the peer")
	}

	// stale observations must not move time backwards
	d.Observe("n1", base)
	if d.StateOf("n1", later) != StateAlive {
		t.Fatal("stale observation regressed last-seen")
	}
}

func TestRemoveAndSnapshot(t *testing.T) {
	d := NewDetector(10*time.Second, 30*time.Second)
	base := time.Unix(1000, 0)

	d.Observe("n1", base)
	d.Observe("n2", base.Add(-20*time.Second))

	snap := d.Snapshot(base)
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d peers, want 2", len(snap))
	}
	states := map[string]State{}
	for _, p := range snap {
		states[p.ID] = p.State
	}
	if states["n1"] != StateAlive || states["n2"] != StateSuspect {
		t.Fatalf("snapshot states = %v", states)
	}

	d.Remove("n1")
	if len(d.Snapshot(base)) != 1 {
		t.Fatal("Remove did not drop the peer")
	}
}
