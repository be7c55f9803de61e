package metrics

import (
	"sync"
	"testing"
)

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(FramesReceived)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(FramesReceived); got != 800 {
		t.Fatalf("frames_received = %d, want 800", got)
	}
	if got := m.Get(TargetMissing); got != 0 {
		t.Fatalf("unset counter = %d", got)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Add(PeersJoined, 2)
	m.Inc(PeersLeft)

	snap := m.Snapshot()
	snap[PeersJoined] = 99
	if m.Get(PeersJoined) != 2 {
		t.Fatalf("snapshot aliases registry")
	}
	names := m.Names()
	if len(names) != 2 || names[0] != PeersJoined || names[1] != PeersLeft {
		t.Fatalf("names = %v", names)
	}
}
