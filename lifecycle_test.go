package fragbench

import (
	"context"
	"testing"
	"time"
)

func TestOnlineLatch_FiresOnMatchingStatus(t *testing.T) {
	l := NewOnlineLatch("node1", "storage", testLogger(t))

	l.OnDatabaseChangeStatus("node2", "storage", StatusOnline)
	l.OnDatabaseChangeStatus("node1", "other", StatusOnline)
	l.OnDatabaseChangeStatus("node1", "storage", StatusSynchronizing)
	select {
	case <-l.Done():
		t.Fatalf("latch fired on a non-matching status")
	default:
	}

	l.OnDatabaseChangeStatus("node1", "storage", StatusOnline)
	l.OnDatabaseChangeStatus("node1", "storage", StatusOnline) // no double close
	if !l.Wait(context.Background(), time.Second) {
		t.Fatalf("Wait = false, wanted true")
	}
}

func TestOnlineLatch_TimesOut(t *testing.T) {
	l := NewOnlineLatch("node1", "storage", testLogger(t))
	start := time.Now()
	if l.Wait(context.Background(), 20*time.Millisecond) {
		t.Fatalf("Wait = true, wanted false")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Wait returned after %v, wanted >= 20ms", elapsed)
	}
}

func TestOnlineLatch_ContextCancel(t *testing.T) {
	l := NewOnlineLatch("node1", "storage", testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if l.Wait(ctx, time.Hour) {
		t.Fatalf("Wait = true, wanted false")
	}
}

func TestOnlineLatch_FiredAsynchronously(t *testing.T) {
	l := NewOnlineLatch("node1", "storage", testLogger(t))
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.OnDatabaseChangeStatus("node1", "storage", StatusOnline)
	}()
	if !l.Wait(context.Background(), 10*time.Second) {
		t.Fatalf("Wait = false, wanted true")
	}
}

type statusRecorder struct {
	OnlineLatch
	events []string
}

func (r *statusRecorder) OnDatabaseChangeStatus(node, db string, status DBStatus) {
	r.events = append(r.events, node+"/"+db+"="+status.String())
}

func TestStores_ReportStatus(t *testing.T) {
	rec := &statusRecorder{}
	s := NewMemStore(MemOptions{Name: "storage", NodeName: "n1", Listener: rec})
	ensure(s.Close())
	ensure(s.Close())
	deepEqual(t, rec.events, []string{"n1/storage=ONLINE", "n1/storage=OFFLINE"})

	rec.events = nil
	b := must(OpenBolt(t.TempDir(), BoltOptions{Name: "storage", NodeName: "n1", Listener: rec, Logger: testLogger(t)}))
	ensure(b.Close())
	deepEqual(t, rec.events, []string{"n1/storage=ONLINE", "n1/storage=OFFLINE"})
}
