package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe("transcribe", 500)
	w.Observe("transcribe", 700)
	w.Observe("transcribe", 900)
	w.ObserveIndicator("outcome_replied")
	w.ObserveIndicator("outcome_replied")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "transcribe" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "transcribe")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe("dialogue", 100)
	w.Observe("dialogue", 200)
	w.Observe("dialogue", 300)

	snap := w.Snapshot()
	if got := snap.Stages[0].Samples; got != 2 {
		t.Fatalf("Samples = %d, want 2", got)
	}
	if got := snap.Stages[0].AvgMS; got != 250 {
		t.Fatalf("AvgMS = %.2f, want 250", got)
	}
}

func TestMetricsObserveStage(t *testing.T) {
	m := NewMetricsWithRegistry("test", prometheus.NewRegistry())
	m.ObserveStage("synthesize", 300*time.Millisecond)
	m.ObserveTurnOutcome("replied")

	if got := testutil.ToFloat64(m.TurnOutcomes.WithLabelValues("replied")); got != 1 {
		t.Fatalf("turn_outcomes_total{replied} = %v, want 1", got)
	}
	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 300 {
		t.Fatalf("stages = %+v, want synthesize at 300ms", snap.Stages)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("transcribe", time.Second)
	m.IncSessionEvent("connect")
	m.ObserveOutboundMessage("signal")
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot has %d stages", len(snap.Stages))
	}
}
