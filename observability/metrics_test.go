package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gathered returns the series of family whose labels include every pair in match.
func gathered(t *testing.T, family string, match map[string]string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, m := range f.Metric {
			labels := make(map[string]string, len(m.Label))
			for _, pair := range m.Label {
				labels[pair.GetName()] = pair.GetValue()
			}
			ok := true
			for k, v := range match {
				if labels[k] != v {
					ok = false
				}
			}
			if ok {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, family string, match map[string]string) float64 {
	t.Helper()
	m := gathered(t, family, match)
	if m == nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

func TestLedgerdCountersAreExported(t *testing.T) {
	m := Ledgerd()
	labels := map[string]string{"type": "START_REVENUE_PAYOUT", "result": "batch_failed"}
	before := counterValue(t, "coop_ledgerd_supervisor_actions_total", labels)

	m.RecordSupervisor("START_REVENUE_PAYOUT", "batch_failed")
	m.RecordSupervisor("START_REVENUE_PAYOUT", "batch_failed")

	if got := counterValue(t, "coop_ledgerd_supervisor_actions_total", labels); got != before+2 {
		t.Fatalf("expected %v batch_failed actions, got %v", before+2, got)
	}

	m.RecordIngested("", false)
	if counterValue(t, "coop_ledgerd_records_ingested_total", map[string]string{"type": "unknown", "op": "insert"}) < 1 {
		t.Fatalf("blank record type not normalised")
	}
}

func TestConfirmationHistogramBuckets(t *testing.T) {
	m := Ledgerd()
	labels := map[string]string{"outcome": "failed"}
	var before uint64
	if series := gathered(t, "coop_ledgerd_confirmation_seconds", labels); series != nil {
		before = series.GetHistogram().GetSampleCount()
	}

	m.ObserveConfirmation("failed", 3*time.Second)

	series := gathered(t, "coop_ledgerd_confirmation_seconds", labels)
	if series == nil || series.Histogram == nil {
		t.Fatalf("confirmation histogram not recorded")
	}
	hist := series.GetHistogram()
	if hist.GetSampleCount() != before+1 {
		t.Fatalf("expected %d samples, got %d", before+1, hist.GetSampleCount())
	}
	for _, bucket := range hist.Bucket {
		if bucket.GetUpperBound() == 2 && bucket.GetCumulativeCount() > hist.GetSampleCount()-1 {
			t.Fatalf("3s wait counted in the 2s bucket")
		}
	}
}

func TestQueueDepthGauge(t *testing.T) {
	Ledgerd().SetQueueDepth("reprocess", "RUNNING", 4)
	series := gathered(t, "coop_ledgerd_queue_jobs", map[string]string{"queue": "reprocess", "status": "RUNNING"})
	if series == nil || series.GetGauge().GetValue() != 4 {
		t.Fatalf("queue depth gauge not set: %v", series)
	}
}
