package metrics

import (
	"testing"
)

func TestInit(t *testing.T) {
	reg := Init()
	if reg == nil {
		t.Fatal("Init returned nil registry")
	}
	// Second call should return same registry (sync.Once)
	reg2 := Init()
	if reg != reg2 {
		t.Error("Init should return same registry on subsequent calls")
	}
}

func TestRegistry_AfterInit(t *testing.T) {
	reg := Init()
	if Registry() != reg {
		t.Error("Registry should return the registry from Init")
	}
}

func gatheredValue(t *testing.T, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := Init().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if !match {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestRecordRefresh(t *testing.T) {
	before, _ := gatheredValue(t, "blocker_refresh_total", map[string]string{"result": RefreshImplausible})
	RecordRefresh(RefreshImplausible, 0.25)
	RecordRefresh(RefreshImplausible, -1)
	after, ok := gatheredValue(t, "blocker_refresh_total", map[string]string{"result": RefreshImplausible})
	if !ok {
		t.Fatal("refresh counter not gathered")
	}
	if after-before != 2 {
		t.Fatalf("refresh counter delta = %v, want 2", after-before)
	}
}

func TestRecordSnapshot(t *testing.T) {
	RecordSnapshot(123456, 1700000000)
	got, ok := gatheredValue(t, "blocker_snapshot_domains", nil)
	if !ok || got != 123456 {
		t.Fatalf("snapshot gauge = %v (found %v)", got, ok)
	}
	RecordSnapshot(10, 0)
	ts, _ := gatheredValue(t, "blocker_last_refresh_timestamp_seconds", nil)
	if ts != 1700000000 {
		t.Fatalf("zero timestamp should not reset gauge, got %v", ts)
	}
}

func TestRecordCompile(t *testing.T) {
	RecordCompile(RuleCounts{Static: 30, CustomDomains: 2, PredefinedKeywords: 3, CustomKeywords: 1, Truncated: 4})
	got, ok := gatheredValue(t, "blocker_compiled_rules", map[string]string{"category": "custom_domains"})
	if !ok || got != 2 {
		t.Fatalf("custom_domains gauge = %v (found %v)", got, ok)
	}
	got, _ = gatheredValue(t, "blocker_compiled_rules", map[string]string{"category": "truncated"})
	if got != 4 {
		t.Fatalf("truncated gauge = %v", got)
	}
}

func TestRecordArtifactWrite(t *testing.T) {
	before, _ := gatheredValue(t, "blocker_artifact_writes_total", map[string]string{"result": "error"})
	RecordArtifactWrite(true)
	RecordArtifactWrite(false)
	after, _ := gatheredValue(t, "blocker_artifact_writes_total", map[string]string{"result": "error"})
	if after-before != 1 {
		t.Fatalf("error writes delta = %v, want 1", after-before)
	}
	RecordArtifactFallback()
	RecordMutation("keywords", "add")
	RecordRejected("not_entitled")
	RecordWebhook("sent")
}

type fakeSizes map[string]int

func (f fakeSizes) ListSizes() map[string]int { return f }

func TestUpdateGauges(t *testing.T) {
	UpdateGauges(nil)
	UpdateGauges(fakeSizes{"whitelist": 7})
	got, ok := gatheredValue(t, "blocker_user_list_entries", map[string]string{"list": "whitelist"})
	if !ok || got != 7 {
		t.Fatalf("whitelist gauge = %v (found %v)", got, ok)
	}
}
