package nodecache

import (
	"testing"
	"time"
)

func TestUpsertAndStats(t *testing.T) {
	c := New()
	c.Upsert("http://a", true, 10*time.Millisecond)
	c.Upsert("http://b", false, 0)

	total, active := c.Stats()
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if active != 1 {
		t.Errorf("active = %d, want 1", active)
	}
}

func TestUpsertOverwritesInactiveResponseTime(t *testing.T) {
	c := New()
	c.Upsert("http://a", true, 10*time.Millisecond)
	c.Upsert("http://a", false, 0)

	active := c.SnapshotActive()
	if len(active) != 0 {
		t.Fatalf("expected no active entries, got %d", len(active))
	}
	if n := c.nodes["http://a"]; n.HasResponseTime || n.ResponseTime != 0 {
		t.Errorf("inactive entry kept response time %v (has=%v), want none", n.ResponseTime, n.HasResponseTime)
	}
}

func TestRemove(t *testing.T) {
	c := New()
	c.Upsert("http://a", true, time.Millisecond)
	c.Remove("http://a")

	total, active := c.Stats()
	if total != 0 || active != 0 {
		t.Errorf("expected empty cache after Remove, got total=%d active=%d", total, active)
	}
}

func TestSelectFastEmptyCache(t *testing.T) {
	c := New()
	if _, ok := c.SelectFast(); ok {
		t.Error("SelectFast on empty cache should return ok=false")
	}
}

func TestSelectFastPrefersFaster(t *testing.T) {
	c := New()
	c.Upsert("http://slow", true, 500*time.Millisecond)
	c.Upsert("http://fast", true, 5*time.Millisecond)

	seenFast := false
	for i := 0; i < 50; i++ {
		n, ok := c.SelectFast()
		if !ok {
			t.Fatal("expected a node")
		}
		if n.Endpoint == "http://fast" {
			seenFast = true
		}
	}
	if !seenFast {
		t.Error("expected fast node to be selected at least once across 50 draws")
	}
}

func TestSelectFastLimitsToTopK(t *testing.T) {
	c := New()
	for i := 0; i < topK+10; i++ {
		ep := "http://node" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		c.Upsert(ep, true, time.Duration(i)*time.Millisecond)
	}

	counts := make(map[string]int)
	for i := 0; i < 500; i++ {
		n, ok := c.SelectFast()
		if !ok {
			t.Fatal("expected a node")
		}
		counts[n.Endpoint]++
	}
	if len(counts) > topK {
		t.Errorf("SelectFast drew from %d distinct endpoints, want at most topK=%d", len(counts), topK)
	}
}

func TestSelectFastFallsBackToUniformWithoutResponseTime(t *testing.T) {
	c := New()
	c.Upsert("http://a", true, 0)
	// Upsert with isActive=true always sets HasResponseTime, so clear it
	// directly to reach the "active but no response time" fallback path.
	c.nodes["http://a"].HasResponseTime = false
	n, ok := c.SelectFast()
	if !ok || n.Endpoint != "http://a" {
		t.Errorf("expected http://a, got %+v ok=%v", n, ok)
	}
}

func TestPerformanceNoSamples(t *testing.T) {
	c := New()
	_, _, _, _, ok := c.Performance()
	if ok {
		t.Error("expected ok=false for empty cache")
	}
}

func TestPerformanceMinMax(t *testing.T) {
	c := New()
	c.Upsert("http://a", true, 10*time.Millisecond)
	c.Upsert("http://b", true, 100*time.Millisecond)
	c.Upsert("http://c", false, 0)

	total, active, minRT, maxRT, ok := c.Performance()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if total != 3 || active != 2 {
		t.Errorf("total=%d active=%d, want 3,2", total, active)
	}
	if minRT != 10*time.Millisecond || maxRT != 100*time.Millisecond {
		t.Errorf("minRT=%v maxRT=%v, want 10ms,100ms", minRT, maxRT)
	}
}
