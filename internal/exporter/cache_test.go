package exporter

import (
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/oss-participation/internal/store"
)

type fakeSnapshotSource struct {
	mu        sync.Mutex
	snapshots [][]store.MetricPoint
	calls     int
}

func (f *fakeSnapshotSource) Snapshot() []store.MetricPoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.snapshots) == 0 {
		return nil
	}
	index := f.calls - 1
	if index >= len(f.snapshots) {
		index = len(f.snapshots) - 1
	}
	return f.snapshots[index]
}

func (f *fakeSnapshotSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCachedSnapshotReaderRefresh(t *testing.T) {
	t.Parallel()

	now := time.Unix(1710400000, 0)
	source := &fakeSnapshotSource{
		snapshots: [][]store.MetricPoint{
			{
				{Name: "participation_events", Labels: map[string]string{"metric": "pr_opened"}, Value: 1},
			},
			{
				{Name: "participation_events", Labels: map[string]string{"metric": "pr_opened"}, Value: 5},
				{Name: "participation_events", Labels: map[string]string{"metric": "issue_opened"}, Value: 2},
			},
		},
	}

	current := now
	reader := NewCachedSnapshotReader(source, CacheConfig{
		RefreshInterval: time.Minute,
		Now:             func() time.Time { return current },
	})

	first := reader.Snapshot()
	if len(first) != 1 || first[0].Value != 1 {
		t.Fatalf("first Snapshot() = %+v, want one point with value 1", first)
	}

	// Mutating the returned copy must not leak into the cache.
	first[0].Labels["metric"] = "mutated"

	current = now.Add(30 * time.Second)
	cached := reader.Snapshot()
	if source.callCount() != 1 {
		t.Fatalf("source calls = %d, want 1 inside refresh interval", source.callCount())
	}
	if cached[0].Labels["metric"] != "pr_opened" {
		t.Fatalf("cached labels = %v, want untouched copy", cached[0].Labels)
	}

	current = now.Add(2 * time.Minute)
	refreshed := reader.Snapshot()
	if source.callCount() != 2 {
		t.Fatalf("source calls = %d, want 2 after refresh interval", source.callCount())
	}
	if len(refreshed) != 2 {
		t.Fatalf("len(refreshed) = %d, want 2", len(refreshed))
	}
	// Sorted by series key: issue_opened before pr_opened.
	if refreshed[0].Labels["metric"] != "issue_opened" || refreshed[1].Value != 5 {
		t.Fatalf("refreshed = %+v, want sorted series with updated values", refreshed)
	}
}

func TestNewCachedSnapshotReaderEdgeCases(t *testing.T) {
	t.Parallel()

	if got := NewCachedSnapshotReader(nil, CacheConfig{}).Snapshot(); got != nil {
		t.Fatalf("nil source Snapshot() = %v, want nil", got)
	}

	source := &fakeSnapshotSource{}
	cached := NewCachedSnapshotReader(source, CacheConfig{})
	if again := NewCachedSnapshotReader(cached, CacheConfig{}); again != cached {
		t.Fatalf("wrapping a cached reader should return it unchanged")
	}
	if got := cached.Snapshot(); got != nil {
		t.Fatalf("empty Snapshot() = %v, want nil", got)
	}
}
