package fleet

import (
	"testing"
	"time"

	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestUpsertFromCloudRejectsEmptyIP(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromCloud("i-1", "", time.Now())
	require.Equal(t, 0, r.Len())
}

func TestUpsertFromCloudUpdatesIPOnRepeat(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.UpsertFromCloud("i-1", "1.1.1.1", now)
	r.UpsertFromCloud("i-1", "2.2.2.2", now)

	vm, ok := r.Get("i-1")
	require.True(t, ok)
	require.Equal(t, "2.2.2.2", vm.IP)
	require.Equal(t, 1, r.Len())
}

func TestRemoveClearsProtectedVM(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.UpsertFromCloud("i-1", "1.1.1.1", now)
	r.SetProtectedVM("i-1")
	require.Equal(t, "i-1", r.ProtectedVM())

	r.Remove("i-1")
	require.Equal(t, "", r.ProtectedVM())
}

func TestApplyProbeSuccessResetsUnreachable(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.UpsertFromCloud("i-1", "1.1.1.1", now)
	r.ApplyProbe("i-1", ProbeResult{Success: false}, now)
	r.ApplyProbe("i-1", ProbeResult{Success: false}, now)

	vm, _ := r.Get("i-1")
	require.Equal(t, 2, vm.UnreachableCount)

	r.ApplyProbe("i-1", ProbeResult{Success: true, ActiveMatches: 3}, now)
	vm, _ = r.Get("i-1")
	require.Equal(t, 0, vm.UnreachableCount)
	require.Equal(t, 3, vm.MatchCount)
}

func TestIncrementMatchCount(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromCloud("i-1", "1.1.1.1", time.Now())
	r.IncrementMatchCount("i-1")
	r.IncrementMatchCount("i-1")

	vm, _ := r.Get("i-1")
	require.Equal(t, 2, vm.MatchCount)
}

func TestGCMatchesDropsStaleRecords(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromCloud("i-1", "1.1.1.1", time.Now())
	r.RecordMatch(domain.Match{MatchID: "m-1", VMInstanceID: "i-1"})
	r.RecordMatch(domain.Match{MatchID: "m-2", VMInstanceID: "i-gone"})

	dropped := r.GCMatches()
	require.Equal(t, 1, dropped)

	_, ok := r.GetMatch("m-2")
	require.False(t, ok)
	_, ok = r.GetMatch("m-1")
	require.True(t, ok)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromCloud("i-1", "1.1.1.1", time.Now())

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	r.IncrementMatchCount("i-1")
	require.Equal(t, 0, snap[0].MatchCount)
}
