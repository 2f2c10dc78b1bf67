package chainbuilder

import (
	"testing"

	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/mmapqueue"
)

func buildTestQueue(t *testing.T, records []memtype.PointerData) *mmapqueue.Queue[memtype.PointerData] {
	t.Helper()
	dir := t.TempDir()
	q, err := mmapqueue.New[memtype.PointerData](dir, "cb-test")
	if err != nil {
		t.Fatalf("mmapqueue.New() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	if err := q.PushBatch(records); err != nil {
		t.Fatalf("PushBatch() error = %v", err)
	}
	return q
}

func TestFindRangeInPointerQueue(t *testing.T) {
	records := []memtype.PointerData{
		{Address: 1, Value: 10},
		{Address: 2, Value: 20},
		{Address: 3, Value: 20},
		{Address: 4, Value: 30},
		{Address: 5, Value: 40},
	}
	q := buildTestQueue(t, records)

	start, end := findRangeInPointerQueue(q, 20, 31)
	if start != 1 || end != 4 {
		t.Errorf("findRangeInPointerQueue(20,31) = (%d,%d), want (1,4)", start, end)
	}
}

func TestFindPointersToRange(t *testing.T) {
	records := []memtype.PointerData{
		{Address: 0x100, Value: 0x1000},
		{Address: 0x200, Value: 0x1002},
		{Address: 0x300, Value: 0x2000},
	}
	q := buildTestQueue(t, records)

	hits := findPointersToRange(q, 0x1000, 4)
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
}

func TestBuildPointerChainsFindsStaticRoot(t *testing.T) {
	target := uint64(0x8000)
	records := []memtype.PointerData{
		{Address: 0x5000, Value: target}, // static module points straight at target
	}
	q := buildTestQueue(t, records)

	modules := []memtype.VmStaticData{
		{Name: "libtarget.so", Index: 0, Base: 0x4000, Size: 0x2000},
	}
	cfg := memtype.PointerScanConfig{TargetAddress: target, MaxDepth: 3, MaxOffset: 0}

	chains, err := BuildPointerChains(q, modules, cfg, nil, nil, func() bool { return false })
	if err != nil {
		t.Fatalf("BuildPointerChains() error = %v", err)
	}
	if len(chains) != 1 {
		t.Fatalf("len(chains) = %d, want 1", len(chains))
	}
	if !chains[0].Steps[0].IsStaticRoot || chains[0].Steps[0].ModuleName != "libtarget.so" {
		t.Errorf("chain root = %+v, want static root in libtarget.so", chains[0].Steps[0])
	}
}

func TestBuildPointerChainsMultiHop(t *testing.T) {
	target := uint64(0x9000)
	intermediate := uint64(0x7000)
	records := []memtype.PointerData{
		{Address: 0x6000, Value: intermediate}, // static -> intermediate
		{Address: intermediate + 0x10, Value: target}, // intermediate+0x10 -> target
	}
	q := buildTestQueue(t, records)

	modules := []memtype.VmStaticData{
		{Name: "libtarget.so", Index: 0, Base: 0x4000, Size: 0x3000},
	}
	cfg := memtype.PointerScanConfig{TargetAddress: target, MaxDepth: 4, MaxOffset: 0x20}

	chains, err := BuildPointerChains(q, modules, cfg, nil, nil, func() bool { return false })
	if err != nil {
		t.Fatalf("BuildPointerChains() error = %v", err)
	}
	found := false
	for _, c := range chains {
		if c.Depth() == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a 3-step chain through the intermediate, chains=%+v", chains)
	}
}

func TestBuildPointerChainsCancellation(t *testing.T) {
	target := uint64(0x8000)
	records := []memtype.PointerData{{Address: 0x5000, Value: target}}
	q := buildTestQueue(t, records)

	cfg := memtype.PointerScanConfig{TargetAddress: target, MaxDepth: 5}
	chains, err := BuildPointerChains(q, nil, cfg, nil, nil, func() bool { return true })
	if chains != nil {
		t.Errorf("chains = %+v, want nil when cancelled on first check", chains)
	}
	if !errs.Is(err, errs.CodeCancelled) {
		t.Fatalf("BuildPointerChains() error = %v, want a CodeCancelled error", err)
	}
}

// TestBuildPointerChainsCancellationDiscardsFoundChains verifies that a
// chain already found in an earlier, completed layer is still discarded
// once a later layer observes cancellation: in-flight results are never
// returned, even partially.
func TestBuildPointerChainsCancellationDiscardsFoundChains(t *testing.T) {
	target := uint64(0x9000)
	intermediate := uint64(0x7000)
	records := []memtype.PointerData{
		{Address: 0x5000, Value: target},              // static -> target directly (depth 0 chain)
		{Address: 0x6000, Value: intermediate},         // static -> intermediate
		{Address: intermediate + 0x10, Value: target},  // intermediate+0x10 -> target
	}
	q := buildTestQueue(t, records)

	modules := []memtype.VmStaticData{
		{Name: "libtarget.so", Index: 0, Base: 0x4000, Size: 0x2000},
	}
	cfg := memtype.PointerScanConfig{TargetAddress: target, MaxDepth: 4, MaxOffset: 0x20}

	calls := 0
	chains, err := BuildPointerChains(q, modules, cfg, nil, nil, func() bool {
		calls++
		// Let the first layer (which finds the direct static-root chain)
		// complete, then cancel before the second layer runs.
		return calls > 1
	})
	if chains != nil {
		t.Errorf("chains = %+v, want nil: a chain found in layer 0 must not survive a layer-1 cancellation", chains)
	}
	if !errs.Is(err, errs.CodeCancelled) {
		t.Fatalf("BuildPointerChains() error = %v, want a CodeCancelled error", err)
	}
}
