package fuzzy

import (
	"encoding/binary"
	"testing"

	"github.com/fuqiuluo/mamu-core/internal/memtype"
)

func TestScanSinglePageAlignedI32(t *testing.T) {
	pageSize := 4096
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[8:12], 1234)
	binary.LittleEndian.PutUint32(buf[100:104], 5678)

	items := scanSinglePage(buf, 0x1000, 0x1000, 0x1000+uint64(pageSize), 4, memtype.ValueTypeI32, pageSize, 0)

	found := map[uint64]int32{}
	for _, it := range items {
		found[it.Address] = int32(binary.LittleEndian.Uint32(it.Raw[:4]))
	}
	if found[0x1008] != 1234 {
		t.Errorf("found[0x1008] = %d, want 1234", found[0x1008])
	}
	if found[0x1064] != 5678 {
		t.Errorf("found[0x1064] = %d, want 5678", found[0x1064])
	}
}

func TestScanBufferParallelEmptyWhenNoSuccessPages(t *testing.T) {
	pageSize := 4096
	buf := make([]byte, pageSize)
	bitmap := memtype.NewPageStatusBitmap(pageSize, 0x1000, pageSize)
	// no pages marked success
	items := scanBufferParallel(buf, 0x1000, 0x1000, 0x1000+uint64(pageSize), 4, memtype.ValueTypeI32, pageSize, bitmap, 0)
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
}

func TestResultSetOrderedByAddress(t *testing.T) {
	rs := newResultSet()
	rs.insert(memtype.FuzzySearchResultItem{Address: 0x300})
	rs.insert(memtype.FuzzySearchResultItem{Address: 0x100})
	rs.insert(memtype.FuzzySearchResultItem{Address: 0x200})

	items := rs.Items()
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].Address != 0x100 || items[1].Address != 0x200 || items[2].Address != 0x300 {
		t.Errorf("items not in address order: %+v", items)
	}
}

func TestMatchesConditionIncreased(t *testing.T) {
	item := memtype.FromBytes(0x1000, []byte{10, 0, 0, 0}, memtype.ValueTypeI32)
	newer := make([]byte, 4)
	binary.LittleEndian.PutUint32(newer, 20)

	if !item.MatchesCondition(newer, memtype.FuzzyIncreased, memtype.FuzzyRefineArgs{}) {
		t.Error("expected Increased to match 10 -> 20")
	}
	if item.MatchesCondition(newer, memtype.FuzzyDecreased, memtype.FuzzyRefineArgs{}) {
		t.Error("did not expect Decreased to match 10 -> 20")
	}
}
