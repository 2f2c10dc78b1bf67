package scanner

import (
	"encoding/binary"
	"testing"

	"github.com/fuqiuluo/mamu-core/internal/memtype"
)

func TestBuildValidRangesMerges(t *testing.T) {
	regions := []memtype.ScanRegion{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x1800, End: 0x2800}, // overlaps the first
		{Start: 0x5000, End: 0x6000}, // disjoint
	}
	ranges := buildValidRanges(regions)
	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}
	if ranges[0].start != 0x1000 || ranges[0].end != 0x2800 {
		t.Errorf("ranges[0] = %+v, want {0x1000 0x2800}", ranges[0])
	}
	if ranges[1].start != 0x5000 || ranges[1].end != 0x6000 {
		t.Errorf("ranges[1] = %+v, want {0x5000 0x6000}", ranges[1])
	}
}

func TestIsValidPointer(t *testing.T) {
	ranges := []validRange{{start: 0x1000, end: 0x2000}}

	if !isValidPointer(0x1500, ranges) {
		t.Error("0x1500 should be valid")
	}
	if isValidPointer(0x3000, ranges) {
		t.Error("0x3000 should be invalid")
	}
	// High bits above the 48-bit addressable range are masked off before
	// the range check, so a tagged pointer still matches.
	if !isValidPointer(0xFFFF_0000_0000_1500, ranges) {
		t.Error("tagged pointer within masked range should be valid")
	}
}

func TestScanChunkForPointersFindsAlignedValue(t *testing.T) {
	pageSize := 4096
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[16:24], 0x1500)

	bitmap := memtype.NewPageStatusBitmap(pageSize, 0x9000, pageSize)
	bitmap.SetRangeSuccess(0, pageSize)

	ranges := []validRange{{start: 0x1000, end: 0x2000}}
	found, scanned := scanChunkForPointers(buf, 0x9000, 4, ranges, bitmap, pageSize)
	if scanned == 0 {
		t.Error("scanned = 0, want at least one candidate position examined")
	}

	hit := false
	for _, p := range found {
		if p.Address == 0x9010 && p.Value == 0x1500 {
			hit = true
		}
	}
	if !hit {
		t.Errorf("expected to find pointer at 0x9010, got %+v", found)
	}
}

// TestScanChunkForPointersMissesBoundaryStraddlingValue documents the
// preserved chunk-boundary miss: a pointer-sized value whose bytes begin
// in the last 7 bytes of a page is never read as a candidate, because
// scan_limit = len(page)-8 excludes any offset that would read past the
// page's end.
func TestScanChunkForPointersMissesBoundaryStraddlingValue(t *testing.T) {
	pageSize := 4096
	buf := make([]byte, pageSize)
	// Place a valid pointer value starting 4 bytes before the page end -
	// this offset is beyond scan_limit and must not be found.
	straddleOffset := pageSize - 4
	full := make([]byte, pageSize+8)
	binary.LittleEndian.PutUint64(full[straddleOffset:straddleOffset+8], 0x1500)
	copy(buf, full[:pageSize])

	bitmap := memtype.NewPageStatusBitmap(pageSize, 0x9000, pageSize)
	bitmap.SetRangeSuccess(0, pageSize)

	ranges := []validRange{{start: 0x1000, end: 0x2000}}
	found, _ := scanChunkForPointers(buf, 0x9000, 4, ranges, bitmap, pageSize)

	for _, p := range found {
		if int(p.Address-0x9000) == straddleOffset {
			t.Errorf("boundary-straddling pointer at offset %d should have been missed, but was found", straddleOffset)
		}
	}
}

func TestSortAndWriteTempFileThenMerge(t *testing.T) {
	dir := t.TempDir()

	batchA := []memtype.PointerData{{Address: 1, Value: 30}, {Address: 2, Value: 10}}
	batchB := []memtype.PointerData{{Address: 3, Value: 20}, {Address: 4, Value: 5}}

	pathA, err := sortAndWriteTempFile(batchA, dir)
	if err != nil {
		t.Fatalf("sortAndWriteTempFile(A) error = %v", err)
	}
	pathB, err := sortAndWriteTempFile(batchB, dir)
	if err != nil {
		t.Fatalf("sortAndWriteTempFile(B) error = %v", err)
	}

	queue, err := mergeTempFilesKWay([]string{pathA, pathB}, dir, "merged")
	if err != nil {
		t.Fatalf("mergeTempFilesKWay() error = %v", err)
	}
	defer queue.Close()

	if queue.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", queue.Len())
	}

	var prev uint64
	for i := 0; i < queue.Len(); i++ {
		rec, ok := queue.Get(i)
		if !ok {
			t.Fatalf("Get(%d) not found", i)
		}
		if i > 0 && rec.Value < prev {
			t.Errorf("merged output not sorted at index %d: %d < %d", i, rec.Value, prev)
		}
		prev = rec.Value
	}
}
