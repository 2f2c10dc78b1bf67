// Package scanner implements phase 1 of the pointer-scan pipeline: a
// parallel scan of every readable memory region for candidate pointers,
// followed by an external sort (batch sort + write to disk) and a k-way
// merge into a single sorted on-disk queue.
package scanner

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fuqiuluo/mamu-core/internal/bufpool"
	"github.com/fuqiuluo/mamu-core/internal/constants"
	"github.com/fuqiuluo/mamu-core/internal/cpulimit"
	"github.com/fuqiuluo/mamu-core/internal/driver"
	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/logging"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/mmapqueue"
)

// BatchSizeThreshold is the number of records accumulated in memory (about
// 160MiB at 16 bytes/record) before a sort+flush to a temp file.
const BatchSizeThreshold = constants.BatchSizeThreshold

// ChunkSize is the read granularity used when scanning a region.
const ChunkSize = constants.DefaultChunkSize

// pointerDataSize is the on-disk record size used by the temp-file format.
const pointerDataSize = 16

// ProgressFunc reports scan progress: regions completed, total regions,
// pointers found so far.
type ProgressFunc func(done, total int, found int64)

// CancelFunc reports whether the caller wants the scan to stop early.
type CancelFunc func() bool

// Observer receives per-chunk scan metrics alongside ProgressFunc's
// caller-facing progress reports. A nil Observer is never called.
type Observer interface {
	ObserveScanChunk(pointersScanned, pointersEmitted uint64)
}

// validRange is a half-open [start, end) address range.
type validRange struct {
	start, end uint64
}

func buildValidRanges(regions []memtype.ScanRegion) []validRange {
	if len(regions) == 0 {
		return nil
	}
	ranges := make([]validRange, len(regions))
	for i, r := range regions {
		ranges[i] = validRange{start: r.Start, end: r.End}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	merged := make([]validRange, 0, len(ranges))
	current := ranges[0]
	for _, next := range ranges[1:] {
		if next.start <= current.end {
			if next.end > current.end {
				current.end = next.end
			}
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	merged = append(merged, current)
	return merged
}

// isValidPointer masks value to the 48-bit ARM64 addressable range and
// checks it against the merged, sorted valid ranges via binary search.
func isValidPointer(value uint64, ranges []validRange) bool {
	const mask48 = 0x0000_FFFF_FFFF_FFFF
	masked := value & mask48

	if len(ranges) == 0 {
		return false
	}
	minAddr := ranges[0].start
	maxAddr := ranges[len(ranges)-1].end
	if masked < minAddr || masked >= maxAddr {
		return false
	}

	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := lo + (hi-lo)/2
		r := ranges[mid]
		switch {
		case masked < r.start:
			hi = mid
		case masked >= r.end:
			lo = mid + 1
		default:
			return true
		}
	}
	return false
}

// scanChunkForPointers scans one chunk's successfully-read pages for
// 64-bit values that look like valid pointers.
//
// scan_limit is deliberately buffer-relative (page_slice length minus 8),
// not chunk-relative: a pointer value whose 8 bytes straddle the boundary
// between two chunks is never read as a candidate in either chunk. This
// mirrors the original scanner exactly and is not fixed here.
func scanChunkForPointers(buf []byte, baseAddr uint64, align uint32, ranges []validRange, bitmap *memtype.PageStatusBitmap, pageSize int) ([]memtype.PointerData, uint64) {
	results := make([]memtype.PointerData, 0, 1024)
	if len(buf) < 8 {
		return results, 0
	}
	step := int(align)
	if step == 0 {
		step = 1
	}

	var scanned uint64
	for page := 0; page < bitmap.NumPages(); page++ {
		if !bitmap.IsPageSuccess(page) {
			continue
		}
		pageStart := page * pageSize
		pageEnd := pageStart + pageSize
		if pageEnd > len(buf) {
			pageEnd = len(buf)
		}
		if pageStart >= pageEnd {
			continue
		}
		pageSlice := buf[pageStart:pageEnd]
		if len(pageSlice) < 8 {
			continue
		}

		scanLimit := len(pageSlice) - 8
		for offset := 0; offset <= scanLimit; offset += step {
			scanned++
			value := binary.LittleEndian.Uint64(pageSlice[offset : offset+8])
			if isValidPointer(value, ranges) {
				addr := baseAddr + uint64(pageStart+offset)
				results = append(results, memtype.PointerData{Address: addr, Value: value})
			}
		}
	}
	return results, scanned
}

// scanRegionForPointers reads region in ChunkSize pieces and collects
// every candidate pointer found.
func scanRegionForPointers(mgr *driver.Manager, region memtype.ScanRegion, ranges []validRange, cfg memtype.PointerScanConfig, observer Observer, cancelled *atomic.Bool) ([]memtype.PointerData, error) {
	pageSize := mgr.PageSize()
	if region.Start%uint64(pageSize) != 0 || region.End%uint64(pageSize) != 0 {
		panic("scanner: region bounds must be page-aligned")
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = ChunkSize
	}
	if chunkSize%pageSize != 0 {
		panic("scanner: chunk size must be a multiple of the page size")
	}

	buf := bufpool.Get(chunkSize)
	defer bufpool.Put(buf)

	var regionPointers []memtype.PointerData
	current := region.Start
	for current < region.End {
		if cancelled.Load() {
			break
		}
		readSize := chunkSize
		if remaining := region.End - current; remaining < uint64(readSize) {
			readSize = int(remaining)
		}

		bitmap := memtype.NewPageStatusBitmap(readSize, current, pageSize)
		align := cfg.AlignOrDefault()
		if err := mgr.ReadMemoryUnified(current, buf[:readSize], bitmap); err != nil {
			logging.Debug("chunk read failed", "addr", current, "error", err)
			current += uint64(readSize)
			continue
		}
		found, scanned := scanChunkForPointers(buf[:readSize], current, align, ranges, bitmap, pageSize)
		if observer != nil {
			observer.ObserveScanChunk(scanned, uint64(len(found)))
		}
		if len(found) > 0 {
			regionPointers = append(regionPointers, found...)
		}
		current += uint64(readSize)
	}
	return regionPointers, nil
}

// ScanAllPointers scans regions in parallel, spills sorted batches to
// disk, and k-way-merges them into the returned sorted queue.
func ScanAllPointers(mgr *driver.Manager, regions []memtype.ScanRegion, cfg memtype.PointerScanConfig, observer Observer, onProgress ProgressFunc, checkCancelled CancelFunc) (*mmapqueue.Queue[memtype.PointerData], error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errs.Wrap("ScanAllPointers", err)
	}

	ranges := buildValidRanges(regions)

	var (
		completedRegions atomic.Int64
		totalFound       atomic.Int64
		cancelled        atomic.Bool
	)

	type chunkMsg struct {
		pointers []memtype.PointerData
	}
	ch := make(chan chunkMsg, 4)

	var writerErr error
	var tempFiles []string
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		buffer := make([]memtype.PointerData, 0, BatchSizeThreshold)
		for msg := range ch {
			if cancelled.Load() {
				continue
			}
			buffer = append(buffer, msg.pointers...)
			if len(buffer) >= BatchSizeThreshold {
				path, err := sortAndWriteTempFile(buffer, cacheDir)
				if err != nil {
					writerErr = err
					cancelled.Store(true)
					continue
				}
				tempFiles = append(tempFiles, path)
				buffer = buffer[:0]
			}
		}
		if len(buffer) > 0 && !cancelled.Load() {
			path, err := sortAndWriteTempFile(buffer, cacheDir)
			if err != nil {
				writerErr = err
			} else {
				tempFiles = append(tempFiles, path)
			}
		}
	}()

	eg := &errgroup.Group{}
	eg.SetLimit(maxParallelism(cfg.Workers))
	total := len(regions)

	for _, region := range regions {
		region := region
		eg.Go(func() error {
			if cancelled.Load() || checkCancelled() {
				cancelled.Store(true)
				return errs.New("ScanAllPointers", errs.CodeCancelled, "scan cancelled")
			}
			pointers, err := scanRegionForPointers(mgr, region, ranges, cfg, observer, &cancelled)
			if err != nil {
				logging.Warn("region scan failed", "start", region.Start, "error", err)
				return nil
			}
			if len(pointers) > 0 {
				ch <- chunkMsg{pointers: pointers}
				found := totalFound.Add(int64(len(pointers)))
				done := completedRegions.Add(1)
				if done%50 == 0 && onProgress != nil {
					onProgress(int(done), total, found)
				}
			} else {
				done := completedRegions.Add(1)
				if done%50 == 0 && onProgress != nil {
					onProgress(int(done), total, totalFound.Load())
				}
			}
			return nil
		})
	}

	scanErr := eg.Wait()
	close(ch)
	<-writerDone

	if scanErr != nil {
		cleanupTempFiles(tempFiles)
		return nil, scanErr
	}
	if writerErr != nil {
		cleanupTempFiles(tempFiles)
		return nil, errs.Wrap("ScanAllPointers", writerErr)
	}
	if cancelled.Load() {
		cleanupTempFiles(tempFiles)
		return nil, errs.New("ScanAllPointers", errs.CodeCancelled, "scan cancelled during flush")
	}

	logging.Info("scan phase done", "pointers", totalFound.Load(), "temp_files", len(tempFiles))

	if len(tempFiles) == 0 {
		return mmapqueue.New[memtype.PointerData](cacheDir, "pointer_lib")
	}
	queue, err := mergeTempFilesKWay(tempFiles, cacheDir, "pointer_lib")
	if err != nil {
		return nil, errs.Wrap("ScanAllPointers", err)
	}
	return queue, nil
}

// maxParallelism returns override if positive, else the process's CPU
// affinity count.
func maxParallelism(override int) int {
	if override > 0 {
		return override
	}
	n := cpulimit.Count()
	if n < 1 {
		n = 1
	}
	return n
}

func cleanupTempFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func sortAndWriteTempFile(buffer []memtype.PointerData, dir string) (string, error) {
	sorted := make([]memtype.PointerData, len(buffer))
	copy(sorted, buffer)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	name := fmt.Sprintf("scan_chunk_%d_%s.tmp", os.Getpid(), uuid.New().String())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, len(sorted)*pointerDataSize)
	for i, p := range sorted {
		off := i * pointerDataSize
		binary.LittleEndian.PutUint64(buf[off:off+8], p.Address)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], p.Value)
	}
	if _, err := f.Write(buf); err != nil {
		return "", err
	}
	return path, nil
}

// heapItem is one k-way-merge participant: the next unread record from a
// given temp file's mmapped view, and that file's index.
type heapItem struct {
	value   uint64
	addr    uint64
	file    int
	recIdx  int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].value < h[j].value }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func mergeTempFilesKWay(files []string, outDir, outName string) (*mmapqueue.Queue[memtype.PointerData], error) {
	mmaps := make([][]byte, len(files))
	counts := make([]int, len(files))
	fhs := make([]*os.File, len(files))

	defer func() {
		for i, data := range mmaps {
			if data != nil {
				_ = unix.Munmap(data)
			}
			if fhs[i] != nil {
				_ = fhs[i].Close()
			}
		}
		cleanupTempFiles(files)
	}()

	for i, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		fhs[i] = f
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		size := int(info.Size())
		counts[i] = size / pointerDataSize
		if size == 0 {
			continue
		}
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			return nil, err
		}
		mmaps[i] = data
	}

	readRecord := func(fileIdx, recIdx int) (addr, value uint64) {
		off := recIdx * pointerDataSize
		data := mmaps[fileIdx]
		addr = binary.LittleEndian.Uint64(data[off : off+8])
		value = binary.LittleEndian.Uint64(data[off+8 : off+16])
		return
	}

	h := &mergeHeap{}
	heap.Init(h)
	for i := range files {
		if counts[i] > 0 {
			addr, value := readRecord(i, 0)
			heap.Push(h, heapItem{value: value, addr: addr, file: i, recIdx: 0})
		}
	}

	queue, err := mmapqueue.New[memtype.PointerData](outDir, outName)
	if err != nil {
		return nil, err
	}

	const batchSize = 20_000
	batch := make([]memtype.PointerData, 0, batchSize)

	for h.Len() > 0 {
		item := heap.Pop(h).(heapItem)
		batch = append(batch, memtype.PointerData{Address: item.addr, Value: item.value})

		nextIdx := item.recIdx + 1
		if nextIdx < counts[item.file] {
			addr, value := readRecord(item.file, nextIdx)
			heap.Push(h, heapItem{value: value, addr: addr, file: item.file, recIdx: nextIdx})
		}

		if len(batch) >= batchSize {
			if err := queue.PushBatch(batch); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := queue.PushBatch(batch); err != nil {
			return nil, err
		}
	}

	return queue, nil
}

