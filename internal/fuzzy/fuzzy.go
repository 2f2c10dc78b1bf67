// Package fuzzy implements the unknown-initial-value search engine: an
// initial snapshot scan over a memory region followed by successive
// predicate-based refinement passes over the surviving candidate set.
package fuzzy

import (
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/fuqiuluo/mamu-core/internal/bufpool"
	"github.com/fuqiuluo/mamu-core/internal/cpulimit"
	"github.com/fuqiuluo/mamu-core/internal/driver"
	"github.com/fuqiuluo/mamu-core/internal/logging"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
)

// btreeDegree mirrors the original's B+-tree order; google/btree calls
// this the tree's degree.
const btreeDegree = 32

// ResultSet is the ordered, efficiently-deletable candidate set carried
// between an initial scan and any number of refinement passes.
type ResultSet struct {
	tree *btree.BTreeG[memtype.FuzzySearchResultItem]
}

func newResultSet() *ResultSet {
	return &ResultSet{tree: btree.NewG(btreeDegree, func(a, b memtype.FuzzySearchResultItem) bool {
		return a.Less(b)
	})}
}

func (s *ResultSet) insert(item memtype.FuzzySearchResultItem) {
	s.tree.ReplaceOrInsert(item)
}

func (s *ResultSet) Len() int {
	return s.tree.Len()
}

// Items returns every item in the set, in address order.
func (s *ResultSet) Items() []memtype.FuzzySearchResultItem {
	items := make([]memtype.FuzzySearchResultItem, 0, s.tree.Len())
	s.tree.Ascend(func(item memtype.FuzzySearchResultItem) bool {
		items = append(items, item)
		return true
	})
	return items
}

// ProgressFunc reports progress. InitialScan passes the byte length of the
// chunk just read and the number of candidates collected so far.
// RefineSearch passes the number of items processed so far and the number
// of matches; matches are only counted after the filter pass, so the calls
// made during the read pass report 0.
type ProgressFunc func(processed, found int)

// CancelFunc reports whether the scan/refine should stop early.
type CancelFunc func() bool

// Observer receives fuzzy-search metrics alongside ProgressFunc's
// caller-facing progress reports: InitialScan reports once per chunk read,
// RefineSearch once per pass. A nil Observer is never called.
type Observer interface {
	ObserveFuzzyPass(scanned, matched uint64)
}

// InitialScan records the current value at every address in [start, end)
// into an ordered ResultSet. workers overrides the per-page parallel scan
// fan-out; 0 derives it from the process's CPU affinity mask.
func InitialScan(mgr *driver.Manager, valueType memtype.ValueType, start, end uint64, chunkSize int, workers int, observer Observer, onProgress ProgressFunc, checkCancelled CancelFunc) (*ResultSet, error) {
	pageSize := mgr.PageSize()
	elementSize := valueType.Size()

	results := newResultSet()
	current := start &^ uint64(pageSize-1)

	buf := bufpool.Get(chunkSize)
	defer bufpool.Put(buf)

	readSuccess, readFailed := 0, 0

	for current < end {
		if checkCancelled != nil && checkCancelled() {
			logging.Debug("fuzzy initial scan cancelled", "results", results.Len())
			return results, nil
		}

		chunkEnd := current + uint64(chunkSize)
		if chunkEnd > end {
			chunkEnd = end
		}
		chunkLen := int(chunkEnd - current)

		bitmap := memtype.NewPageStatusBitmap(chunkLen, current, pageSize)
		err := mgr.ReadMemoryUnified(current, buf[:chunkLen], bitmap)
		if err != nil {
			logging.Warn("fuzzy scan chunk read failed", "addr", current, "error", err)
			readFailed++
			current = chunkEnd
			if onProgress != nil {
				onProgress(chunkLen, results.Len())
			}
			continue
		}

		if bitmap.SuccessCount() > 0 {
			readSuccess++
			found := scanBufferParallel(buf[:chunkLen], current, start, end, elementSize, valueType, pageSize, bitmap, workers)
			for _, item := range found {
				results.insert(item)
			}
			if observer != nil {
				observer.ObserveFuzzyPass(uint64(chunkLen/elementSize), uint64(len(found)))
			}
		} else {
			readFailed++
		}

		if onProgress != nil {
			onProgress(chunkLen, results.Len())
		}
		current = chunkEnd
	}

	logging.Debug("fuzzy initial scan done", "success", readSuccess, "failed", readFailed, "found", results.Len())
	return results, nil
}

// scanBufferParallel scans every successfully-read page in buf
// concurrently; each page contributes independently so no synchronisation
// is needed beyond collecting the per-page slices.
func scanBufferParallel(buf []byte, bufAddr, regionStart, regionEnd uint64, elementSize int, valueType memtype.ValueType, pageSize int, bitmap *memtype.PageStatusBitmap, workers int) []memtype.FuzzySearchResultItem {
	bufEnd := bufAddr + uint64(len(buf))
	searchStart := bufAddr
	if regionStart > searchStart {
		searchStart = regionStart
	}
	searchEnd := bufEnd
	if regionEnd < searchEnd {
		searchEnd = regionEnd
	}
	if searchStart >= searchEnd {
		return nil
	}

	numPages := bitmap.NumPages()
	successPages := make([]int, 0, numPages)
	for i := 0; i < numPages; i++ {
		if bitmap.IsPageSuccess(i) {
			successPages = append(successPages, i)
		}
	}
	if len(successPages) == 0 {
		return nil
	}

	perPage := make([][]memtype.FuzzySearchResultItem, len(successPages))
	var wg sync.WaitGroup
	sem := make(chan struct{}, workerLimit(workers))
	for i, pageIdx := range successPages {
		i, pageIdx := i, pageIdx
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			perPage[i] = scanSinglePage(buf, bufAddr, searchStart, searchEnd, elementSize, valueType, pageSize, pageIdx)
		}()
	}
	wg.Wait()

	var total int
	for _, p := range perPage {
		total += len(p)
	}
	out := make([]memtype.FuzzySearchResultItem, 0, total)
	for _, p := range perPage {
		out = append(out, p...)
	}
	return out
}

func scanSinglePage(buf []byte, bufAddr, searchStart, searchEnd uint64, elementSize int, valueType memtype.ValueType, pageSize, pageIdx int) []memtype.FuzzySearchResultItem {
	pageStartAddr := bufAddr + uint64(pageIdx*pageSize)
	pageEndAddr := pageStartAddr + uint64(pageSize)

	effectiveStart := pageStartAddr
	if searchStart > effectiveStart {
		effectiveStart = searchStart
	}
	effectiveEnd := pageEndAddr
	if searchEnd < effectiveEnd {
		effectiveEnd = searchEnd
	}
	if effectiveStart >= effectiveEnd {
		return nil
	}

	rem := effectiveStart % uint64(elementSize)
	firstAddr := effectiveStart
	if rem != 0 {
		firstAddr = effectiveStart + uint64(elementSize) - rem
	}
	if firstAddr >= effectiveEnd {
		return nil
	}

	startOffset := int(firstAddr - bufAddr)
	endOffset := int(effectiveEnd - bufAddr)
	if endOffset > len(buf) {
		endOffset = len(buf)
	}

	results := make([]memtype.FuzzySearchResultItem, 0, (endOffset-startOffset)/elementSize)
	addr := firstAddr
	for offset := startOffset; offset+elementSize <= endOffset; offset += elementSize {
		item := memtype.FromBytes(addr, buf[offset:offset+elementSize], valueType)
		results = append(results, item)
		addr += uint64(elementSize)
	}
	return results
}

// RefineSearch re-reads the current value of every item in the set and
// keeps only those matching cond.
//
// Cancellation here is intentionally asymmetric with the pointer-scan
// pipeline: a cancellation observed mid-loop stops the sequential read
// pass early but still proceeds to filter whatever was read so far,
// returning partial matches with no error - unlike the chain builder,
// which discards its in-progress layer and returns an error.
func RefineSearch(mgr *driver.Manager, items []memtype.FuzzySearchResultItem, cond memtype.FuzzyCondition, args memtype.FuzzyRefineArgs, workers int, observer Observer, onProgress ProgressFunc, checkCancelled CancelFunc) (*ResultSet, error) {
	results := newResultSet()
	if len(items) == 0 {
		return results, nil
	}

	type withCurrent struct {
		old     memtype.FuzzySearchResultItem
		current []byte
	}
	read := make([]withCurrent, 0, len(items))

	for idx, item := range items {
		if idx%100 == 0 && checkCancelled != nil && checkCancelled() {
			logging.Debug("fuzzy refine cancelled", "checked", idx, "partial", len(read))
			break
		}

		elementSize := item.ValueType.Size()
		buf := make([]byte, elementSize)
		if err := mgr.ReadMemoryUnified(item.Address, buf, nil); err == nil {
			read = append(read, withCurrent{old: item, current: buf})
		}

		if onProgress != nil && (idx+1)%100 == 0 {
			onProgress(idx+1, results.Len())
		}
	}

	matched := make([]memtype.FuzzySearchResultItem, 0, len(read))
	var mu sync.Mutex
	eg := &errgroup.Group{}
	eg.SetLimit(workerLimit(workers))

	for _, rc := range read {
		rc := rc
		eg.Go(func() error {
			if rc.old.MatchesCondition(rc.current, cond, args) {
				updated := memtype.FromBytes(rc.old.Address, rc.current, rc.old.ValueType)
				mu.Lock()
				matched = append(matched, updated)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, m := range matched {
		results.insert(m)
	}

	logging.Debug("fuzzy refine done", "checked", len(items), "matched", results.Len())
	if observer != nil {
		observer.ObserveFuzzyPass(uint64(len(items)), uint64(results.Len()))
	}
	if onProgress != nil {
		onProgress(len(items), results.Len())
	}
	return results, nil
}

// workerLimit returns override if positive, else the process's CPU
// affinity count.
func workerLimit(override int) int {
	if override > 0 {
		return override
	}
	return cpulimit.Count()
}
