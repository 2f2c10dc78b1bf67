// Package chainbuilder implements phase 2 of the pointer-scan pipeline: a
// layered breadth-first search that walks backward from the target
// address through the sorted pointer library, terminating each path when
// it reaches a static module.
package chainbuilder

import (
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fuqiuluo/mamu-core/internal/constants"
	"github.com/fuqiuluo/mamu-core/internal/cpulimit"
	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/logging"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/mmapqueue"
)

// MaxCandidatesPerLayer bounds per-layer memory growth; a layer with more
// candidates than this is truncated, with a warning logged.
const MaxCandidatesPerLayer = constants.MaxCandidatesPerLayer

// ProgressFunc reports the depth just completed and the chain count found
// so far.
type ProgressFunc func(depth uint32, chainsFound int64)

// CancelFunc reports whether the build should stop early.
type CancelFunc func() bool

// Observer receives per-layer chain-build metrics alongside ProgressFunc's
// caller-facing progress reports. A nil Observer is never called.
type Observer interface {
	ObserveChainLayer(depth uint32, chainsFound int64)
}

// findRangeInPointerQueue binary-searches the value-sorted queue for the
// index range [lo, hi) whose Value falls in [minValue, maxValue).
func findRangeInPointerQueue(queue *mmapqueue.Queue[memtype.PointerData], minValue, maxValue uint64) (int, int) {
	count := queue.Len()
	if count == 0 {
		return 0, 0
	}
	valueAt := func(i int) (uint64, bool) {
		rec, ok := queue.Get(i)
		if !ok {
			return 0, false
		}
		return rec.Value, true
	}

	lo, hi := 0, count
	for lo < hi {
		mid := lo + (hi-lo)/2
		v, ok := valueAt(mid)
		if !ok {
			break
		}
		if v < minValue {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	start := lo

	lo, hi = start, count
	for lo < hi {
		mid := lo + (hi-lo)/2
		v, ok := valueAt(mid)
		if !ok {
			break
		}
		if v < maxValue {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return start, lo
}

type ptrHit struct {
	ptrAddress uint64
	offset     int64
}

// findPointersToRange returns every (pointerAddress, signedOffset) pair
// whose stored value falls within [target-maxOffset, target+maxOffset].
// offset = target - pointerValue: positive means the pointer targets
// something below target, negative means above.
func findPointersToRange(queue *mmapqueue.Queue[memtype.PointerData], target uint64, maxOffset uint32) []ptrHit {
	var minValue uint64
	if target > uint64(maxOffset) {
		minValue = target - uint64(maxOffset)
	}
	maxValue := target + uint64(maxOffset) + 1

	start, end := findRangeInPointerQueue(queue, minValue, maxValue)
	hits := make([]ptrHit, 0, end-start)
	for i := start; i < end; i++ {
		rec, ok := queue.Get(i)
		if !ok {
			continue
		}
		offset := int64(target) - int64(rec.Value)
		hits = append(hits, ptrHit{ptrAddress: rec.Address, offset: offset})
	}
	return hits
}

func classifyPointer(addr uint64, modules []memtype.VmStaticData) (name string, index uint32, offset uint64, ok bool) {
	for _, m := range modules {
		if m.Contains(addr) {
			return m.Name, m.Index, m.OffsetFromBase(addr), true
		}
	}
	return "", 0, 0, false
}

// pathNode is one BFS frontier entry: the address we're currently
// searching pointers to, and the offset history from target to here
// (offsets[0] is the hop from depth 0 to depth 1, etc).
type pathNode struct {
	currentTarget uint64
	offsetHistory []int64
}

func (n pathNode) depth() int { return len(n.offsetHistory) }

func (n pathNode) child(ptrAddress uint64, offset int64) pathNode {
	hist := make([]int64, len(n.offsetHistory), len(n.offsetHistory)+1)
	copy(hist, n.offsetHistory)
	hist = append(hist, offset)
	return pathNode{currentTarget: ptrAddress, offsetHistory: hist}
}

type candidate struct {
	ptrAddress uint64
	offset     int64
	parentIdx  int
}

// BuildPointerChains runs the layered BFS and returns every discovered
// chain, sorted by depth then by root module name.
//
// No global visited set is used: distinct paths that pass through the
// same intermediate address (a->b->c and a->d->b->c) are both kept.
func BuildPointerChains(queue *mmapqueue.Queue[memtype.PointerData], staticModules []memtype.VmStaticData, cfg memtype.PointerScanConfig, observer Observer, onProgress ProgressFunc, checkCancelled CancelFunc) ([]*memtype.PointerChain, error) {
	logging.Info("building pointer chains", "target", cfg.TargetAddress, "max_depth", cfg.MaxDepth, "max_offset", cfg.MaxOffset)

	var results []*memtype.PointerChain
	currentLayer := []pathNode{{currentTarget: cfg.TargetAddress}}

	var cancelled atomic.Bool
	var chainsFound atomic.Int64

	for depth := uint32(0); depth < cfg.MaxDepth; depth++ {
		if checkCancelled() {
			cancelled.Store(true)
			break
		}
		if len(currentLayer) == 0 {
			break
		}

		logging.Info("processing depth", "depth", depth, "nodes", len(currentLayer))

		candidates, err := scatterLayer(currentLayer, queue, cfg.MaxOffset, cfg.Workers, &cancelled)
		if err != nil {
			return nil, err
		}
		if cancelled.Load() {
			break
		}

		var nextLayer []pathNode
		for _, c := range candidates {
			parent := currentLayer[c.parentIdx]

			if c.ptrAddress == cfg.TargetAddress {
				continue
			}

			moduleName, moduleIdx, baseOffset, isStatic := classifyPointer(c.ptrAddress, staticModules)
			if isStatic {
				chain := memtype.NewPointerChain(cfg.TargetAddress, parent.depth()+2)
				chain.Push(memtype.StaticRootStep(moduleName, moduleIdx, int64(baseOffset)))
				if c.offset != 0 {
					chain.Push(memtype.DynamicOffsetStep(c.offset))
				}
				for i := len(parent.offsetHistory) - 1; i >= 0; i-- {
					chain.Push(memtype.DynamicOffsetStep(parent.offsetHistory[i]))
				}
				results = append(results, chain)
				chainsFound.Add(1)
			}

			if depth+1 < cfg.MaxDepth {
				if !cfg.ScanStaticOnly || !isStatic {
					nextLayer = append(nextLayer, parent.child(c.ptrAddress, c.offset))
				}
			}
		}

		if len(nextLayer) > MaxCandidatesPerLayer {
			logging.Warn("candidate pruning", "depth", depth, "from", len(nextLayer), "to", MaxCandidatesPerLayer)
			nextLayer = nextLayer[:MaxCandidatesPerLayer]
		}

		if observer != nil {
			observer.ObserveChainLayer(depth+1, chainsFound.Load())
		}
		if onProgress != nil {
			onProgress(depth+1, chainsFound.Load())
		}
		currentLayer = nextLayer
	}

	if cancelled.Load() {
		logging.Warn("pointer chain build cancelled", "chains_discarded", len(results))
		return nil, errs.New("BuildPointerChains", errs.CodeCancelled, "chain build cancelled")
	}

	if onProgress != nil {
		onProgress(cfg.MaxDepth, int64(len(results)))
	}

	logging.Info("pointer chain build complete", "chains", len(results))

	sort.SliceStable(results, func(i, j int) bool {
		di, dj := results[i].Depth(), results[j].Depth()
		if di != dj {
			return di < dj
		}
		var ni, nj string
		if len(results[i].Steps) > 0 {
			ni = results[i].Steps[0].ModuleName
		}
		if len(results[j].Steps) > 0 {
			nj = results[j].Steps[0].ModuleName
		}
		return ni < nj
	})

	return results, nil
}

// scatterLayer fans out the pointer-range lookup for every node in the
// current layer concurrently, within a bounded worker pool.
func scatterLayer(layer []pathNode, queue *mmapqueue.Queue[memtype.PointerData], maxOffset uint32, workers int, cancelled *atomic.Bool) ([]candidate, error) {
	results := make([][]candidate, len(layer))
	eg := &errgroup.Group{}
	eg.SetLimit(workerLimit(workers))

	for idx, node := range layer {
		idx, node := idx, node
		eg.Go(func() error {
			if cancelled.Load() {
				return nil
			}
			hits := findPointersToRange(queue, node.currentTarget, maxOffset)
			local := make([]candidate, len(hits))
			for i, h := range hits {
				local[i] = candidate{ptrAddress: h.ptrAddress, offset: h.offset, parentIdx: idx}
			}
			results[idx] = local
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, r := range results {
		total += len(r)
	}
	flat := make([]candidate, 0, total)
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, nil
}

// workerLimit returns override if positive, else the process's CPU
// affinity count.
func workerLimit(override int) int {
	if override > 0 {
		return override
	}
	return cpulimit.Count()
}
