// Package mamu provides the public API for memory inspection over a
// process bound through the kernel driver: process discovery, pointer-chain
// scanning, and fuzzy value search.
package mamu

import (
	"context"

	"github.com/fuqiuluo/mamu-core/internal/chainbuilder"
	"github.com/fuqiuluo/mamu-core/internal/driver"
	"github.com/fuqiuluo/mamu-core/internal/driverio"
	"github.com/fuqiuluo/mamu-core/internal/fuzzy"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/mmapqueue"
	"github.com/fuqiuluo/mamu-core/internal/scanner"
)

// Manager returns the process-wide DriverManager singleton. Every session
// in this process shares it.
func Manager() *driver.Manager {
	return driver.Get()
}

// SetDriver installs drv as the active transport, gated by the driver
// manager's self-check.
func SetDriver(drv driver.Driver) error {
	return driver.Get().SetDriver(drv)
}

// SetObserver installs obs to receive driver round-trip metrics for every
// read and write issued through Manager(). Passing nil disables
// observation.
func SetObserver(obs Observer) {
	Manager().SetObserver(obs)
}

// OpenKernelDriver opens the kernel character device at devicePath and
// installs it as the active transport in one step. Most callers use this
// instead of constructing internal/driverio directly.
func OpenKernelDriver(devicePath string) error {
	conn, err := driverio.Open(devicePath)
	if err != nil {
		return WrapError("open_kernel_driver", err)
	}
	return SetDriver(conn)
}

// ProgressFunc reports scan progress: regions completed, total regions,
// pointers found so far.
type ProgressFunc = scanner.ProgressFunc

// ChainProgressFunc reports the depth just completed and chains found so
// far.
type ChainProgressFunc = chainbuilder.ProgressFunc

// FuzzyProgressFunc reports fuzzy-search progress; see fuzzy.ProgressFunc
// for what each argument holds in an initial scan and in a refine pass.
type FuzzyProgressFunc = fuzzy.ProgressFunc

// ScanAllPointers runs phase 1 of the pointer-scan pipeline: a parallel
// scan of every region in regions for candidate pointer values, followed
// by an external sort and k-way merge into a single value-sorted on-disk
// queue. The returned queue must be closed by the caller.
func ScanAllPointers(ctx context.Context, regions []ScanRegion, cfg PointerScanConfig, opts ScanOptions, onProgress ProgressFunc) (*PointerQueue, error) {
	if opts.CacheDir != "" {
		cfg.CacheDir = opts.CacheDir
	}
	if opts.ChunkSize != 0 {
		cfg.ChunkSize = opts.ChunkSize
	}
	if opts.Workers != 0 {
		cfg.Workers = opts.Workers
	}
	q, err := scanner.ScanAllPointers(Manager(), regions, cfg, cfg.Observer, onProgress, cancelFuncFromContext(ctx))
	if err != nil {
		return nil, WrapError("scan_all_pointers", err)
	}
	return &PointerQueue{inner: q}, nil
}

// PointerQueue wraps the sorted on-disk pointer-value queue produced by
// ScanAllPointers and consumed by BuildPointerChains.
type PointerQueue struct {
	inner *mmapqueue.Queue[memtype.PointerData]
}

// BuildPointerChains runs phase 2 of the pointer-scan pipeline: a layered
// BFS over queue terminating at static modules, returning every discovered
// chain from cfg.TargetAddress back to a static root.
func BuildPointerChains(ctx context.Context, queue *PointerQueue, staticModules []VmStaticData, cfg PointerScanConfig, onProgress ChainProgressFunc) ([]*PointerChain, error) {
	chains, err := chainbuilder.BuildPointerChains(queue.inner, staticModules, cfg, cfg.Observer, onProgress, cancelFuncFromContext(ctx))
	if err != nil {
		return nil, WrapError("build_pointer_chains", err)
	}
	return chains, nil
}

// Close releases the on-disk resources backing the pointer queue.
func (q *PointerQueue) Close() error {
	return q.inner.Close()
}

// Len returns the number of pointer records currently in the queue.
func (q *PointerQueue) Len() int {
	return q.inner.Len()
}

// IsEmpty reports whether the queue holds no records.
func (q *PointerQueue) IsEmpty() bool {
	return q.inner.IsEmpty()
}

// Clear logically resets the queue to empty so it can be reused for a
// subsequent scan without releasing its backing file.
func (q *PointerQueue) Clear() {
	q.inner.Clear()
}

// FuzzyResultSet is the ordered candidate set produced by an initial fuzzy
// scan and narrowed by successive refinement passes.
type FuzzyResultSet = fuzzy.ResultSet

// FuzzyInitialScan records the current value at every address in
// [start, end) into an ordered FuzzyResultSet.
func FuzzyInitialScan(ctx context.Context, valueType ValueType, start, end uint64, opts FuzzyScanOptions, onProgress FuzzyProgressFunc) (*FuzzyResultSet, error) {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultFuzzyChunkSize
	}
	return fuzzy.InitialScan(Manager(), valueType, start, end, chunkSize, opts.Workers, opts.Observer, onProgress, cancelFuncFromContext(ctx))
}

// FuzzyRefineSearch re-reads the current value of every item in set and
// keeps only those matching cond. Cancellation is intentionally asymmetric
// with the pointer-scan pipeline: a cancelled refine returns partial
// matches with no error.
func FuzzyRefineSearch(ctx context.Context, items []FuzzySearchResultItem, cond FuzzyCondition, args FuzzyRefineArgs, opts FuzzyScanOptions, onProgress FuzzyProgressFunc) (*FuzzyResultSet, error) {
	return fuzzy.RefineSearch(Manager(), items, cond, args, opts.Workers, opts.Observer, onProgress, cancelFuncFromContext(ctx))
}

func cancelFuncFromContext(ctx context.Context) func() bool {
	if ctx == nil {
		return func() bool { return false }
	}
	return func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

