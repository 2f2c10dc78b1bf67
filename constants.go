package mamu

import (
	"github.com/fuqiuluo/mamu-core/internal/constants"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
)

// Re-export pipeline constants for public API use.
const (
	DefaultChunkSize      = constants.DefaultChunkSize
	DefaultMaxDepth       = constants.DefaultMaxDepth
	DefaultMaxOffset      = constants.DefaultMaxOffset
	DefaultPointerAlign   = constants.DefaultPointerAlign
	BatchSizeThreshold    = constants.BatchSizeThreshold
	MaxCandidatesPerLayer = constants.MaxCandidatesPerLayer
	DefaultFuzzyChunkSize = constants.DefaultFuzzyChunkSize
)

// Re-export shared data-model types for public API use.
type (
	MemoryAccessMode      = memtype.MemoryAccessMode
	ScanRegion            = memtype.ScanRegion
	PageStatusBitmap      = memtype.PageStatusBitmap
	PointerData           = memtype.PointerData
	VmStaticData          = memtype.VmStaticData
	PointerScanConfig     = memtype.PointerScanConfig
	PointerChainStep      = memtype.PointerChainStep
	PointerChain          = memtype.PointerChain
	ValueType             = memtype.ValueType
	FuzzyCondition        = memtype.FuzzyCondition
	FuzzyRefineArgs       = memtype.FuzzyRefineArgs
	FuzzySearchResultItem = memtype.FuzzySearchResultItem
)

// ScanOptions bundles the runtime knobs for a pointer-scan session: cache
// directory for scanner temp files and sorted queue, chunk size override,
// and worker-pool size.
type ScanOptions struct {
	// CacheDir is where scanner temp files and the sorted pointer queue
	// are written. Defaults to os.TempDir() if empty.
	CacheDir string

	// ChunkSize overrides the scanner's region read granularity.
	ChunkSize int

	// Workers overrides the worker-pool size used for region scan fan-out
	// in ScanAllPointers. 0 means use the package default.
	// BuildPointerChains does not read ScanOptions; its layer scatter uses
	// PointerScanConfig.Workers.
	Workers int
}

// DefaultScanOptions returns the default pointer-scan session options.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		ChunkSize: DefaultChunkSize,
	}
}

// FuzzyScanOptions bundles the runtime knobs for a fuzzy-search session.
type FuzzyScanOptions struct {
	// ChunkSize overrides the initial-scan read granularity.
	ChunkSize int

	// Workers overrides the worker-pool size used for per-page scan fan-out
	// and the parallel refinement filter pass. 0 means use the package
	// default.
	Workers int

	// Observer, if set, receives fuzzy-search metrics alongside the
	// caller's progress callback: once per chunk during an initial scan,
	// once per refine pass.
	Observer Observer
}

// DefaultFuzzyScanOptions returns the default fuzzy-search session options.
func DefaultFuzzyScanOptions() FuzzyScanOptions {
	return FuzzyScanOptions{
		ChunkSize: DefaultFuzzyChunkSize,
	}
}
