// Package memtype holds the data types shared across the pointer-scan and
// fuzzy-search engines: scan regions, page status tracking, pointer chain
// steps, and value types.
package memtype

import (
	"encoding/binary"
	"math"
)

// MemoryAccessMode selects how the driver manager issues reads and writes.
type MemoryAccessMode int

const (
	// AccessModeSyscall issues one ioctl per read/write call.
	AccessModeSyscall MemoryAccessMode = iota
	// AccessModeBatch coalesces adjacent requests into a single ioctl
	// where the driver protocol supports it.
	AccessModeBatch
)

func (m MemoryAccessMode) String() string {
	switch m {
	case AccessModeSyscall:
		return "syscall"
	case AccessModeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ScanRegion describes one readable memory range discovered via
// query_mem_regions, carried into the scanner as a unit of work.
type ScanRegion struct {
	Start uint64
	End   uint64
	Perms uint32
	Name  string
}

func (r ScanRegion) Size() uint64 {
	return r.End - r.Start
}

// PageStatusBitmap tracks, per page, whether a read into that page
// succeeded. Reads into a region spanning unmapped or protected pages
// partially succeed; callers must consult this bitmap rather than assume
// an all-or-nothing read.
type PageStatusBitmap struct {
	pageSize int
	baseAddr uint64
	bits     []bool
}

// NewPageStatusBitmap allocates a bitmap covering length bytes starting at
// baseAddr, sized in units of the system page size.
func NewPageStatusBitmap(length int, baseAddr uint64, pageSize int) *PageStatusBitmap {
	if pageSize <= 0 {
		pageSize = 4096
	}
	numPages := (length + pageSize - 1) / pageSize
	if numPages == 0 {
		numPages = 1
	}
	return &PageStatusBitmap{
		pageSize: pageSize,
		baseAddr: baseAddr,
		bits:     make([]bool, numPages),
	}
}

func (b *PageStatusBitmap) NumPages() int { return len(b.bits) }

func (b *PageStatusBitmap) SetPageSuccess(idx int, ok bool) {
	if idx >= 0 && idx < len(b.bits) {
		b.bits[idx] = ok
	}
}

func (b *PageStatusBitmap) IsPageSuccess(idx int) bool {
	if idx < 0 || idx >= len(b.bits) {
		return false
	}
	return b.bits[idx]
}

// SetRangeSuccess marks every page touched by [offset, offset+length) as
// successfully read.
func (b *PageStatusBitmap) SetRangeSuccess(offset, length int) {
	if length <= 0 {
		return
	}
	startPage := offset / b.pageSize
	endPage := (offset + length - 1) / b.pageSize
	for p := startPage; p <= endPage && p < len(b.bits); p++ {
		if p >= 0 {
			b.bits[p] = true
		}
	}
}

func (b *PageStatusBitmap) SuccessCount() int {
	n := 0
	for _, ok := range b.bits {
		if ok {
			n++
		}
	}
	return n
}

// PointerData is one record in the sorted pointer library: an address that
// holds a pointer-sized value, and the value it held at scan time.
type PointerData struct {
	Address uint64
	Value   uint64
}

// VmStaticData describes one static module (e.g. a loaded .so) used as a
// terminal root for pointer chains.
type VmStaticData struct {
	Name    string
	Index   uint32
	Base    uint64
	Size    uint64
}

func (m VmStaticData) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

func (m VmStaticData) OffsetFromBase(addr uint64) uint64 {
	return addr - m.Base
}

// PointerScanConfig parameterizes a full pointer-scan + chain-build run.
type PointerScanConfig struct {
	TargetAddress  uint64
	MaxDepth       uint32
	MaxOffset      uint32
	ScanStaticOnly bool
	Align          uint32
	ChunkSize      int
	CacheDir       string

	// Workers overrides the worker-pool size used for region scan fan-out
	// and chain-builder layer scatter. 0 means derive it from the
	// process's CPU affinity mask.
	Workers int

	// Observer, if set, receives per-chunk scan metrics and per-layer
	// chain-build metrics alongside the caller's progress callback. Both
	// phases of the pointer-scan pipeline share this config, so the
	// observer travels with it rather than with either phase's options.
	Observer Observer
}

// Observer receives scan and chain-build metrics as the pointer-scan
// pipeline runs. A nil Observer is never called.
type Observer interface {
	ObserveScanChunk(pointersScanned, pointersEmitted uint64)
	ObserveChainLayer(depth uint32, chainsFound int64)
}

// AlignOrDefault returns the configured scan alignment, or the natural
// pointer alignment of 8 bytes if unset.
func (c PointerScanConfig) AlignOrDefault() uint32 {
	if c.Align == 0 {
		return 8
	}
	return c.Align
}

// PointerChainStep is one hop in a pointer chain: either the static root
// (module name + index + base offset) or a dynamic offset applied to the
// previous hop's dereferenced value.
type PointerChainStep struct {
	IsStaticRoot bool
	ModuleName   string
	ModuleIndex  uint32
	Offset       int64
}

func StaticRootStep(moduleName string, moduleIndex uint32, offset int64) PointerChainStep {
	return PointerChainStep{IsStaticRoot: true, ModuleName: moduleName, ModuleIndex: moduleIndex, Offset: offset}
}

func DynamicOffsetStep(offset int64) PointerChainStep {
	return PointerChainStep{IsStaticRoot: false, Offset: offset}
}

// PointerChain is a complete path from a static module root to the target
// address, expressed as an ordered list of steps applied in sequence.
type PointerChain struct {
	TargetAddress uint64
	Steps         []PointerChainStep
}

func NewPointerChain(target uint64, capacity int) *PointerChain {
	return &PointerChain{
		TargetAddress: target,
		Steps:         make([]PointerChainStep, 0, capacity),
	}
}

func (c *PointerChain) Push(step PointerChainStep) {
	c.Steps = append(c.Steps, step)
}

func (c *PointerChain) Depth() int {
	return len(c.Steps)
}

// ValueType identifies the scalar type read/written during a fuzzy search.
type ValueType int

const (
	ValueTypeI8 ValueType = iota
	ValueTypeU8
	ValueTypeI16
	ValueTypeU16
	ValueTypeI32
	ValueTypeU32
	ValueTypeI64
	ValueTypeU64
	ValueTypeF32
	ValueTypeF64
)

func (t ValueType) Size() int {
	switch t {
	case ValueTypeI8, ValueTypeU8:
		return 1
	case ValueTypeI16, ValueTypeU16:
		return 2
	case ValueTypeI32, ValueTypeU32, ValueTypeF32:
		return 4
	case ValueTypeI64, ValueTypeU64, ValueTypeF64:
		return 8
	default:
		return 0
	}
}

// FuzzyCondition enumerates the predicate applied during a refinement pass.
type FuzzyCondition int

const (
	FuzzyUnchanged FuzzyCondition = iota
	FuzzyChanged
	FuzzyIncreased
	FuzzyDecreased
	FuzzyIncreasedBy
	FuzzyDecreasedBy
	FuzzyEqual
	FuzzyGreaterThan
	FuzzyLessThan
	FuzzyInRange
)

// FuzzyRefineArgs carries the extra scalar arguments some conditions need
// (IncreasedBy/DecreasedBy delta, Equal/GreaterThan/LessThan operand,
// InRange bounds).
type FuzzyRefineArgs struct {
	Delta float64
	Lo    float64
	Hi    float64
}

// FuzzySearchResultItem is one candidate address/value pair tracked across
// refinement passes. Address is the ordering key for the btree.
type FuzzySearchResultItem struct {
	Address   uint64
	ValueType ValueType
	Raw       [8]byte
}

// FromBytes builds a result item from a freshly-read value.
func FromBytes(addr uint64, buf []byte, vt ValueType) FuzzySearchResultItem {
	item := FuzzySearchResultItem{Address: addr, ValueType: vt}
	n := vt.Size()
	if n > len(buf) {
		n = len(buf)
	}
	copy(item.Raw[:n], buf[:n])
	return item
}

func (it FuzzySearchResultItem) AsFloat64() float64 {
	switch it.ValueType {
	case ValueTypeI8:
		return float64(int8(it.Raw[0]))
	case ValueTypeU8:
		return float64(it.Raw[0])
	case ValueTypeI16:
		return float64(int16(binary.LittleEndian.Uint16(it.Raw[:2])))
	case ValueTypeU16:
		return float64(binary.LittleEndian.Uint16(it.Raw[:2]))
	case ValueTypeI32:
		return float64(int32(binary.LittleEndian.Uint32(it.Raw[:4])))
	case ValueTypeU32:
		return float64(binary.LittleEndian.Uint32(it.Raw[:4]))
	case ValueTypeI64:
		return float64(int64(binary.LittleEndian.Uint64(it.Raw[:8])))
	case ValueTypeU64:
		return float64(binary.LittleEndian.Uint64(it.Raw[:8]))
	case ValueTypeF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(it.Raw[:4])))
	case ValueTypeF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(it.Raw[:8]))
	default:
		return 0
	}
}

// MatchesCondition compares it (the previous value) against a freshly read
// current value and reports whether cond is satisfied.
func (it FuzzySearchResultItem) MatchesCondition(currentRaw []byte, cond FuzzyCondition, args FuzzyRefineArgs) bool {
	cur := FromBytes(it.Address, currentRaw, it.ValueType)
	oldV := it.AsFloat64()
	newV := cur.AsFloat64()

	switch cond {
	case FuzzyUnchanged:
		return newV == oldV
	case FuzzyChanged:
		return newV != oldV
	case FuzzyIncreased:
		return newV > oldV
	case FuzzyDecreased:
		return newV < oldV
	case FuzzyIncreasedBy:
		return newV-oldV == args.Delta
	case FuzzyDecreasedBy:
		return oldV-newV == args.Delta
	case FuzzyEqual:
		return newV == args.Delta
	case FuzzyGreaterThan:
		return newV > args.Delta
	case FuzzyLessThan:
		return newV < args.Delta
	case FuzzyInRange:
		return newV >= args.Lo && newV <= args.Hi
	default:
		return false
	}
}

// Less implements the btree.Item / ordering contract by Address.
func (it FuzzySearchResultItem) Less(than FuzzySearchResultItem) bool {
	return it.Address < than.Address
}
