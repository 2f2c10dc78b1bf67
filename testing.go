package mamu

import (
	"sync"

	"github.com/fuqiuluo/mamu-core/internal/driver"
	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/wire"
)

// mockShardSize is the granularity of MockDriver's internal locking,
// chosen to keep contention low under the scanner's per-region fan-out
// without a lock per byte.
const mockShardSize = 64 * 1024

// MockDriver is an in-memory stand-in for the kernel character device,
// implementing the same interface internal/driver depends on. It backs a
// single flat address space starting at Base, with injectable per-address
// read/write failures and call counters, for exercising the scanner, chain
// builder, and fuzzy engine without a real driver.
type MockDriver struct {
	mu     sync.RWMutex
	data   []byte
	base   uint64
	size   int64
	shards []sync.RWMutex

	pageSize    int
	processes   []int32
	procInfo    map[int32]wire.ProcInfoResp
	procName    map[int32]string
	regions     map[int32][]memtype.ScanRegion
	boundPid    int32
	closed      bool

	readFailAddr  map[uint64]bool
	writeFailAddr map[uint64]bool

	readCalls  int
	writeCalls int
}

// NewMockDriver creates a mock driver backing a flat region of size bytes
// starting at base.
func NewMockDriver(base uint64, size int64) *MockDriver {
	numShards := (size + mockShardSize - 1) / mockShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &MockDriver{
		data:          make([]byte, size),
		base:          base,
		size:          size,
		shards:        make([]sync.RWMutex, numShards),
		pageSize:      4096,
		procInfo:      make(map[int32]wire.ProcInfoResp),
		procName:      make(map[int32]string),
		regions:       make(map[int32][]memtype.ScanRegion),
		readFailAddr:  make(map[uint64]bool),
		writeFailAddr: make(map[uint64]bool),
	}
}

func (m *MockDriver) shardRange(off, length int64) (start, end int) {
	start = int(off / mockShardSize)
	end = int((off + length - 1) / mockShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// WriteRaw seeds the backing store directly, bypassing WriteMemory
// accounting, useful for arranging fixture data before a scan.
func (m *MockDriver) WriteRaw(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(addr - m.base)
	copy(m.data[off:off+int64(len(data))], data)
}

// FailReadAt marks addr so the next ReadMemory starting exactly at addr
// returns an error instead of data. Reads that start elsewhere and only
// cover addr are not affected.
func (m *MockDriver) FailReadAt(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFailAddr[addr] = true
}

// FailWriteAt marks addr so the next WriteMemory starting exactly at addr
// returns an error instead of succeeding. Writes that start elsewhere and
// only cover addr are not affected.
func (m *MockDriver) FailWriteAt(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFailAddr[addr] = true
}

// SetProcess registers a fake process with the given info, name, and
// memory regions, returned from ListProcesses/ProcessInfo/QueryMemRegions.
func (m *MockDriver) SetProcess(pid int32, info wire.ProcInfoResp, name string, regions []memtype.ScanRegion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes = append(m.processes, pid)
	m.procInfo[pid] = info
	m.procName[pid] = name
	m.regions[pid] = regions
}

// ReadMemory implements driver.Driver.
func (m *MockDriver) ReadMemory(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	m.readCalls++
	if m.readFailAddr[addr] {
		delete(m.readFailAddr, addr)
		m.mu.Unlock()
		return 0, errs.New("read_memory", errs.CodeIOFailure, "injected read failure")
	}
	m.mu.Unlock()

	off := int64(addr) - int64(m.base)
	if off < 0 || off >= m.size {
		return 0, errs.New("read_memory", errs.CodeInvalidArgument, "address out of range")
	}

	n := int64(len(buf))
	if off+n > m.size {
		n = m.size - off
	}

	startShard, endShard := m.shardRange(off, n)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	copied := copy(buf[:n], m.data[off:off+n])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return copied, nil
}

// WriteMemory implements driver.Driver.
func (m *MockDriver) WriteMemory(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	m.writeCalls++
	if m.writeFailAddr[addr] {
		delete(m.writeFailAddr, addr)
		m.mu.Unlock()
		return 0, errs.New("write_memory", errs.CodeIOFailure, "injected write failure")
	}
	m.mu.Unlock()

	off := int64(addr) - int64(m.base)
	if off < 0 || off >= m.size {
		return 0, errs.New("write_memory", errs.CodeInvalidArgument, "address out of range")
	}

	n := int64(len(buf))
	if off+n > m.size {
		n = m.size - off
	}

	startShard, endShard := m.shardRange(off, n)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	copied := copy(m.data[off:off+n], buf[:n])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return copied, nil
}

// ListProcesses implements driver.Driver.
func (m *MockDriver) ListProcesses() ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int32, len(m.processes))
	copy(out, m.processes)
	return out, nil
}

// ProcessInfo implements driver.Driver.
func (m *MockDriver) ProcessInfo(pid int32) (wire.ProcInfoResp, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.procInfo[pid]
	if !ok {
		return wire.ProcInfoResp{}, "", errs.New("proc_info", errs.CodeInvalidArgument, "unknown pid")
	}
	return info, m.procName[pid], nil
}

// QueryMemRegions implements driver.Driver.
func (m *MockDriver) QueryMemRegions(pid int32, _, _ uint32) ([]memtype.ScanRegion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	regions, ok := m.regions[pid]
	if !ok {
		return nil, errs.New("query_mem_regions", errs.CodeInvalidArgument, "unknown pid")
	}
	out := make([]memtype.ScanRegion, len(regions))
	copy(out, regions)
	return out, nil
}

// BindProcess implements driver.Driver.
func (m *MockDriver) BindProcess(pid int32, _ memtype.MemoryAccessMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boundPid = pid
	return nil
}

// PageSize implements driver.Driver.
func (m *MockDriver) PageSize() int {
	return m.pageSize
}

// Close implements driver.Driver.
func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CallCounts returns the number of ReadMemory/WriteMemory calls observed
// so far.
func (m *MockDriver) CallCounts() (reads, writes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readCalls, m.writeCalls
}

// IsClosed reports whether Close has been called.
func (m *MockDriver) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var _ driver.Driver = (*MockDriver)(nil)
