// Package driver implements the process-wide DriverManager façade over the
// kernel driver's character device: a single rwlock-guarded singleton that
// every caller in the process shares, mirroring the package-level
// singleton idiom used for the default logger.
package driver

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/logging"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/wire"
)

// Observer receives driver round-trip metrics. A nil Observer is never
// called.
type Observer interface {
	ObserveRead(bytes, latencyNs uint64, success bool)
	ObserveWrite(bytes, latencyNs uint64, success bool)
}

// Driver is the transport contract DriverManager drives. driverio.Conn
// implements it against the real character device; tests substitute an
// in-memory fake.
type Driver interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
	WriteMemory(addr uint64, buf []byte) (int, error)
	ListProcesses() ([]int32, error)
	ProcessInfo(pid int32) (wire.ProcInfoResp, string, error)
	QueryMemRegions(pid int32, flagsA, flagsB uint32) ([]memtype.ScanRegion, error)
	BindProcess(pid int32, mode memtype.MemoryAccessMode) error
	PageSize() int
	Close() error
}

// Manager is the process-wide driver façade. Obtain the singleton with
// Get(); do not construct one directly.
type Manager struct {
	mu         sync.RWMutex
	drv        Driver
	mode       memtype.MemoryAccessMode
	boundPid   int32
	bound      bool
	poisoned   atomic.Bool
	poisonMsg  string
	observer   Observer
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

// Get returns the process-wide DriverManager, constructing it on first
// use. It never returns nil.
func Get() *Manager {
	instanceOnce.Do(func() {
		instance = &Manager{boundPid: -1}
	})
	return instance
}

// poison marks the manager permanently unusable. Called when the
// underlying driver reports a condition we cannot safely continue past.
func (m *Manager) poison(msg string) {
	m.poisoned.Store(true)
	m.poisonMsg = msg
	logging.Error("driver manager poisoned", "reason", msg)
}

func (m *Manager) checkPoisoned() error {
	if m.poisoned.Load() {
		return &errs.Error{Op: "DriverManager", Code: errs.CodePoisoned, Msg: m.poisonMsg}
	}
	return nil
}

// SetDriver installs drv as the active transport after running the
// self-check gate. Only the first call succeeds; subsequent calls while a
// driver is already loaded return an error.
func (m *Manager) SetDriver(drv Driver) error {
	if err := m.checkPoisoned(); err != nil {
		return err
	}
	if !selfCheckGate(drv) {
		return errs.New("SetDriver", errs.CodeInvalidArgument, "self-check gate failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv != nil {
		return errs.New("SetDriver", errs.CodeInvalidArgument, "driver already loaded")
	}
	m.drv = drv
	return nil
}

func (m *Manager) IsDriverLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drv != nil
}

// SetObserver installs obs to receive driver round-trip metrics. Passing
// nil disables observation.
func (m *Manager) SetObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
}

func (m *Manager) SetAccessMode(mode memtype.MemoryAccessMode) error {
	if err := m.checkPoisoned(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

func (m *Manager) withReadLock(op string, fn func(d Driver) error) error {
	if err := m.checkPoisoned(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.drv == nil {
		return errs.New(op, errs.CodeNotInitialised, "no driver loaded")
	}
	return fn(m.drv)
}

func (m *Manager) withWriteLock(op string, fn func(d Driver) error) error {
	if err := m.checkPoisoned(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv == nil {
		return errs.New(op, errs.CodeNotInitialised, "no driver loaded")
	}
	return fn(m.drv)
}

func (m *Manager) BindProcess(pid int32) error {
	return m.withWriteLock("BindProcess", func(d Driver) error {
		if err := d.BindProcess(pid, m.mode); err != nil {
			return errs.Wrap("BindProcess", err)
		}
		m.boundPid = pid
		m.bound = true
		return nil
	})
}

func (m *Manager) UnbindProcess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = false
	m.boundPid = -1
}

func (m *Manager) IsProcessBound() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bound
}

func (m *Manager) BoundPid() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.boundPid
}

func (m *Manager) ListProcesses() ([]int32, error) {
	var pids []int32
	err := m.withReadLock("ListProcesses", func(d Driver) error {
		var innerErr error
		pids, innerErr = d.ListProcesses()
		return innerErr
	})
	return pids, err
}

// ProcessInfo holds the fields exposed from get_process_info.
type ProcessInfo struct {
	Pid  int32
	Name string
	UID  uint32
	PPid int32
	Prio uint32
	RSS  int64
}

func (m *Manager) ProcessInfo(pid int32) (ProcessInfo, error) {
	var info ProcessInfo
	err := m.withReadLock("ProcessInfo", func(d Driver) error {
		resp, name, innerErr := d.ProcessInfo(pid)
		if innerErr != nil {
			return innerErr
		}
		info = ProcessInfo{Pid: resp.Pid, Name: name, UID: resp.UID, PPid: resp.PPid, Prio: resp.Prio, RSS: resp.RSS}
		return nil
	})
	return info, err
}

func (m *Manager) IsProcessAlive(pid int32) bool {
	pids, err := m.ListProcesses()
	if err != nil {
		return false
	}
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// MemRegion is the exported view of one query_mem_regions entry.
type MemRegion = memtype.ScanRegion

// QueryMemRegions issues query_mem_regions for pid. The driver's protocol
// always takes two trailing parameters whose meaning it never documents;
// DriverManager always passes 0, 0.
func (m *Manager) QueryMemRegions(pid int32) ([]MemRegion, error) {
	var regions []MemRegion
	err := m.withReadLock("QueryMemRegions", func(d Driver) error {
		var innerErr error
		regions, innerErr = d.QueryMemRegions(pid, 0, 0)
		return innerErr
	})
	return regions, err
}

// ReadMemoryUnified reads len(buf) bytes at addr, recording per-page
// success in bitmap when non-nil. A short read (the driver returns fewer
// bytes without an error) is not itself an error: only the pages covering
// the bytes returned are marked, and callers must inspect bitmap to learn
// what succeeded. An error from the driver is returned as an error.
func (m *Manager) ReadMemoryUnified(addr uint64, buf []byte, bitmap *memtype.PageStatusBitmap) error {
	start := time.Now()
	err := m.withReadLock("ReadMemoryUnified", func(d Driver) error {
		n, err := d.ReadMemory(addr, buf)
		if bitmap != nil && n > 0 {
			bitmap.SetRangeSuccess(0, n)
		}
		if err != nil {
			return errs.Wrap("ReadMemoryUnified", err)
		}
		return nil
	})
	if obs := m.currentObserver(); obs != nil {
		obs.ObserveRead(uint64(len(buf)), uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	return err
}

func (m *Manager) WriteMemoryUnified(addr uint64, buf []byte) error {
	start := time.Now()
	err := m.withWriteLock("WriteMemoryUnified", func(d Driver) error {
		_, err := d.WriteMemory(addr, buf)
		if err != nil {
			return errs.Wrap("WriteMemoryUnified", err)
		}
		return nil
	})
	if obs := m.currentObserver(); obs != nil {
		obs.ObserveWrite(uint64(len(buf)), uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	return err
}

func (m *Manager) currentObserver() Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observer
}

// PageSize returns the driver's page size, or the process's own page size
// if no driver is loaded yet.
func (m *Manager) PageSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.drv != nil {
		return m.drv.PageSize()
	}
	return os.Getpagesize()
}

// Poison marks the manager permanently unusable; used by callers that
// detect a condition the driver cannot recover from (e.g. the bound
// process exited mid-scan and the fd now returns nonsense).
func (m *Manager) Poison(reason string) {
	m.poison(reason)
}

func (m *Manager) IsPoisoned() bool {
	return m.poisoned.Load()
}
