package driver

import (
	"os"
	"testing"

	"github.com/fuqiuluo/mamu-core/internal/errs"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/wire"
)

type fakeDriver struct {
	mem       map[uint64]byte
	processes []int32
	selfName  string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{mem: make(map[uint64]byte), processes: []int32{100, 200}, selfName: "target"}
}

func (f *fakeDriver) ReadMemory(addr uint64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (f *fakeDriver) WriteMemory(addr uint64, buf []byte) (int, error) {
	for i, b := range buf {
		f.mem[addr+uint64(i)] = b
	}
	return len(buf), nil
}

func (f *fakeDriver) ListProcesses() ([]int32, error) { return f.processes, nil }

func (f *fakeDriver) ProcessInfo(pid int32) (wire.ProcInfoResp, string, error) {
	return wire.ProcInfoResp{Pid: pid, UID: 1000}, f.selfName, nil
}

func (f *fakeDriver) QueryMemRegions(pid int32, flagsA, flagsB uint32) ([]memtype.ScanRegion, error) {
	return []memtype.ScanRegion{{Start: 0x1000, End: 0x2000, Name: "[heap]"}}, nil
}

func (f *fakeDriver) BindProcess(pid int32, mode memtype.MemoryAccessMode) error { return nil }
func (f *fakeDriver) PageSize() int                                             { return 4096 }
func (f *fakeDriver) Close() error                                              { return nil }

// newTestManager builds an isolated Manager, bypassing the process-wide
// singleton so tests don't interfere with each other.
func newTestManager() *Manager {
	return &Manager{boundPid: -1}
}

func TestSetDriverRequiresGate(t *testing.T) {
	m := newTestManager()
	drv := newFakeDriver()
	drv.selfName = "target" // no "mamu" substring
	if err := m.SetDriver(drv); err == nil {
		t.Fatal("SetDriver() err = nil, want gate failure")
	}
	if m.IsDriverLoaded() {
		t.Error("IsDriverLoaded() = true after a gate-failing SetDriver()")
	}
}

func TestSetDriverGatePassesWhenDriverReportsOurName(t *testing.T) {
	m := newTestManager()
	drv := newFakeDriver()
	drv.selfName = "mamu-inspect"
	if err := m.SetDriver(drv); err != nil {
		t.Fatalf("SetDriver() error = %v, want nil", err)
	}
	if !m.IsDriverLoaded() {
		t.Error("IsDriverLoaded() = false after a gate-passing SetDriver()")
	}
}

func TestSetDriverGateFailsWhenProcessInfoErrors(t *testing.T) {
	m := newTestManager()
	drv := &erroringProcessInfoDriver{fakeDriver: newFakeDriver()}
	if err := m.SetDriver(drv); err == nil {
		t.Fatal("SetDriver() err = nil, want gate failure when ProcessInfo errors")
	}
}

type erroringProcessInfoDriver struct {
	*fakeDriver
}

func (d *erroringProcessInfoDriver) ProcessInfo(pid int32) (wire.ProcInfoResp, string, error) {
	return wire.ProcInfoResp{}, "", errs.New("ProcessInfo", errs.CodeInvalidArgument, "no such process")
}

func TestManagerOperationsWithoutDriver(t *testing.T) {
	m := newTestManager()
	if _, err := m.ListProcesses(); err == nil {
		t.Error("ListProcesses() err = nil, want NotInitialised")
	}
}

func TestManagerBindAndReadWrite(t *testing.T) {
	// Inject the driver through the unexported field directly, bypassing
	// the self-check gate, to exercise the rest of the surface.
	m := newTestManager()
	m.drv = newFakeDriver()

	if err := m.BindProcess(200); err != nil {
		t.Fatalf("BindProcess() error = %v", err)
	}
	if !m.IsProcessBound() || m.BoundPid() != 200 {
		t.Errorf("bound state = %v/%d, want true/200", m.IsProcessBound(), m.BoundPid())
	}

	if err := m.WriteMemoryUnified(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemoryUnified() error = %v", err)
	}

	buf := make([]byte, 4)
	bitmap := memtype.NewPageStatusBitmap(4, 0x1000, 4096)
	if err := m.ReadMemoryUnified(0x1000, buf, bitmap); err != nil {
		t.Fatalf("ReadMemoryUnified() error = %v", err)
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Errorf("buf = %v, want [1 2 3 4]", buf)
	}
	if bitmap.SuccessCount() == 0 {
		t.Error("expected at least one successful page")
	}

	m.UnbindProcess()
	if m.IsProcessBound() {
		t.Error("IsProcessBound() = true after UnbindProcess()")
	}
}

func TestManagerPoisoning(t *testing.T) {
	m := newTestManager()
	m.drv = newFakeDriver()
	m.Poison("test induced")
	if !m.IsPoisoned() {
		t.Fatal("IsPoisoned() = false after Poison()")
	}
	if err := m.BindProcess(1); err == nil {
		t.Error("BindProcess() err = nil on poisoned manager")
	}
}

func TestGetReturnsSameInstance(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Error("Get() returned distinct instances")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
