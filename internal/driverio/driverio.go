// Package driverio implements the raw ioctl transport to the kernel
// driver's character device. The driver exposes a single fd accepting
// command-specific ioctl requests (read_memory, write_memory,
// list_processes, get_process_info, query_mem_regions, bind_process); this
// package owns the fd and the raw syscalls, nothing else.
package driverio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/wire"
)

// Conn wraps an open driver file descriptor.
type Conn struct {
	fd       int
	pageSize int
}

// Open opens the driver character device at path.
func Open(path string) (*Conn, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: fd, pageSize: unix.Getpagesize()}, nil
}

// FromFD wraps an already-open file descriptor (used by tests and by
// callers that receive the fd from elsewhere).
func FromFD(fd int) *Conn {
	return &Conn{fd: fd, pageSize: unix.Getpagesize()}
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func (c *Conn) PageSize() int {
	return c.pageSize
}

// ioctl issues a single ioctl(2) call carrying arg as the request's third
// argument, as a raw pointer to its backing bytes.
func (c *Conn) ioctl(cmd uintptr, arg []byte) error {
	var ptr unsafe.Pointer
	if len(arg) > 0 {
		ptr = unsafe.Pointer(&arg[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), cmd, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadMemory reads len(buf) bytes from addr in the bound process into buf.
// The driver may only partially satisfy the read (e.g. across unmapped
// pages); the returned byte count reflects what the driver actually wrote.
func (c *Conn) ReadMemory(addr uint64, buf []byte) (int, error) {
	req := wire.ReadMemoryReq{Addr: addr, Length: uint32(len(buf))}
	payload := make([]byte, 16+len(buf))
	copy(payload, req.Marshal())
	if err := c.ioctl(wire.CmdReadMemory, payload); err != nil {
		return 0, err
	}
	n := copy(buf, payload[16:])
	return n, nil
}

// WriteMemory writes buf to addr in the bound process.
func (c *Conn) WriteMemory(addr uint64, buf []byte) (int, error) {
	req := wire.WriteMemoryReq{Addr: addr, Length: uint32(len(buf))}
	payload := req.Marshal(buf)
	if err := c.ioctl(wire.CmdWriteMemory, payload); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// ListProcesses returns every pid the driver currently knows about.
func (c *Conn) ListProcesses() ([]int32, error) {
	buf := make([]byte, 4+4*4096)
	if err := c.ioctl(wire.CmdListProcesses, buf); err != nil {
		return nil, err
	}
	return wire.UnmarshalListProcesses(buf)
}

// ProcessInfo returns get_process_info for pid.
func (c *Conn) ProcessInfo(pid int32) (wire.ProcInfoResp, string, error) {
	req := wire.ProcInfoReq{Pid: pid}
	buf := make([]byte, wire.ProcInfoRespHeaderSize+256)
	copy(buf, req.Marshal())
	if err := c.ioctl(wire.CmdGetProcessInfo, buf); err != nil {
		return wire.ProcInfoResp{}, "", err
	}
	return wire.UnmarshalProcInfoResp(buf)
}

// QueryMemRegions issues query_mem_regions for pid. flagsA and flagsB are
// driver-defined and always 0 in practice; their semantics are not
// otherwise documented by the driver's own protocol.
func (c *Conn) QueryMemRegions(pid int32, flagsA, flagsB uint32) ([]memtype.ScanRegion, error) {
	req := wire.MemRegionQueryReq{Pid: pid, FlagsA: flagsA, FlagsB: flagsB}
	buf := make([]byte, 4+64*4096)
	copy(buf, req.Marshal())
	if err := c.ioctl(wire.CmdQueryMemRegions, buf); err != nil {
		return nil, err
	}
	entries, names, err := wire.UnmarshalMemRegions(buf)
	if err != nil {
		return nil, err
	}
	regions := make([]memtype.ScanRegion, len(entries))
	for i, e := range entries {
		regions[i] = memtype.ScanRegion{Start: e.Start, End: e.End, Perms: e.Perms, Name: names[i]}
	}
	return regions, nil
}

// BindProcess binds the driver handle to pid under the given access mode.
func (c *Conn) BindProcess(pid int32, mode memtype.MemoryAccessMode) error {
	req := wire.BindReq{Pid: pid, AccessMode: uint32(mode)}
	return c.ioctl(wire.CmdBindProcess, req.Marshal())
}
