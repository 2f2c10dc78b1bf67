// Package wire defines the on-the-wire structs exchanged with the kernel
// driver's character device and their manual little-endian marshaling.
// The layouts mirror the driver's C struct ABI, so encoding/gob or a
// reflection-driven codec would not produce a compatible byte stream.
package wire

import (
	"encoding/binary"
	"unsafe"
)

// Command opcodes passed to the driver's ioctl handler.
const (
	CmdReadMemory      = 0x1001
	CmdWriteMemory     = 0x1002
	CmdListProcesses   = 0x1003
	CmdGetProcessInfo  = 0x1004
	CmdQueryMemRegions = 0x1005
	CmdBindProcess     = 0x1006
)

// ReadMemoryReq requests a read of Length bytes at Addr from the process
// currently bound to the driver handle.
type ReadMemoryReq struct {
	Addr   uint64
	Length uint32
	_      uint32 // padding to 16 bytes
}

// Compile-time size check - must be exactly 16 bytes to match the driver ABI.
var _ [16]byte = [unsafe.Sizeof(ReadMemoryReq{})]byte{}

func (r *ReadMemoryReq) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], r.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

// WriteMemoryReq carries the address and payload for a write_memory call.
// The payload follows the fixed header in the same buffer.
type WriteMemoryReq struct {
	Addr   uint64
	Length uint32
	_      uint32
}

func (r *WriteMemoryReq) Marshal(payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], r.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	copy(buf[16:], payload)
	return buf
}

// ProcInfoReq requests get_process_info for a single pid.
type ProcInfoReq struct {
	Pid int32
	_   int32
}

func (r *ProcInfoReq) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Pid))
	return buf
}

// ProcInfoResp is the fixed-size response to get_process_info.
type ProcInfoResp struct {
	Pid     int32
	Tgid    int32
	PPid    int32
	UID     uint32
	Prio    uint32
	RSS     int64
	NameLen uint16
	_       [6]byte
	// Name bytes follow in the remainder of the response buffer, NameLen
	// long, not part of this fixed header.
}

const ProcInfoRespHeaderSize = 32

func UnmarshalProcInfoResp(data []byte) (ProcInfoResp, string, error) {
	if len(data) < ProcInfoRespHeaderSize {
		return ProcInfoResp{}, "", ErrShortBuffer
	}
	var resp ProcInfoResp
	resp.Pid = int32(binary.LittleEndian.Uint32(data[0:4]))
	resp.Tgid = int32(binary.LittleEndian.Uint32(data[4:8]))
	resp.PPid = int32(binary.LittleEndian.Uint32(data[8:12]))
	resp.UID = binary.LittleEndian.Uint32(data[12:16])
	resp.Prio = binary.LittleEndian.Uint32(data[16:20])
	resp.RSS = int64(binary.LittleEndian.Uint64(data[20:28]))
	resp.NameLen = binary.LittleEndian.Uint16(data[28:30])
	nameEnd := ProcInfoRespHeaderSize + int(resp.NameLen)
	if len(data) < nameEnd {
		return resp, "", ErrShortBuffer
	}
	name := string(data[ProcInfoRespHeaderSize:nameEnd])
	return resp, name, nil
}

// MemRegionQueryReq requests query_mem_regions for a pid. FlagsA and
// FlagsB are always issued as 0 by the driver manager; their meaning is
// defined only by the kernel driver's own protocol and is not otherwise
// documented.
type MemRegionQueryReq struct {
	Pid    int32
	FlagsA uint32
	FlagsB uint32
}

func (r *MemRegionQueryReq) Marshal() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Pid))
	binary.LittleEndian.PutUint32(buf[4:8], r.FlagsA)
	binary.LittleEndian.PutUint32(buf[8:12], r.FlagsB)
	return buf
}

// MemRegionEntryRaw is one fixed-size entry in a query_mem_regions
// response. The response is a count-prefixed array of these.
type MemRegionEntryRaw struct {
	Start   uint64
	End     uint64
	Perms   uint32
	NameLen uint32
	// Name bytes follow, NameLen long, padded to 8-byte alignment.
}

const MemRegionEntryHeaderSize = 24

func UnmarshalMemRegions(data []byte) ([]MemRegionEntryRaw, []string, error) {
	if len(data) < 4 {
		return nil, nil, ErrShortBuffer
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	entries := make([]MemRegionEntryRaw, 0, count)
	names := make([]string, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+MemRegionEntryHeaderSize > len(data) {
			return nil, nil, ErrShortBuffer
		}
		var e MemRegionEntryRaw
		e.Start = binary.LittleEndian.Uint64(data[off : off+8])
		e.End = binary.LittleEndian.Uint64(data[off+8 : off+16])
		e.Perms = binary.LittleEndian.Uint32(data[off+16 : off+20])
		e.NameLen = binary.LittleEndian.Uint32(data[off+20 : off+24])
		off += MemRegionEntryHeaderSize
		nameEnd := off + int(e.NameLen)
		if nameEnd > len(data) {
			return nil, nil, ErrShortBuffer
		}
		name := string(data[off:nameEnd])
		off = nameEnd
		if pad := off % 8; pad != 0 {
			off += 8 - pad
		}
		entries = append(entries, e)
		names = append(names, name)
	}
	return entries, names, nil
}

// BindReq requests bind_process for a pid under a given access mode.
type BindReq struct {
	Pid        int32
	AccessMode uint32
}

func (r *BindReq) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Pid))
	binary.LittleEndian.PutUint32(buf[4:8], r.AccessMode)
	return buf
}

// UnmarshalListProcesses parses a list_processes response: a uint32 count
// followed by that many int32 pids.
func UnmarshalListProcesses(data []byte) ([]int32, error) {
	if len(data) < 4 {
		return nil, ErrShortBuffer
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	if len(data) < 4+int(count)*4 {
		return nil, ErrShortBuffer
	}
	pids := make([]int32, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + int(i)*4
		pids[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return pids, nil
}

// WireError reports a malformed wire buffer.
type WireError string

func (e WireError) Error() string { return string(e) }

const ErrShortBuffer WireError = "wire: buffer too short for expected layout"
