package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Buffer is a page-aligned, C-allocated byte range suitable for MR
// registration. Go-heap memory is never handed to the NIC.
type Buffer struct {
	ptr    unsafe.Pointer
	length uint64
}

// AllocBuffer allocates a zeroed, page-aligned buffer of the given
// length.
func AllocBuffer(length uint64) (*Buffer, error) {
	ptr := C.aligned_alloc(C.size_t(os.Getpagesize()), C.size_t(length))
	if ptr == nil {
		return nil, fmt.Errorf("failed to allocate %d byte buffer", length)
	}
	C.memset(ptr, 0, C.size_t(length))
	return &Buffer{ptr: ptr, length: length}, nil
}

// Addr returns the buffer start address.
func (b *Buffer) Addr() uint64 { return uint64(uintptr(b.ptr)) }

// Length returns the buffer length in bytes.
func (b *Buffer) Length() uint64 { return b.length }

// Bytes exposes the buffer as a Go slice. The slice aliases the raw
// allocation and must not be used after Free.
func (b *Buffer) Bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.length)
}

// Free releases the allocation. Idempotent.
func (b *Buffer) Free() {
	if b.ptr == nil {
		return
	}
	C.free(b.ptr)
	b.ptr = nil
}

// MemoryRegion is a contiguous byte range registered with a protection
// domain. Address, length and keys never change after registration.
type MemoryRegion struct {
	inner *C.struct_ibv_mr
	pd    *ProtectionDomain

	// Optional release action for regions that own their backing
	// storage; invoked after deregistration.
	release func()
}

// mrAccessFlags are the access rights every rstream region needs: local
// writes for recvs, remote write/read for the RDMA data plane.
const mrAccessFlags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ

// RegisterMemoryRegion registers the byte range [addr, addr+length)
// with the protection domain. The caller guarantees the storage
// outlives the region.
func RegisterMemoryRegion(pd *ProtectionDomain, addr uint64, length uint64) (*MemoryRegion, error) {
	return registerMR(pd, addr, length, nil)
}

// RegisterMemoryRegionOwned registers buf and transfers ownership to
// the region: the buffer is freed when the region is closed.
func RegisterMemoryRegionOwned(pd *ProtectionDomain, buf *Buffer) (*MemoryRegion, error) {
	return registerMR(pd, buf.Addr(), buf.Length(), buf.Free)
}

func registerMR(pd *ProtectionDomain, addr uint64, length uint64, release func()) (*MemoryRegion, error) {
	if pd.inner == nil {
		return nil, fmt.Errorf("%w: protection domain", ErrClosed)
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length region", ErrMRRegFailed)
	}
	mr := C.ibv_reg_mr(pd.inner, unsafe.Pointer(uintptr(addr)), C.size_t(length), mrAccessFlags)
	if mr == nil {
		return nil, fmt.Errorf("%w: addr=0x%x length=%d device=%s", ErrMRRegFailed, addr, length, pd.ctx.deviceName)
	}
	log.Debug().
		Str("device", pd.ctx.deviceName).
		Uint64("addr", addr).
		Uint64("length", length).
		Uint32("lkey", uint32(mr.lkey)).
		Uint32("rkey", uint32(mr.rkey)).
		Msg("Registered memory region")
	return &MemoryRegion{inner: mr, pd: pd, release: release}, nil
}

// Addr returns the registered start address.
func (m *MemoryRegion) Addr() uint64 { return uint64(uintptr(m.inner.addr)) }

// Length returns the registered length in bytes.
func (m *MemoryRegion) Length() uint64 { return uint64(m.inner.length) }

// LKey returns the local access key.
func (m *MemoryRegion) LKey() uint32 { return uint32(m.inner.lkey) }

// RKey returns the remote access key.
func (m *MemoryRegion) RKey() uint32 { return uint32(m.inner.rkey) }

// Bytes exposes the registered range as a Go slice. The slice aliases
// the registered storage and must not be used after Close.
func (m *MemoryRegion) Bytes() []byte {
	return unsafe.Slice((*byte)(m.inner.addr), m.inner.length)
}

// Close deregisters the region and runs the release action for owned
// storage. Idempotent.
func (m *MemoryRegion) Close() {
	if m.inner == nil {
		return
	}
	C.ibv_dereg_mr(m.inner)
	m.inner = nil
	if m.release != nil {
		m.release()
		m.release = nil
	}
}
