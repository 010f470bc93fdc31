package salloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// defaultHeapReserve is the virtual address range reserved up front to
// emulate program-break growth. It is a reservation, not committed memory:
// the kernel backs pages lazily as the brk offset advances into them, so
// reserving generously costs address space, not RAM.
const defaultHeapReserve = 1 << 30 // 1 GiB

// heapRegion emulates sbrk's "extend the program break" contract on top of a
// single large anonymous mapping obtained via golang.org/x/sys/unix, the same
// dependency this corpus reaches for anonymous pages elsewhere (mmap_unix.go,
// alloc_unix.go). A single fixed reservation, rather than a Go slice grown by
// append, guarantees the region never moves — essential here, since Block
// headers store raw addresses of their neighbors.
type heapRegion struct {
	mem  []byte
	base uintptr
	cap  uint64
	brk  uint64
}

func newHeapRegion(reserve uint64) (*heapRegion, error) {
	mem, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "reserve heap region")
	}
	return &heapRegion{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		cap:  reserve,
	}, nil
}

// extend grows the committed brk offset by delta and returns the previous
// break address, mirroring sbrk's return value. Failure leaves the region
// unchanged, matching spec's atomic-extension contract.
func (h *heapRegion) extend(delta uint64) (uintptr, error) {
	if h.brk+delta > h.cap {
		return 0, errors.Newf("heap reservation exhausted: need %d more bytes, only %d of %d remain", delta, h.cap-h.brk, h.cap)
	}
	prevBrk := h.base + uintptr(h.brk)
	h.brk += delta
	return prevBrk, nil
}

func (h *heapRegion) contains(addr uintptr) bool {
	return addr >= h.base && addr < h.base+uintptr(h.cap)
}

func (h *heapRegion) close() error {
	return unix.Munmap(h.mem)
}
