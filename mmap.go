package salloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapPages requests a fresh anonymous, private, zero-filled mapping of n
// bytes and returns its base address. Used only for requests routed past the
// heap threshold; each call is an independent mapping, unlike the single
// reserved heap region in heap.go.
func mapPages(n uint64) (uintptr, error) {
	buf, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(err, "mmap")
	}
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

// unmapPages releases a region previously obtained from mapPages. It
// reconstructs the slice header from the address and length rather than
// keeping the original []byte around, since length and address fully
// determine the mapping being released.
func unmapPages(addr uintptr, n uint64) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return unix.Munmap(buf)
}
