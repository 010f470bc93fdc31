package salloc

import "github.com/cockroachdb/errors"

// CheckInvariants walks the address list and every histogram bucket and
// reports the first violated invariant from spec section 3. It is a test and
// fuzzing aid, grounded on the same per-violation errors.Newf validation
// style used to audit a segregated-fit block allocator's metadata elsewhere
// in this corpus; production code paths never call it.
func (a *Allocator) CheckInvariants() error {
	var (
		seenBlocks      uint64
		seenBytes       uint64
		seenFreeBlocks  uint64
		seenFreeBytes   uint64
		lastAddr        uintptr
		prevWasFree     bool
		haveLast        bool
	)

	for addr := a.heapHead; addr != 0; addr = blockAt(addr).addrNext {
		b := blockAt(addr)
		seenBlocks++
		seenBytes += b.size

		if haveLast && addr <= lastAddr {
			return errors.Newf("address list not strictly increasing at %#x", addr)
		}
		lastAddr, haveLast = addr, true

		if b.addrNext != 0 && blockAt(b.addrNext).addrPrev != addr {
			return errors.Newf("back-pointer mismatch: successor of %#x does not point back to it", addr)
		}

		if b.isFree != 0 {
			seenFreeBlocks++
			seenFreeBytes += b.size
			if prevWasFree {
				return errors.Newf("two adjacent free heap blocks at %#x", addr)
			}
			idx := bucketIndex(b.size)
			if !bucketContains(&a.hist.buckets[idx], addr) {
				return errors.Newf("free block at %#x missing from its histogram bucket %d", addr, idx)
			}
		}
		prevWasFree = b.isFree != 0

		if addr%8 != 0 {
			return errors.Newf("block header at %#x is not 8-byte aligned", addr)
		}
		if uintptr(payloadOf(b))%8 != 0 {
			return errors.Newf("payload at %#x is not 8-byte aligned", addr)
		}
	}

	if a.wilderness != 0 && blockAt(a.wilderness).addrNext != 0 {
		return errors.New("wilderness has a non-nil addr_next")
	}
	if haveLast && lastAddr != a.wilderness {
		return errors.Newf("address list tail %#x does not match wilderness %#x", lastAddr, a.wilderness)
	}
	if !haveLast && a.wilderness != 0 {
		return errors.New("wilderness is set but the address list is empty")
	}

	for i := range a.hist.buckets {
		bk := &a.hist.buckets[i]
		var prevSize uint64
		n := uint64(0)
		for addr := bk.head; addr != 0; addr = blockAt(addr).histNext {
			b := blockAt(addr)
			n++
			if n > 1 && b.size < prevSize {
				return errors.Newf("bucket %d not sorted ascending at %#x", i, addr)
			}
			prevSize = b.size
			if b.isFree == 0 {
				return errors.Newf("allocated block at %#x present in histogram", addr)
			}
		}
		if n != bk.count {
			return errors.Newf("bucket %d count %d does not match %d observed members", i, bk.count, n)
		}
	}

	mmapBlocks, mmapBytes := mmapTotals(a)
	if seenBlocks+mmapBlocks != a.st.allocatedBlocks {
		return errors.Newf("allocated_blocks %d does not match observed %d heap + %d mmap blocks", a.st.allocatedBlocks, seenBlocks, mmapBlocks)
	}
	if seenBytes+mmapBytes != a.st.allocatedBytes {
		return errors.Newf("allocated_bytes %d does not match observed %d heap + %d mmap bytes", a.st.allocatedBytes, seenBytes, mmapBytes)
	}
	if seenFreeBlocks != a.st.freeBlocks {
		return errors.Newf("free_blocks %d does not match observed %d", a.st.freeBlocks, seenFreeBlocks)
	}
	if seenFreeBytes != a.st.freeBytes {
		return errors.Newf("free_bytes %d does not match observed %d", a.st.freeBytes, seenFreeBytes)
	}
	return nil
}

func bucketContains(bk *bucket, addr uintptr) bool {
	for cur := bk.head; cur != 0; cur = blockAt(cur).histNext {
		if cur == addr {
			return true
		}
	}
	return false
}

func mmapTotals(a *Allocator) (count, bytes uint64) {
	for addr := a.mmapHead; addr != 0; addr = blockAt(addr).addrNext {
		count++
		bytes += blockAt(addr).size
	}
	return count, bytes
}
