package salloc

// absorbPrev merges b into its lower, free physical neighbor. prev survives
// at its own address, growing by b's payload plus one recovered header.
// Callers must remove prev from the histogram first; b's own histogram
// membership (if any) and free/allocated status are the caller's concern.
func (a *Allocator) absorbPrev(b *block) *block {
	prev := blockAt(b.addrPrev)
	prev.size += b.size + headerSize
	prev.addrNext = b.addrNext
	if b.addrNext != 0 {
		blockAt(b.addrNext).addrPrev = addrOf(prev)
	}
	if addrOf(b) == a.wilderness {
		a.wilderness = addrOf(prev)
	}
	return prev
}

// absorbNext merges b's higher, free physical neighbor into b. b survives at
// its own address, growing by next's payload plus one recovered header.
// Callers must remove next from the histogram first.
func (a *Allocator) absorbNext(b *block) *block {
	next := blockAt(b.addrNext)
	b.size += next.size + headerSize
	b.addrNext = next.addrNext
	if next.addrNext != 0 {
		blockAt(next.addrNext).addrPrev = addrOf(b)
	}
	if addrOf(next) == a.wilderness {
		a.wilderness = addrOf(b)
	}
	return b
}

// mergeAfterFree coalesces a just-freed, just-histogram-inserted block b with
// whichever physical neighbors are also free, restoring the no-two-adjacent-
// free-blocks invariant. The surviving block ends up free and histogram-
// resident; absorbed neighbors are removed from both lists entirely.
func (a *Allocator) mergeAfterFree(b *block) {
	prev := blockAt(b.addrPrev)
	next := blockAt(b.addrNext)
	prevFree := prev != nil && prev.isFree != 0
	nextFree := next != nil && next.isFree != 0
	if !prevFree && !nextFree {
		return
	}

	histRemove(&a.hist, b)

	var survivor *block
	switch {
	case prevFree && nextFree:
		histRemove(&a.hist, prev)
		histRemove(&a.hist, next)
		survivor = a.absorbNext(a.absorbPrev(b))
		a.st.freeBlocks -= 2
		a.st.freeBytes += 2 * headerSize
		a.st.allocatedBlocks -= 2
		a.st.allocatedBytes += 2 * headerSize
	case prevFree:
		histRemove(&a.hist, prev)
		survivor = a.absorbPrev(b)
		a.st.freeBlocks--
		a.st.freeBytes += headerSize
		a.st.allocatedBlocks--
		a.st.allocatedBytes += headerSize
	default: // nextFree
		histRemove(&a.hist, next)
		survivor = a.absorbNext(b)
		a.st.freeBlocks--
		a.st.freeBytes += headerSize
		a.st.allocatedBlocks--
		a.st.allocatedBytes += headerSize
	}

	survivor.isFree = 1
	histInsert(&a.hist, survivor)
}
