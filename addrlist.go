package salloc

// appendWilderness links a freshly heap-extended block b as the new tail of
// the address list: the new wilderness. Used whenever the heap grows to
// satisfy a request no existing free block (or wilderness extension) could.
func (a *Allocator) appendWilderness(b *block) {
	if a.heapHead == 0 {
		a.heapHead = addrOf(b)
		a.wilderness = addrOf(b)
		return
	}
	old := blockAt(a.wilderness)
	old.addrNext = addrOf(b)
	b.addrPrev = a.wilderness
	a.wilderness = addrOf(b)
}

// spliceAfter inserts a freshly split remainder r immediately after existing
// in the address list, and promotes r to wilderness if existing was.
func (a *Allocator) spliceAfter(existing, r *block) {
	r.addrNext = existing.addrNext
	r.addrPrev = addrOf(existing)
	if existing.addrNext != 0 {
		blockAt(existing.addrNext).addrPrev = addrOf(r)
	}
	existing.addrNext = addrOf(r)
	if addrOf(existing) == a.wilderness {
		a.wilderness = addrOf(r)
	}
}

// mmapPrepend inserts b at the head of the (unordered) mmap list.
func (a *Allocator) mmapPrepend(b *block) {
	b.addrNext = a.mmapHead
	b.addrPrev = 0
	if a.mmapHead != 0 {
		blockAt(a.mmapHead).addrPrev = addrOf(b)
	}
	a.mmapHead = addrOf(b)
}

// mmapUnlink removes b from the mmap list.
func (a *Allocator) mmapUnlink(b *block) {
	prev := blockAt(b.addrPrev)
	next := blockAt(b.addrNext)
	if prev != nil {
		prev.addrNext = b.addrNext
	} else {
		a.mmapHead = b.addrNext
	}
	if next != nil {
		next.addrPrev = b.addrPrev
	}
	b.addrPrev, b.addrNext = 0, 0
}
