package salloc

// minSplitPayload is the smallest payload a carved-out remainder may have;
// below it the leftover bytes stay attached to the block being carved rather
// than becoming an unusable free sliver.
const minSplitPayload = 128

// split carves a trailing free remainder off b once only `used` bytes of its
// payload remain claimed, provided the leftover is big enough to host its own
// header plus minSplitPayload bytes. It inserts the remainder into the
// histogram and, if b was the wilderness, promotes the remainder in its
// place. Returns the remainder, or nil if no split happened.
func (a *Allocator) split(b *block, used uint64) *block {
	leftover := b.size - used
	if leftover < minSplitPayload+headerSize {
		return nil
	}

	remSize := leftover - headerSize
	remAddr := addrOf(b) + uintptr(headerSize) + uintptr(used)
	r := makeBlock(remAddr, remSize, true, 0, 0)

	a.spliceAfter(b, r)
	b.size = used

	histInsert(&a.hist, r)
	return r
}
