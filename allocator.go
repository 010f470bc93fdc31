package salloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// maxRequest is the largest payload this allocator will ever hand out.
	maxRequest = 100_000_000
	// heapThreshold is the largest payload size served from the heap;
	// anything larger is routed to an independent mmap. Fixed as strict `>`
	// per the spec's resolution of the source's >/>= inconsistency.
	heapThreshold = 128*1024 - 1
)

// Allocator is a single process-local block manager. Unlike a package-level
// singleton, each Allocator owns an isolated heap reservation, so tests (or
// independent subsystems) can run multiple instances side by side.
//
// Allocator is NOT goroutine-safe; see the package doc comment.
type Allocator struct {
	log *zap.Logger

	heap       *heapRegion
	heapHead   uintptr
	wilderness uintptr
	mmapHead   uintptr

	hist histogram
	st   stats

	heapReserve   uint64
	mmapThreshold uint64

	// freedMmap records header addresses already released via the mmap path.
	// Once unmapPages has run, the header's own page is gone, so a repeat
	// Free on the same stale pointer must not dereference it to discover
	// that; this set is the only safe place to check.
	freedMmap map[uintptr]struct{}
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger sets the structured logger used for structural events
// (first heap block, new wilderness block, wilderness extension, mmap
// allocation, heap free) and resource-exhaustion warnings. Splits, merges
// and successful unmaps are not logged. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// WithInitialHeapReserve sets the virtual address range reserved for
// program-break emulation. Defaults to defaultHeapReserve.
func WithInitialHeapReserve(n uint64) Option {
	return func(a *Allocator) { a.heapReserve = n }
}

// WithMmapThreshold overrides the heap/mmap routing threshold. Intended for
// tests that want to exercise the mmap path without building multi-hundred-
// kilobyte fixtures; defaults to the spec constant.
func WithMmapThreshold(n uint64) Option {
	return func(a *Allocator) { a.mmapThreshold = n }
}

// NewAllocator reserves a heap region and returns a ready-to-use Allocator.
func NewAllocator(opts ...Option) (*Allocator, error) {
	a := &Allocator{
		log:           zap.NewNop(),
		heapReserve:   defaultHeapReserve,
		mmapThreshold: heapThreshold,
		freedMmap:     make(map[uintptr]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	h, err := newHeapRegion(a.heapReserve)
	if err != nil {
		return nil, errors.Wrap(err, "construct allocator")
	}
	a.heap = h
	return a, nil
}

// Close releases the heap reservation. The Allocator must not be used
// afterward. Per spec scope, mmap'd blocks still outstanding are the
// caller's responsibility to Free before calling Close.
func (a *Allocator) Close() error {
	return a.heap.close()
}

func (a *Allocator) isMmapBlock(b *block) bool {
	return !a.heap.contains(addrOf(b))
}

// Allocate returns an 8-byte-aligned payload of at least n bytes, or nil if
// n is zero, exceeds the 100,000,000-byte cap, or the kernel refuses the
// underlying extension/mapping.
func (a *Allocator) Allocate(n int) unsafe.Pointer {
	if n <= 0 || uint64(n) > maxRequest {
		return nil
	}
	size := roundUp8(uint64(n))

	if size > a.mmapThreshold {
		return a.allocateMmap(size)
	}
	if a.heapHead == 0 {
		return a.allocateFirstBlock(size)
	}
	if found := findBestFit(&a.hist, size); found != nil {
		return a.allocateFromFreeBlock(found, size)
	}
	if blockAt(a.wilderness).isFree != 0 {
		w, err := a.extendWilderness(size)
		if err != nil {
			a.log.Warn("wilderness extension failed", zap.Uint64("size", size), zap.Error(err))
			return nil
		}
		return payloadOf(w)
	}
	return a.allocateNewWilderness(size)
}

func (a *Allocator) allocateFirstBlock(size uint64) unsafe.Pointer {
	addr, err := a.heap.extend(size + headerSize)
	if err != nil {
		a.log.Warn("heap extension failed", zap.Uint64("size", size), zap.Error(err))
		return nil
	}
	b := makeBlock(addr, size, false, 0, 0)
	a.heapHead = addr
	a.wilderness = addr
	a.st.allocatedBlocks++
	a.st.allocatedBytes += size
	a.log.Debug("first heap block", zap.Uint64("size", size))
	return payloadOf(b)
}

func (a *Allocator) allocateNewWilderness(size uint64) unsafe.Pointer {
	addr, err := a.heap.extend(size + headerSize)
	if err != nil {
		a.log.Warn("heap extension failed", zap.Uint64("size", size), zap.Error(err))
		return nil
	}
	b := makeBlock(addr, size, false, 0, 0)
	a.appendWilderness(b)
	a.st.allocatedBlocks++
	a.st.allocatedBytes += size
	a.log.Debug("new wilderness block", zap.Uint64("size", size))
	return payloadOf(b)
}

func (a *Allocator) allocateFromFreeBlock(found *block, size uint64) unsafe.Pointer {
	histRemove(&a.hist, found)
	found.isFree = 0
	a.st.freeBlocks--
	a.st.freeBytes -= found.size

	if rem := a.split(found, size); rem != nil {
		a.st.allocatedBlocks++
		a.st.freeBlocks++
		a.st.freeBytes += rem.size
		a.st.allocatedBytes -= headerSize
	}
	return payloadOf(found)
}

func (a *Allocator) allocateMmap(size uint64) unsafe.Pointer {
	addr, err := mapPages(size + headerSize)
	if err != nil {
		a.log.Warn("mmap failed", zap.Uint64("size", size), zap.Error(err))
		return nil
	}
	// The kernel may hand back the address of an earlier, already-freed
	// mapping; this block is live, so a later Free must release it.
	delete(a.freedMmap, addr)
	b := makeBlock(addr, size, false, 0, 0)
	a.mmapPrepend(b)
	a.st.allocatedBlocks++
	a.st.allocatedBytes += size
	a.log.Debug("mmap allocation", zap.Uint64("size", size))
	return payloadOf(b)
}

// Zalloc allocates num*size bytes and zero-fills the payload, skipping the
// fill for mmap'd regions (the kernel zero-fills those on mapping).
func (a *Allocator) Zalloc(num, size int) unsafe.Pointer {
	if num <= 0 || size <= 0 {
		return nil
	}
	total := uint64(num) * uint64(size)
	if uint64(size) != 0 && total/uint64(size) != uint64(num) {
		return nil // overflow
	}

	p := a.Allocate(int(total))
	if p == nil {
		return nil
	}
	b := headerOf(p)
	if !a.isMmapBlock(b) {
		clear(unsafe.Slice((*byte)(p), b.size))
	}
	return p
}

// Free releases a previously returned payload. A nil pointer or a pointer to
// an already-free block is a silent no-op.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	b := headerOf(p)

	// isMmapBlock only compares addrOf(b) against the heap reservation's
	// address range; it never dereferences b. That matters here: once an
	// mmap'd block has been unmapped, its header page may no longer be
	// mapped at all, so b's fields must not be read until we know which
	// path below is safe to take.
	if a.isMmapBlock(b) {
		if _, alreadyFreed := a.freedMmap[addrOf(b)]; alreadyFreed {
			return
		}
		a.freeMmap(b)
		return
	}

	if b.isFree != 0 {
		return
	}
	b.isFree = 1
	a.st.freeBlocks++
	a.st.freeBytes += b.size
	histInsert(&a.hist, b)
	a.mergeAfterFree(b)
	a.log.Debug("freed heap block")
}

func (a *Allocator) freeMmap(b *block) {
	addr := addrOf(b)
	size := b.size
	a.mmapUnlink(b)
	a.st.allocatedBlocks--
	a.st.allocatedBytes -= size
	// Record before unmapping: once the page is gone there is nowhere left
	// to store that fact except here.
	a.freedMmap[addr] = struct{}{}
	if err := unmapPages(addr, size+headerSize); err != nil {
		a.log.Warn("munmap failed", zap.Error(err))
	}
}

// extendWilderness grows the wilderness in place to newSize payload bytes,
// extending the heap reservation by the deficit if needed, and marks it
// allocated. Per spec, this never splits: the extension covers exactly the
// request, leaving no remainder to carve off.
func (a *Allocator) extendWilderness(newSize uint64) (*block, error) {
	w := blockAt(a.wilderness)
	wasFree := w.isFree != 0
	prevSize := w.size

	if newSize > w.size {
		delta := newSize - w.size
		if _, err := a.heap.extend(delta); err != nil {
			return nil, err
		}
		a.st.allocatedBytes += delta
	}

	if wasFree {
		histRemove(&a.hist, w)
		a.st.freeBlocks--
		a.st.freeBytes -= prevSize
	}
	w.isFree = 0
	w.size = newSize
	a.log.Debug("wilderness extended", zap.Uint64("new_size", newSize), zap.Bool("was_free", wasFree))
	return w, nil
}

func copyPayload(dst, src unsafe.Pointer, oldSize, newSize uint64) {
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

// Reallocate resizes the block behind oldp to at least n bytes, preserving
// the first min(old_size, n) bytes, and releases oldp. oldp == nil behaves as
// Allocate. Returns nil (leaving oldp untouched) if n is zero, exceeds the
// cap, or no resource suffices.
func (a *Allocator) Reallocate(oldp unsafe.Pointer, n int) unsafe.Pointer {
	if oldp == nil {
		return a.Allocate(n)
	}
	if n <= 0 || uint64(n) > maxRequest {
		return nil
	}
	newSize := roundUp8(uint64(n))
	old := headerOf(oldp)

	if a.isMmapBlock(old) {
		return a.reallocateMmap(old, oldp, newSize)
	}
	return a.reallocateHeap(old, oldp, newSize)
}

func (a *Allocator) reallocateMmap(old *block, oldp unsafe.Pointer, newSize uint64) unsafe.Pointer {
	if newSize == old.size {
		return oldp
	}
	np := a.Allocate(int(newSize))
	if np == nil {
		return nil
	}
	copyPayload(np, oldp, old.size, newSize)
	a.Free(oldp)
	return np
}

func (a *Allocator) reallocateHeap(old *block, oldp unsafe.Pointer, newSize uint64) unsafe.Pointer {
	oldSize := old.size

	// A: shrink or exact fit, pure bookkeeping.
	if newSize <= old.size {
		if rem := a.split(old, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
			// old's higher neighbor may already be free.
			a.mergeAfterFree(rem)
		}
		return oldp
	}

	prev := blockAt(old.addrPrev)
	next := blockAt(old.addrNext)
	prevFree := prev != nil && prev.isFree != 0
	nextFree := next != nil && next.isFree != 0

	// B: merge with the lower free neighbor, move payload down, split.
	if prevFree && old.size+prev.size+headerSize >= newSize {
		prevSize := prev.size
		histRemove(&a.hist, prev)
		survivor := a.absorbPrev(old)
		survivor.isFree = 0
		a.st.freeBlocks--
		a.st.freeBytes -= prevSize
		a.st.allocatedBlocks--
		a.st.allocatedBytes += headerSize

		dst := payloadOf(survivor)
		copyPayload(dst, oldp, oldSize, oldSize)
		if rem := a.split(survivor, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
			// old's higher neighbor may be free too (B is tried before D).
			a.mergeAfterFree(rem)
		}
		return dst
	}

	// C: merge with the higher free neighbor, split.
	if nextFree && old.size+next.size+headerSize >= newSize {
		nextSize := next.size
		histRemove(&a.hist, next)
		survivor := a.absorbNext(old)
		a.st.freeBlocks--
		a.st.freeBytes -= nextSize
		a.st.allocatedBlocks--
		a.st.allocatedBytes += headerSize

		if rem := a.split(survivor, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
		}
		return payloadOf(survivor)
	}

	// D: merge both neighbors, move payload down, split.
	if prevFree && nextFree && old.size+prev.size+next.size+2*headerSize >= newSize {
		prevSize, nextSize := prev.size, next.size
		histRemove(&a.hist, prev)
		histRemove(&a.hist, next)
		survivor := a.absorbNext(a.absorbPrev(old))
		survivor.isFree = 0
		a.st.freeBlocks -= 2
		a.st.freeBytes -= prevSize + nextSize
		a.st.allocatedBlocks -= 2
		a.st.allocatedBytes += 2 * headerSize

		dst := payloadOf(survivor)
		copyPayload(dst, oldp, oldSize, oldSize)
		if rem := a.split(survivor, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
		}
		return dst
	}

	// E: old is the wilderness itself; extend in place, no copy.
	if addrOf(old) == a.wilderness {
		w, err := a.extendWilderness(newSize)
		if err != nil {
			a.log.Warn("wilderness extension failed", zap.Uint64("size", newSize), zap.Error(err))
			return nil
		}
		return payloadOf(w)
	}

	// F: wilderness is free. If it's not yet big enough, grow it; if it
	// already is (a realistic state after an unrelated earlier free),
	// claim it in place like a G-style histogram hit instead of calling
	// extendWilderness, which only ever grows and would otherwise discard
	// the excess as unaccounted, unreachable heap space.
	if w := blockAt(a.wilderness); w.isFree != 0 {
		if newSize > w.size {
			grown, err := a.extendWilderness(newSize)
			if err != nil {
				a.log.Warn("wilderness extension failed", zap.Uint64("size", newSize), zap.Error(err))
				return nil
			}
			dst := payloadOf(grown)
			copyPayload(dst, oldp, oldSize, newSize)
			a.Free(oldp)
			return dst
		}

		histRemove(&a.hist, w)
		w.isFree = 0
		a.st.freeBlocks--
		a.st.freeBytes -= w.size
		dst := payloadOf(w)
		copyPayload(dst, oldp, oldSize, newSize)
		if rem := a.split(w, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
		}
		a.Free(oldp)
		return dst
	}

	// G: any free heap block suffices.
	if found := findBestFit(&a.hist, newSize); found != nil {
		dst := payloadOf(found)
		histRemove(&a.hist, found)
		found.isFree = 0
		a.st.freeBlocks--
		a.st.freeBytes -= found.size
		copyPayload(dst, oldp, oldSize, newSize)
		if rem := a.split(found, newSize); rem != nil {
			a.st.allocatedBlocks++
			a.st.freeBlocks++
			a.st.freeBytes += rem.size
			a.st.allocatedBytes -= headerSize
		}
		a.Free(oldp)
		return dst
	}

	// H: extend the heap with a fresh wilderness block.
	addr, err := a.heap.extend(newSize + headerSize)
	if err != nil {
		a.log.Warn("heap extension failed", zap.Uint64("size", newSize), zap.Error(err))
		return nil
	}
	nb := makeBlock(addr, newSize, false, 0, 0)
	a.appendWilderness(nb)
	a.st.allocatedBlocks++
	a.st.allocatedBytes += newSize

	dst := payloadOf(nb)
	copyPayload(dst, oldp, oldSize, newSize)
	a.Free(oldp)
	return dst
}
