package salloc

// stats holds the four independently mutated running counters. meta_bytes
// and size_meta_data are derived rather than stored: meta_bytes always equals
// allocated_blocks * size_of_meta (spec invariant 5), so computing it at read
// time guarantees that invariant by construction instead of relying on every
// call site to keep a fifth counter in lockstep.
type stats struct {
	freeBlocks      uint64
	freeBytes       uint64
	allocatedBlocks uint64
	allocatedBytes  uint64
}

// NumFreeBlocks returns the count of free heap blocks.
func (a *Allocator) NumFreeBlocks() uint64 { return a.st.freeBlocks }

// NumFreeBytes returns the summed payload size of free heap blocks.
func (a *Allocator) NumFreeBytes() uint64 { return a.st.freeBytes }

// NumAllocatedBlocks returns the total block count, heap and mmap, free or not.
func (a *Allocator) NumAllocatedBlocks() uint64 { return a.st.allocatedBlocks }

// NumAllocatedBytes returns the summed payload size over all blocks, excluding headers.
func (a *Allocator) NumAllocatedBytes() uint64 { return a.st.allocatedBytes }

// NumMetaDataBytes returns the total header overhead currently in use.
func (a *Allocator) NumMetaDataBytes() uint64 { return a.st.allocatedBlocks * headerSize }

// SizeMetaData returns the fixed per-block header size.
func (a *Allocator) SizeMetaData() uint64 { return headerSize }
