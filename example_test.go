package salloc

import "fmt"

func Example() {
	a, err := NewAllocator()
	if err != nil {
		fmt.Println("new allocator:", err)
		return
	}
	defer a.Close()

	p := a.Allocate(100)
	q := a.Zalloc(10, 10)
	fmt.Println("allocated blocks:", a.NumAllocatedBlocks())
	fmt.Println("allocated bytes:", a.NumAllocatedBytes())

	a.Free(p)
	fmt.Println("free blocks after releasing one:", a.NumFreeBlocks())

	grown := a.Reallocate(q, 500)
	fmt.Println("allocated blocks after growing the other:", a.NumAllocatedBlocks())

	a.Free(grown)
	fmt.Println("meta bytes after freeing both:", a.NumMetaDataBytes())

	// Output:
	// allocated blocks: 2
	// allocated bytes: 208
	// free blocks after releasing one: 1
	// allocated blocks after growing the other: 2
	// meta bytes after freeing both: 48
}
