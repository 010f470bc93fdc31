// Package salloc implements a user-space dynamic memory allocator built
// around an address-ordered free list, a size-bucketed histogram for
// best-fit lookup, and a separate mmap path for large requests.
//
// IMPORTANT: Allocator is NOT goroutine-safe. Concurrent access from
// multiple goroutines is not supported and may lead to race conditions.
// It is the responsibility of the caller to implement proper synchronization
// mechanisms when using this allocator in a concurrent environment.
package salloc
