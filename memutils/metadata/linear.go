package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/memutils"
)

// LinearAllocator is a bump allocator over a block of capacity bytes. Allocation is O(1): the
// current offset is aligned, checked against the capacity, and advanced. Individual allocations
// cannot be freed; Free is a no-op and the only way to reclaim memory is Reset, which is also O(1).
//
// This trades memory reuse for speed and is intended for transient data that lives for a frame or
// less.
type LinearAllocator struct {
	BlockMetadataBase

	pointer         memutils.GpuPointer
	used            int
	allocationCount int
}

var _ memutils.Validatable = &LinearAllocator{}

// NewLinearAllocator creates a LinearAllocator managing capacity bytes
func NewLinearAllocator(capacity int) *LinearAllocator {
	return &LinearAllocator{
		BlockMetadataBase: NewBlockMetadata(capacity),
		pointer:           memutils.ZeroPointer,
	}
}

// Allocate places size bytes at the current offset rounded up to align. If that would run past the
// end of the block, a memutils.OutOfMemoryError is returned and the allocator is unchanged.
// Zero-size requests always succeed and return memutils.NullPointer.
func (a *LinearAllocator) Allocate(align uint, size int) (memutils.GpuPointer, error) {
	if size == 0 {
		return memutils.NullPointer, nil
	}
	if size < 0 {
		return memutils.NullPointer, errors.Errorf("allocation size %d is negative", size)
	}
	memutils.DebugCheckPow2(align, "align")

	offset, ok := memutils.TryAlignUp(a.pointer.Offset(), align)
	if !ok || offset > a.Capacity() || size > a.Capacity()-offset {
		return memutils.NullPointer, memutils.OutOfMemoryError{RequestedSize: size}
	}

	aligned := a.pointer.Add(offset - a.pointer.Offset())

	a.pointer = aligned.Add(size)
	a.used += size
	a.allocationCount++

	return aligned, nil
}

// Free does nothing: a linear allocator cannot reclaim individual allocations
func (a *LinearAllocator) Free(ptr memutils.GpuPointer) error {
	return nil
}

// Reset rewinds the allocator to the start of the block
func (a *LinearAllocator) Reset() {
	a.pointer = memutils.ZeroPointer
	a.used = 0
	a.allocationCount = 0
}

// Size returns the number of bytes handed out since the last reset, not including alignment padding
func (a *LinearAllocator) Size() int { return a.used }

// Offset returns the current bump pointer, which includes alignment padding
func (a *LinearAllocator) Offset() int { return a.pointer.Offset() }

// AllocationCount returns the number of allocations made since the last reset
func (a *LinearAllocator) AllocationCount() int { return a.allocationCount }

// IsEmpty returns true if nothing has been allocated since the last reset
func (a *LinearAllocator) IsEmpty() bool { return a.allocationCount == 0 }

func (a *LinearAllocator) Validate() error {
	offset := a.pointer.Offset()
	if offset > a.Capacity() {
		return errors.Errorf("bump pointer %d is past the end of the block (%d)", offset, a.Capacity())
	}
	if a.used > offset {
		return errors.Errorf("used bytes %d exceed the bump pointer %d", a.used, offset)
	}
	if a.allocationCount == 0 && (a.used != 0 || offset != 0) {
		return errors.Errorf("allocator has no allocations but bump pointer is at %d with %d bytes used", offset, a.used)
	}

	return nil
}

// AddStatistics sums this allocator's statistics into stats
func (a *LinearAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(a.Capacity())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.used
}

// AddDetailedStatistics sums this allocator's statistics into stats. The allocator does not remember
// individual allocations, so all of them are reported at their average size, and the space after the
// bump pointer is reported as the only unused range.
func (a *LinearAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(a.Capacity())

	if a.allocationCount > 0 {
		average := a.used / a.allocationCount
		stats.AllocationCount += a.allocationCount
		stats.AllocationBytes += a.used

		if average < stats.AllocationSizeMin {
			stats.AllocationSizeMin = average
		}
		if average > stats.AllocationSizeMax {
			stats.AllocationSizeMax = average
		}
	}

	remaining := a.Capacity() - a.pointer.Offset()
	if remaining > 0 {
		stats.AddUnusedRange(remaining)
	}
}

// BlockJsonData populates a json object with information about this allocator
func (a *LinearAllocator) BlockJsonData(json *jwriter.ObjectState) {
	unusedRanges := 0
	if a.pointer.Offset() < a.Capacity() {
		unusedRanges = 1
	}

	a.BlockMetadataBase.BlockJsonData(json, a.Capacity()-a.used, a.allocationCount, unusedRanges)
	json.Name("Offset").Int(a.pointer.Offset())
}
