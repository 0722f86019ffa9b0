package pools

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils"
)

// MemoryPool hands out regions of device memory to buffers and images. Allocate returns the native
// memory handle the region lives in together with a GpuPointer locating the region within it; the
// pointer's Offset is the byte offset to bind at. Regions are returned with Free, or all at once
// with Reset.
//
// Zero-size requests always succeed with a null pointer and a nil handle. Freeing a null pointer
// does nothing.
type MemoryPool interface {
	Allocate(requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error)
	Free(ptr memutils.GpuPointer) error
	Reset()
	// Size returns the number of bytes currently allocated from the pool
	Size() int
	// Capacity returns the number of bytes of native memory the pool currently holds
	Capacity() int
}

var (
	_ MemoryPool = &LinearPool{}
	_ MemoryPool = &BlockPool{}
	_ MemoryPool = &MetaPool{}
)

func validateRequirements(requirements MemoryRequirements) error {
	if requirements.Size < 0 {
		return errors.Newf("requested size %d is negative", requirements.Size)
	}

	if requirements.Alignment > uint(memutils.MaxOffset)+1 {
		return errors.Newf("alignment %d is larger than any block", requirements.Alignment)
	}

	return memutils.CheckPow2(requirements.Alignment, "alignment")
}
