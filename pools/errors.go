package pools

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils"
)

var (
	// ErrDeviceOutOfMemory marks errors from Device.AllocateMemory that were caused by the device
	// running out of memory
	ErrDeviceOutOfMemory = errors.New("device out of memory")
	// ErrIncompatibleMemory is returned when a request is made of a pool whose memory block has a
	// memory type or properties that the request cannot accept
	ErrIncompatibleMemory = errors.New("memory block is incompatible with the requested memory type or properties")
	// ErrBlockDestroyed is returned when a memory block or a pool that owns one is used after
	// it was destroyed
	ErrBlockDestroyed = errors.New("memory block has already been destroyed")
)

// OutOfMemoryError is returned when a pool cannot satisfy an allocation
type OutOfMemoryError = memutils.OutOfMemoryError

// UnknownPointerError is returned when a pointer is freed into a pool that did not issue it
type UnknownPointerError = memutils.UnknownPointerError

// UnsupportedRequirementsError is returned when no memory type on the device matches both the
// requested memory type bits and properties
type UnsupportedRequirementsError struct {
	MemoryTypeBits MemoryTypeFlags
	Properties     MemoryPropertyFlags
}

func (e UnsupportedRequirementsError) Error() string {
	return fmt.Sprintf("no memory type in mask 0x%x supports properties %s", uint32(e.MemoryTypeBits), e.Properties)
}

// NativeAllocationError is returned when the device refuses to allocate a new memory block
type NativeAllocationError struct {
	MemoryTypeIndex int
	Size            int
	Err             error
}

func (e NativeAllocationError) Error() string {
	return fmt.Sprintf("could not allocate new block of %d bytes on memory type %d: %v", e.Size, e.MemoryTypeIndex, e.Err)
}

func (e NativeAllocationError) Unwrap() error {
	return e.Err
}
